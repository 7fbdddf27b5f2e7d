package testhelpers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/justinas/alice"
	"github.com/nuonuo-sdk/nuonuo-go/internal/signature"
)

const (
	AuthPath = "/accessToken"
	APIPath  = "/open/v1/services"

	// SignatureErrorCode is the business code returned for a bad signature.
	SignatureErrorCode = "SIGN_INVALID"
)

// APIRequest is a business call captured by the mock server.
type APIRequest struct {
	Header         http.Header
	Query          url.Values
	Body           string
	SignatureValid bool
}

// MockNuonuoServer serves the authorization and business endpoints. The
// business endpoint checks the X-Nuonuo-Sign header against the request.
type MockNuonuoServer struct {
	Server    *httptest.Server
	AppKey    string
	AppSecret string

	mu sync.Mutex

	// TokenResponse is returned by the authorization endpoint.
	TokenResponse any
	TokenStatus   int

	// APIResponse is returned by the business endpoint when the signature
	// is valid.
	APIResponse any

	authRequests []url.Values
	apiRequests  []APIRequest
}

// SetupMockNuonuoServer starts a mock platform for the given application.
func SetupMockNuonuoServer(t *testing.T, appKey, appSecret string) *MockNuonuoServer {
	t.Helper()

	mock := &MockNuonuoServer{
		AppKey:    appKey,
		AppSecret: appSecret,
		TokenResponse: map[string]any{
			"access_token": "mock-access-token",
			"expires_in":   86400,
		},
		TokenStatus: http.StatusOK,
		APIResponse: map[string]any{
			"code":     "E0000",
			"describe": "success",
			"result":   map[string]any{"invoiceSerialNum": "20260301000001"},
		},
	}

	postOnly := alice.New(requirePost, maxRequestSize(64<<10))

	router := http.NewServeMux()
	router.Handle(AuthPath, postOnly.ThenFunc(mock.handleToken))
	router.Handle(APIPath, postOnly.ThenFunc(mock.handleAPI))

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Server.Close)

	return mock
}

// AuthURL is the authorization endpoint.
func (m *MockNuonuoServer) AuthURL() string {
	return m.Server.URL + AuthPath
}

// APIURL is the business endpoint.
func (m *MockNuonuoServer) APIURL() string {
	return m.Server.URL + APIPath
}

// SetTokenResponse replaces the authorization endpoint's reply.
func (m *MockNuonuoServer) SetTokenResponse(status int, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TokenStatus = status
	m.TokenResponse = payload
}

// SetAPIResponse replaces the business endpoint's reply.
func (m *MockNuonuoServer) SetAPIResponse(payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.APIResponse = payload
}

// AuthRequests returns the forms posted to the authorization endpoint.
func (m *MockNuonuoServer) AuthRequests() []url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]url.Values(nil), m.authRequests...)
}

// APIRequests returns the business calls received.
func (m *MockNuonuoServer) APIRequests() []APIRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]APIRequest(nil), m.apiRequests...)
}

func (m *MockNuonuoServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.authRequests = append(m.authRequests, r.PostForm)
	status, payload := m.TokenStatus, m.TokenResponse
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (m *MockNuonuoServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	valid := m.verify(r.URL.Path, query, string(body), r.Header.Get("X-Nuonuo-Sign"))

	m.mu.Lock()
	m.apiRequests = append(m.apiRequests, APIRequest{
		Header:         r.Header.Clone(),
		Query:          query,
		Body:           string(body),
		SignatureValid: valid,
	})
	payload := m.APIResponse
	m.mu.Unlock()

	if !valid {
		WriteJSON(w, map[string]string{
			"code":     SignatureErrorCode,
			"describe": "signature verification failed",
		})
		return
	}

	WriteJSON(w, payload)
}

func (m *MockNuonuoServer) verify(path string, query url.Values, body, sign string) bool {
	if query.Get("appkey") != m.AppKey {
		return false
	}

	nonce, err := strconv.Atoi(query.Get("nonce"))
	if err != nil {
		return false
	}
	timestamp, err := strconv.ParseInt(query.Get("timestamp"), 10, 64)
	if err != nil {
		return false
	}

	ok, err := signature.Verify(m.AppSecret, signature.Request{
		Path:      path,
		AppKey:    m.AppKey,
		Senid:     query.Get("senid"),
		Nonce:     nonce,
		Timestamp: timestamp,
		Body:      body,
	}, sign)

	return err == nil && ok
}

func requirePost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func maxRequestSize(limit int64) alice.Constructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
