package transport_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/nuonuo-sdk/nuonuo-go/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPCaller_PostsBodyAndHeaders(t *testing.T) {
	var (
		gotMethod string
		gotHeader http.Header
		gotBody   string
		gotQuery  url.Values
	)
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Clone()
		gotQuery = r.URL.Query()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		w.Header().Set("X-Trace", "abc")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"code":"E0000"}`))
	}))
	defer svr.Close()

	caller := transport.NewHTTPCaller(svr.Client())
	resp, err := caller.Call(context.Background(), svr.URL+"/open/v1/services?senid=abc", transport.Request{
		Header: http.Header{
			"Content-Type": []string{"application/json"},
			"method":       []string{"nuonuo.OpeMplatform.queryInvoiceResult"},
		},
		Body: []byte(`{"a":1}`),
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "nuonuo.OpeMplatform.queryInvoiceResult", gotHeader.Get("method"))
	assert.Equal(t, `{"a":1}`, gotBody)
	assert.Equal(t, "abc", gotQuery.Get("senid"))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc", resp.Header.Get("X-Trace"))
	assert.JSONEq(t, `{"code":"E0000"}`, string(resp.Body))
}

func TestHTTPCaller_NonSuccessStatusIsNotAnError(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer svr.Close()

	resp, err := transport.NewHTTPCaller(nil).Call(context.Background(), svr.URL, transport.Request{})
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"error":"invalid_client"}`, string(resp.Body))
}

func TestHTTPCaller_TransportFailure(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := svr.URL + "/accessToken?secret=1"
	svr.Close()

	_, err := transport.NewHTTPCaller(nil).Call(context.Background(), target, transport.Request{})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret=1")
}

func TestHTTPCaller_ContextCancelled(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer svr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := transport.NewHTTPCaller(svr.Client()).Call(ctx, svr.URL, transport.Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFormRequest(t *testing.T) {
	req := transport.FormRequest(url.Values{
		"client_id":  []string{"sandbox"},
		"grant_type": []string{"client_credentials"},
	})

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))
	assert.Equal(t, "client_id=sandbox&grant_type=client_credentials", string(req.Body))
}

func TestCallerFunc(t *testing.T) {
	var gotURL string
	caller := transport.CallerFunc(func(_ context.Context, url string, _ transport.Request) (*transport.Response, error) {
		gotURL = url
		return &transport.Response{StatusCode: http.StatusTeapot}, nil
	})

	resp, err := caller.Call(context.Background(), "https://example.com", transport.Request{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "https://example.com", gotURL)
}
