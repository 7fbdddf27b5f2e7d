// Package signature computes the X-Nuonuo-Sign header for business API
// requests and generates the per-request identifiers it covers.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidPath is returned when a request path does not have the
// /<p>/<l>/<a> shape the canonical string is built from.
var ErrInvalidPath = errors.New("signature: path must have the form /<p>/<l>/<a>")

// Request holds the fields covered by a signature.
type Request struct {
	// Path is the URL path of the business endpoint, e.g. /open/v1/services.
	Path      string
	AppKey    string
	Senid     string
	Nonce     int
	Timestamp int64

	// Body is the JSON-serialized payload exactly as sent.
	Body string
}

// Canonical returns the string that is signed for the request.
func Canonical(r Request) (string, error) {
	p, l, a, err := splitPath(r.Path)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("a=")
	b.WriteString(a)
	b.WriteString("&l=")
	b.WriteString(l)
	b.WriteString("&p=")
	b.WriteString(p)
	b.WriteString("&k=")
	b.WriteString(r.AppKey)
	b.WriteString("&i=")
	b.WriteString(r.Senid)
	b.WriteString("&n=")
	b.WriteString(strconv.Itoa(r.Nonce))
	b.WriteString("&t=")
	b.WriteString(strconv.FormatInt(r.Timestamp, 10))
	b.WriteString("&f=")
	b.WriteString(r.Body)

	return b.String(), nil
}

// Sign computes the HMAC-SHA1 of the canonical string keyed by appSecret,
// base64 encoded and then percent-encoded for use as a header value.
func Sign(appSecret string, r Request) (string, error) {
	canonical, err := Canonical(r)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha1.New, []byte(appSecret))
	mac.Write([]byte(canonical))
	digest := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return url.QueryEscape(digest), nil
}

// Verify reports whether signature is valid for the request. The comparison
// is constant time.
func Verify(appSecret string, r Request, signature string) (bool, error) {
	expected, err := Sign(appSecret, r)
	if err != nil {
		return false, err
	}

	return hmac.Equal([]byte(expected), []byte(signature)), nil
}

// splitPath extracts the p, l and a segments. A single trailing slash is
// tolerated; any other deviation is rejected rather than producing a
// signature the server will refuse.
func splitPath(path string) (p, l, a string, err error) {
	path = strings.TrimSuffix(path, "/")

	pieces := strings.Split(path, "/")
	if len(pieces) != 4 || pieces[0] != "" {
		return "", "", "", fmt.Errorf("%w: got %q", ErrInvalidPath, path)
	}

	for _, piece := range pieces[1:] {
		if piece == "" {
			return "", "", "", fmt.Errorf("%w: got %q", ErrInvalidPath, path)
		}
	}

	return pieces[1], pieces[2], pieces[3], nil
}

// NewSenid returns a 32 character lowercase hex identifier, unique per
// request.
func NewSenid() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewNonce returns a random positive eight digit integer.
func NewNonce() int {
	return 10_000_000 + rand.IntN(90_000_000)
}
