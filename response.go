package nuonuo

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Response is the business API's reply, or the token refusal that prevented
// the call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       json.RawMessage

	// TokenError is set when the API was not called because the
	// authorization endpoint refused to grant a token.
	TokenError *Token

	okCode string
}

// BusinessResult is the envelope every business method replies with.
type BusinessResult struct {
	Code     string          `json:"code"`
	Describe string          `json:"describe"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// Decode unmarshals the body into v. A token refusal is returned as a
// *GrantError.
func (r *Response) Decode(v any) error {
	if r.TokenError != nil {
		return &GrantError{Code: r.TokenError.Error, Description: r.TokenError.ErrorDescription}
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding response body (status %d): %w", r.StatusCode, err)
	}
	return nil
}

// Result decodes the {code, describe, result} envelope.
func (r *Response) Result() (BusinessResult, error) {
	var result BusinessResult
	err := r.Decode(&result)
	return result, err
}

// OK reports whether the call succeeded at the HTTP level and the business
// code matches the configured success code.
func (r *Response) OK() bool {
	if r.TokenError != nil || r.StatusCode < 200 || r.StatusCode > 299 {
		return false
	}

	result, err := r.Result()
	if err != nil {
		return false
	}
	return result.Code == r.okCode
}
