package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultTimeout = 30 * time.Second

func newHTTPClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
}

// authRejected reports whether a response means the token is no longer
// accepted.
func authRejected(resp *resty.Response) bool {
	switch resp.StatusCode() {
	case http.StatusUnauthorized:
		return true
	case http.StatusForbidden:
		return strings.Contains(strings.ToLower(string(resp.Body())), "expired")
	}
	return false
}

// authorized runs call with a cached token. When the provider rejects the
// token the cache is invalidated, a fresh token is minted and the call is
// retried exactly once.
func authorized(ctx context.Context, provider string, tokens *tokenCache, call func(token string) (*resty.Response, error)) (*resty.Response, error) {
	tok, err := tokens.Get(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := call(tok.Value)
	if err != nil {
		return nil, &TransmissionError{Provider: provider, Err: err}
	}
	if !authRejected(resp) {
		return resp, nil
	}

	tokens.Invalidate(ctx, tok.Value)
	tok, err = tokens.Get(ctx)
	if err != nil {
		return nil, err
	}
	resp, err = call(tok.Value)
	if err != nil {
		return nil, &TransmissionError{Provider: provider, Err: err}
	}
	if authRejected(resp) {
		return nil, &AuthenticationError{Provider: provider, StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	return resp, nil
}

func transmissionFailure(provider string, resp *resty.Response) *TransmissionError {
	return &TransmissionError{Provider: provider, StatusCode: resp.StatusCode(), Body: string(resp.Body())}
}
