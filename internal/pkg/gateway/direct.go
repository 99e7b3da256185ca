package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/TaxDesk/internal/pkg/fatturapa"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/sdistatus"
	"github.com/go-resty/resty/v2"
)

const (
	headerAuthToken   = "X-Auth-Token"
	headerAuthExpires = "X-Auth-Expires"
)

type DirectConfig struct {
	BaseURL      string
	Username     string
	Password     string
	SafetyMargin time.Duration
	Timeout      time.Duration
}

// Direct posts raw XML to an exchange-system endpoint. The session token and
// its expiry travel in response headers and rotate on every call.
type Direct struct {
	cfg    DirectConfig
	http   *resty.Client
	tokens *tokenCache
}

func NewDirect(cfg DirectConfig, store TokenStore, opts ...Option) *Direct {
	o := applyOptions(opts)
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	c := &Direct{cfg: cfg, http: newHTTPClient(cfg.BaseURL, cfg.Timeout)}
	c.tokens = newTokenCache(sdistatus.ProviderDirect, store, o.now, cfg.Timeout, c.signIn)
	return c
}

func (c *Direct) Provider() string { return sdistatus.ProviderDirect }

func (c *Direct) Authenticate(ctx context.Context) (Token, error) {
	return c.tokens.Get(ctx)
}

func (c *Direct) signIn(ctx context.Context) (Token, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.Username, c.cfg.Password).
		Post("/auth/signin")
	if err != nil {
		return Token{}, &AuthenticationError{Provider: c.Provider(), Err: err}
	}
	if resp.IsError() {
		return Token{}, &AuthenticationError{Provider: c.Provider(), StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	tok, ok := c.tokenFromHeaders(resp)
	if !ok {
		return Token{}, &AuthenticationError{Provider: c.Provider(), StatusCode: resp.StatusCode(), Err: errors.New("sign-in response carried no token header")}
	}
	return tok, nil
}

// tokenFromHeaders reads the rotated token. X-Auth-Expires is either an
// RFC 3339 instant or a lifetime in seconds.
func (c *Direct) tokenFromHeaders(resp *resty.Response) (Token, bool) {
	value := strings.TrimSpace(resp.Header().Get(headerAuthToken))
	if value == "" {
		return Token{}, false
	}
	now := c.tokens.now()
	var lifetime time.Duration
	raw := strings.TrimSpace(resp.Header().Get(headerAuthExpires))
	if at, err := time.Parse(time.RFC3339, raw); err == nil {
		lifetime = at.Sub(now)
	} else if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		lifetime = time.Duration(secs) * time.Second
	}
	return Token{
		Value:     value,
		ExpiresAt: expiryFor(now, lifetime, c.cfg.SafetyMargin),
		Provider:  c.Provider(),
	}, true
}

func (c *Direct) call(ctx context.Context, fn func(req *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	resp, err := authorized(ctx, c.Provider(), c.tokens, func(token string) (*resty.Response, error) {
		return fn(c.http.R().SetContext(ctx).SetHeader(headerAuthToken, token))
	})
	if err != nil {
		return nil, err
	}
	if tok, ok := c.tokenFromHeaders(resp); ok && !resp.IsError() {
		c.tokens.Set(ctx, tok)
	}
	return resp, nil
}

type directInvoiceResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Description string `json:"description"`
	SDIID       string `json:"sdi_id"`
}

func (c *Direct) Submit(ctx context.Context, doc *fatturapa.Document) (*SubmitResult, error) {
	resp, err := c.call(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetHeader("Content-Type", "application/xml").
			SetHeader("X-File-Name", doc.FileName).
			SetBody(doc.XML).
			Post("/sdi/invoices")
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, transmissionFailure(c.Provider(), resp)
	}
	var out directInvoiceResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil || out.ID == "" {
		return nil, &TransmissionError{Provider: c.Provider(), StatusCode: resp.StatusCode(), Body: string(resp.Body()), Err: errors.New("response carried no invoice id")}
	}
	return &SubmitResult{ProviderInvoiceID: out.ID, NativeStatus: out.Status, Description: out.Description, Raw: resp.Body()}, nil
}

func (c *Direct) FetchStatus(ctx context.Context, providerInvoiceID string) (*StatusResult, error) {
	resp, err := c.call(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.Get("/sdi/invoices/" + url.PathEscape(providerInvoiceID) + "/status")
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, transmissionFailure(c.Provider(), resp)
	}
	var out directInvoiceResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, &TransmissionError{Provider: c.Provider(), StatusCode: resp.StatusCode(), Body: string(resp.Body()), Err: err}
	}
	return &StatusResult{NativeStatus: out.Status, Description: out.Description, BrokerID: out.SDIID, Raw: resp.Body()}, nil
}
