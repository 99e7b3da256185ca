package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ManuelReschke/TaxDesk/internal/pkg/fatturapa"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/sdistatus"
	"github.com/go-resty/resty/v2"
)

type BrokerAConfig struct {
	BaseURL      string
	Username     string
	Password     string
	APIKey       string
	SafetyMargin time.Duration
	Timeout      time.Duration
}

// BrokerA accepts the signed-off XML as a base64 file upload. Its login
// expects the password base64-encoded inside the basic credentials.
type BrokerA struct {
	cfg    BrokerAConfig
	http   *resty.Client
	tokens *tokenCache
}

func NewBrokerA(cfg BrokerAConfig, store TokenStore, opts ...Option) *BrokerA {
	o := applyOptions(opts)
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	c := &BrokerA{cfg: cfg, http: newHTTPClient(cfg.BaseURL, cfg.Timeout)}
	c.tokens = newTokenCache(sdistatus.ProviderBrokerA, store, o.now, cfg.Timeout, c.login)
	return c
}

func (c *BrokerA) Provider() string { return sdistatus.ProviderBrokerA }

func (c *BrokerA) Authenticate(ctx context.Context) (Token, error) {
	return c.tokens.Get(ctx)
}

type brokerALoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

func (c *BrokerA) login(ctx context.Context) (Token, error) {
	inner := base64.StdEncoding.EncodeToString([]byte(c.cfg.Password))
	creds := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username + ":" + inner))

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Basic "+creds).
		SetHeader("X-Api-Key", c.cfg.APIKey).
		Post("/auth/login")
	if err != nil {
		return Token{}, &AuthenticationError{Provider: c.Provider(), Err: err}
	}
	if resp.IsError() {
		return Token{}, &AuthenticationError{Provider: c.Provider(), StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}

	var out brokerALoginResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return Token{}, &AuthenticationError{Provider: c.Provider(), Err: fmt.Errorf("decode login response: %w", err)}
	}
	if out.Token == "" {
		return Token{}, &AuthenticationError{Provider: c.Provider(), Err: errors.New("login response carried no token")}
	}
	lifetime := time.Duration(out.ExpiresIn) * time.Second
	return Token{
		Value:     out.Token,
		ExpiresAt: expiryFor(c.tokens.now(), lifetime, c.cfg.SafetyMargin),
		Provider:  c.Provider(),
	}, nil
}

type brokerAInvoiceResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
	SDIID   string `json:"sdi_id"`
}

func (c *BrokerA) Submit(ctx context.Context, doc *fatturapa.Document) (*SubmitResult, error) {
	body := map[string]string{
		"filename": doc.FileName,
		"file":     base64.StdEncoding.EncodeToString(doc.XML),
	}
	resp, err := authorized(ctx, c.Provider(), c.tokens, func(token string) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetHeader("Content-Type", "application/json").
			SetBody(body).
			Post("/invoices")
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, transmissionFailure(c.Provider(), resp)
	}

	var out brokerAInvoiceResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil || out.ID == "" {
		return nil, &TransmissionError{Provider: c.Provider(), StatusCode: resp.StatusCode(), Body: string(resp.Body()), Err: errors.New("response carried no invoice id")}
	}
	return &SubmitResult{
		ProviderInvoiceID: out.ID,
		NativeStatus:      out.Status,
		Description:       out.Message,
		Raw:               resp.Body(),
	}, nil
}

func (c *BrokerA) FetchStatus(ctx context.Context, providerInvoiceID string) (*StatusResult, error) {
	resp, err := authorized(ctx, c.Provider(), c.tokens, func(token string) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			Get("/invoices/" + url.PathEscape(providerInvoiceID))
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, transmissionFailure(c.Provider(), resp)
	}

	var out brokerAInvoiceResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, &TransmissionError{Provider: c.Provider(), StatusCode: resp.StatusCode(), Body: string(resp.Body()), Err: err}
	}
	return &StatusResult{NativeStatus: out.Status, Description: out.Message, BrokerID: out.SDIID, Raw: resp.Body()}, nil
}
