package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ManuelReschke/TaxDesk/internal/pkg/fatturapa"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/sdistatus"
	"github.com/go-resty/resty/v2"
	"github.com/gofiber/fiber/v2/log"
)

type BrokerBConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	SafetyMargin time.Duration
	Timeout      time.Duration
}

// BrokerB takes structured JSON invoices under a per-seller company record,
// which is created on first use.
type BrokerB struct {
	cfg     BrokerBConfig
	http    *resty.Client
	tokens  *tokenCache
	tenants TenantStore
}

func NewBrokerB(cfg BrokerBConfig, store TokenStore, tenants TenantStore, opts ...Option) *BrokerB {
	o := applyOptions(opts)
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if tenants == nil {
		tenants = NewMemoryTenantStore()
	}
	c := &BrokerB{cfg: cfg, http: newHTTPClient(cfg.BaseURL, cfg.Timeout), tenants: tenants}
	c.tokens = newTokenCache(sdistatus.ProviderBrokerB, store, o.now, cfg.Timeout, c.requestToken)
	return c
}

func (c *BrokerB) Provider() string { return sdistatus.ProviderBrokerB }

func (c *BrokerB) Authenticate(ctx context.Context) (Token, error) {
	return c.tokens.Get(ctx)
}

type brokerBTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *BrokerB) requestToken(ctx context.Context) (Token, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		Post("/oauth/token")
	if err != nil {
		return Token{}, &AuthenticationError{Provider: c.Provider(), Err: err}
	}
	if resp.IsError() {
		return Token{}, &AuthenticationError{Provider: c.Provider(), StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	var out brokerBTokenResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return Token{}, &AuthenticationError{Provider: c.Provider(), Err: fmt.Errorf("decode token response: %w", err)}
	}
	if out.AccessToken == "" {
		return Token{}, &AuthenticationError{Provider: c.Provider(), Err: errors.New("token response carried no access token")}
	}
	return Token{
		Value:     out.AccessToken,
		ExpiresAt: expiryFor(c.tokens.now(), time.Duration(out.ExpiresIn)*time.Second, c.cfg.SafetyMargin),
		Provider:  c.Provider(),
	}, nil
}

type brokerBCompany struct {
	ID string `json:"id"`
}

type brokerBCompanyList struct {
	Data []brokerBCompany `json:"data"`
}

type brokerBCompanyRequest struct {
	VATNumber  string            `json:"vat_number"`
	FiscalCode string            `json:"fiscal_code"`
	Name       string            `json:"name"`
	TaxRegime  string            `json:"tax_regime"`
	Address    fatturapa.Address `json:"address"`
}

// companyFor resolves the provider company of the seller. The lookup is best
// effort: any failure falls through to creation.
func (c *BrokerB) companyFor(ctx context.Context, seller fatturapa.Seller) (string, error) {
	if id, ok, err := c.tenants.Get(ctx, c.Provider(), seller.VATNumber); err != nil {
		log.Warnf("[Gateway] broker_b tenant store read failed for %s: %v", seller.VATNumber, err)
	} else if ok {
		return id, nil
	}

	if id, err := c.findCompany(ctx, seller.VATNumber); err != nil {
		log.Warnf("[Gateway] broker_b company lookup for %s failed, creating: %v", seller.VATNumber, err)
	} else if id != "" {
		c.remember(ctx, seller.VATNumber, id)
		return id, nil
	}

	resp, err := authorized(ctx, c.Provider(), c.tokens, func(token string) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetHeader("Content-Type", "application/json").
			SetBody(brokerBCompanyRequest{
				VATNumber:  seller.VATNumber,
				FiscalCode: seller.FiscalCode,
				Name:       seller.LegalName,
				TaxRegime:  seller.TaxRegime,
				Address:    seller.Address,
			}).
			Post("/companies")
	})
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", transmissionFailure(c.Provider(), resp)
	}
	var created brokerBCompany
	if err := json.Unmarshal(resp.Body(), &created); err != nil || created.ID == "" {
		return "", &TransmissionError{Provider: c.Provider(), StatusCode: resp.StatusCode(), Body: string(resp.Body()), Err: errors.New("company creation returned no id")}
	}
	c.remember(ctx, seller.VATNumber, created.ID)
	return created.ID, nil
}

func (c *BrokerB) findCompany(ctx context.Context, vatNumber string) (string, error) {
	resp, err := authorized(ctx, c.Provider(), c.tokens, func(token string) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetQueryParam("vat_number", vatNumber).
			Get("/companies")
	})
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", transmissionFailure(c.Provider(), resp)
	}
	var list brokerBCompanyList
	if err := json.Unmarshal(resp.Body(), &list); err != nil {
		return "", err
	}
	if len(list.Data) == 0 {
		return "", nil
	}
	return list.Data[0].ID, nil
}

func (c *BrokerB) remember(ctx context.Context, vatNumber, id string) {
	if err := c.tenants.Put(ctx, c.Provider(), vatNumber, id); err != nil {
		log.Warnf("[Gateway] broker_b tenant store write failed for %s: %v", vatNumber, err)
	}
}

type brokerBInvoiceResponse struct {
	UUID          string `json:"uuid"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	SDIIdentifier string `json:"sdi_identifier"`
}

func (c *BrokerB) Submit(ctx context.Context, doc *fatturapa.Document) (*SubmitResult, error) {
	companyID, err := c.companyFor(ctx, doc.Invoice.Seller)
	if err != nil {
		return nil, err
	}
	resp, err := authorized(ctx, c.Provider(), c.tokens, func(token string) (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetHeader("Content-Type", "application/json").
			SetBody(doc.Invoice).
			Post("/companies/" + url.PathEscape(companyID) + "/invoices")
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, transmissionFailure(c.Provider(), resp)
	}
	var out brokerBInvoiceResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil || out.UUID == "" {
		return nil, &TransmissionError{Provider: c.Provider(), StatusCode: resp.StatusCode(), Body: string(resp.Body()), Err: errors.New("response carried no invoice uuid")}
	}
	return &SubmitResult{ProviderInvoiceID: out.UUID, NativeStatus: out.Status, Description: out.Message, Raw: resp.Body()}, nil
}

func (c *BrokerB) FetchStatus(ctx context.Context, providerInvoiceID string) (*StatusResult, error) {
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
	var out brokerBInvoiceResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, &TransmissionError{Provider: c.Provider(), StatusCode: resp.StatusCode(), Body: string(resp.Body()), Err: err}
	}
	return &StatusResult{NativeStatus: out.Status, Description: out.Message, BrokerID: out.SDIIdentifier, Raw: resp.Body()}, nil
}
