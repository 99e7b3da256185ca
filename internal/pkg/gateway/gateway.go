// Package gateway talks to the transmission intermediaries that forward
// invoices to the national exchange system.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/TaxDesk/internal/pkg/fatturapa"
)

var ErrUnknownProvider = errors.New("unknown gateway provider")

// Client is the contract every provider implements.
type Client interface {
	Provider() string
	Authenticate(ctx context.Context) (Token, error)
	Submit(ctx context.Context, doc *fatturapa.Document) (*SubmitResult, error)
	FetchStatus(ctx context.Context, providerInvoiceID string) (*StatusResult, error)
}

// Token is a bearer credential. ExpiresAt already includes the safety margin,
// so a token is usable while now is before ExpiresAt.
type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
	Provider  string    `json:"provider"`
}

func (t Token) ValidAt(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

type SubmitResult struct {
	ProviderInvoiceID string
	NativeStatus      string
	Description       string
	Raw               []byte
}

type StatusResult struct {
	NativeStatus string
	Description  string
	// BrokerID is the identifier assigned by the exchange system, when known.
	BrokerID string
	Raw      []byte
}

// AuthenticationError means credentials were rejected or a token could not
// be obtained.
type AuthenticationError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: authentication failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: authentication failed with status %d: %s", e.Provider, e.StatusCode, e.Body)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransmissionError carries the provider's verbatim response so callers can
// surface it unchanged.
type TransmissionError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: transmission failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: transmission failed with status %d: %s", e.Provider, e.StatusCode, e.Body)
}

func (e *TransmissionError) Unwrap() error { return e.Err }

// Registry resolves provider names to clients.
type Registry struct {
	clients  map[string]Client
	fallback string
}

func NewRegistry(defaultProvider string, clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients)), fallback: defaultProvider}
	for _, c := range clients {
		r.clients[c.Provider()] = c
	}
	return r
}

// Get returns the named client; an empty name selects the default.
func (r *Registry) Get(provider string) (Client, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		name = r.fallback
	}
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return c, nil
}

func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	return out
}
