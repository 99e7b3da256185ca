package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuelReschke/TaxDesk/internal/pkg/fatturapa"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testDocument(t *testing.T) *fatturapa.Document {
	t.Helper()
	zero := decimal.Zero
	doc, errs := fatturapa.Render(fatturapa.Draft{
		Number: "INV-2024-0001",
		Date:   time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		Buyer: fatturapa.Buyer{
			Name:          "Acme S.r.l.",
			FiscalCode:    "09876543210",
			RecipientCode: "ABC1234",
			Address:       fatturapa.Address{Street: "Corso Milano 10", PostalCode: "20100", City: "Milano", Province: "MI"},
		},
		Lines: []fatturapa.LineItem{{Description: "Consulenza", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(1000), VATRate: &zero}},
	}, fatturapa.Seller{
		VATNumber:  "01234567890",
		FiscalCode: "RSSMRA80A01H501U",
		LegalName:  "Mario Rossi",
		Address:    fatturapa.Address{Street: "Via Roma 1", PostalCode: "00100", City: "Roma", Province: "RM"},
	})
	require.Empty(t, errs)
	return doc
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// brokerAServer hands out tok-1, tok-2, ... With rejectFirst the first
// submission is refused as unauthorized; with rejectAll every one is.
type brokerAServer struct {
	logins      atomic.Int32
	submits     atomic.Int32
	expiresIn   int64
	rejectFirst bool
	rejectAll   bool
	lastAuth    atomic.Value
	loginKey    atomic.Value
	// keyedCalls counts non-login requests that carried X-Api-Key.
	keyedCalls atomic.Int32
}

func (s *brokerAServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		s.lastAuth.Store(r.Header.Get("Authorization"))
		s.loginKey.Store(r.Header.Get("X-Api-Key"))
		n := s.logins.Add(1)
		tok := fmt.Sprintf("tok-%d", n)
		writeJSON(w, http.StatusOK, map[string]interface{}{"token": tok, "expires_in": s.expiresIn})
	})
	mux.HandleFunc("/invoices/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "" {
			s.keyedCalls.Add(1)
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": strings.TrimPrefix(r.URL.Path, "/invoices/"), "status": "CONSEGNATA"})
	})
	mux.HandleFunc("/invoices", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "" {
			s.keyedCalls.Add(1)
		}
		n := s.submits.Add(1)
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer tok-"))
		if s.rejectAll || (s.rejectFirst && n == 1) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "token invalid"})
			return
		}
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, err := base64.StdEncoding.DecodeString(body["file"])
		require.NoError(t, err)
		writeJSON(w, http.StatusCreated, map[string]string{"id": "a-" + body["filename"], "status": "INVIATA"})
	})
	return mux
}

func TestBrokerA_LoginCredentialsAndTokenReuse(t *testing.T) {
	srv := &brokerAServer{expiresIn: 3600}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	c := NewBrokerA(BrokerAConfig{BaseURL: ts.URL, Username: "user", Password: "secret", APIKey: "k"}, NewMemoryTokenStore())
	doc := testDocument(t)

	for i := 0; i < 3; i++ {
		res, err := c.Submit(context.Background(), doc)
		require.NoError(t, err)
		assert.Equal(t, "a-"+doc.FileName, res.ProviderInvoiceID)
		assert.Equal(t, "INVIATA", res.NativeStatus)
	}
	assert.Equal(t, int32(1), srv.logins.Load())

	inner := base64.StdEncoding.EncodeToString([]byte("secret"))
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:"+inner))
	assert.Equal(t, want, srv.lastAuth.Load())
}

func TestBrokerA_APIKeyOnlyOnLogin(t *testing.T) {
	srv := &brokerAServer{expiresIn: 3600}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	c := NewBrokerA(BrokerAConfig{BaseURL: ts.URL, Username: "user", Password: "secret", APIKey: "k"}, NewMemoryTokenStore())

	res, err := c.Submit(context.Background(), testDocument(t))
	require.NoError(t, err)
	status, err := c.FetchStatus(context.Background(), res.ProviderInvoiceID)
	require.NoError(t, err)
	assert.Equal(t, "CONSEGNATA", status.NativeStatus)

	assert.Equal(t, "k", srv.loginKey.Load())
	assert.Equal(t, int32(0), srv.keyedCalls.Load())
}

func TestBrokerA_TokenExpiryUsesSafetyMargin(t *testing.T) {
	srv := &brokerAServer{expiresIn: 3600}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	clock := newFakeClock()
	c := NewBrokerA(BrokerAConfig{BaseURL: ts.URL, SafetyMargin: 5 * time.Minute}, NewMemoryTokenStore(), WithClock(clock.Now))

	tok, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(55*time.Minute), tok.ExpiresAt)

	clock.Advance(54 * time.Minute)
	_, err = c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.logins.Load())

	clock.Advance(time.Minute)
	tok, err = c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.logins.Load())
	assert.Equal(t, "tok-2", tok.Value)
}

func TestBrokerA_ConcurrentCallersMintOnce(t *testing.T) {
	var logins atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		time.Sleep(50 * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]interface{}{"token": "shared", "expires_in": 3600})
	}))
	defer ts.Close()

	c := NewBrokerA(BrokerAConfig{BaseURL: ts.URL}, NewMemoryTokenStore())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := c.Authenticate(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "shared", tok.Value)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), logins.Load())
}

func TestTokenCache_CancelledCallerDoesNotFailSharedMint(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var mintErr atomic.Value
	clock := newFakeClock()
	cache := newTokenCache("test", NewMemoryTokenStore(), clock.Now, time.Second, func(ctx context.Context) (Token, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
			mintErr.Store(ctx.Err())
			return Token{}, ctx.Err()
		}
		return Token{Value: "shared", ExpiresAt: clock.Now().Add(time.Hour)}, nil
	})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Get(firstCtx)
		firstErr <- err
	}()
	<-started

	type result struct {
		tok Token
		err error
	}
	second := make(chan result, 1)
	go func() {
		tok, err := cache.Get(context.Background())
		second <- result{tok, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, "shared", res.tok.Value)
	assert.Nil(t, mintErr.Load())
}

func TestTokenCache_SharedMintIsBounded(t *testing.T) {
	cache := newTokenCache("test", NewMemoryTokenStore(), nil, 20*time.Millisecond, func(ctx context.Context) (Token, error) {
		<-ctx.Done()
		return Token{}, ctx.Err()
	})

	_, err := cache.Get(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBrokerA_RetriesOnceAfterRejectedToken(t *testing.T) {
	srv := &brokerAServer{expiresIn: 3600, rejectFirst: true}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	c := NewBrokerA(BrokerAConfig{BaseURL: ts.URL}, NewMemoryTokenStore())
	res, err := c.Submit(context.Background(), testDocument(t))
	require.NoError(t, err)
	assert.NotEmpty(t, res.ProviderInvoiceID)
	assert.Equal(t, int32(2), srv.logins.Load())
	assert.Equal(t, int32(2), srv.submits.Load())
}

func TestBrokerA_GivesUpAfterOneRetry(t *testing.T) {
	srv := &brokerAServer{expiresIn: 3600, rejectAll: true}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	c := NewBrokerA(BrokerAConfig{BaseURL: ts.URL}, NewMemoryTokenStore())
	_, err := c.Submit(context.Background(), testDocument(t))

	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	assert.Equal(t, int32(2), srv.submits.Load())
}

func TestBrokerA_ForbiddenHandling(t *testing.T) {
	var submits atomic.Int32
	var expired atomic.Bool
	expired.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"token": "t", "expires_in": 3600})
	})
	mux.HandleFunc("/invoices", func(w http.ResponseWriter, r *http.Request) {
		n := submits.Add(1)
		if expired.Load() && n == 1 {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "Token expired"})
			return
		}
		if !expired.Load() {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"error":"seller not enabled"}`)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": "x"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := NewBrokerA(BrokerAConfig{BaseURL: ts.URL}, NewMemoryTokenStore())
	_, err := c.Submit(context.Background(), testDocument(t))
	require.NoError(t, err)
	assert.Equal(t, int32(2), submits.Load())

	expired.Store(false)
	submits.Store(0)
	_, err = c.Submit(context.Background(), testDocument(t))
	var txErr *TransmissionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, http.StatusForbidden, txErr.StatusCode)
	assert.Equal(t, `{"error":"seller not enabled"}`, txErr.Body)
	assert.Equal(t, int32(1), submits.Load())
}

func TestBrokerA_LoginFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, "bad credentials")
	}))
	defer ts.Close()

	c := NewBrokerA(BrokerAConfig{BaseURL: ts.URL}, NewMemoryTokenStore())
	_, err := c.Authenticate(context.Background())
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "bad credentials", authErr.Body)
}

func TestExpiryFor(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(55*time.Minute), expiryFor(now, time.Hour, 5*time.Minute))
	assert.Equal(t, now.Add(30*time.Second), expiryFor(now, time.Minute, 5*time.Minute))
	assert.Equal(t, now, expiryFor(now, 0, 5*time.Minute))
	assert.True(t, expiryFor(now, 10*time.Minute, 10*time.Minute).Before(now.Add(10*time.Minute)))
}

func TestBrokerB_CreatesCompanyWhenLookupFails(t *testing.T) {
	var tokenCalls, lookups, creates, submits atomic.Int32
	var submitted map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client", user)
		assert.Equal(t, "s3cret", pass)
		writeJSON(w, http.StatusOK, map[string]interface{}{"access_token": "b-token", "expires_in": 7200})
	})
	mux.HandleFunc("/companies", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			lookups.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		case http.MethodPost:
			creates.Add(1)
			writeJSON(w, http.StatusCreated, map[string]string{"id": "c-1"})
		}
	})
	mux.HandleFunc("/companies/c-1/invoices", func(w http.ResponseWriter, r *http.Request) {
		submits.Add(1)
		assert.Equal(t, "Bearer b-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
		writeJSON(w, http.StatusCreated, map[string]string{"uuid": "uuid-1", "status": "new"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	tenants := NewMemoryTenantStore()
	c := NewBrokerB(BrokerBConfig{BaseURL: ts.URL, ClientID: "client", ClientSecret: "s3cret"}, NewMemoryTokenStore(), tenants)
	doc := testDocument(t)

	res, err := c.Submit(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", res.ProviderInvoiceID)
	assert.Equal(t, "new", res.NativeStatus)
	assert.Equal(t, doc.Invoice.ProgressivoInvio, submitted["transmission_id"])

	_, err = c.Submit(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, int32(1), tokenCalls.Load())
	assert.Equal(t, int32(1), lookups.Load())
	assert.Equal(t, int32(1), creates.Load())
	assert.Equal(t, int32(2), submits.Load())

	id, ok, err := tenants.Get(context.Background(), "broker_b", "01234567890")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c-1", id)
}

func TestBrokerB_ReusesExistingCompany(t *testing.T) {
	var creates atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"access_token": "b", "expires_in": 7200})
	})
	mux.HandleFunc("/companies", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			creates.Add(1)
		}
		assert.Equal(t, "01234567890", r.URL.Query().Get("vat_number"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": []map[string]string{{"id": "existing"}}})
	})
	mux.HandleFunc("/companies/existing/invoices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]string{"uuid": "u", "status": "sent"})
	})
	mux.HandleFunc("/invoices/u", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"uuid": "u", "status": "delivered", "sdi_identifier": "123456"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := NewBrokerB(BrokerBConfig{BaseURL: ts.URL}, NewMemoryTokenStore(), nil)
	res, err := c.Submit(context.Background(), testDocument(t))
	require.NoError(t, err)
	assert.Equal(t, "u", res.ProviderInvoiceID)
	assert.Equal(t, int32(0), creates.Load())

	st, err := c.FetchStatus(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, "delivered", st.NativeStatus)
	assert.Equal(t, "123456", st.BrokerID)
}

func TestDirect_RotatesTokenFromHeaders(t *testing.T) {
	var signIns atomic.Int32
	var seen []string
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		signIns.Add(1)
		w.Header().Set("X-Auth-Token", "d-1")
		w.Header().Set("X-Auth-Expires", "3600")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/sdi/invoices", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("X-Auth-Token"))
		mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "<p:FatturaElettronica")
		assert.Equal(t, "application/xml", r.Header.Get("Content-Type"))
		w.Header().Set("X-Auth-Token", "d-2")
		w.Header().Set("X-Auth-Expires", "3600")
		writeJSON(w, http.StatusAccepted, map[string]string{"id": "sdi-9", "status": "INVIATO"})
	})
	mux.HandleFunc("/sdi/invoices/sdi-9/status", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("X-Auth-Token"))
		mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"status": "RC", "sdi_id": "777"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := NewDirect(DirectConfig{BaseURL: ts.URL, Username: "u", Password: "p"}, NewMemoryTokenStore())
	res, err := c.Submit(context.Background(), testDocument(t))
	require.NoError(t, err)
	assert.Equal(t, "sdi-9", res.ProviderInvoiceID)

	st, err := c.FetchStatus(context.Background(), "sdi-9")
	require.NoError(t, err)
	assert.Equal(t, "RC", st.NativeStatus)
	assert.Equal(t, "777", st.BrokerID)

	assert.Equal(t, int32(1), signIns.Load())
	assert.Equal(t, []string{"d-1", "d-2"}, seen)
}

func TestRegistry(t *testing.T) {
	a := NewBrokerA(BrokerAConfig{BaseURL: "http://a"}, nil)
	d := NewDirect(DirectConfig{BaseURL: "http://d"}, nil)
	r := NewRegistry("broker_a", a, d)

	c, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, "broker_a", c.Provider())

	c, err = r.Get(" DIRECT ")
	require.NoError(t, err)
	assert.Equal(t, "direct", c.Provider())

	_, err = r.Get("broker_b")
	assert.True(t, errors.Is(err, ErrUnknownProvider))
	assert.ElementsMatch(t, []string{"broker_a", "direct"}, r.Providers())
}
