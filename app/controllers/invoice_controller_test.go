package controllers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/einvoice"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/fatturapa"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/gateway"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/sdistatus"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/sequence"
)

type fakeGateway struct {
	name      string
	mu        sync.Mutex
	submitted int
	submitErr error
	statuses  map[string]gateway.StatusResult
}

func (f *fakeGateway) Provider() string { return f.name }

func (f *fakeGateway) Authenticate(context.Context) (gateway.Token, error) {
	return gateway.Token{Value: "t", Provider: f.name, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeGateway) Submit(context.Context, *fatturapa.Document) (*gateway.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted++
	return &gateway.SubmitResult{ProviderInvoiceID: fmt.Sprintf("%s-%d", f.name, f.submitted)}, nil
}

func (f *fakeGateway) FetchStatus(_ context.Context, id string) (*gateway.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[id]
	if !ok {
		return nil, &gateway.TransmissionError{Provider: f.name, StatusCode: 404, Body: `{"error":"unknown invoice"}`}
	}
	return &st, nil
}

func (f *fakeGateway) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted
}

type invoiceFixture struct {
	app    *fiber.App
	client *fakeGateway
	users  *stubUserRepo
}

func newInvoiceFixture(t *testing.T) *invoiceFixture {
	t.Helper()
	client := &fakeGateway{name: sdistatus.ProviderBrokerA, statuses: map[string]gateway.StatusResult{}}
	svc := einvoice.NewService(einvoice.Deps{
		Repo:           einvoice.NewMemoryRepository(),
		Gateways:       gateway.NewRegistry(sdistatus.ProviderBrokerA, client),
		Sequences:      sequence.NewMemoryStore(),
		Counters:       counter.NewMemoryCounter(),
		Now:            func() time.Time { return time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC) },
		PersistBackoff: time.Millisecond,
	})
	users := newStubUserRepo()
	users.add(&models.User{ID: 7, Name: "Mario Rossi", Status: models.STATUS_ACTIVE}, sellerSettings())

	ic := NewInvoiceController(svc, users, time.Second)
	app := fiber.New()
	api := app.Group("/api/v1", asUser(7, false))
	api.Post("/invoices", ic.HandleSubmitInvoice)
	api.Get("/invoices/:id", ic.HandleGetInvoice)
	api.Post("/invoices/:id/sync-status", ic.HandleSyncInvoiceStatus)

	return &invoiceFixture{app: app, client: client, users: users}
}

func invoiceBody() map[string]interface{} {
	return map[string]interface{}{
		"date": "2024-03-05",
		"buyer": map[string]interface{}{
			"name":           "Acme S.r.l.",
			"fiscal_code":    "09876543210",
			"recipient_code": "ABC1234",
			"address": map[string]interface{}{
				"street": "Corso Milano 10", "postal_code": "20100", "city": "Milano", "province": "MI",
			},
		},
		"lines": []map[string]interface{}{
			{"description": "Consulenza", "quantity": "1", "unit_price": "1000", "vat_rate": "0"},
		},
	}
}

func TestInvoiceController_Submit(t *testing.T) {
	f := newInvoiceFixture(t)

	resp, body := doJSON(t, f.app, fiber.MethodPost, "/api/v1/invoices", invoiceBody(), nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "INV-2024-0001", body["invoice_number"])
	assert.Equal(t, "20240305_0001", body["progressivo_invio"])
	assert.Equal(t, "broker_a-1", body["provider_invoice_id"])
	assert.Equal(t, string(sdistatus.Submitted), body["status"])
	assert.Equal(t, "2024-03-05", body["document_date"])
	assert.Equal(t, 1, f.client.count())
}

func TestInvoiceController_IdempotentReplay(t *testing.T) {
	f := newInvoiceFixture(t)
	headers := map[string]string{"Idempotency-Key": "order-42"}

	first, firstBody := doJSON(t, f.app, fiber.MethodPost, "/api/v1/invoices", invoiceBody(), headers)
	require.Equal(t, fiber.StatusCreated, first.StatusCode)

	again, againBody := doJSON(t, f.app, fiber.MethodPost, "/api/v1/invoices", invoiceBody(), headers)
	require.Equal(t, fiber.StatusOK, again.StatusCode)
	assert.Equal(t, "true", again.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, firstBody["uuid"], againBody["uuid"])
	assert.Equal(t, 1, f.client.count())
}

func TestInvoiceController_SubmitErrors(t *testing.T) {
	t.Run("validation lists every problem", func(t *testing.T) {
		f := newInvoiceFixture(t)
		body := invoiceBody()
		body["buyer"].(map[string]interface{})["address"].(map[string]interface{})["postal_code"] = "1"
		body["lines"].([]map[string]interface{})[0]["vat_rate"] = nil

		resp, out := doJSON(t, f.app, fiber.MethodPost, "/api/v1/invoices", body, nil)
		require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, "validation_failed", out["error"])
		assert.Len(t, out["errors"], 2)
		assert.Equal(t, 0, f.client.count())
	})

	t.Run("malformed date", func(t *testing.T) {
		f := newInvoiceFixture(t)
		body := invoiceBody()
		body["date"] = "05/03/2024"

		resp, out := doJSON(t, f.app, fiber.MethodPost, "/api/v1/invoices", body, nil)
		require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
		errs := out["errors"].([]interface{})
		require.Len(t, errs, 1)
		assert.Equal(t, "date", errs[0].(map[string]interface{})["field"])
	})

	t.Run("not json", func(t *testing.T) {
		f := newInvoiceFixture(t)
		resp, _ := doJSON(t, f.app, fiber.MethodPost, "/api/v1/invoices", []byte("{"), nil)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown provider", func(t *testing.T) {
		f := newInvoiceFixture(t)
		body := invoiceBody()
		body["provider"] = "carrier_pigeon"

		resp, out := doJSON(t, f.app, fiber.MethodPost, "/api/v1/invoices", body, nil)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "unknown_provider", out["error"])
	})

	t.Run("provider rejection is passed through", func(t *testing.T) {
		f := newInvoiceFixture(t)
		f.client.submitErr = &gateway.TransmissionError{Provider: sdistatus.ProviderBrokerA, StatusCode: 400, Body: `{"message":"partita IVA non valida"}`}

		resp, out := doJSON(t, f.app, fiber.MethodPost, "/api/v1/invoices", invoiceBody(), nil)
		assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "transmission_failed", out["error"])
		assert.Equal(t, `{"message":"partita IVA non valida"}`, out["provider_response"])
		assert.EqualValues(t, 400, out["provider_status"])
	})

	t.Run("gateway credentials rejected", func(t *testing.T) {
		f := newInvoiceFixture(t)
		f.client.submitErr = &gateway.AuthenticationError{Provider: sdistatus.ProviderBrokerA, StatusCode: 401, Body: "bad credentials"}

		resp, out := doJSON(t, f.app, fiber.MethodPost, "/api/v1/invoices", invoiceBody(), nil)
		assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "gateway_authentication_failed", out["error"])
	})
}

func TestInvoiceController_GetAndSync(t *testing.T) {
	f := newInvoiceFixture(t)
	resp, created := doJSON(t, f.app, fiber.MethodPost, "/api/v1/invoices", invoiceBody(), nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	for _, ref := range []string{fmt.Sprint(created["id"]), created["uuid"].(string), "broker_a-1"} {
		resp, out := doJSON(t, f.app, fiber.MethodGet, "/api/v1/invoices/"+ref, nil, nil)
		require.Equal(t, fiber.StatusOK, resp.StatusCode, ref)
		assert.Equal(t, created["uuid"], out["uuid"])
	}

	resp, _ = doJSON(t, f.app, fiber.MethodGet, "/api/v1/invoices/999", nil, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	f.client.statuses["broker_a-1"] = gateway.StatusResult{NativeStatus: "CONSEGNATA", Description: "Consegnata", BrokerID: "SDI-123"}
	resp, synced := doJSON(t, f.app, fiber.MethodPost, "/api/v1/invoices/broker_a-1/sync-status", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, string(sdistatus.Delivered), synced["status"])
	assert.Equal(t, "CONSEGNATA", synced["native_status"])
	assert.Equal(t, "SDI-123", synced["sdi_identifier"])
	assert.NotNil(t, synced["last_sync_at"])

	resp, _ = doJSON(t, f.app, fiber.MethodPost, "/api/v1/invoices/nope/sync-status", nil, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
