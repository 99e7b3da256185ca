// Package einvoice submits invoices through a gateway and keeps the local
// record of every transmission in step with the provider.
package einvoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/archive"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/fatturapa"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/gateway"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/sdistatus"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/sequence"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

const (
	defaultPersistAttempts = 3
	defaultPersistBackoff  = 200 * time.Millisecond
	maxSyncAttempts        = 3
)

// Archiver stores a copy of a transmitted document.
type Archiver interface {
	PutInvoice(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type Deps struct {
	Repo     Repository
	Gateways *gateway.Registry
	// Sequences backs invoice numbering and transmission attempt counters.
	Sequences sequence.Store
	Journal   Journal
	Archive   Archiver
	Counters  counter.Recorder
	Now       func() time.Time
	// PersistAttempts and PersistBackoff tune the local write after a
	// successful remote submission.
	PersistAttempts int
	PersistBackoff  time.Duration
}

type Service struct {
	repo            Repository
	gateways        *gateway.Registry
	sequences       sequence.Store
	numbers         *sequence.Numberer
	journal         Journal
	archive         Archiver
	counters        counter.Recorder
	now             func() time.Time
	persistAttempts int
	persistBackoff  time.Duration
}

func NewService(d Deps) *Service {
	s := &Service{
		repo:            d.Repo,
		gateways:        d.Gateways,
		sequences:       d.Sequences,
		numbers:         sequence.NewNumberer(d.Sequences),
		journal:         d.Journal,
		archive:         d.Archive,
		counters:        d.Counters,
		now:             d.Now,
		persistAttempts: d.PersistAttempts,
		persistBackoff:  d.PersistBackoff,
	}
	if s.journal == nil {
		s.journal = NewMemoryJournal()
	}
	if s.counters == nil {
		s.counters = counter.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.persistAttempts <= 0 {
		s.persistAttempts = defaultPersistAttempts
	}
	if s.persistBackoff <= 0 {
		s.persistBackoff = defaultPersistBackoff
	}
	return s
}

type SubmitInput struct {
	UserID         uint
	Provider       string
	Seller         fatturapa.Seller
	Draft          fatturapa.Draft
	IdempotencyKey string
}

type Submission struct {
	Invoice *models.TransmittedInvoice
	// Replayed is set when the result comes from an earlier request with the
	// same idempotency key.
	Replayed bool
}

// Submit validates, numbers, renders and transmits a draft, then records it.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Submission, error) {
	if in.UserID == 0 {
		return nil, errors.New("user_id is required")
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if sub, err := s.replay(ctx, in.UserID, key); sub != nil || err != nil {
			return sub, err
		}
		claimed, err := s.journal.Claim(ctx, s.journalKey(in.UserID, key))
		if err != nil {
			log.Warnf("[EInvoice] Could not claim idempotency key for user %d: %v", in.UserID, err)
		} else if !claimed {
			return nil, ErrSubmissionInProgress
		} else {
			defer func() {
				if err := s.journal.Release(context.Background(), s.journalKey(in.UserID, key)); err != nil {
					log.Warnf("[EInvoice] Could not release idempotency key for user %d: %v", in.UserID, err)
				}
			}()
		}
	}

	client, err := s.gateways.Get(in.Provider)
	if err != nil {
		return nil, err
	}

	draft := in.Draft
	probe := draft
	if strings.TrimSpace(probe.Number) == "" {
		probe.Number = sequence.Format(probe.Date.Year(), 0)
	}
	if _, errs := fatturapa.Render(probe, in.Seller); len(errs) > 0 {
		return nil, &ValidationFailed{Errors: errs}
	}

	if strings.TrimSpace(draft.Number) == "" {
		year := draft.Date.Year()
		draft.Number, err = s.numbers.Next(ctx, fmt.Sprintf("%s:%d", sequence.InvoiceScope(year), in.UserID), year)
		if err != nil {
			return nil, err
		}
	}
	attempt, err := s.sequences.Next(ctx, fmt.Sprintf("progressivo:%d:%s:%s", in.UserID, draft.Number, draft.Date.Format("20060102")))
	if err != nil {
		return nil, fmt.Errorf("draw transmission attempt: %w", err)
	}
	draft.Transmission = int(attempt)

	doc, errs := fatturapa.Render(draft, in.Seller)
	if len(errs) > 0 {
		return nil, &ValidationFailed{Errors: errs}
	}

	res, err := client.Submit(ctx, doc)
	if err != nil {
		log.Errorf("[EInvoice] %s rejected invoice %s (%s) for user %d: %v", client.Provider(), draft.Number, doc.Invoice.ProgressivoInvio, in.UserID, err)
		s.counters.Incr(ctx, counter.Key("submission", client.Provider(), "failed"))
		return nil, err
	}

	rec, err := s.newRecord(ctx, in.UserID, client.Provider(), key, doc, res)
	if err != nil {
		return nil, err
	}
	s.archiveDocument(ctx, rec, doc)

	if key != "" {
		if err := s.journal.Record(ctx, s.journalKey(in.UserID, key), rec); err != nil {
			log.Warnf("[EInvoice] Journal write failed for %s/%s: %v", rec.Provider, rec.ProviderInvoiceID, err)
		}
	}
	if err := s.persist(ctx, rec); err != nil {
		return nil, err
	}

	s.counters.Incr(ctx, counter.Key("submission", rec.Provider, "accepted"))
	log.Infof("[EInvoice] Invoice %s transmitted via %s as %s (%s)", rec.InvoiceNumber, rec.Provider, rec.ProviderInvoiceID, rec.Status)
	return &Submission{Invoice: rec}, nil
}

// replay answers a repeated request from the stored record, or finishes the
// local write from the journal when the first attempt stopped after the
// remote submission.
func (s *Service) replay(ctx context.Context, userID uint, key string) (*Submission, error) {
	existing, err := s.repo.FindByIdempotencyKey(ctx, userID, key)
	if err == nil {
		return &Submission{Invoice: existing, Replayed: true}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	rec, ok, err := s.journal.Lookup(ctx, s.journalKey(userID, key))
	if err != nil {
		log.Warnf("[EInvoice] Journal read failed for user %d: %v", userID, err)
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	log.Infof("[EInvoice] Completing journaled submission %s/%s for user %d", rec.Provider, rec.ProviderInvoiceID, userID)
	rec.ID = 0
	if err := s.persist(ctx, rec); err != nil {
		return nil, err
	}
	return &Submission{Invoice: rec, Replayed: true}, nil
}

func (s *Service) journalKey(userID uint, key string) string {
	return strconv.FormatUint(uint64(userID), 10) + ":" + key
}

func (s *Service) newRecord(ctx context.Context, userID uint, provider, key string, doc *fatturapa.Document, res *gateway.SubmitResult) (*models.TransmittedInvoice, error) {
	status := sdistatus.Submitted
	if strings.TrimSpace(res.NativeStatus) != "" {
		status = s.translate(ctx, provider, res.NativeStatus)
	}

	payload, format := string(doc.XML), models.PayloadFormatXML
	if provider == sdistatus.ProviderBrokerB {
		raw, err := json.Marshal(doc.Invoice)
		if err != nil {
			return nil, fmt.Errorf("encode invoice payload: %w", err)
		}
		payload, format = string(raw), models.PayloadFormatJSON
	}

	date, _ := time.Parse("2006-01-02", doc.Invoice.Date)
	rec := &models.TransmittedInvoice{
		UUID:              uuid.NewString(),
		UserID:            userID,
		Provider:          provider,
		ProviderInvoiceID: res.ProviderInvoiceID,
		InvoiceNumber:     doc.Invoice.Number,
		DocumentDate:      date,
		ProgressivoInvio:  doc.Invoice.ProgressivoInvio,
		FileName:          doc.FileName,
		Payload:           payload,
		PayloadFormat:     format,
		NetTotal:          doc.Invoice.Totals.Net,
		TaxTotal:          doc.Invoice.Totals.Tax,
		GrossTotal:        doc.Invoice.Totals.Gross,
		Status:            string(status),
		NativeStatus:      res.NativeStatus,
		NativeDescription: res.Description,
		Version:           1,
	}
	if key != "" {
		rec.IdempotencyKey = &key
	}
	return rec, nil
}

func (s *Service) archiveDocument(ctx context.Context, rec *models.TransmittedInvoice, doc *fatturapa.Document) {
	if s.archive == nil {
		return
	}
	objectKey, err := s.archive.PutInvoice(ctx, archive.ObjectKey(rec.UserID, rec.DocumentDate, doc.FileName), doc.XML, "application/xml")
	if err != nil {
		log.Warnf("[EInvoice] Archive of %s failed: %v", doc.FileName, err)
		return
	}
	rec.ArchiveKey = objectKey
}

func (s *Service) persist(ctx context.Context, rec *models.TransmittedInvoice) error {
	var err error
	for attempt := 1; attempt <= s.persistAttempts; attempt++ {
		if err = s.repo.Create(ctx, rec); err == nil {
			return nil
		}
		log.Warnf("[EInvoice] Persisting %s/%s failed (attempt %d/%d): %v", rec.Provider, rec.ProviderInvoiceID, attempt, s.persistAttempts, err)
		if attempt < s.persistAttempts && s.persistBackoff > 0 {
			select {
			case <-ctx.Done():
				attempt = s.persistAttempts
			case <-time.After(s.persistBackoff * time.Duration(attempt)):
			}
		}
	}
	log.Errorf("[EInvoice] UNRECORDED TRANSMISSION user=%d provider=%s provider_invoice_id=%s number=%s progressivo=%s: %v",
		rec.UserID, rec.Provider, rec.ProviderInvoiceID, rec.InvoiceNumber, rec.ProgressivoInvio, err)
	s.counters.Incr(ctx, counter.Key("submission", rec.Provider, "unrecorded"))
	return &PersistenceError{
		Provider:          rec.Provider,
		ProviderInvoiceID: rec.ProviderInvoiceID,
		ProgressivoInvio:  rec.ProgressivoInvio,
		Err:               err,
	}
}

func (s *Service) translate(ctx context.Context, provider, native string) sdistatus.Status {
	status, known := sdistatus.Lookup(provider, native)
	if !known {
		log.Warnf("[EInvoice] No translation for %s status %q, marking %s", provider, native, status)
		s.counters.Incr(ctx, counter.Key("translation_gap", provider, native))
	}
	return status
}

// Get loads a record by local id, UUID or provider id.
func (s *Service) Get(ctx context.Context, userID uint, ref string) (*models.TransmittedInvoice, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrNotFound
	}
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		rec, err := s.repo.FindByID(ctx, userID, uint(id))
		if !errors.Is(err, ErrNotFound) {
			return rec, err
		}
	}
	if _, err := uuid.Parse(ref); err == nil {
		rec, err := s.repo.FindByUUID(ctx, userID, ref)
		if !errors.Is(err, ErrNotFound) {
			return rec, err
		}
	}
	return s.repo.FindByProviderID(ctx, userID, ref)
}

// SyncStatus fetches the provider status of one record and stores it.
func (s *Service) SyncStatus(ctx context.Context, userID uint, ref string) (*models.TransmittedInvoice, error) {
	rec, err := s.Get(ctx, userID, ref)
	if err != nil {
		return nil, err
	}
	if err := s.sync(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SyncPending refreshes up to limit non-terminal records and returns how
// many were updated.
func (s *Service) SyncPending(ctx context.Context, limit int) (int, error) {
	recs, err := s.repo.ListPendingSync(ctx, limit)
	if err != nil {
		return 0, err
	}
	updated := 0
	for i := range recs {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}
		if err := s.sync(ctx, &recs[i]); err != nil {
			log.Warnf("[EInvoice] Status sync of %s/%s failed: %v", recs[i].Provider, recs[i].ProviderInvoiceID, err)
			continue
		}
		updated++
	}
	return updated, nil
}

func (s *Service) sync(ctx context.Context, rec *models.TransmittedInvoice) error {
	client, err := s.gateways.Get(rec.Provider)
	if err != nil {
		return err
	}
	st, err := client.FetchStatus(ctx, rec.ProviderInvoiceID)
	if err != nil {
		return err
	}

	update := StatusUpdate{
		Status:            sdistatus.Status(rec.Status),
		NativeStatus:      st.NativeStatus,
		NativeDescription: st.Description,
		SDIIdentifier:     rec.SDIIdentifier,
		SyncedAt:          s.now(),
	}
	if strings.TrimSpace(st.NativeStatus) != "" {
		update.Status = s.translate(ctx, rec.Provider, st.NativeStatus)
	}
	if st.BrokerID != "" {
		update.SDIIdentifier = st.BrokerID
	}

	for attempt := 1; ; attempt++ {
		err = s.repo.UpdateStatus(ctx, rec, update)
		if !errors.Is(err, ErrStaleRecord) || attempt == maxSyncAttempts {
			return err
		}
		fresh, ferr := s.repo.FindByID(ctx, 0, rec.ID)
		if ferr != nil {
			return ferr
		}
		*rec = *fresh
	}
}
