package einvoice

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"github.com/redis/go-redis/v9"
)

const (
	journalPrefix = "taxdesk:einvoice:journal:"
	claimPrefix   = "taxdesk:einvoice:claim:"
	journalTTL    = 7 * 24 * time.Hour
	claimTTL      = 5 * time.Minute
)

// Journal records what a provider accepted before the local write happens,
// so a retried request can finish persistence without a second remote
// submission.
type Journal interface {
	// Claim reserves a key for one in-flight submission.
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
	Record(ctx context.Context, key string, inv *models.TransmittedInvoice) error
	Lookup(ctx context.Context, key string) (*models.TransmittedInvoice, bool, error)
}

// journalEntry carries the fields the model hides from JSON.
type journalEntry struct {
	Invoice        models.TransmittedInvoice `json:"invoice"`
	IdempotencyKey *string                   `json:"idempotency_key"`
	Payload        string                    `json:"payload"`
	ArchiveKey     string                    `json:"archive_key"`
	Version        uint                      `json:"version"`
}

func newJournalEntry(inv *models.TransmittedInvoice) journalEntry {
	return journalEntry{
		Invoice:        *inv,
		IdempotencyKey: inv.IdempotencyKey,
		Payload:        inv.Payload,
		ArchiveKey:     inv.ArchiveKey,
		Version:        inv.Version,
	}
}

func (e journalEntry) restore() *models.TransmittedInvoice {
	inv := e.Invoice
	inv.IdempotencyKey = e.IdempotencyKey
	inv.Payload = e.Payload
	inv.ArchiveKey = e.ArchiveKey
	inv.Version = e.Version
	return &inv
}

type redisJournal struct {
	client *redis.Client
}

func NewRedisJournal(client *redis.Client) Journal {
	return &redisJournal{client: client}
}

func (j *redisJournal) Claim(ctx context.Context, key string) (bool, error) {
	return j.client.SetNX(ctx, claimPrefix+key, time.Now().Unix(), claimTTL).Result()
}

func (j *redisJournal) Release(ctx context.Context, key string) error {
	return j.client.Del(ctx, claimPrefix+key).Err()
}

func (j *redisJournal) Record(ctx context.Context, key string, inv *models.TransmittedInvoice) error {
	raw, err := json.Marshal(newJournalEntry(inv))
	if err != nil {
		return err
	}
	return j.client.Set(ctx, journalPrefix+key, raw, journalTTL).Err()
}

func (j *redisJournal) Lookup(ctx context.Context, key string) (*models.TransmittedInvoice, bool, error) {
	raw, err := j.client.Get(ctx, journalPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e journalEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, err
	}
	return e.restore(), true, nil
}

// MemoryJournal is a process-local Journal.
type MemoryJournal struct {
	mu      sync.Mutex
	claims  map[string]struct{}
	entries map[string]journalEntry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{claims: map[string]struct{}{}, entries: map[string]journalEntry{}}
}

func (j *MemoryJournal) Claim(_ context.Context, key string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.claims[key]; ok {
		return false, nil
	}
	j.claims[key] = struct{}{}
	return true, nil
}

func (j *MemoryJournal) Release(_ context.Context, key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.claims, key)
	return nil
}

func (j *MemoryJournal) Record(_ context.Context, key string, inv *models.TransmittedInvoice) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[key] = newJournalEntry(inv)
	return nil
}

func (j *MemoryJournal) Lookup(_ context.Context, key string) (*models.TransmittedInvoice, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[key]
	if !ok {
		return nil, false, nil
	}
	return e.restore(), true, nil
}
