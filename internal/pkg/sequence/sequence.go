// Package sequence issues gap-tolerant, duplicate-free counters for invoice
// numbers and transmission attempts.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
)

var (
	ErrInvalidNumber = errors.New("invalid invoice number")

	numberRe = regexp.MustCompile(`^INV-(\d{4})-(\d{4,})$`)
)

// Store hands out the next value of a scope. Implementations must be atomic
// across concurrent callers.
type Store interface {
	Next(ctx context.Context, scope string) (int64, error)
}

// Format renders an invoice number like INV-2024-0007.
func Format(year int, n int64) string {
	return fmt.Sprintf("INV-%d-%04d", year, n)
}

// Parse splits an invoice number produced by Format.
func Parse(number string) (year int, n int64, err error) {
	m := numberRe.FindStringSubmatch(number)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidNumber, number)
	}
	year, _ = strconv.Atoi(m[1])
	n, err = strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidNumber, number)
	}
	return year, n, nil
}

func InvoiceScope(year int) string {
	return fmt.Sprintf("invoice:%d", year)
}

// Numberer issues invoice numbers from an atomic Store.
type Numberer struct {
	store Store
}

func NewNumberer(store Store) *Numberer {
	return &Numberer{store: store}
}

func (n *Numberer) Next(ctx context.Context, scope string, year int) (string, error) {
	v, err := n.store.Next(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("next invoice number for %s: %w", scope, err)
	}
	return Format(year, v), nil
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]int64{}}
}

func (s *MemoryStore) Next(_ context.Context, scope string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[scope]++
	return s.values[scope], nil
}
