package sequence

import (
	"context"
	"fmt"
)

type numberLister interface {
	NumbersForYear(ctx context.Context, year int) ([]string, error)
}

// scanNumberer is the naive scan-and-increment: the next number is the
// highest existing one plus one. Two callers that scan before either inserts
// get the same number, which TestScanNumberer_ConcurrentIssuanceDuplicates
// shows.
type scanNumberer struct {
	lister numberLister
}

func newScanNumberer(lister numberLister) *scanNumberer {
	return &scanNumberer{lister: lister}
}

func (s *scanNumberer) Next(ctx context.Context, year int) (string, error) {
	numbers, err := s.lister.NumbersForYear(ctx, year)
	if err != nil {
		return "", fmt.Errorf("list numbers for %d: %w", year, err)
	}
	var highest int64
	for _, number := range numbers {
		y, n, err := Parse(number)
		if err != nil || y != year {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return Format(year, highest+1), nil
}
