package einvoice

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ManuelReschke/TaxDesk/internal/pkg/fatturapa"
)

var (
	ErrNotFound             = errors.New("transmitted invoice not found")
	ErrStaleRecord          = errors.New("transmitted invoice was modified concurrently")
	ErrSubmissionInProgress = errors.New("a submission with this idempotency key is in progress")
)

// ValidationFailed lists every problem found in a draft.
type ValidationFailed struct {
	Errors []fatturapa.ValidationError
}

func (e *ValidationFailed) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, v := range e.Errors {
		msgs = append(msgs, v.Error())
	}
	return "invoice validation failed: " + strings.Join(msgs, "; ")
}

// PersistenceError means the provider accepted the invoice but the local
// record could not be written. ProviderInvoiceID is what an operator needs
// to reconcile by hand.
type PersistenceError struct {
	Provider          string
	ProviderInvoiceID string
	ProgressivoInvio  string
	Err               error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("invoice accepted by %s as %s but not recorded locally: %v", e.Provider, e.ProviderInvoiceID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
