// Package sdistatus maps provider-native transmission codes onto the
// internal invoice status vocabulary.
package sdistatus

import "strings"

type Status string

const (
	Submitted        Status = "submitted"
	AcceptedByBroker Status = "accepted_by_broker"
	Delivered        Status = "delivered"
	NotDelivered     Status = "not_delivered"
	Rejected         Status = "rejected"
	Accepted         Status = "accepted"
	Error            Status = "error"
	PendingCheck     Status = "pending_check"
)

const (
	ProviderBrokerA = "broker_a"
	ProviderBrokerB = "broker_b"
	ProviderDirect  = "direct"
)

// Keys are stored upper-cased; lookups normalize the native code first.
var tables = map[string]map[string]Status{
	ProviderBrokerA: {
		"INVIATA":         Submitted,
		"PRESA_IN_CARICO": AcceptedByBroker,
		"RC":              Delivered,
		"CONSEGNATA":      Delivered,
		"MC":              NotDelivered,
		"NON_CONSEGNATA":  NotDelivered,
		"NS":              Error,
		"SCARTATA":        Error,
		"NE_EC01":         Accepted,
		"ACCETTATA":       Accepted,
		"NE_EC02":         Rejected,
		"RIFIUTATA":       Rejected,
		"DT":              Delivered,
		"AT":              NotDelivered,
		"ERRORE":          Error,
	},
	ProviderBrokerB: {
		"NEW":           Submitted,
		"SENT":          Submitted,
		"DELIVERED":     Delivered,
		"NOT-DELIVERED": NotDelivered,
		"DISCARDED":     Error,
		"ACCEPTED":      Accepted,
		"REFUSED":       Rejected,
		"ERROR":         Error,
	},
	ProviderDirect: {
		"INVIATO":      Submitted,
		"RICEVUTO_SDI": AcceptedByBroker,
		"RC":           Delivered,
		"MC":           NotDelivered,
		"NS":           Error,
		"NE/EC01":      Accepted,
		"EC01":         Accepted,
		"NE/EC02":      Rejected,
		"EC02":         Rejected,
		"DT":           Delivered,
		"AT":           NotDelivered,
	},
}

// Translate returns the internal status for a provider's native code.
// Unknown providers and unknown codes map to PendingCheck.
func Translate(provider, nativeCode string) Status {
	s, _ := Lookup(provider, nativeCode)
	return s
}

// Lookup is Translate plus a flag reporting whether the code was known.
func Lookup(provider, nativeCode string) (Status, bool) {
	table, ok := tables[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return PendingCheck, false
	}
	s, ok := table[strings.ToUpper(strings.TrimSpace(nativeCode))]
	if !ok {
		return PendingCheck, false
	}
	return s, true
}

// IsTerminal reports whether no further change is expected without a
// resubmission.
func (s Status) IsTerminal() bool {
	switch s {
	case Delivered, NotDelivered, Rejected, Accepted, Error:
		return true
	}
	return false
}

// Providers lists the providers with a translation table.
func Providers() []string {
	return []string{ProviderBrokerA, ProviderBrokerB, ProviderDirect}
}
