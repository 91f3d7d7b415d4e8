package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// OutcomeStatus is the coarse state of an idempotency record.
type OutcomeStatus string

const (
	OutcomePending   OutcomeStatus = "pending"
	OutcomeSubmitted OutcomeStatus = "submitted"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome is the result of a submission attempt for one key.
// Encoded as "pending", "submitted:<venueOrderId>" or "failed:<reason>".
type Outcome struct {
	Status       OutcomeStatus
	VenueOrderID string
	Reason       string
}

// Pending is the claim marker written before the venue call.
func Pending() Outcome { return Outcome{Status: OutcomePending} }

// Submitted records a venue-accepted order.
func Submitted(venueOrderID string) Outcome {
	return Outcome{Status: OutcomeSubmitted, VenueOrderID: venueOrderID}
}

// Failed records a failed attempt. Failed records do not bind the key.
func Failed(reason string) Outcome { return Outcome{Status: OutcomeFailed, Reason: reason} }

func (o Outcome) String() string {
	switch o.Status {
	case OutcomeSubmitted:
		return "submitted:" + o.VenueOrderID
	case OutcomeFailed:
		return "failed:" + o.Reason
	default:
		return string(OutcomePending)
	}
}

// ParseOutcome decodes the string form produced by Outcome.String.
func ParseOutcome(s string) (Outcome, error) {
	if s == string(OutcomePending) {
		return Pending(), nil
	}
	status, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Outcome{}, fmt.Errorf("malformed outcome %q", s)
	}
	switch OutcomeStatus(status) {
	case OutcomeSubmitted:
		if rest == "" {
			return Outcome{}, fmt.Errorf("submitted outcome without venue order id")
		}
		return Submitted(rest), nil
	case OutcomeFailed:
		return Failed(rest), nil
	default:
		return Outcome{}, fmt.Errorf("unknown outcome status %q", status)
	}
}

// IdempotencyRecord binds a caller key to at most one venue order.
// Version increases on every write and is the compare-and-swap token.
type IdempotencyRecord struct {
	Key       string
	CallerKey string
	Account   string
	Venue     string
	Symbol    string // venues look client ids up per symbol
	Outcome   Outcome
	Handle    OrderHandle
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the record can be pruned or reclaimed.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// RecordKey scopes a caller key to (account, venue). Venues that scope
// client ids per symbol are stricter, so account scope is safe for all.
func RecordKey(account, venue, callerKey string) string {
	sum := sha256.Sum256([]byte(account + "|" + venue + "|" + callerKey))
	return hex.EncodeToString(sum[:])
}

// ClientOrderID derives the id sent to venues from a record key, truncated to
// the venue's maximum length.
func ClientOrderID(recordKey string, maxLen int) string {
	id := "ec" + recordKey
	if maxLen > 0 && len(id) > maxLen {
		id = id[:maxLen]
	}
	return id
}
