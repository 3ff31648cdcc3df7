package webhook

import "time"

// Outcomes recorded in the processed-event ledger
const (
	OutcomeApplied string = "applied"
	OutcomeStale          = "stale"
	OutcomeIgnored        = "ignored"
)

// ProcessedEvent is the idempotency ledger. The row is inserted in the
// same transaction that applies the event's mutations, keyed by the
// billing provider's event id, so a redelivered event observes the row
// and becomes a no-op.
type ProcessedEvent struct {
	ID        string    `json:"id" gorm:"primaryKey"` // the billing provider's event id
	Type      string    `json:"type" gorm:"index"`
	Outcome   string    `json:"outcome"`
	CreatedAt time.Time `json:"createdAt"`
}
