package models

import "time"

const (
	OutcomeAccepted = "accepted"
	OutcomeIgnored  = "ignored"
	OutcomeRejected = "rejected"
)

// WebhookEvent is the audit row kept for every verified provider delivery.
type WebhookEvent struct {
	EventID    string
	Type       string
	Outcome    string
	Reason     string
	AccountID  string
	ReceivedAt time.Time
}
