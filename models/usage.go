package models

import "time"

type UsageCounter struct {
	AccountID    string
	PeriodKey    string
	TokensUsed   int64
	MonthlyLimit int64
	ResetAt      time.Time
}

// Reservation is the outcome of an atomic increment-and-check.
type Reservation struct {
	Admitted  bool
	Used      int64
	Remaining int64
}
