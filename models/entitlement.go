package models

import (
	"fmt"
	"strings"
	"time"
)

type Tier string

const (
	TierFree Tier = "free"
	TierLite Tier = "lite"
	TierFull Tier = "full"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierLite, TierFull:
		return true
	}
	return false
}

func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusInactive  SubscriptionStatus = "inactive"
	StatusCancelled SubscriptionStatus = "cancelled"
)

const TierChangeSourceWebhook = "billing-webhook"

type Entitlement struct {
	AccountID          string
	Tier               Tier
	Status             SubscriptionStatus
	BillingCustomerRef string
	UpdatedAt          time.Time
}

// DefaultEntitlement is the entitlement an account holds before any billing event.
func DefaultEntitlement(accountID string, now time.Time) *Entitlement {
	return &Entitlement{
		AccountID: accountID,
		Tier:      TierFree,
		Status:    StatusInactive,
		UpdatedAt: now,
	}
}

type TierChangeRecord struct {
	ID            string
	AccountID     string
	PreviousTier  *Tier
	NewTier       Tier
	Source        string
	EventMetadata map[string]string
	CreatedAt     time.Time
}
