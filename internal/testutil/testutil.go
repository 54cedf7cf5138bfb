package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"tierwise.app/cloud/internal/relay"
	"tierwise.app/cloud/models"
	"tierwise.app/cloud/storage"
)

// WebhookSecret is the signing secret used by test servers and ingestors.
const WebhookSecret = "whsec_test_secret"

// TestStorage creates an empty memory storage
func TestStorage() *storage.MemoryStorage {
	return storage.NewMemoryStorage()
}

// CreateTestAccount creates a test account with given parameters
func CreateTestAccount(id, email string) models.Account {
	return models.Account{
		ID:        id,
		Email:     email,
		CreatedAt: time.Now(),
	}
}

// SetupTestData seeds three accounts:
// acct_free (no billing history), acct_lite (lite, customer cus_lite) and
// acct_full (full, customer cus_full).
func SetupTestData(store storage.Storage) error {
	ctx := context.Background()

	accounts := []models.Account{
		CreateTestAccount("acct_free", "free@example.com"),
		CreateTestAccount("acct_lite", "lite@example.com"),
		CreateTestAccount("acct_full", "full@example.com"),
	}
	for _, account := range accounts {
		if err := store.SaveAccount(ctx, &account); err != nil {
			return fmt.Errorf("failed to save account %s: %w", account.ID, err)
		}
	}

	entitlements := []models.Entitlement{
		{AccountID: "acct_lite", Tier: models.TierLite, Status: models.StatusActive, BillingCustomerRef: "cus_lite"},
		{AccountID: "acct_full", Tier: models.TierFull, Status: models.StatusActive, BillingCustomerRef: "cus_full"},
	}
	for _, ent := range entitlements {
		ent.UpdatedAt = time.Now()
		if err := store.WriteEntitlement(ctx, &ent, nil); err != nil {
			return fmt.Errorf("failed to save entitlement %s: %w", ent.AccountID, err)
		}
	}
	return nil
}

// StripeEvent wraps object in a Stripe event envelope.
func StripeEvent(id, eventType string, object map[string]interface{}) []byte {
	event := map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"data": map[string]interface{}{
			"object": object,
		},
	}

	payload, _ := json.Marshal(event)
	return payload
}

// SignPayload returns a Stripe-Signature header for payload.
func SignPayload(payload []byte) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    WebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

// MockSubscription creates a subscription object with a single line item.
func MockSubscription(id, customerID, priceID, status string) map[string]interface{} {
	return map[string]interface{}{
		"id":       id,
		"object":   "subscription",
		"customer": customerID,
		"status":   status,
		"items": map[string]interface{}{
			"object": "list",
			"data": []map[string]interface{}{
				{
					"id":     "si_" + id,
					"object": "subscription_item",
					"price": map[string]interface{}{
						"id":     priceID,
						"object": "price",
					},
				},
			},
		},
	}
}

// MockCheckoutSession creates a checkout session object. subscriptionID is
// only set for subscription mode.
func MockCheckoutSession(id, mode, customerID, email, subscriptionID string) map[string]interface{} {
	session := map[string]interface{}{
		"id":             id,
		"object":         "checkout.session",
		"mode":           mode,
		"customer_email": email,
		"amount_total":   1999,
		"currency":       "usd",
		"payment_status": "paid",
		"customer_details": map[string]interface{}{
			"email": email,
		},
	}
	if customerID != "" {
		session["customer"] = customerID
	}
	if subscriptionID != "" {
		session["subscription"] = subscriptionID
	}
	return session
}

// StubStripe serves subscriptions and customers from memory.
type StubStripe struct {
	mu            sync.Mutex
	Subscriptions map[string]*stripe.Subscription
	Customers     map[string]*stripe.Customer
	Err           error
	Calls         int
}

func NewStubStripe() *StubStripe {
	return &StubStripe{
		Subscriptions: make(map[string]*stripe.Subscription),
		Customers:     make(map[string]*stripe.Customer),
	}
}

// AddSubscription registers a subscription with one priced item.
func (s *StubStripe) AddSubscription(id, customerID, priceID string, status stripe.SubscriptionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions[id] = &stripe.Subscription{
		ID:       id,
		Customer: &stripe.Customer{ID: customerID},
		Status:   status,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{ID: "si_" + id, Price: &stripe.Price{ID: priceID}}},
		},
	}
}

func (s *StubStripe) AddCustomer(id, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Customers[id] = &stripe.Customer{ID: id, Email: email}
}

func (s *StubStripe) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if s.Err != nil {
		return nil, s.Err
	}
	sub, ok := s.Subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	subCopy := *sub
	return &subCopy, nil
}

func (s *StubStripe) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if s.Err != nil {
		return nil, s.Err
	}
	c, ok := s.Customers[id]
	if !ok {
		return nil, fmt.Errorf("no such customer: %s", id)
	}
	cCopy := *c
	return &cCopy, nil
}

// CapturePublisher records published payloads synchronously.
type CapturePublisher struct {
	mu     sync.Mutex
	events []CapturedEvent
}

type CapturedEvent struct {
	Topic   relay.Topic
	Payload relay.Payload
}

func (c *CapturePublisher) Publish(ctx context.Context, topic relay.Topic, payload relay.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, CapturedEvent{Topic: topic, Payload: payload})
	return nil
}

func (c *CapturePublisher) Events() []CapturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CapturedEvent(nil), c.events...)
}

// MustSetup seeds store or fails the test.
func MustSetup(t testing.TB, store storage.Storage) {
	t.Helper()
	if err := SetupTestData(store); err != nil {
		t.Fatalf("Failed to seed test data: %v", err)
	}
}
