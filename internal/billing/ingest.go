// Package billing turns verified Stripe webhook deliveries into entitlement
// changes.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"tierwise.app/cloud/internal/logger"
	"tierwise.app/cloud/internal/metrics"
	"tierwise.app/cloud/internal/relay"
	"tierwise.app/cloud/internal/tiers"
	"tierwise.app/cloud/models"
	"tierwise.app/cloud/storage"
)

const DefaultTimeout = 10 * time.Second

type Reason string

const (
	ReasonInvalidSignature Reason = "invalid_signature"
	ReasonMalformed        Reason = "malformed"
	ReasonUnknownPrice     Reason = "unknown_price"
	ReasonAccountNotFound  Reason = "account_not_found"
)

// Result describes what happened to one delivery. Rejections are results,
// not errors: an error means processing failed and the provider should
// retry.
type Result struct {
	Outcome      string
	Reason       Reason
	EventID      string
	EventType    string
	AccountID    string
	PreviousTier models.Tier
	NewTier      models.Tier
}

func (r *Result) Rejected() bool {
	return r.Outcome == models.OutcomeRejected
}

type Options struct {
	WebhookSecret string
	Stripe        StripeClient
	Mapper        *tiers.Mapper
	Publisher     relay.Publisher
	Metrics       *metrics.Metrics
	Logger        *logger.Logger
	// Timeout bounds one delivery. Stripe retries anything slower.
	Timeout time.Duration
	Now     func() time.Time
}

type Ingestor struct {
	store     storage.EntitlementStore
	secret    string
	stripe    StripeClient
	mapper    *tiers.Mapper
	publisher relay.Publisher
	metrics   *metrics.Metrics
	log       *logger.Logger
	timeout   time.Duration
	now       func() time.Time
}

func NewIngestor(store storage.EntitlementStore, opts Options) (*Ingestor, error) {
	if opts.WebhookSecret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if opts.Stripe == nil {
		return nil, errors.New("stripe client is required")
	}
	if opts.Mapper == nil {
		mapper, err := tiers.NewMapper(nil)
		if err != nil {
			return nil, err
		}
		opts.Mapper = mapper
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ingestor{
		store:     store,
		secret:    opts.WebhookSecret,
		stripe:    opts.Stripe,
		mapper:    opts.Mapper,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		timeout:   opts.Timeout,
		now:       opts.Now,
	}, nil
}

// Ingest verifies and applies one webhook delivery. Nothing in the body is
// read before the signature checks out.
//
// Deliveries are not deduplicated by event id. Tier is always derived from
// the subscription's current price and status, so replays converge, but an
// older event delivered late still overwrites a newer one.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, signature string) (*Result, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, i.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil && signatureError(err) {
		i.log.Warn("Webhook signature verification failed", map[string]interface{}{
			"error":        err.Error(),
			"payload_size": len(payload),
		})
		i.metrics.ObserveWebhook("unverified", models.OutcomeRejected)
		return &Result{Outcome: models.OutcomeRejected, Reason: ReasonInvalidSignature}, nil
	}
	if err != nil {
		i.log.Warn("Signed webhook body is not an event", map[string]interface{}{
			"error": err.Error(),
		})
		i.metrics.ObserveWebhook("unparsed", models.OutcomeRejected)
		return &Result{Outcome: models.OutcomeRejected, Reason: ReasonMalformed}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	ctx = relay.WithCorrelationID(ctx, event.ID)

	i.log.Info("Stripe event verified", map[string]interface{}{
		"event_type": string(event.Type),
		"event_id":   event.ID,
	})

	result, err := i.dispatch(ctx, &event)
	if err != nil {
		i.metrics.ObserveWebhook(string(event.Type), "failed")
		i.log.Error("Webhook processing failed", map[string]interface{}{
			"event_type": string(event.Type),
			"event_id":   event.ID,
			"error":      err.Error(),
		})
		return nil, err
	}
	result.EventID, result.EventType = event.ID, string(event.Type)

	i.metrics.ObserveWebhook(result.EventType, result.Outcome)
	i.audit(ctx, result)
	return result, nil
}

func (i *Ingestor) dispatch(ctx context.Context, event *stripe.Event) (*Result, error) {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return i.malformed(event, err), nil
		}
		return i.handleCheckoutCompleted(ctx, event, &session)

	case stripe.EventTypeCustomerSubscriptionCreated, stripe.EventTypeCustomerSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return i.malformed(event, err), nil
		}
		return i.applySubscription(ctx, event, &sub, "")

	case stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return i.malformed(event, err), nil
		}
		return i.handleSubscriptionDeleted(ctx, event, &sub)

	default:
		i.log.Info("Unhandled webhook event type", map[string]interface{}{
			"event_type": string(event.Type),
			"event_id":   event.ID,
		})
		return &Result{Outcome: models.OutcomeIgnored}, nil
	}
}

func (i *Ingestor) malformed(event *stripe.Event, err error) *Result {
	i.log.Warn("Malformed webhook event data", map[string]interface{}{
		"event_type": string(event.Type),
		"event_id":   event.ID,
		"error":      err.Error(),
	})
	return &Result{Outcome: models.OutcomeRejected, Reason: ReasonMalformed}
}

func (i *Ingestor) reject(event *stripe.Event, reason Reason, fields map[string]interface{}) *Result {
	fields["event_type"] = string(event.Type)
	fields["event_id"] = event.ID
	fields["reason"] = string(reason)
	i.log.Warn("Webhook event rejected", fields)
	return &Result{Outcome: models.OutcomeRejected, Reason: reason}
}

func (i *Ingestor) handleCheckoutCompleted(ctx context.Context, event *stripe.Event, session *stripe.CheckoutSession) (*Result, error) {
	customerEmail := session.CustomerEmail
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		customerEmail = session.CustomerDetails.Email
	}

	switch session.Mode {
	case stripe.CheckoutSessionModeSubscription:
		if session.Subscription == nil || session.Subscription.ID == "" {
			return i.malformed(event, errors.New("subscription checkout without subscription")), nil
		}
		sub, err := i.stripe.GetSubscription(ctx, session.Subscription.ID)
		if err != nil {
			return nil, err
		}
		if sub.Customer == nil && session.Customer != nil {
			sub.Customer = session.Customer
		}
		return i.applySubscription(ctx, event, sub, customerEmail)

	case stripe.CheckoutSessionModePayment:
		// One-time purchases are credit, not a tier change.
		// Attribution is best-effort: nothing here depends on the account.
		account, err := i.resolveAccount(ctx, session.Customer, customerEmail)
		if err != nil {
			i.log.Warn("Could not resolve account for one-time checkout", map[string]interface{}{
				"event_id":   event.ID,
				"session_id": session.ID,
				"error":      err.Error(),
			})
			account = nil
		}
		result := &Result{Outcome: models.OutcomeAccepted}
		payload := relay.CheckoutCompleted{
			SessionID:   session.ID,
			Mode:        string(session.Mode),
			AmountTotal: session.AmountTotal,
			Currency:    string(session.Currency),
		}
		if account != nil {
			result.AccountID = account.ID
			payload.AccountID = account.ID
		}
		i.log.Info("One-time checkout recorded", map[string]interface{}{
			"event_id":   event.ID,
			"session_id": session.ID,
			"account_id": result.AccountID,
			"amount":     session.AmountTotal,
			"currency":   string(session.Currency),
		})
		i.publish(ctx, relay.TopicCheckoutCompleted, payload)
		return result, nil

	default:
		i.log.Info("Ignoring checkout session mode", map[string]interface{}{
			"event_id":   event.ID,
			"session_id": session.ID,
			"mode":       string(session.Mode),
		})
		return &Result{Outcome: models.OutcomeIgnored}, nil
	}
}

// applySubscription writes the tier and status a subscription currently
// grants. emailHint is the checkout session's email, if any.
func (i *Ingestor) applySubscription(ctx context.Context, event *stripe.Event, sub *stripe.Subscription, emailHint string) (*Result, error) {
	priceID := activePrice(sub)
	if priceID == "" {
		return i.malformed(event, errors.New("subscription has no priced line item")), nil
	}

	tier, err := i.mapper.MapPriceToTier(priceID)
	if err != nil {
		return i.reject(event, ReasonUnknownPrice, map[string]interface{}{
			"price_id":        priceID,
			"subscription_id": sub.ID,
		}), nil
	}

	account, err := i.resolveAccount(ctx, sub.Customer, emailHint)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return i.reject(event, ReasonAccountNotFound, map[string]interface{}{
			"subscription_id":    sub.ID,
			"stripe_customer_id": customerID(sub.Customer),
		}), nil
	}

	status := models.StatusInactive
	if sub.Status == stripe.SubscriptionStatusActive {
		status = models.StatusActive
	}

	return i.writeTier(ctx, event, account.ID, tier, status, customerID(sub.Customer), map[string]string{
		"subscription_id":     sub.ID,
		"price_id":            priceID,
		"subscription_status": string(sub.Status),
	})
}

func (i *Ingestor) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event, sub *stripe.Subscription) (*Result, error) {
	account, err := i.resolveAccount(ctx, sub.Customer, "")
	if err != nil {
		return nil, err
	}
	if account == nil {
		return i.reject(event, ReasonAccountNotFound, map[string]interface{}{
			"subscription_id":    sub.ID,
			"stripe_customer_id": customerID(sub.Customer),
		}), nil
	}

	return i.writeTier(ctx, event, account.ID, models.TierFree, models.StatusCancelled, customerID(sub.Customer), map[string]string{
		"subscription_id":     sub.ID,
		"subscription_status": string(sub.Status),
	})
}

// writeTier captures the previous tier, then stores the entitlement and its
// audit record together.
func (i *Ingestor) writeTier(ctx context.Context, event *stripe.Event, accountID string, tier models.Tier, status models.SubscriptionStatus, customerRef string, metadata map[string]string) (*Result, error) {
	previous, err := i.store.EnsureEntitlement(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("read entitlement: %w", err)
	}
	if customerRef == "" {
		customerRef = previous.BillingCustomerRef
	}

	now := i.now().UTC()
	metadata["event_id"] = event.ID
	metadata["event_type"] = string(event.Type)
	previousTier := previous.Tier

	ent := &models.Entitlement{
		AccountID:          accountID,
		Tier:               tier,
		Status:             status,
		BillingCustomerRef: customerRef,
		UpdatedAt:          now,
	}
	change := &models.TierChangeRecord{
		ID:            uuid.Must(uuid.NewRandom()).String(),
		AccountID:     accountID,
		PreviousTier:  &previousTier,
		NewTier:       tier,
		Source:        models.TierChangeSourceWebhook,
		EventMetadata: metadata,
		CreatedAt:     now,
	}
	if err := i.store.WriteEntitlement(ctx, ent, change); err != nil {
		return nil, fmt.Errorf("write entitlement: %w", err)
	}

	i.log.Info("Entitlement updated", map[string]interface{}{
		"event_id":      event.ID,
		"account_id":    accountID,
		"previous_tier": string(previousTier),
		"new_tier":      string(tier),
		"status":        string(status),
	})

	i.publish(ctx, relay.TopicTierUpdated, relay.TierUpdated{
		AccountID:    accountID,
		PreviousTier: previousTier,
		NewTier:      tier,
		Status:       string(status),
	})

	return &Result{
		Outcome:      models.OutcomeAccepted,
		AccountID:    accountID,
		PreviousTier: previousTier,
		NewTier:      tier,
	}, nil
}

// resolveAccount finds the account behind a Stripe customer: first by the
// stored customer reference, then by email. Emails come from the expanded
// customer, the checkout hint, and finally the Stripe API.
func (i *Ingestor) resolveAccount(ctx context.Context, c *stripe.Customer, emailHint string) (*models.Account, error) {
	ref := customerID(c)
	if ref != "" {
		account, err := i.store.FindAccountByBillingCustomerRef(ctx, ref)
		if err != nil || account != nil {
			return account, err
		}
	}

	var emails []string
	if c != nil && c.Email != "" {
		emails = append(emails, c.Email)
	}
	if emailHint != "" {
		emails = append(emails, emailHint)
	}
	for _, email := range emails {
		account, err := i.store.FindAccountByEmail(ctx, email)
		if err != nil || account != nil {
			return account, err
		}
	}

	if ref == "" || (c != nil && c.Email != "") {
		return nil, nil
	}
	fetched, err := i.stripe.GetCustomer(ctx, ref)
	if err != nil {
		return nil, err
	}
	if fetched.Email == "" || containsFold(emails, fetched.Email) {
		return nil, nil
	}
	return i.store.FindAccountByEmail(ctx, fetched.Email)
}

func (i *Ingestor) publish(ctx context.Context, topic relay.Topic, payload relay.Payload) {
	if i.publisher == nil {
		return
	}
	if err := i.publisher.Publish(ctx, topic, payload); err != nil {
		i.log.Warn("Failed to publish billing event", map[string]interface{}{
			"topic": string(topic),
			"error": err.Error(),
		})
	}
}

// audit records the delivery. A failed audit write never fails the delivery.
func (i *Ingestor) audit(ctx context.Context, result *Result) {
	row := &models.WebhookEvent{
		EventID:    result.EventID,
		Type:       result.EventType,
		Outcome:    result.Outcome,
		Reason:     string(result.Reason),
		AccountID:  result.AccountID,
		ReceivedAt: i.now().UTC(),
	}
	if err := i.store.AppendWebhookEvent(ctx, row); err != nil {
		i.log.Warn("Failed to record webhook event", map[string]interface{}{
			"event_id": result.EventID,
			"error":    err.Error(),
		})
	}
}

func signatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// activePrice is the price of the first line item.
func activePrice(sub *stripe.Subscription) string {
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil && item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func containsFold(values []string, s string) bool {
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
