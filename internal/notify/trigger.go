// Package notify tells account owners about tier changes and low balances.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tierwise.app/cloud/internal/logger"
	"tierwise.app/cloud/internal/relay"
	"tierwise.app/cloud/models"
)

const DefaultLowBalanceCooldown = 24 * time.Hour

type Message struct {
	To      string
	Subject string
	Body    string
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// AccountReader resolves the recipient of a notification.
type AccountReader interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

type Subscriber interface {
	Subscribe(topic relay.Topic, handler relay.Handler) (relay.SubscriptionID, error)
	Unsubscribe(id relay.SubscriptionID) bool
}

type TriggerOptions struct {
	// Cooldown suppresses repeated low-balance messages for one account.
	Cooldown time.Duration
	Logger   *logger.Logger
	Now      func() time.Time
}

// Trigger turns relay events into notifications.
type Trigger struct {
	accounts AccountReader
	notifier Notifier
	cooldown time.Duration
	log      *logger.Logger
	now      func() time.Time

	mu     sync.Mutex
	warned map[string]time.Time
	subs   []relay.SubscriptionID
	bus    Subscriber
}

func NewTrigger(accounts AccountReader, notifier Notifier, opts TriggerOptions) *Trigger {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultLowBalanceCooldown
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Trigger{
		accounts: accounts,
		notifier: notifier,
		cooldown: opts.Cooldown,
		log:      opts.Logger,
		now:      opts.Now,
		warned:   make(map[string]time.Time),
	}
}

func (t *Trigger) Start(bus Subscriber) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, topic := range []relay.Topic{relay.TopicBalanceLow, relay.TopicTierUpdated} {
		id, err := bus.Subscribe(topic, t.handle)
		if err != nil {
			for _, sub := range t.subs {
				bus.Unsubscribe(sub)
			}
			t.subs = nil
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		t.subs = append(t.subs, id)
	}
	t.bus = bus
	return nil
}

func (t *Trigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bus == nil {
		return
	}
	for _, id := range t.subs {
		t.bus.Unsubscribe(id)
	}
	t.subs, t.bus = nil, nil
}

func (t *Trigger) handle(ctx context.Context, ev relay.Event) {
	var (
		subject, body string
		accountID     = ev.Payload.Account()
	)

	switch p := ev.Payload.(type) {
	case relay.BalanceLow:
		if !t.shouldWarn(p.AccountID) {
			return
		}
		subject = "Your usage allowance is running low"
		body = fmt.Sprintf("You have %d of %d units left this month.\n\nUsage resets on the first of next month, or upgrade your plan for a larger allowance.", p.Remaining, p.Limit)
	case relay.TierUpdated:
		if p.PreviousTier == p.NewTier {
			return
		}
		subject = fmt.Sprintf("Your plan is now %s", p.NewTier)
		body = fmt.Sprintf("Your plan changed from %s to %s. The new monthly allowance applies immediately.", p.PreviousTier, p.NewTier)
	default:
		return
	}

	account, err := t.accounts.GetAccount(ctx, accountID)
	if err != nil || account == nil || account.Email == "" {
		t.log.Warn("No recipient for notification", map[string]interface{}{
			"topic":      string(ev.Topic),
			"account_id": accountID,
		})
		return
	}

	err = t.notifier.Notify(ctx, Message{To: account.Email, Subject: subject, Body: body})
	if err != nil {
		t.log.Error("Failed to send notification", map[string]interface{}{
			"topic":      string(ev.Topic),
			"account_id": accountID,
			"error":      err.Error(),
		})
		return
	}
	t.log.Info("Notification sent", map[string]interface{}{
		"topic":      string(ev.Topic),
		"account_id": accountID,
	})
}

func (t *Trigger) shouldWarn(accountID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.warned[accountID]; ok && now.Sub(last) < t.cooldown {
		return false
	}
	t.warned[accountID] = now
	return true
}
