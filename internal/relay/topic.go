package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"tierwise.app/cloud/models"
)

// Topic names follow {source}.{action}.{result}.
type Topic string

const (
	TopicTierUpdated       Topic = "billing.tier.updated"
	TopicCheckoutCompleted Topic = "billing.checkout.completed"
	TopicBalanceLow        Topic = "usage.balance.low"
)

// KnownTopics lists every topic with a fixed payload shape.
var KnownTopics = []Topic{TopicTierUpdated, TopicCheckoutCompleted, TopicBalanceLow}

var topicPattern = regexp.MustCompile(`^[a-z0-9_-]+\.[a-z0-9_-]+\.[a-z0-9_-]+$`)

func (t Topic) Valid() bool {
	return topicPattern.MatchString(string(t))
}

// Namespace is the first segment of the topic. Cross-context traffic is
// scoped by it.
func (t Topic) Namespace() string {
	ns, _, _ := strings.Cut(string(t), ".")
	return ns
}

// Payload is implemented by the fixed payload shape of each topic.
type Payload interface {
	Topic() Topic
	Account() string
}

type TierUpdated struct {
	AccountID    string      `json:"accountId"`
	PreviousTier models.Tier `json:"previousTier"`
	NewTier      models.Tier `json:"newTier"`
	Status       string      `json:"status,omitempty"`
}

func (TierUpdated) Topic() Topic      { return TopicTierUpdated }
func (p TierUpdated) Account() string { return p.AccountID }

// CheckoutCompleted reports a one-time purchase. It never changes the tier.
type CheckoutCompleted struct {
	AccountID   string `json:"accountId"`
	SessionID   string `json:"sessionId"`
	Mode        string `json:"mode"`
	AmountTotal int64  `json:"amountTotal"`
	Currency    string `json:"currency,omitempty"`
}

func (CheckoutCompleted) Topic() Topic      { return TopicCheckoutCompleted }
func (p CheckoutCompleted) Account() string { return p.AccountID }

type BalanceLow struct {
	AccountID string `json:"accountId"`
	Remaining int64  `json:"remaining"`
	Threshold int64  `json:"threshold"`
	Limit     int64  `json:"limit"`
}

func (BalanceLow) Topic() Topic      { return TopicBalanceLow }
func (p BalanceLow) Account() string { return p.AccountID }

// Raw carries a payload for a topic without a registered shape.
type Raw struct {
	Name Topic
	Data json.RawMessage
}

func (r Raw) Topic() Topic { return r.Name }

func (r Raw) Account() string {
	var probe struct {
		AccountID string `json:"accountId"`
	}
	if len(r.Data) == 0 || json.Unmarshal(r.Data, &probe) != nil {
		return ""
	}
	return probe.AccountID
}

func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r.Data) == 0 {
		return []byte("null"), nil
	}
	return r.Data, nil
}

func decodePayload(topic Topic, data json.RawMessage) (Payload, error) {
	var (
		payload Payload
		err     error
	)
	switch topic {
	case TopicTierUpdated:
		var p TierUpdated
		err = json.Unmarshal(data, &p)
		payload = p
	case TopicCheckoutCompleted:
		var p CheckoutCompleted
		err = json.Unmarshal(data, &p)
		payload = p
	case TopicBalanceLow:
		var p BalanceLow
		err = json.Unmarshal(data, &p)
		payload = p
	default:
		payload = Raw{Name: topic, Data: append(json.RawMessage(nil), data...)}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", topic, err)
	}
	return payload, nil
}

// Event is a payload in flight. It is never persisted.
type Event struct {
	Topic         Topic
	Payload       Payload
	Timestamp     time.Time
	CorrelationID string
	Origin        string
}

// envelope is the wire form shared with other contexts.
type envelope struct {
	Origin        string          `json:"origin"`
	Topic         Topic           `json:"topic"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

func encodeEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.Topic, err)
	}
	return json.Marshal(envelope{
		Origin:        ev.Origin,
		Topic:         ev.Topic,
		Payload:       payload,
		Timestamp:     ev.Timestamp,
		CorrelationID: ev.CorrelationID,
	})
}

func decodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	payload, err := decodePayload(env.Topic, env.Payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Topic:         env.Topic,
		Payload:       payload,
		Timestamp:     env.Timestamp,
		CorrelationID: env.CorrelationID,
		Origin:        env.Origin,
	}, nil
}

type correlationKey struct{}

// WithCorrelationID tags events published with ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
