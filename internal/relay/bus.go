// Package relay fans tier and usage events out to subscribers in this
// process, in other processes and in connected browser tabs.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tierwise.app/cloud/internal/logger"
	"tierwise.app/cloud/internal/metrics"
)

const defaultQueueSize = 64

var (
	ErrPayloadMismatch = errors.New("payload does not match topic")
	ErrNilPayload      = errors.New("payload is required")
	ErrNilHandler      = errors.New("handler is required")
	ErrClosed          = errors.New("relay closed")
)

// Publisher is the side of the bus producers depend on.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, payload Payload) error
}

type Handler func(ctx context.Context, event Event)

type SubscriptionID uint64

type Options struct {
	// Broadcaster forwards events to other contexts. Nil keeps the bus local.
	Broadcaster Broadcaster
	QueueSize   int
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

type subscription struct {
	id      SubscriptionID
	topic   Topic
	handler Handler
	queue   chan Event
	done    chan struct{}
}

type listener struct {
	refs int
	stop func()
}

// Bus is the process-local subscriber registry. Delivery is at most once:
// each subscriber drains its own FIFO queue and events that do not fit are
// dropped. Nothing is replayed to late subscribers.
type Bus struct {
	origin      string
	broadcaster Broadcaster
	queueSize   int
	log         *logger.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	nextID  SubscriptionID
	subs    map[SubscriptionID]*subscription
	byTopic map[Topic]map[SubscriptionID]*subscription
	closed  bool

	listenMu  sync.Mutex
	listeners map[string]*listener
}

func New(opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		origin:      uuid.NewString(),
		broadcaster: opts.Broadcaster,
		queueSize:   opts.QueueSize,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[SubscriptionID]*subscription),
		byTopic:     make(map[Topic]map[SubscriptionID]*subscription),
		listeners:   make(map[string]*listener),
	}
}

// Origin identifies this bus in envelopes it broadcasts.
func (b *Bus) Origin() string {
	return b.origin
}

// Publish delivers payload to every local subscriber of topic and forwards
// it to other contexts. A failed forward is logged and does not fail the
// publish.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload Payload) error {
	if payload == nil {
		return ErrNilPayload
	}
	if payload.Topic() != topic {
		return fmt.Errorf("%w: %s carries %s", ErrPayloadMismatch, topic, payload.Topic())
	}
	if !topic.Valid() {
		b.log.Warn("Publishing on non-conforming topic", map[string]interface{}{
			"topic": string(topic),
		})
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	correlationID := CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ev := Event{
		Topic:         topic,
		Payload:       payload,
		Timestamp:     b.now().UTC(),
		CorrelationID: correlationID,
		Origin:        b.origin,
	}

	b.deliver(ev)
	b.metrics.ObserveRelayPublish(topic.Namespace())

	if b.broadcaster == nil {
		return nil
	}
	data, err := encodeEvent(ev)
	if err != nil {
		b.log.Error("Failed to encode relay event", map[string]interface{}{
			"topic": string(topic),
			"error": err.Error(),
		})
		return nil
	}
	if err := b.broadcaster.Broadcast(ctx, topic.Namespace(), data); err != nil {
		b.log.Warn("Failed to forward relay event", map[string]interface{}{
			"topic":     string(topic),
			"namespace": topic.Namespace(),
			"error":     err.Error(),
		})
	}
	return nil
}

// Subscribe registers handler for topic. The first subscriber of a
// namespace starts listening for that namespace on the broadcaster.
func (b *Bus) Subscribe(topic Topic, handler Handler) (SubscriptionID, error) {
	if handler == nil {
		return 0, ErrNilHandler
	}
	if !topic.Valid() {
		b.log.Warn("Subscribing to non-conforming topic", map[string]interface{}{
			"topic": string(topic),
		})
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		topic:   topic,
		handler: handler,
		queue:   make(chan Event, b.queueSize),
		done:    make(chan struct{}),
	}
	b.subs[sub.id] = sub
	if b.byTopic[topic] == nil {
		b.byTopic[topic] = make(map[SubscriptionID]*subscription)
	}
	b.byTopic[topic][sub.id] = sub
	b.mu.Unlock()

	go b.run(sub)
	b.retain(topic.Namespace())

	b.log.Debug("Relay subscription added", map[string]interface{}{
		"topic":           string(topic),
		"subscription_id": uint64(sub.id),
	})
	return sub.id, nil
}

// Unsubscribe removes a subscription. It reports false for unknown ids.
// Events already queued for the subscriber are discarded.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		b.remove(sub)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	b.release(sub.topic.Namespace())
	return true
}

// SubscriberCount reports the local subscribers of topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byTopic[topic])
}

// Close drops every subscription and stops listening on the broadcaster.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		b.remove(sub)
	}
	b.mu.Unlock()

	b.cancel()

	b.listenMu.Lock()
	for ns, l := range b.listeners {
		if l.stop != nil {
			l.stop()
		}
		delete(b.listeners, ns)
	}
	b.listenMu.Unlock()
}

// remove must be called with b.mu held.
func (b *Bus) remove(sub *subscription) {
	delete(b.subs, sub.id)
	if topicSubs := b.byTopic[sub.topic]; topicSubs != nil {
		delete(topicSubs, sub.id)
		if len(topicSubs) == 0 {
			delete(b.byTopic, sub.topic)
		}
	}
	close(sub.done)
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.byTopic[ev.Topic] {
		select {
		case sub.queue <- ev:
		default:
			b.metrics.ObserveRelayDrop(ev.Topic.Namespace())
			b.log.Warn("Relay subscriber queue full, dropping event", map[string]interface{}{
				"topic":           string(ev.Topic),
				"subscription_id": uint64(sub.id),
				"correlation_id":  ev.CorrelationID,
			})
		}
	}
}

func (b *Bus) run(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.queue:
			select {
			case <-sub.done:
				return
			default:
			}
			b.invoke(sub, ev)
		}
	}
}

func (b *Bus) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Relay handler panicked", map[string]interface{}{
				"topic":           string(ev.Topic),
				"subscription_id": uint64(sub.id),
				"panic":           fmt.Sprint(r),
			})
		}
	}()
	sub.handler(WithCorrelationID(b.ctx, ev.CorrelationID), ev)
}

func (b *Bus) retain(namespace string) {
	b.listenMu.Lock()
	defer b.listenMu.Unlock()

	l, ok := b.listeners[namespace]
	if ok {
		l.refs++
		return
	}
	if b.ctx.Err() != nil {
		return
	}
	l = &listener{refs: 1}
	b.listeners[namespace] = l

	if b.broadcaster == nil {
		return
	}
	stop, err := b.broadcaster.Listen(b.ctx, namespace, b.receive)
	if err != nil {
		b.log.Warn("Failed to listen for relay namespace", map[string]interface{}{
			"namespace": namespace,
			"error":     err.Error(),
		})
		return
	}
	l.stop = stop
}

func (b *Bus) release(namespace string) {
	b.listenMu.Lock()
	defer b.listenMu.Unlock()

	l, ok := b.listeners[namespace]
	if !ok {
		return
	}
	l.refs--
	if l.refs > 0 {
		return
	}
	if l.stop != nil {
		l.stop()
	}
	delete(b.listeners, namespace)
}

// receive handles an envelope from another context.
func (b *Bus) receive(data []byte) {
	ev, err := decodeEvent(data)
	if err != nil {
		b.log.Warn("Discarding malformed relay envelope", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if ev.Origin == b.origin {
		return
	}
	b.deliver(ev)
}

// Listening reports whether the bus listens for namespace on its broadcaster.
func (b *Bus) Listening(namespace string) bool {
	b.listenMu.Lock()
	defer b.listenMu.Unlock()
	l, ok := b.listeners[namespace]
	return ok && l.stop != nil
}
