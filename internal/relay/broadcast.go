package relay

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const memoryListenerBuffer = 256

// Broadcaster carries encoded envelopes between contexts, one channel per
// namespace.
type Broadcaster interface {
	Broadcast(ctx context.Context, namespace string, message []byte) error
	// Listen calls deliver for each message on namespace, in order, until
	// stop is called or ctx is done.
	Listen(ctx context.Context, namespace string, deliver func([]byte)) (stop func(), err error)
}

// MemoryBroadcaster connects buses living in the same process, such as
// several request scopes or tests standing in for separate instances.
type MemoryBroadcaster struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[string]map[int]*memoryListener
}

type memoryListener struct {
	messages chan []byte
	done     chan struct{}
}

func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{listeners: make(map[string]map[int]*memoryListener)}
}

func (m *MemoryBroadcaster) Broadcast(ctx context.Context, namespace string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.listeners[namespace] {
		msg := append([]byte(nil), message...)
		select {
		case l.messages <- msg:
		case <-l.done:
		default:
		}
	}
	return nil
}

func (m *MemoryBroadcaster) Listen(ctx context.Context, namespace string, deliver func([]byte)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := &memoryListener{
		messages: make(chan []byte, memoryListenerBuffer),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	if m.listeners[namespace] == nil {
		m.listeners[namespace] = make(map[int]*memoryListener)
	}
	m.listeners[namespace][id] = l
	m.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners[namespace], id)
			if len(m.listeners[namespace]) == 0 {
				delete(m.listeners, namespace)
			}
			m.mu.Unlock()
			close(l.done)
		})
	}

	go func() {
		for {
			select {
			case msg := <-l.messages:
				deliver(msg)
			case <-l.done:
				return
			case <-ctx.Done():
				stop()
				return
			}
		}
	}()
	return stop, nil
}

// Listeners reports the active listeners on namespace.
func (m *MemoryBroadcaster) Listeners(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners[namespace])
}

// RedisBroadcaster uses Redis pub/sub so buses in separate processes see
// each other's events. Channels are named {prefix}:{namespace}.
type RedisBroadcaster struct {
	client *redis.Client
	prefix string
}

func NewRedisBroadcaster(client *redis.Client, prefix string) *RedisBroadcaster {
	if prefix == "" {
		prefix = "relay"
	}
	return &RedisBroadcaster{client: client, prefix: prefix}
}

func (r *RedisBroadcaster) channel(namespace string) string {
	return r.prefix + ":" + namespace
}

func (r *RedisBroadcaster) Broadcast(ctx context.Context, namespace string, message []byte) error {
	return r.client.Publish(ctx, r.channel(namespace), message).Err()
}

func (r *RedisBroadcaster) Listen(ctx context.Context, namespace string, deliver func([]byte)) (func(), error) {
	pubsub := r.client.Subscribe(ctx, r.channel(namespace))
	// Wait for the subscription to be confirmed so nothing published after
	// Listen returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	messages := pubsub.Channel()
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}

	go func() {
		for {
			select {
			case msg, ok := <-messages:
				if !ok {
					return
				}
				deliver([]byte(msg.Payload))
			case <-done:
				return
			case <-ctx.Done():
				stop()
				return
			}
		}
	}()
	return stop, nil
}
