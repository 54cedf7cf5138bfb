package relay

import (
	"context"
	"net/http"
	"strings"
	"time"

	ws "github.com/coder/websocket"

	"tierwise.app/cloud/internal/logger"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

type WebSocketOptions struct {
	// OriginPatterns lists the browser origins allowed to connect. Empty
	// allows only same-origin requests.
	OriginPatterns []string
	Logger         *logger.Logger
}

// ServeWebSocket streams relay events to a browser tab. The query parameter
// topics selects comma-separated topics (all known topics when absent) and
// account restricts delivery to one account's events.
func ServeWebSocket(bus *Bus, opts WebSocketOptions) http.HandlerFunc {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		topics := parseTopics(r.URL.Query().Get("topics"))
		account := r.URL.Query().Get("account")

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: opts.OriginPatterns})
		if err != nil {
			log.Warn("WebSocket accept failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		c := &client{
			bus:     bus,
			conn:    conn,
			send:    make(chan []byte, sendBufferSize),
			account: account,
			log:     log,
		}
		c.run(r.Context(), topics)
	}
}

func parseTopics(raw string) []Topic {
	if strings.TrimSpace(raw) == "" {
		return append([]Topic(nil), KnownTopics...)
	}
	var topics []Topic
	seen := make(map[Topic]bool)
	for _, part := range strings.Split(raw, ",") {
		t := Topic(strings.TrimSpace(part))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		topics = append(topics, t)
	}
	return topics
}

type client struct {
	bus     *Bus
	conn    *ws.Conn
	send    chan []byte
	account string
	log     *logger.Logger
}

// run subscribes the client and pumps until the connection closes.
func (c *client) run(ctx context.Context, topics []Topic) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ids []SubscriptionID
	for _, topic := range topics {
		id, err := c.bus.Subscribe(topic, c.forward)
		if err != nil {
			_ = c.conn.Close(ws.StatusTryAgainLater, "relay unavailable")
			c.unsubscribe(ids)
			return
		}
		ids = append(ids, id)
	}
	defer c.unsubscribe(ids)

	go c.writePump(ctx, cancel)
	c.readPump(ctx)
	_ = c.conn.Close(ws.StatusNormalClosure, "")
}

func (c *client) unsubscribe(ids []SubscriptionID) {
	for _, id := range ids {
		c.bus.Unsubscribe(id)
	}
}

func (c *client) forward(_ context.Context, ev Event) {
	if c.account != "" && ev.Payload.Account() != c.account {
		return
	}
	data, err := encodeEvent(ev)
	if err != nil {
		c.log.Warn("Failed to encode event for websocket", map[string]interface{}{
			"topic": string(ev.Topic),
			"error": err.Error(),
		})
		return
	}
	select {
	case c.send <- data:
	default:
		// slow reader
	}
}

// readPump discards client messages and returns once the connection closes.
func (c *client) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (c *client) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, ws.MessageText, msg)
			wcancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
