package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopics(t *testing.T) {
	assert.Equal(t, KnownTopics, parseTopics(""))
	assert.Equal(t, []Topic{TopicBalanceLow, TopicTierUpdated}, parseTopics("usage.balance.low, billing.tier.updated,usage.balance.low"))
}

func TestServeWebSocketStreamsAccountEvents(t *testing.T) {
	bus := New(Options{})
	defer bus.Close()

	srv := httptest.NewServer(ServeWebSocket(bus, WebSocketOptions{}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?topics=billing.tier.updated&account=acct_1"
	conn, _, err := ws.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(ws.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return bus.SubscriberCount(TopicTierUpdated) == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, TopicTierUpdated, tierUpdated("acct_other")))
	require.NoError(t, bus.Publish(ctx, TopicTierUpdated, tierUpdated("acct_1")))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var env struct {
		Topic   Topic       `json:"topic"`
		Payload TierUpdated `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, TopicTierUpdated, env.Topic)
	assert.Equal(t, "acct_1", env.Payload.AccountID)

	conn.Close(ws.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return bus.SubscriberCount(TopicTierUpdated) == 0 }, waitFor, 5*time.Millisecond)
}
