package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/maprelay/internal/config"
	"github.com/cory-johannsen/maprelay/internal/hibernation"
	"github.com/cory-johannsen/maprelay/internal/relay"
	"github.com/cory-johannsen/maprelay/internal/transport/websocket"
)

func startRelay(t *testing.T) string {
	t.Helper()
	logger := zaptest.NewLogger(t)
	host := relay.NewHost(hibernation.NewTable(), config.RelayConfig{MailboxSize: 64, DefaultRoom: "default"}, logger)
	a := websocket.NewAcceptor(config.WebSocketConfig{
		Path:            "/ws",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    time.Second,
		PingInterval:    time.Second,
		MaxMessageBytes: 1 << 16,
		SendBuffer:      32,
	}, "default", host, logger)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		a.Stop()
		srv.Close()
		host.Stop()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, endpoint string, opts Options) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, endpoint, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func await(t *testing.T, c *Client, typ string) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	f, err := c.Await(ctx, typ)
	require.NoError(t, err)
	return f
}

func TestClient_JoinAndHandshake(t *testing.T) {
	endpoint := startRelay(t)
	host := dial(t, endpoint, Options{MapName: "orlando", ConnectionID: "dm", ClientType: "dm"})
	await(t, host, relay.TypeConnected)

	ctx := context.Background()
	require.NoError(t, host.Send(ctx, relay.TypeGameUpdate, map[string]any{"mapWidth": 25}))
	require.NoError(t, host.Send(ctx, relay.TypePing, nil))
	await(t, host, relay.TypePong)

	player := dial(t, endpoint, Options{MapName: "orlando", ClientType: "player"})
	connected := await(t, player, relay.TypeConnected)
	var id string
	require.NoError(t, json.Unmarshal(connected.Envelope["connectionId"], &id))
	assert.Equal(t, player.ConnectionID(), id)

	require.NoError(t, player.Handshake(ctx, "rogue"))
	ack := await(t, player, relay.TypeHandshakeAck)
	assert.JSONEq(t, `{"mapWidth":25}`, string(ack.Envelope["gameState"]))

	joined := await(t, host, relay.TypePlayerConnected)
	assert.JSONEq(t, `"rogue"`, string(joined.Envelope["playerId"]))
}

func TestClient_OutboundEnvelope(t *testing.T) {
	endpoint := startRelay(t)
	a := dial(t, endpoint, Options{MapName: "orlando", ConnectionID: "a"})
	b := dial(t, endpoint, Options{MapName: "orlando", ConnectionID: "b"})
	await(t, a, relay.TypeConnected)
	await(t, b, relay.TypeConnected)

	require.NoError(t, a.Send(context.Background(), relay.TypeChatMessage, map[string]string{"text": "roll initiative"}))

	got := await(t, b, relay.TypeChatMessage)
	assert.JSONEq(t, `{"text":"roll initiative"}`, string(got.Envelope["data"]))
	assert.JSONEq(t, `"a"`, string(got.Envelope["connectionId"]))
	assert.NotEmpty(t, got.Envelope["id"])
	await(t, a, relay.TypeChatMessage)
}

func TestClient_NextAfterClose(t *testing.T) {
	endpoint := startRelay(t)
	c := dial(t, endpoint, Options{MapName: "orlando"})
	await(t, c, relay.TypeConnected)

	require.NoError(t, c.Close())
	_, err := c.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Send(context.Background(), relay.TypePing, nil), ErrClosed)
}

func TestClient_DialDuplicateFails(t *testing.T) {
	endpoint := startRelay(t)
	c := dial(t, endpoint, Options{MapName: "orlando", ConnectionID: "dup"})
	await(t, c, relay.TypeConnected)

	_, err := Dial(context.Background(), endpoint, Options{MapName: "orlando", ConnectionID: "dup"}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}
