package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/maprelay/internal/config"
	"github.com/cory-johannsen/maprelay/internal/relay"
)

type staticRooms []relay.RoomStatus

func (s staticRooms) Rooms() []relay.RoomStatus { return s }

func TestRoomsHandler(t *testing.T) {
	h := RoomsHandler(staticRooms{
		{Room: "orlando", Connections: 2, Active: 1, RelayRunning: true},
	}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rooms", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `[{"room":"orlando","connections":2,"active":1,"relayRunning":true}]`, rec.Body.String())
}

func TestRoomsHandler_EmptyIsArray(t *testing.T) {
	h := RoomsHandler(staticRooms(nil), zaptest.NewLogger(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rooms", nil))

	var out []relay.RoomStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestRoomsHandler_RejectsWrites(t *testing.T) {
	h := RoomsHandler(staticRooms(nil), zaptest.NewLogger(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rooms", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthServer_ReportsStatus(t *testing.T) {
	s := NewHealthServer(config.AdminConfig{GRPCHost: "127.0.0.1", GRPCPort: 0}, "maprelay", zaptest.NewLogger(t))
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe() }()
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	conn, err := grpc.NewClient(s.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))
	s.SetServing(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check("maprelay"))
	s.SetServing(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check("maprelay"))

	s.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("health server did not stop")
	}
}
