package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func validConfig() Config {
	return Config{
		Server: ServerConfig{
			Name: "maprelay",
		},
		WebSocket: WebSocketConfig{
			Host:            "0.0.0.0",
			Port:            8787,
			Path:            "/ws",
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			PingInterval:    25 * time.Second,
			MaxMessageBytes: 1 << 20,
			SendBuffer:      256,
		},
		Relay: RelayConfig{
			MailboxSize:      1024,
			IdleSuspendAfter: 10 * time.Minute,
			SweepInterval:    time.Minute,
			DefaultRoom:      "default",
		},
		Admin: AdminConfig{
			GRPCHost: "127.0.0.1",
			GRPCPort: 50061,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestWebSocketAddr(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "0.0.0.0:8787", cfg.WebSocket.Addr())
}

func TestAdminAddr(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "127.0.0.1:50061", cfg.Admin.Addr())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	err := os.WriteFile(path, []byte(`
server:
  name: orlando-relay
websocket:
  host: 127.0.0.1
  port: 9001
  path: /maps
  read_timeout: 30s
  write_timeout: 5s
  ping_interval: 10s
relay:
  mailbox_size: 64
  idle_suspend_after: 0s
logging:
  level: debug
  format: console
`), 0644)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "orlando-relay", cfg.Server.Name)
	assert.Equal(t, 9001, cfg.WebSocket.Port)
	assert.Equal(t, "/maps", cfg.WebSocket.Path)
	assert.Equal(t, 10*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 64, cfg.Relay.MailboxSize)
	assert.Equal(t, time.Duration(0), cfg.Relay.IdleSuspendAfter)
	assert.Equal(t, "default", cfg.Relay.DefaultRoom, "unset keys fall back to defaults")
	assert.Equal(t, 256, cfg.WebSocket.SendBuffer)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MAPRELAY_WEBSOCKET_PORT", "9100")
	t.Setenv("MAPRELAY_RELAY_DEFAULT_ROOM", "lobby")

	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.WebSocket.Port)
	assert.Equal(t, "lobby", cfg.Relay.DefaultRoom)
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "/ws", cfg.WebSocket.Path)
	assert.Equal(t, 25*time.Second, cfg.WebSocket.PingInterval)
}

func TestLoadInvalidPath(t *testing.T) {
	_, err := Load("/nonexistent/path.yaml")
	assert.Error(t, err)
}

func TestValidateServerNameEmpty(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Name = "  "
	assert.Error(t, cfg.Validate())
}

func TestValidateWebSocketPath(t *testing.T) {
	cfg := validConfig()
	cfg.WebSocket.Path = "ws"
	assert.Error(t, cfg.Validate())
}

func TestValidatePingMustBeShorterThanReadTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.WebSocket.PingInterval = cfg.WebSocket.ReadTimeout
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping_interval")
}

func TestValidateSendBuffer(t *testing.T) {
	cfg := validConfig()
	cfg.WebSocket.SendBuffer = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRelay(t *testing.T) {
	cfg := validConfig()
	cfg.Relay.MailboxSize = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Relay.IdleSuspendAfter = -time.Second
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Relay.DefaultRoom = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateReportsEveryViolation(t *testing.T) {
	cfg := validConfig()
	cfg.WebSocket.Port = 0
	cfg.Admin.GRPCHost = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "websocket.port")
	assert.Contains(t, err.Error(), "admin.grpc_host")
}

func TestValidateLoggingLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		cfg := validConfig()
		cfg.Logging.Level = level
		assert.NoError(t, cfg.Validate(), "level %q should be valid", level)
	}
	cfg := validConfig()
	cfg.Logging.Level = "trace"
	assert.Error(t, cfg.Validate())
}

func TestValidateLoggingFormat(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.Validate())
}

// Property-based tests

func TestPropertyValidPortRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		port := rapid.IntRange(1, 65535).Draw(t, "port")
		cfg := validConfig()
		cfg.WebSocket.Port = port
		cfg.Admin.GRPCPort = port
		if err := cfg.Validate(); err != nil {
			t.Fatalf("valid port %d rejected: %v", port, err)
		}
	})
}

func TestPropertyInvalidPortRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		port := rapid.OneOf(
			rapid.IntRange(-1000, 0),
			rapid.IntRange(65536, 100000),
		).Draw(t, "port")
		cfg := validConfig()
		cfg.WebSocket.Port = port
		if err := cfg.Validate(); err == nil {
			t.Fatalf("invalid port %d accepted", port)
		}
	})
}

func TestPropertyPingIntervalBound(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		readSecs := rapid.IntRange(2, 600).Draw(t, "read_secs")
		pingSecs := rapid.IntRange(1, 1200).Draw(t, "ping_secs")
		cfg := validConfig()
		cfg.WebSocket.ReadTimeout = time.Duration(readSecs) * time.Second
		cfg.WebSocket.PingInterval = time.Duration(pingSecs) * time.Second
		err := cfg.Validate()
		if pingSecs < readSecs && err != nil {
			t.Fatalf("ping %ds < read %ds rejected: %v", pingSecs, readSecs, err)
		}
		if pingSecs >= readSecs && err == nil {
			t.Fatalf("ping %ds >= read %ds accepted", pingSecs, readSecs)
		}
	})
}
