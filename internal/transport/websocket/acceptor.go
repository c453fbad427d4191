package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/maprelay/internal/config"
	"github.com/cory-johannsen/maprelay/internal/hibernation"
	"github.com/cory-johannsen/maprelay/internal/relay"
)

// Query parameters read from the upgrade request.
const (
	ParamMapName      = "mapName"
	ParamConnectionID = "connectionId"
	ParamClientType   = "clientType"
)

const defaultClientType = "unknown"

// Acceptor serves the WebSocket endpoint and bridges every accepted stream to
// the relay host: the stream's open, frames and close become host events.
type Acceptor struct {
	cfg         config.WebSocketConfig
	defaultRoom string
	host        *relay.Host
	logger      *zap.Logger
	upgrader    gws.Upgrader
	mux         *http.ServeMux

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
	stopped  bool
}

// NewAcceptor creates a WebSocket acceptor.
//
// Precondition: cfg.Path must start with "/"; host and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.WebSocketConfig, defaultRoom string, host *relay.Host, logger *zap.Logger) *Acceptor {
	if defaultRoom == "" {
		defaultRoom = "default"
	}
	a := &Acceptor{
		cfg:         cfg,
		defaultRoom: defaultRoom,
		host:        host,
		logger:      logger,
		mux:         http.NewServeMux(),
		quit:        make(chan struct{}),
	}
	a.upgrader = gws.Upgrader{
		HandshakeTimeout: cfg.WriteTimeout,
		CheckOrigin:      a.checkOrigin,
	}
	a.mux.HandleFunc(cfg.Path, a.serveWebSocket)
	a.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return a
}

// Handle registers an additional HTTP route on the acceptor's listener.
//
// Precondition: Must be called before ListenAndServe.
func (a *Acceptor) Handle(pattern string, h http.Handler) {
	a.mux.Handle(pattern, h)
}

// Handler returns the acceptor's HTTP handler.
func (a *Acceptor) Handler() http.Handler {
	return a.mux
}

// ListenAndServe starts the HTTP listener and serves until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	server := &http.Server{
		Handler:           a.mux,
		ReadHeaderTimeout: a.cfg.WriteTimeout,
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		listener.Close()
		return nil
	}
	a.listener = listener
	a.server = server
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// Stop closes the listener, closes every live stream and waits for their
// read loops to finish.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.running = false
	close(a.quit)
	server := a.server
	a.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(ctx); err != nil {
			a.logger.Warn("shutting down http server", zap.Error(err))
		}
		cancel()
	}
	for _, c := range a.host.Table().Connections() {
		_ = c.Close()
	}
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Tags derives the connection tags from the upgrade request's query string,
// filling defaults for absent values.
//
// Postcondition: Every returned field is non-empty.
func (a *Acceptor) Tags(r *http.Request) hibernation.Tags {
	q := r.URL.Query()
	tags := hibernation.Tags{
		ConnectionID: strings.TrimSpace(q.Get(ParamConnectionID)),
		ClientType:   strings.TrimSpace(q.Get(ParamClientType)),
		RoomName:     strings.TrimSpace(q.Get(ParamMapName)),
	}
	if tags.ConnectionID == "" {
		tags.ConnectionID = uuid.NewString()
	}
	if tags.ClientType == "" {
		tags.ClientType = defaultClientType
	}
	if tags.RoomName == "" {
		tags.RoomName = a.defaultRoom
	}
	return tags
}

func (a *Acceptor) checkOrigin(r *http.Request) bool {
	if len(a.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range a.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (a *Acceptor) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if !gws.IsWebSocketUpgrade(r) {
		http.Error(w, "Expected WebSocket connection", http.StatusBadRequest)
		return
	}

	tags := a.Tags(r)
	log := a.logger.With(
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("room", tags.RoomName),
		zap.String("connection_id", tags.ConnectionID),
	)

	if _, taken := a.host.Table().Lookup(tags.RoomName, tags.ConnectionID); taken {
		log.Warn("rejecting duplicate connection id")
		http.Error(w, "Connection id already in use in this room", http.StatusConflict)
		return
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	a.serveConn(ws, tags, log)
}

// serveConn runs one accepted stream until it closes.
func (a *Acceptor) serveConn(ws *gws.Conn, tags hibernation.Tags, log *zap.Logger) {
	start := time.Now()
	sock := NewConn(ws, tags.ConnectionID, a.cfg, log)

	c, err := a.host.Table().Accept(sock, tags)
	if err != nil {
		log.Warn("rejecting connection", zap.Error(err))
		code := gws.CloseInternalServerErr
		if errors.Is(err, hibernation.ErrDuplicateConnection) {
			code = gws.ClosePolicyViolation
		}
		sock.RejectAndClose(code, "connection rejected")
		return
	}
	select {
	case <-a.quit:
		// Stop may have closed the table's sockets before this one was added.
		_ = sock.Close()
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel context when quit signal received
	go func() {
		select {
		case <-a.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("client connected", zap.String("client_type", tags.ClientType))
	if err := a.host.Open(ctx, c); err != nil {
		log.Warn("queueing connection open", zap.Error(err))
	}

	cause := a.readLoop(ctx, sock, c, log)

	// Remove from the table before the writer stops so no send races a closed socket unnoticed.
	if err := a.host.Disconnect(context.WithoutCancel(ctx), c, cause); err != nil {
		log.Warn("queueing connection close", zap.Error(err))
	}
	_ = sock.Close()
	<-sock.Done()

	if cause != nil {
		log.Info("session ended", zap.Error(cause), zap.Duration("duration", time.Since(start)))
	} else {
		log.Info("session ended cleanly", zap.Duration("duration", time.Since(start)))
	}
}

// readLoop forwards frames to the host until the stream ends.
//
// Postcondition: Returns nil for a clean close, otherwise the stream error.
func (a *Acceptor) readLoop(ctx context.Context, sock *Conn, c *hibernation.Conn, log *zap.Logger) error {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			if isCleanClose(err) {
				return nil
			}
			return err
		}
		if err := a.host.Message(ctx, c, data); err != nil {
			log.Warn("dropping inbound frame", zap.Int("bytes", len(data)), zap.Error(err))
			if errors.Is(err, relay.ErrHostStopped) || ctx.Err() != nil {
				return nil
			}
		}
	}
}

func isCleanClose(err error) bool {
	if gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway, gws.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
