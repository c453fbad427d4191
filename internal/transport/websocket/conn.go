package websocket

import (
	"errors"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/maprelay/internal/config"
)

// Conn wraps an upgraded WebSocket with a buffered writer goroutine and
// read deadlines refreshed by frames and pongs. It satisfies hibernation.Socket.
type Conn struct {
	ws     *gws.Conn
	outbox *Outbox
	logger *zap.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration

	done chan struct{}
}

// NewConn wraps an upgraded WebSocket and starts its writer.
//
// Precondition: ws must be an open connection; id must be non-empty.
// Postcondition: Returns a Conn whose writer goroutine is running.
func NewConn(ws *gws.Conn, id string, cfg config.WebSocketConfig, logger *zap.Logger) *Conn {
	c := &Conn{
		ws:           ws,
		outbox:       NewOutbox(id, cfg.SendBuffer),
		logger:       logger,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		done:         make(chan struct{}),
	}
	if cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(cfg.MaxMessageBytes)
	}
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	go c.writeLoop()
	return c
}

// Send queues one text frame without blocking.
//
// Postcondition: Returns an error wrapping ErrOutboxFull or ErrOutboxClosed if the frame was not queued.
func (c *Conn) Send(data []byte) error {
	return c.outbox.Push(data)
}

// Close stops the writer after it flushes queued frames and sends a close frame.
// The read side observes the close as a read error.
func (c *Conn) Close() error {
	return c.outbox.Close()
}

// Done is closed once the writer has exited and the underlying connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// ReadMessage returns the next text or binary frame payload.
//
// Postcondition: Returns the payload, or an error once the peer closed or went silent past the read timeout.
func (c *Conn) ReadMessage() ([]byte, error) {
	c.extendReadDeadline()
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == gws.TextMessage || kind == gws.BinaryMessage {
			return data, nil
		}
	}
}

// RejectAndClose sends a close frame with the given code and reason, then
// closes the connection. It is used before the writer has anything queued.
func (c *Conn) RejectAndClose(code int, reason string) {
	_ = c.ws.WriteControl(gws.CloseMessage, gws.FormatCloseMessage(code, reason), c.writeDeadline())
	_ = c.Close()
	<-c.done
}

func (c *Conn) extendReadDeadline() {
	if c.readTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

func (c *Conn) writeDeadline() time.Time {
	if c.writeTimeout > 0 {
		return time.Now().Add(c.writeTimeout)
	}
	return time.Time{}
}

// writeLoop is the only goroutine that writes data frames to the socket.
func (c *Conn) writeLoop() {
	defer close(c.done)
	defer c.ws.Close()

	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case frame, ok := <-c.outbox.Frames():
			if !ok {
				err := c.ws.WriteControl(gws.CloseMessage,
					gws.FormatCloseMessage(gws.CloseNormalClosure, ""), c.writeDeadline())
				if err != nil && !errors.Is(err, gws.ErrCloseSent) {
					c.logger.Debug("writing close frame", zap.Error(err))
				}
				return
			}
			_ = c.ws.SetWriteDeadline(c.writeDeadline())
			if err := c.ws.WriteMessage(gws.TextMessage, frame); err != nil {
				c.logger.Debug("writing frame", zap.Error(err))
				c.drain()
				return
			}
		case <-tick:
			if err := c.ws.WriteControl(gws.PingMessage, nil, c.writeDeadline()); err != nil {
				c.logger.Debug("writing ping", zap.Error(err))
				c.drain()
				return
			}
		}
	}
}

// drain closes the socket so the reader fails, then discards frames until Close.
func (c *Conn) drain() {
	_ = c.ws.Close()
	for range c.outbox.Frames() {
	}
}
