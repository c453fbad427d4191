// Package client provides a WebSocket client for the map relay, used by
// operator tooling and end-to-end tests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/maprelay/internal/relay"
	"github.com/cory-johannsen/maprelay/internal/transport/websocket"
)

// ErrClosed is returned by Send and Next after the client has stopped.
var ErrClosed = errors.New("relay client closed")

// Options selects the room and identity a client joins with.
type Options struct {
	MapName      string
	ConnectionID string
	ClientType   string
}

// Frame is one message received from the relay.
type Frame struct {
	Type     string
	Envelope relay.Envelope
	Raw      []byte
}

// outbound is the envelope every client message is wrapped in.
type outbound struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
}

// Client is a connection to one relay room. Frames are read by a background
// goroutine and delivered through Next; Send writes from the caller's goroutine.
type Client struct {
	ws     *gws.Conn
	opts   Options
	logger *zap.Logger

	frames chan Frame
	done   chan struct{}
	stop   chan struct{}
	once   sync.Once

	writeMu sync.Mutex
	errMu   sync.Mutex
	readErr error
}

// Dial connects to the relay endpoint (for example ws://localhost:8787/ws).
//
// Precondition: endpoint must be a ws:// or wss:// URL.
// Postcondition: Returns a Client whose reader is running, or an error.
func Dial(ctx context.Context, endpoint string, opts Options, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}
	if opts.ConnectionID == "" {
		opts.ConnectionID = uuid.NewString()
	}
	q := u.Query()
	if opts.MapName != "" {
		q.Set(websocket.ParamMapName, opts.MapName)
	}
	q.Set(websocket.ParamConnectionID, opts.ConnectionID)
	if opts.ClientType != "" {
		q.Set(websocket.ParamClientType, opts.ClientType)
	}
	u.RawQuery = q.Encode()

	ws, resp, err := gws.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %s: %w", u.Redacted(), resp.Status, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", u.Redacted(), err)
	}

	c := &Client{
		ws:     ws,
		opts:   opts,
		logger: logger.With(zap.String("connection_id", opts.ConnectionID)),
		frames: make(chan Frame, 256),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// ConnectionID returns the id this client connected with.
func (c *Client) ConnectionID() string {
	return c.opts.ConnectionID
}

// Send writes one message of the given type. data may be nil.
//
// Postcondition: The message was written with a fresh id and the current timestamp, or an error is returned.
func (c *Client) Send(ctx context.Context, typ string, data any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	msg := outbound{
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		ID:        uuid.NewString(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", typ, err)
	}
	return c.SendRaw(ctx, payload)
}

// SendRaw writes a frame verbatim.
func (c *Client) SendRaw(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
	}
	if err := c.ws.WriteMessage(gws.TextMessage, payload); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Handshake announces the client to its room.
func (c *Client) Handshake(ctx context.Context, playerID string) error {
	data := map[string]string{"mapName": c.opts.MapName}
	if playerID != "" {
		data["playerId"] = playerID
	}
	return c.Send(ctx, relay.TypeHandshake, data)
}

// Next returns the next frame from the relay.
//
// Postcondition: Returns a frame, ctx's error, or the error that ended the stream (ErrClosed after a clean close).
func (c *Client) Next(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-c.frames:
		if ok {
			return f, nil
		}
		return Frame{}, c.err()
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Await returns the next frame of the given type, discarding others.
func (c *Client) Await(ctx context.Context, typ string) (Frame, error) {
	for {
		f, err := c.Next(ctx)
		if err != nil {
			return Frame{}, err
		}
		if f.Type == typ {
			return f, nil
		}
	}
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.stop) })
	c.writeMu.Lock()
	err := c.ws.WriteControl(gws.CloseMessage,
		gws.FormatCloseMessage(gws.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, gws.ErrCloseSent) {
		c.logger.Debug("writing close frame", zap.Error(err))
	}
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return c.ws.Close()
}

func (c *Client) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		return ErrClosed
	}
	return c.readErr
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				c.errMu.Lock()
				c.readErr = err
				c.errMu.Unlock()
				c.logger.Debug("reading from relay", zap.Error(err))
			}
			return
		}
		env, typ, err := relay.ParseEnvelope(data)
		if err != nil {
			c.logger.Warn("discarding undecodable frame", zap.Error(err))
			continue
		}
		select {
		case c.frames <- Frame{Type: typ, Envelope: env, Raw: data}:
		case <-c.stop:
			return
		}
	}
}
