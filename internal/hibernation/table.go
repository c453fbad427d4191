// Package hibernation provides the authoritative table of live relay
// connections.
//
// The table plays the role of the hosting runtime: it owns every accepted
// connection handle together with the tags attached at accept time and the
// small amount of per-connection state that must outlive a room relay being
// suspended. Room relays never keep their own membership index; they ask the
// table on every call.
package hibernation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrDuplicateConnection is returned when a connection id is already live in the room.
	ErrDuplicateConnection = errors.New("connection id already in use in room")
	// ErrUnknownConnection is returned for handles that are not live in the table.
	ErrUnknownConnection = errors.New("connection not in table")
)

// Socket is the outbound half of a live message stream.
type Socket interface {
	// Send queues one serialized message for the peer.
	Send(data []byte) error
	// Close terminates the stream.
	Close() error
}

// Tags are attached to a connection when it is accepted and never change.
type Tags struct {
	ConnectionID string
	ClientType   string
	RoomName     string
}

// State is the protocol state of a connection.
type State int32

const (
	// StateOpen is a stream that has been accepted but has not completed a handshake.
	StateOpen State = iota
	// StateActive is a stream that has completed a handshake.
	StateActive
	// StateClosed is terminal; the table no longer lists the connection.
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is a connection handle issued by a Table.
type Conn struct {
	seq        uint64
	socket     Socket
	tags       Tags
	acceptedAt time.Time
	state      atomic.Int32
}

// Send writes data to the underlying socket.
func (c *Conn) Send(data []byte) error {
	return c.socket.Send(data)
}

// Close closes the underlying socket. It does not remove the handle from the table.
func (c *Conn) Close() error {
	return c.socket.Close()
}

// AcceptedAt returns when the table accepted the connection.
func (c *Conn) AcceptedAt() time.Time {
	return c.acceptedAt
}

// Table tracks every live connection. All methods are safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	next  uint64
	conns map[uint64]*Conn
	now   func() time.Time
}

// NewTable creates an empty connection table.
func NewTable() *Table {
	return &Table{
		conns: make(map[uint64]*Conn),
		now:   time.Now,
	}
}

// Accept registers a live socket under the given tags.
//
// Precondition: sock must be non-nil; tags.ConnectionID and tags.RoomName must be non-empty.
// Postcondition: Returns a handle in StateOpen, or ErrDuplicateConnection if the id is already live in the room.
func (t *Table) Accept(sock Socket, tags Tags) (*Conn, error) {
	if sock == nil {
		return nil, errors.New("socket must not be nil")
	}
	if strings.TrimSpace(tags.ConnectionID) == "" {
		return nil, errors.New("connection id must not be empty")
	}
	if strings.TrimSpace(tags.RoomName) == "" {
		return nil, errors.New("room name must not be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.conns {
		if c.tags.RoomName == tags.RoomName && c.tags.ConnectionID == tags.ConnectionID {
			return nil, fmt.Errorf("%w: %q in %q", ErrDuplicateConnection, tags.ConnectionID, tags.RoomName)
		}
	}

	t.next++
	c := &Conn{
		seq:        t.next,
		socket:     sock,
		tags:       tags,
		acceptedAt: t.now(),
	}
	c.state.Store(int32(StateOpen))
	t.conns[c.seq] = c
	return c, nil
}

// Remove drops a connection from the table and marks it closed.
//
// Postcondition: Returns the connection's tags and true if it was live, or false if it had already been removed.
func (t *Table) Remove(c *Conn) (Tags, bool) {
	if c == nil {
		return Tags{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[c.seq]; !ok {
		return c.tags, false
	}
	delete(t.conns, c.seq)
	c.state.Store(int32(StateClosed))
	return c.tags, true
}

// Connections returns every live connection in accept order.
//
// Postcondition: Returns a fresh slice (may be empty).
func (t *Table) Connections() []*Conn {
	t.mu.RLock()
	out := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Lookup returns the live connection with the given id in the given room.
func (t *Table) Lookup(roomName, connectionID string) (*Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.conns {
		if c.tags.RoomName == roomName && c.tags.ConnectionID == connectionID {
			return c, true
		}
	}
	return nil, false
}

// Tags returns the tags attached to a handle. Tags remain readable after the
// handle is removed so close handling can still address the room.
func (t *Table) Tags(c *Conn) Tags {
	if c == nil {
		return Tags{}
	}
	return c.tags
}

// Live reports whether the handle is still listed.
func (t *Table) Live(c *Conn) bool {
	if c == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.conns[c.seq]
	return ok
}

// State returns the protocol state of the handle.
func (t *Table) State(c *Conn) State {
	if c == nil {
		return StateClosed
	}
	return State(c.state.Load())
}

// SetState records a protocol state transition for a live handle.
//
// Precondition: s must be StateOpen or StateActive; use Remove to close.
// Postcondition: Returns ErrUnknownConnection if the handle is no longer live.
func (t *Table) SetState(c *Conn, s State) error {
	if s == StateClosed {
		return errors.New("closed state is set by Remove")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c == nil {
		return ErrUnknownConnection
	}
	if _, ok := t.conns[c.seq]; !ok {
		return ErrUnknownConnection
	}
	c.state.Store(int32(s))
	return nil
}

// Count returns the number of live connections.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}
