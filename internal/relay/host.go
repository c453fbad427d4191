package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/maprelay/internal/config"
	"github.com/cory-johannsen/maprelay/internal/hibernation"
)

// ErrHostStopped is returned for events that arrive after Stop.
var ErrHostStopped = errors.New("relay host stopped")

type eventKind int

const (
	eventOpen eventKind = iota
	eventMessage
	eventClose
)

type event struct {
	kind    eventKind
	conn    *hibernation.Conn
	payload []byte
	cause   error
}

// instance is one running room relay and the goroutine that feeds it.
type instance struct {
	relay   *Relay
	mailbox chan event
	done    chan struct{}
	// prev is the done channel of the room's previous relay, if it was still draining.
	prev <-chan struct{}

	// mu guards closed; senders hold it for reading while pushing so the
	// mailbox is never closed under them.
	mu     sync.RWMutex
	closed bool

	startedAt  time.Time
	emptySince time.Time
}

// RoomStatus describes one room for operators.
type RoomStatus struct {
	Room         string `json:"room" yaml:"room"`
	Connections  int    `json:"connections" yaml:"connections"`
	Active       int    `json:"active" yaml:"active"`
	RelayRunning bool   `json:"relayRunning" yaml:"relay_running"`
}

// Host starts and reuses one Relay per room name and serializes every event for
// a room on that room's goroutine. Rooms never share a goroutine or a cache.
//
// A room's relay may be suspended at any time; the next event for the room
// starts a fresh relay with an empty cache that reads membership from the table.
type Host struct {
	table    *hibernation.Table
	registry *Registry
	cfg      config.RelayConfig
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	rooms    map[string]*instance
	draining map[string]chan struct{}
	stopped  bool
	handled sync.WaitGroup
}

// NewHost creates a Host over the given connection table.
//
// Precondition: table and logger must be non-nil; cfg.MailboxSize must be >= 1.
// Postcondition: Returns a Host with no running relays.
func NewHost(table *hibernation.Table, cfg config.RelayConfig, logger *zap.Logger) *Host {
	if cfg.MailboxSize < 1 {
		cfg.MailboxSize = 1
	}
	return &Host{
		table:    table,
		registry: NewRegistry(table),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		rooms:    make(map[string]*instance),
		draining: make(map[string]chan struct{}),
	}
}

// Table returns the connection table the host serves.
func (h *Host) Table() *hibernation.Table {
	return h.table
}

// Open queues the greeting for a connection the table has just accepted.
func (h *Host) Open(ctx context.Context, c *hibernation.Conn) error {
	return h.dispatch(ctx, event{kind: eventOpen, conn: c})
}

// Message queues one inbound frame from c.
func (h *Host) Message(ctx context.Context, c *hibernation.Conn, payload []byte) error {
	return h.dispatch(ctx, event{kind: eventMessage, conn: c, payload: payload})
}

// Disconnect removes c from the table and queues the departure notice.
// A nil cause is a clean close. Calling Disconnect twice for the same handle
// announces the departure once.
func (h *Host) Disconnect(ctx context.Context, c *hibernation.Conn, cause error) error {
	if _, live := h.table.Remove(c); !live {
		return nil
	}
	return h.dispatch(ctx, event{kind: eventClose, conn: c, cause: cause})
}

// Suspend stops the room's relay after it drains its queued events. The cached
// game state is discarded; connections are untouched.
//
// Postcondition: Returns true if a relay was running for the room.
func (h *Host) Suspend(room string) bool {
	h.mu.Lock()
	inst, ok := h.rooms[room]
	if ok {
		h.detach(room, inst)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	h.retire(room, inst, "suspended")
	return true
}

// Running reports whether a relay is currently running for the room.
func (h *Host) Running(room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.rooms[room]
	return ok
}

// Rooms reports every room that has members or a running relay, sorted by name.
func (h *Host) Rooms() []RoomStatus {
	byRoom := make(map[string]*RoomStatus)
	for _, c := range h.table.Connections() {
		name := h.table.Tags(c).RoomName
		st, ok := byRoom[name]
		if !ok {
			st = &RoomStatus{Room: name}
			byRoom[name] = st
		}
		st.Connections++
		if h.table.State(c) == hibernation.StateActive {
			st.Active++
		}
	}

	h.mu.Lock()
	for name := range h.rooms {
		st, ok := byRoom[name]
		if !ok {
			st = &RoomStatus{Room: name}
			byRoom[name] = st
		}
		st.RelayRunning = true
	}
	h.mu.Unlock()

	out := make([]RoomStatus, 0, len(byRoom))
	for _, st := range byRoom {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Run suspends relays of rooms that have stayed empty for cfg.IdleSuspendAfter,
// checking every cfg.SweepInterval, until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	if h.cfg.IdleSuspendAfter <= 0 || h.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep suspends every relay whose room has had no members for at least cfg.IdleSuspendAfter.
//
// Postcondition: Returns the suspended room names.
func (h *Host) Sweep() []string {
	now := h.now()
	var idle []string

	h.mu.Lock()
	for name, inst := range h.rooms {
		if len(h.registry.MembersOf(name)) > 0 {
			inst.emptySince = time.Time{}
			continue
		}
		if inst.emptySince.IsZero() {
			inst.emptySince = now
		}
		if now.Sub(inst.emptySince) >= h.cfg.IdleSuspendAfter {
			idle = append(idle, name)
		}
	}
	h.mu.Unlock()

	var suspended []string
	for _, name := range idle {
		if h.suspendIfEmpty(name) {
			suspended = append(suspended, name)
		}
	}
	return suspended
}

// Stop suspends every relay and rejects further events.
//
// Postcondition: No room goroutine is running when Stop returns.
func (h *Host) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	rooms := make(map[string]*instance, len(h.rooms))
	for name, inst := range h.rooms {
		rooms[name] = inst
		h.detach(name, inst)
	}
	h.mu.Unlock()

	for name, inst := range rooms {
		h.retire(name, inst, "stopped")
	}
	h.handled.Wait()
	h.logger.Info("relay host stopped", zap.Int("rooms", len(rooms)))
}

func (h *Host) suspendIfEmpty(room string) bool {
	h.mu.Lock()
	inst, ok := h.rooms[room]
	if !ok || len(h.registry.MembersOf(room)) > 0 {
		h.mu.Unlock()
		return false
	}
	h.detach(room, inst)
	h.mu.Unlock()
	h.retire(room, inst, "idle")
	return true
}

// detach removes inst from the running set. The caller holds h.mu.
func (h *Host) detach(room string, inst *instance) {
	delete(h.rooms, room)
	h.draining[room] = inst.done
}

func (h *Host) retire(room string, inst *instance, reason string) {
	inst.mu.Lock()
	if !inst.closed {
		inst.closed = true
		close(inst.mailbox)
	}
	inst.mu.Unlock()
	<-inst.done

	h.mu.Lock()
	if h.draining[room] == inst.done {
		delete(h.draining, room)
	}
	h.mu.Unlock()

	h.logger.Info("room relay retired",
		zap.String("room", room),
		zap.String("reason", reason),
		zap.Duration("uptime", h.now().Sub(inst.startedAt)),
	)
}

func (h *Host) dispatch(ctx context.Context, ev event) error {
	room := h.table.Tags(ev.conn).RoomName
	if room == "" {
		return fmt.Errorf("connection has no room tag")
	}
	for {
		inst, err := h.instanceFor(room)
		if err != nil {
			return err
		}
		delivered, err := h.push(ctx, inst, ev)
		if err != nil {
			return err
		}
		if delivered {
			return nil
		}
		// The instance was retired between lookup and push; the next lookup starts a fresh one.
	}
}

func (h *Host) push(ctx context.Context, inst *instance, ev event) (bool, error) {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	if inst.closed {
		return false, nil
	}
	select {
	case inst.mailbox <- ev:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (h *Host) instanceFor(room string) (*instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, ErrHostStopped
	}
	if inst, ok := h.rooms[room]; ok {
		return inst, nil
	}

	inst := &instance{
		relay:     NewRelay(room, h.table, h.logger),
		mailbox:   make(chan event, h.cfg.MailboxSize),
		done:      make(chan struct{}),
		startedAt: h.now(),
	}
	if prev, ok := h.draining[room]; ok {
		inst.prev = prev
		delete(h.draining, room)
	}
	h.rooms[room] = inst
	h.handled.Add(1)
	go h.serve(room, inst)

	h.logger.Info("room relay started",
		zap.String("room", room),
		zap.Int("members", len(h.registry.MembersOf(room))),
	)
	return inst, nil
}

// serve runs a room's events one at a time in arrival order.
func (h *Host) serve(room string, inst *instance) {
	defer h.handled.Done()
	defer close(inst.done)
	if inst.prev != nil {
		<-inst.prev
	}
	for ev := range inst.mailbox {
		if err := dontPanic(func() { h.handle(inst.relay, ev) }); err != nil {
			h.logger.Error("room relay recovered from a panic",
				zap.String("room", room),
				zap.String("connection_id", h.table.Tags(ev.conn).ConnectionID),
				zap.Error(err),
			)
		}
	}
}

func (h *Host) handle(r *Relay, ev event) {
	switch ev.kind {
	case eventOpen:
		r.Open(ev.conn)
	case eventMessage:
		r.Receive(ev.conn, ev.payload)
	case eventClose:
		r.Close(ev.conn, ev.cause)
	}
}

type recoveredPanic struct {
	cause any
}

func (e recoveredPanic) Error() string {
	return fmt.Sprintf("panic: %v", e.cause)
}

func (e recoveredPanic) Unwrap() error {
	if err, ok := e.cause.(error); ok {
		return err
	}
	return nil
}

func dontPanic(fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = recoveredPanic{cause: rec}
		}
	}()
	fn()
	return nil
}
