package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/maprelay/internal/hibernation"
)

// handshakeData is the optional payload of a handshake.
type handshakeData struct {
	PlayerID *string `json:"playerId"`
}

// Relay serves one room. It dispatches inbound messages, owns the room's
// game-state cache and announces joins and leaves.
//
// A Relay is not safe for concurrent use; the Host feeds it one event at a time.
type Relay struct {
	room     string
	table    *hibernation.Table
	registry *Registry
	router   *Router
	cache    *StateCache
	logger   *zap.Logger
	now      func() time.Time
}

// NewRelay creates the relay for roomName with an empty cache.
//
// Precondition: roomName must be non-empty; table and logger must be non-nil.
// Postcondition: Returns a Relay whose cache is empty.
func NewRelay(roomName string, table *hibernation.Table, logger *zap.Logger) *Relay {
	registry := NewRegistry(table)
	return &Relay{
		room:     roomName,
		table:    table,
		registry: registry,
		router:   NewRouter(registry, logger),
		cache:    NewStateCache(),
		logger:   logger.With(zap.String("room", roomName)),
		now:      time.Now,
	}
}

// Room returns the room this relay serves.
func (r *Relay) Room() string {
	return r.room
}

// Snapshot returns a copy of the room's cached game state.
func (r *Relay) Snapshot() map[string]json.RawMessage {
	return r.cache.Snapshot()
}

// Open greets a newly accepted connection.
//
// Precondition: c is live in the table and tagged with this relay's room.
// Postcondition: c has been sent a connected message.
func (r *Relay) Open(c *hibernation.Conn) {
	tags := r.registry.TagsOf(c)
	r.logger.Info("connection opened",
		zap.String("connection_id", tags.ConnectionID),
		zap.String("client_type", tags.ClientType),
		zap.Int("members", len(r.registry.MembersOf(r.room))),
	)
	r.router.Deliver(PolicyTargeted, c, ConnectedMessage{
		Type:         TypeConnected,
		ConnectionID: tags.ConnectionID,
		RoomName:     tags.RoomName,
		MapName:      tags.RoomName,
		Timestamp:    r.now().UnixMilli(),
	})
}

// Receive dispatches one inbound frame from c.
//
// Postcondition: Exactly one handler ran, or c was sent an error message.
func (r *Relay) Receive(c *hibernation.Conn, raw []byte) {
	tags := r.registry.TagsOf(c)

	env, typ, err := ParseEnvelope(raw)
	if err != nil {
		r.logger.Warn("malformed message",
			zap.String("connection_id", tags.ConnectionID),
			zap.Int("bytes", len(raw)),
			zap.Error(err),
		)
		r.replyError(c, malformedMessage)
		return
	}

	if typ != TypeHandshake && r.table.State(c) == hibernation.StateOpen {
		// Handshake-first is not enforced; clients may send before the ack arrives.
		r.logger.Debug("message before handshake",
			zap.String("connection_id", tags.ConnectionID),
			zap.String("type", typ),
		)
	}

	switch typ {
	case TypeHandshake:
		r.handleHandshake(c, tags, env)
	case TypeGameUpdate:
		r.handleGameUpdate(c, tags, env)
	case TypePlayerAction, TypeDamageLog, TypeChatMessage:
		r.relayEnvelope(PolicyAll, c, tags, env, typ)
	case TypeMoveCharacter:
		r.relayEnvelope(PolicyOthers, c, tags, env, typ)
	case TypePing:
		r.router.Deliver(PolicyTargeted, c, Pong{Type: TypePong, Timestamp: r.now().UnixMilli()})
	default:
		r.logger.Info("unknown message type",
			zap.String("connection_id", tags.ConnectionID),
			zap.String("type", typ),
		)
		r.replyError(c, fmt.Sprintf("Unknown message type: %s", typ))
	}
}

// Close announces that c has left. The table must already have removed c.
// A nil cause is a clean close; otherwise the stream failed and cause is logged.
//
// Postcondition: Every remaining member of the room was sent one player_disconnected.
func (r *Relay) Close(c *hibernation.Conn, cause error) {
	tags := r.registry.TagsOf(c)
	remaining := len(r.registry.MembersOf(r.room))
	if cause != nil {
		r.logger.Warn("connection failed",
			zap.String("connection_id", tags.ConnectionID),
			zap.Int("remaining", remaining),
			zap.Error(cause),
		)
	} else {
		r.logger.Info("connection closed",
			zap.String("connection_id", tags.ConnectionID),
			zap.Int("remaining", remaining),
		)
	}
	r.router.Deliver(PolicyOthers, c, PlayerDisconnected{
		Type:         TypePlayerDisconnected,
		ConnectionID: tags.ConnectionID,
		Timestamp:    r.now().UnixMilli(),
	})
}

func (r *Relay) handleHandshake(c *hibernation.Conn, tags hibernation.Tags, env Envelope) {
	playerID := tags.ConnectionID
	if data := env.Data(); data != nil {
		if !isObject(data) {
			r.replyError(c, "handshake data must be an object")
			return
		}
		var hs handshakeData
		if err := json.Unmarshal(data, &hs); err != nil {
			r.logger.Warn("invalid handshake",
				zap.String("connection_id", tags.ConnectionID),
				zap.Error(err),
			)
			r.replyError(c, "handshake playerId must be a string")
			return
		}
		if hs.PlayerID != nil && *hs.PlayerID != "" {
			playerID = *hs.PlayerID
		}
	}

	if err := r.table.SetState(c, hibernation.StateActive); err != nil {
		r.logger.Warn("handshake from departed connection",
			zap.String("connection_id", tags.ConnectionID),
			zap.Error(err),
		)
		return
	}

	memberIDs := r.registry.MemberIDs(r.room)
	now := r.now()
	r.logger.Info("handshake",
		zap.String("connection_id", tags.ConnectionID),
		zap.String("player_id", playerID),
		zap.Int("members", len(memberIDs)),
		zap.Int("cached_fields", r.cache.Len()),
	)

	r.router.Deliver(PolicyTargeted, c, HandshakeAck{
		Type:             TypeHandshakeAck,
		ConnectionID:     tags.ConnectionID,
		ServerTime:       now.UnixMilli(),
		ConnectedClients: len(memberIDs),
		GameState:        r.cache.Snapshot(),
		Timestamp:        now.UnixMilli(),
	})
	r.router.Deliver(PolicyOthers, c, PlayerConnected{
		Type:             TypePlayerConnected,
		PlayerID:         playerID,
		ConnectionID:     tags.ConnectionID,
		ConnectedClients: memberIDs,
		Timestamp:        now.UnixMilli(),
	})
}

func (r *Relay) handleGameUpdate(c *hibernation.Conn, tags hibernation.Tags, env Envelope) {
	if err := r.cache.Merge(env.Data()); err != nil {
		r.logger.Warn("rejecting game update",
			zap.String("connection_id", tags.ConnectionID),
			zap.Error(err),
		)
		r.replyError(c, err.Error())
		return
	}
	r.relayEnvelope(PolicyOthers, c, tags, env, TypeGameUpdate)
}

func (r *Relay) relayEnvelope(policy Policy, c *hibernation.Conn, tags hibernation.Tags, env Envelope, typ string) {
	rep := r.router.Deliver(policy, c, env.Stamped(tags.ConnectionID, r.now()))
	r.logger.Debug("relayed",
		zap.String("connection_id", tags.ConnectionID),
		zap.String("type", typ),
		zap.Stringer("policy", policy),
		zap.Int("recipients", rep.Recipients),
		zap.Int("failed", len(rep.Failures)),
	)
}

func (r *Relay) replyError(c *hibernation.Conn, msg string) {
	r.router.Deliver(PolicyTargeted, c, newErrorMessage(msg, r.now()))
}
