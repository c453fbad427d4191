package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Message types exchanged with clients.
const (
	TypeHandshake          = "handshake"
	TypeHandshakeAck       = "handshake_ack"
	TypeGameUpdate         = "game_update"
	TypePlayerAction       = "player_action"
	TypeMoveCharacter      = "move_character"
	TypeDamageLog          = "damage_log"
	TypeChatMessage        = "chat_message"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeConnected          = "connected"
	TypePlayerConnected    = "player_connected"
	TypePlayerDisconnected = "player_disconnected"
	TypeError              = "error"
)

const (
	fieldType         = "type"
	fieldData         = "data"
	fieldConnectionID = "connectionId"
	fieldTimestamp    = "timestamp"
)

// malformedMessage is reported to clients for any frame that is not a UTF-8 JSON object with a string type.
const malformedMessage = "Failed to process message"

// Envelope is an inbound message with every top-level field kept verbatim.
type Envelope map[string]json.RawMessage

// ParseEnvelope decodes a client frame.
//
// Postcondition: Returns the envelope and its non-empty type, or an error if the
// frame is not valid UTF-8 or not a JSON object carrying a string "type".
func ParseEnvelope(raw []byte) (Envelope, string, error) {
	if !utf8.Valid(raw) {
		return nil, "", errors.New("frame is not valid UTF-8")
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", fmt.Errorf("decoding envelope: %w", err)
	}
	if env == nil {
		return nil, "", errors.New("envelope must be a JSON object")
	}
	rawType, ok := env[fieldType]
	if !ok {
		return nil, "", errors.New("envelope has no type")
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return nil, "", fmt.Errorf("envelope type must be a string: %w", err)
	}
	if typ == "" {
		return nil, "", errors.New("envelope type must not be empty")
	}
	return env, typ, nil
}

// Data returns the raw data field, or nil if it is absent or JSON null.
func (e Envelope) Data() json.RawMessage {
	d, ok := e[fieldData]
	if !ok || isNull(d) {
		return nil
	}
	return d
}

// Stamped returns a copy of the envelope attributed to connectionID at the given time.
// All other fields are carried over unchanged.
func (e Envelope) Stamped(connectionID string, at time.Time) Envelope {
	out := make(Envelope, len(e)+2)
	for k, v := range e {
		out[k] = v
	}
	out[fieldConnectionID] = mustMarshal(connectionID)
	out[fieldTimestamp] = mustMarshal(at.UnixMilli())
	return out
}

// ConnectedMessage greets a freshly accepted connection.
type ConnectedMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	RoomName     string `json:"roomName"`
	MapName      string `json:"mapName"`
	Timestamp    int64  `json:"timestamp"`
}

// HandshakeAck answers a handshake with the room's cached state.
type HandshakeAck struct {
	Type             string                     `json:"type"`
	ConnectionID     string                     `json:"connectionId"`
	ServerTime       int64                      `json:"serverTime"`
	ConnectedClients int                        `json:"connectedClients"`
	GameState        map[string]json.RawMessage `json:"gameState"`
	Timestamp        int64                      `json:"timestamp"`
}

// PlayerConnected announces a handshake to the rest of the room.
type PlayerConnected struct {
	Type             string   `json:"type"`
	PlayerID         string   `json:"playerId"`
	ConnectionID     string   `json:"connectionId"`
	ConnectedClients []string `json:"connectedClients"`
	Timestamp        int64    `json:"timestamp"`
}

// PlayerDisconnected announces a closed connection to the rest of the room.
type PlayerDisconnected struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	Timestamp    int64  `json:"timestamp"`
}

// Pong answers a ping.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports a protocol error to the sender only.
// Data repeats the message for clients that read errors from the data field.
type ErrorMessage struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Data      errorData `json:"data"`
	Timestamp int64     `json:"timestamp"`
}

type errorData struct {
	Message string `json:"message"`
}

func newErrorMessage(msg string, at time.Time) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		Message:   msg,
		Data:      errorData{Message: msg},
		Timestamp: at.UnixMilli(),
	}
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshaling %T: %v", v, err))
	}
	return b
}
