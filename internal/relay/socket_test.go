package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/maprelay/internal/hibernation"
)

var errSocketGone = errors.New("socket gone")

// recordingSocket captures every frame sent to it.
type recordingSocket struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (s *recordingSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errSocketGone
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *recordingSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// messages decodes every captured frame.
func (s *recordingSocket) messages(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.frames))
	for _, f := range s.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

// ofType returns the captured messages whose type matches.
func (s *recordingSocket) ofType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range s.messages(t) {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (s *recordingSocket) raw() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func (s *recordingSocket) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSocket) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

// member is an accepted connection and the socket behind it.
type member struct {
	conn *hibernation.Conn
	sock *recordingSocket
}

func join(t *testing.T, tbl *hibernation.Table, id, room string) member {
	t.Helper()
	sock := &recordingSocket{}
	c, err := tbl.Accept(sock, hibernation.Tags{ConnectionID: id, ClientType: "web", RoomName: room})
	require.NoError(t, err)
	return member{conn: c, sock: sock}
}

func frame(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
