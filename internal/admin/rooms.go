package admin

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/cory-johannsen/maprelay/internal/relay"
)

// RoomLister reports the status of every known room.
type RoomLister interface {
	Rooms() []relay.RoomStatus
}

// RoomsHandler serves GET requests with the JSON list of room statuses.
//
// Precondition: rooms and logger must be non-nil.
func RoomsHandler(rooms RoomLister, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		statuses := rooms.Rooms()
		if statuses == nil {
			statuses = []relay.RoomStatus{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statuses); err != nil {
			logger.Warn("writing room status", zap.Error(err))
		}
	})
}
