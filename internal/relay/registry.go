// Package relay implements session-scoped rooms on top of the connection table:
// membership lookup, fan-out routing, and the per-room relay that dispatches
// protocol messages and keeps the shared game-state cache.
package relay

import (
	"github.com/cory-johannsen/maprelay/internal/hibernation"
)

// Registry answers room membership questions from the connection table.
// It keeps no state of its own; every call reads the table.
type Registry struct {
	table *hibernation.Table
}

// NewRegistry creates a Registry over the given table.
//
// Precondition: table must be non-nil.
func NewRegistry(table *hibernation.Table) *Registry {
	return &Registry{table: table}
}

// MembersOf returns the live connections tagged with roomName, in accept order.
//
// Postcondition: Returns an empty slice for a room with no members.
func (r *Registry) MembersOf(roomName string) []*hibernation.Conn {
	all := r.table.Connections()
	members := make([]*hibernation.Conn, 0, len(all))
	for _, c := range all {
		if r.table.Tags(c).RoomName == roomName {
			members = append(members, c)
		}
	}
	return members
}

// MemberIDs returns the connection ids of the room's live members, in accept order.
func (r *Registry) MemberIDs(roomName string) []string {
	members := r.MembersOf(roomName)
	ids := make([]string, 0, len(members))
	for _, c := range members {
		ids = append(ids, r.table.Tags(c).ConnectionID)
	}
	return ids
}

// TagsOf returns the connection's id, client type and room.
func (r *Registry) TagsOf(c *hibernation.Conn) hibernation.Tags {
	return r.table.Tags(c)
}

// Rooms returns the distinct room names that currently have members, in order of first member.
func (r *Registry) Rooms() []string {
	seen := make(map[string]bool)
	var rooms []string
	for _, c := range r.table.Connections() {
		name := r.table.Tags(c).RoomName
		if !seen[name] {
			seen[name] = true
			rooms = append(rooms, name)
		}
	}
	return rooms
}
