package relay

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/maprelay/internal/hibernation"
)

// Policy selects which room members receive a message.
type Policy int

const (
	// PolicyAll delivers to every member of the sender's room, sender included.
	PolicyAll Policy = iota
	// PolicyOthers delivers to every member of the sender's room except the sender.
	PolicyOthers
	// PolicyTargeted delivers to the sender alone.
	PolicyTargeted
)

// String returns the policy name used in logs.
func (p Policy) String() string {
	switch p {
	case PolicyAll:
		return "all"
	case PolicyOthers:
		return "others"
	case PolicyTargeted:
		return "targeted"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Failure records one recipient that could not be sent to.
type Failure struct {
	ConnectionID string
	Err          error
}

// Report summarizes one fan-out.
type Report struct {
	// Recipients is the number of connections selected by the policy.
	Recipients int
	// Delivered is the number of successful sends.
	Delivered int
	// Failures lists the recipients whose send failed.
	Failures []Failure
	// Err is set when the message could not be serialized; nothing was sent.
	Err error
}

// Router computes recipients through the Registry and sends to each one
// independently. It holds no state besides its collaborators.
type Router struct {
	registry *Registry
	logger   *zap.Logger
}

// NewRouter creates a Router.
//
// Precondition: registry and logger must be non-nil.
func NewRouter(registry *Registry, logger *zap.Logger) *Router {
	return &Router{registry: registry, logger: logger}
}

// Deliver sends msg to the members of the sender's room selected by policy.
//
// Precondition: sender must be a handle issued by the registry's table; msg must be JSON-serializable.
// Postcondition: Every selected recipient was attempted exactly once; failures are logged and reported, never returned to the sender.
func (r *Router) Deliver(policy Policy, sender *hibernation.Conn, msg any) Report {
	tags := r.registry.TagsOf(sender)
	switch policy {
	case PolicyAll:
		return r.fanout(policy, tags, msg, func(*hibernation.Conn, hibernation.Tags) bool { return true })
	case PolicyOthers:
		return r.fanout(policy, tags, msg, func(c *hibernation.Conn, _ hibernation.Tags) bool { return c != sender })
	case PolicyTargeted:
		return r.fanout(policy, tags, msg, func(c *hibernation.Conn, _ hibernation.Tags) bool { return c == sender })
	default:
		err := fmt.Errorf("unknown delivery policy %d", int(policy))
		r.logger.Error("delivery skipped", zap.String("room", tags.RoomName), zap.Error(err))
		return Report{Err: err}
	}
}

// DeliverTo sends msg to the member of the sender's room whose connection id matches.
//
// Postcondition: At most one connection is attempted; an id outside the sender's room yields zero recipients.
func (r *Router) DeliverTo(sender *hibernation.Conn, connectionID string, msg any) Report {
	tags := r.registry.TagsOf(sender)
	return r.fanout(PolicyTargeted, tags, msg, func(_ *hibernation.Conn, t hibernation.Tags) bool {
		return t.ConnectionID == connectionID
	})
}

func (r *Router) fanout(policy Policy, sender hibernation.Tags, msg any, include func(*hibernation.Conn, hibernation.Tags) bool) Report {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("serializing outbound message",
			zap.String("room", sender.RoomName),
			zap.String("sender", sender.ConnectionID),
			zap.Stringer("policy", policy),
			zap.Error(err),
		)
		return Report{Err: fmt.Errorf("serializing %T: %w", msg, err)}
	}

	var rep Report
	for _, c := range r.registry.MembersOf(sender.RoomName) {
		tags := r.registry.TagsOf(c)
		if !include(c, tags) {
			continue
		}
		rep.Recipients++
		if err := c.Send(data); err != nil {
			rep.Failures = append(rep.Failures, Failure{ConnectionID: tags.ConnectionID, Err: err})
			r.logger.Warn("send to connection failed",
				zap.String("room", sender.RoomName),
				zap.String("connection_id", tags.ConnectionID),
				zap.Stringer("policy", policy),
				zap.Error(err),
			)
			continue
		}
		rep.Delivered++
	}
	return rep
}
