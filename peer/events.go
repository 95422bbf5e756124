package peer

import "github.com/tailored-agentic-units/sysend/observability"

// Protocol events. They travel like any other event and may be observed
// with On, but are reserved for presence and addressed messaging.
const (
	EventQuery   = "__query__"
	EventAck     = "__ack__"
	EventOpen    = "__open__"
	EventClose   = "__close__"
	EventPrimary = "__primary__"
	EventMessage = "__message__"
)

const (
	EventStarted      observability.EventType = "peer.started"
	EventClosed       observability.EventType = "peer.closed"
	EventRolePrimary  observability.EventType = "peer.role.primary"
	EventRoleSecond   observability.EventType = "peer.role.secondary"
	EventPeerOpened   observability.EventType = "peer.presence.open"
	EventPeerClosed   observability.EventType = "peer.presence.close"
	EventReconcile    observability.EventType = "peer.reconcile"
	EventHandlerPanic observability.EventType = "peer.handler.panic"
	EventDecodeFailed observability.EventType = "peer.decode.failed"
	EventDeferred     observability.EventType = "peer.deferred.error"
)

// State is the presence state of a peer.
type State int

const (
	StateUninitialized State = iota
	StateDiscovering
	StatePrimary
	StateSecondary
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateDiscovering:
		return "discovering"
	case StatePrimary:
		return "primary"
	case StateSecondary:
		return "secondary"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RosterEntry is one peer that answered a roster query.
type RosterEntry struct {
	ID      string `json:"id"`
	Primary bool   `json:"primary"`
}

// OpenEvent is delivered to Open trackers when another peer starts.
type OpenEvent struct {
	ID      string `json:"id"`
	Count   int    `json:"count"`
	Primary bool   `json:"primary"`
}

// CloseEvent is delivered to Close trackers when a peer closes. Self is set
// when the closing peer is the local one.
type CloseEvent struct {
	ID      string `json:"id"`
	Count   int    `json:"count"`
	Primary bool   `json:"primary"`
	Self    bool   `json:"self"`
}

// MessageEvent is an addressed message delivered to this peer.
type MessageEvent struct {
	Data   any    `json:"data"`
	Origin string `json:"origin"`
}

// Status is delivered to Primary, Secondary and Ready trackers.
type Status struct {
	ID      string `json:"id"`
	Primary bool   `json:"primary"`
	Count   int    `json:"count"`
}
