// Package transport broadcasts keyed events to every other peer sharing a
// scope. Two backends implement the same contract: the direct backend posts
// on a channel.Network port, which never echoes; the shared backend writes
// to a store.Store, which echoes every write back to the writer and ignores
// no-op writes. Both deliver each envelope at most once per receiving peer.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/tailored-agentic-units/sysend/channel"
	"github.com/tailored-agentic-units/sysend/codec"
	"github.com/tailored-agentic-units/sysend/observability"
	"github.com/tailored-agentic-units/sysend/store"
)

// Prefix namespaces event keys in the shared store and marks bridge frames.
const Prefix = "___sysend___"

// ChannelName is the direct channel every peer joins.
const ChannelName = "sysend"

const DefaultCleanupDelay = 100 * time.Millisecond

var (
	ErrClosed   = errors.New("transport closed")
	ErrStarted  = errors.New("transport already started")
	ErrDegraded = errors.New("transport degraded")
)

type Kind string

const (
	KindDirect Kind = "direct"
	KindShared Kind = "shared"
	KindNone   Kind = "none"
)

const (
	EventDegraded observability.EventType = "transport.degraded"
	EventDropped  observability.EventType = "transport.dropped"
	EventSent     observability.EventType = "transport.sent"
	EventWatch    observability.EventType = "transport.watch_failed"
)

// Handler receives every envelope accepted from another peer. Handlers run
// on the transport's receive goroutine, one envelope at a time.
type Handler func(event string, env Envelope)

type Transport interface {
	Kind() Kind
	// Start begins delivering envelopes to h until Close.
	Start(ctx context.Context, h Handler) error
	// Send broadcasts env under event. Failures of the underlying medium are
	// reported once through the observer and degrade the transport.
	Send(ctx context.Context, event string, env Envelope) error
	// Relay broadcasts an envelope that originated elsewhere, keeping its
	// sequence id and nonce. The relaying peer never delivers it locally.
	Relay(ctx context.Context, event string, env Envelope) error
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	Network      *channel.Network
	Store        store.Store
	ForceShared  bool
	Codec        *codec.Ref
	Filter       *Filter
	CleanupDelay time.Duration
	Observer     observability.Observer
	Warnings     *observability.Once
	Peer         string
}

func (c *Config) defaults() {
	if c.Codec == nil {
		c.Codec = codec.NewRef(nil)
	}
	if c.Observer == nil {
		c.Observer = observability.NoOpObserver{}
	}
	if c.Warnings == nil {
		c.Warnings = observability.NewOnce(c.Observer)
	}
	if c.Filter == nil {
		c.Filter = NewFilter(NewNonce(), DefaultWindow)
	}
	if c.CleanupDelay <= 0 {
		c.CleanupDelay = DefaultCleanupDelay
	}
}

// Select returns the direct backend when a network is configured and the
// shared store is not forced, the shared backend when a store is
// configured, and otherwise a transport that delivers nothing.
func Select(cfg Config) Transport {
	cfg.defaults()
	switch {
	case cfg.Network != nil && !cfg.ForceShared:
		return NewDirect(cfg)
	case cfg.Store != nil:
		return NewShared(cfg)
	default:
		return NewNoop(cfg)
	}
}
