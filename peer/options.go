package peer

import (
	"connectrpc.com/connect"

	"github.com/tailored-agentic-units/sysend/channel"
	"github.com/tailored-agentic-units/sysend/codec"
	"github.com/tailored-agentic-units/sysend/observability"
	"github.com/tailored-agentic-units/sysend/store"
)

type options struct {
	store        store.Store
	network      *channel.Network
	codec        codec.Codec
	observer     observability.Observer
	proxyMode    bool
	errorHandler func(error)
	httpClient   connect.HTTPClient
	origin       string
}

// Option configures collaborators of a Peer.
type Option func(*options)

// WithStore attaches the shared store used when no direct channel is
// available or the shared store is forced.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithNetwork attaches the direct channel network.
func WithNetwork(n *channel.Network) Option {
	return func(o *options) { o.network = n }
}

func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithObserver overrides the observer named in Config.
func WithObserver(obs observability.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithProxyMode starts the peer as a bridge proxy. Proxy peers relay
// traffic for other origins and take no part in presence.
func WithProxyMode() Option {
	return func(o *options) { o.proxyMode = true }
}

// WithErrorHandler receives deferred errors such as bridge load failures.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.errorHandler = fn }
}

// WithHTTPClient sets the client bridge frames dial proxies with.
func WithHTTPClient(c connect.HTTPClient) Option {
	return func(o *options) { o.httpClient = c }
}

// WithOrigin sets the origin presented to bridge proxies, overriding
// Config.Origin.
func WithOrigin(origin string) Option {
	return func(o *options) { o.origin = origin }
}
