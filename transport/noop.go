package transport

import "context"

// Noop is the degraded transport used when neither a network nor a store is
// configured. Sends succeed and reach nobody; local emits still work.
type Noop struct {
	cfg Config
}

func NewNoop(cfg Config) *Noop {
	cfg.defaults()
	cfg.Warnings.Warn(context.Background(), EventDegraded, "transport.none", cfg.Peer,
		"no direct channel or shared store configured; broadcasts stay local")
	return &Noop{cfg: cfg}
}

func (*Noop) Kind() Kind                                   { return KindNone }
func (*Noop) Start(context.Context, Handler) error         { return nil }
func (*Noop) Send(context.Context, string, Envelope) error { return nil }
func (n *Noop) Relay(_ context.Context, _ string, env Envelope) error {
	n.cfg.Filter.Mark(env)
	return nil
}
func (*Noop) Close() error { return nil }
