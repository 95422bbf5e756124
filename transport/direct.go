package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tailored-agentic-units/sysend/channel"
	"github.com/tailored-agentic-units/sysend/observability"
)

// Direct broadcasts over a channel.Network port. Ports never receive their
// own posts, so only duplicates need filtering.
type Direct struct {
	cfg  Config
	port *channel.Port

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	closed  atomic.Bool
}

// NewDirect joins cfg.Network. A network that refuses the join leaves the
// transport degraded.
func NewDirect(cfg Config) *Direct {
	cfg.defaults()
	d := &Direct{cfg: cfg}
	port, err := cfg.Network.Join(ChannelName)
	if err != nil {
		d.degrade(context.Background(), err)
		return d
	}
	d.port = port
	return d
}

func (d *Direct) Kind() Kind {
	if d.port == nil {
		return KindNone
	}
	return KindDirect
}

func (d *Direct) Start(ctx context.Context, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return ErrStarted
	}
	d.started = true
	if d.port == nil {
		return nil
	}

	recvCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.receive(recvCtx, h)
	return nil
}

func (d *Direct) receive(ctx context.Context, h Handler) {
	defer close(d.done)
	for {
		msg, err := d.port.Receive(ctx)
		if err != nil {
			return
		}
		env, err := DecodeEnvelope(d.cfg.Codec.Load(), msg.Payload)
		if err != nil {
			dropped(ctx, d.cfg, "transport.direct", msg.Event, err)
			continue
		}
		if d.cfg.Filter.Accept(env) {
			h(msg.Event, env)
		}
	}
}

func (d *Direct) Send(ctx context.Context, event string, env Envelope) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if d.port == nil {
		return nil
	}
	data, err := env.Encode(d.cfg.Codec.Load())
	if err != nil {
		return err
	}
	err = d.port.Post(ctx, channel.Message{From: d.cfg.Filter.Nonce(), Event: event, Payload: data})
	if err != nil {
		d.degrade(ctx, err)
		return nil
	}
	sent(ctx, d.cfg, KindDirect, event, env)
	return nil
}

func (d *Direct) Relay(ctx context.Context, event string, env Envelope) error {
	d.cfg.Filter.Mark(env)
	return d.Send(ctx, event, env)
}

func (d *Direct) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.started = true
	d.mu.Unlock()

	if d.port != nil {
		d.port.Close()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (d *Direct) degrade(ctx context.Context, err error) {
	d.cfg.Warnings.Warn(ctx, EventDegraded, "transport.direct", d.cfg.Peer,
		fmt.Sprintf("direct channel unavailable: %v", err))
}

func dropped(ctx context.Context, cfg Config, source, event string, err error) {
	cfg.Observer.OnEvent(ctx, observability.Event{
		Type:      EventDropped,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    source,
		Peer:      cfg.Peer,
		Data: map[string]any{
			"event": event,
			"error": err.Error(),
		},
	})
}
