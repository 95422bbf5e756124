package peer

import (
	"context"
	"net/http"
	"time"

	"github.com/tailored-agentic-units/sysend/bridge"
	"github.com/tailored-agentic-units/sysend/transport"
)

// frameLoadTimeout bounds how long Start waits for a bridge to load.
const frameLoadTimeout = 5 * time.Second

// Proxy registers bridge URLs. Frames registered before Start load during
// startup; later ones load in the background. Load failures are reported
// through the error handler, never returned here.
//
// Called with no URLs, Proxy switches the peer into proxy mode, which must
// happen before Start.
func (p *Peer) Proxy(urls ...string) error {
	if len(urls) == 0 {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.state != StateUninitialized {
			return ErrAlreadyStarted
		}
		p.proxyMode = true
		return nil
	}

	frames := make([]*bridge.Frame, 0, len(urls))
	for _, u := range urls {
		f, err := bridge.NewFrame(u, bridge.FrameOptions{
			Client:     p.opts.httpClient,
			Origin:     p.cfg.Origin,
			Allow:      p.allow,
			Codec:      p.codec,
			Observer:   p.observer,
			Peer:       p.id,
			BufferSize: p.cfg.BufferSize,
			OnEnvelope: p.receiveBridged,
		})
		if err != nil {
			for _, made := range frames {
				made.Close()
			}
			return err
		}
		frames = append(frames, f)
	}

	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		for _, f := range frames {
			f.Close()
		}
		return ErrClosed
	}
	p.frames = append(p.frames, frames...)
	running := p.state != StateUninitialized
	p.mu.Unlock()

	if running {
		p.spawn(func() { p.loadFrames(p.ctx, frames) })
	}
	return nil
}

// AllowOrigins replaces the bridge allow-list. An empty list accepts every
// origin.
func (p *Peer) AllowOrigins(origins ...string) error {
	return p.allow.Set(origins...)
}

// BridgeHandler returns the path and handler that serve this peer as a
// bridge proxy. Deliveries are refused unless the peer is in proxy mode.
func (p *Peer) BridgeHandler() (string, http.Handler) {
	return p.server.Handler()
}

func (p *Peer) loadFrames(ctx context.Context, frames []*bridge.Frame) {
	if len(frames) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, frameLoadTimeout)
	defer cancel()

	done := make(chan struct{}, len(frames))
	for _, f := range frames {
		go func() {
			defer func() { done <- struct{}{} }()
			if err := f.Load(ctx); err != nil {
				p.deferError(err)
			}
		}()
	}
	for range frames {
		<-done
	}
}

// receiveBridged handles an envelope streamed back by a proxy. It is
// delivered locally and never re-broadcast.
func (p *Peer) receiveBridged(event string, env transport.Envelope) {
	if !p.filter.Accept(env) {
		return
	}
	p.received.Add(1)
	p.handle(event, env.Payload)
}

func (p *Peer) relay(ctx context.Context, event string, env transport.Envelope) error {
	if !p.isProxy() {
		return ErrNotProxy
	}
	p.mu.Lock()
	tr := p.tr
	p.mu.Unlock()
	return tr.Relay(ctx, event, env)
}
