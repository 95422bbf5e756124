package peer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/sysend/bridge"
	"github.com/tailored-agentic-units/sysend/codec"
	"github.com/tailored-agentic-units/sysend/observability"
	"github.com/tailored-agentic-units/sysend/transport"
)

// Peer is one participant in a sysend scope. Create it with New, call Start
// to join presence, and Close to leave.
type Peer struct {
	id   string
	cfg  Config
	opts options

	codec    *codec.Ref
	seq      *transport.Sequencer
	filter   *transport.Filter
	observer observability.Observer
	warnings *observability.Once

	events    *Dispatcher
	lifecycle *Dispatcher

	allow  *bridge.AllowList
	server *bridge.Server

	timeout  atomic.Int64
	sent     atomic.Uint64
	received atomic.Uint64

	mu              sync.Mutex
	tr              transport.Transport
	state           State
	hasKnownPrimary bool
	known           map[string]struct{}
	proxyMode       bool
	forceShared     bool
	frames          []*bridge.Frame
	queries         map[string]*rosterQuery
	vacancy         *time.Timer
	surfaces        int

	ctx       context.Context
	cancel    context.CancelFunc
	ready     chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a peer. Zero fields of cfg take their defaults.
func New(cfg Config, opts ...Option) (*Peer, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := DefaultConfig()
	c.Merge(&cfg)
	if o.origin != "" {
		c.Origin = o.origin
	}

	observer := o.observer
	if observer == nil {
		obs, err := observability.GetObserver(c.Observer)
		if err != nil {
			return nil, fmt.Errorf("peer config: %w", err)
		}
		observer = obs
	}

	id := uuid.Must(uuid.NewV7()).String()
	nonce := transport.NewNonce()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Peer{
		id:          id,
		cfg:         c,
		opts:        o,
		codec:       codec.NewRef(o.codec),
		seq:         transport.NewSequencer(nonce),
		filter:      transport.NewFilter(nonce, transport.DefaultWindow),
		observer:    observer,
		warnings:    observability.NewOnce(observer),
		proxyMode:   o.proxyMode,
		forceShared: c.SharedStore,
		known:       make(map[string]struct{}),
		queries:     make(map[string]*rosterQuery),
		ctx:         ctx,
		cancel:      cancel,
		ready:       make(chan struct{}),
	}
	p.timeout.Store(int64(c.Timeout))
	p.events = NewDispatcher(p.handlerPanic)
	p.lifecycle = NewDispatcher(p.handlerPanic)

	p.allow = bridge.NewAllowList(p.warnings, id)
	if err := p.allow.Set(c.AllowOrigins...); err != nil {
		cancel()
		return nil, fmt.Errorf("peer config: %w", err)
	}
	p.server = bridge.NewServer(bridge.ServerOptions{
		Relay:      p.relay,
		Allow:      p.allow,
		Codec:      p.codec,
		Observer:   observer,
		Peer:       id,
		BufferSize: c.BufferSize,
	})

	p.tr = p.selectTransport()
	for _, u := range c.Proxies {
		if err := p.Proxy(u); err != nil {
			p.tr.Close()
			cancel()
			return nil, fmt.Errorf("peer config: %w", err)
		}
	}
	return p, nil
}

func (p *Peer) selectTransport() transport.Transport {
	return transport.Select(transport.Config{
		Network:      p.opts.network,
		Store:        p.opts.store,
		ForceShared:  p.forceShared,
		Codec:        p.codec,
		Filter:       p.filter,
		CleanupDelay: p.cfg.CleanupDelay.Std(),
		Observer:     p.observer,
		Warnings:     p.warnings,
		Peer:         p.id,
	})
}

// Start begins receiving, waits for bridge frames to load, discovers the
// roster and announces this peer. It returns once the peer is ready.
func (p *Peer) Start(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateClosed:
		p.mu.Unlock()
		return ErrClosed
	case StateUninitialized:
	default:
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.state = StateDiscovering
	tr := p.tr
	frames := p.frames
	proxy := p.proxyMode
	p.mu.Unlock()

	if err := tr.Start(p.ctx, p.receive); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	p.loadFrames(ctx, frames)

	if proxy {
		p.mu.Lock()
		if p.state == StateDiscovering {
			p.state = StateSecondary
		}
		p.mu.Unlock()
		p.markReady(ctx)
		return nil
	}

	if err := p.discover(ctx); err != nil {
		return err
	}
	if interval := p.cfg.ReconcileInterval.Std(); interval > 0 {
		p.spawn(func() { p.reconcileLoop(interval) })
	}
	p.markReady(ctx)
	return nil
}

func (p *Peer) markReady(ctx context.Context) {
	close(p.ready)
	status := p.Status()
	p.emit(ctx, EventStarted, observability.LevelInfo, map[string]any{
		"primary":   status.Primary,
		"count":     status.Count,
		"transport": string(p.Transport()),
	})
	notify(p, Ready, status)
}

// Ready is closed once Start has completed discovery.
func (p *Peer) Ready() <-chan struct{} {
	return p.ready
}

// Broadcast sends data to every other peer in scope and to every bridge.
// Local subscribers are not invoked.
func (p *Peer) Broadcast(ctx context.Context, event string, data any) error {
	if event == "" {
		return ErrEmptyEvent
	}
	if p.State() == StateClosed {
		return ErrClosed
	}
	return p.send(ctx, event, data)
}

// Emit broadcasts data and invokes local subscribers of event.
func (p *Peer) Emit(ctx context.Context, event string, data any) error {
	err := p.Broadcast(ctx, event, data)
	if err == nil {
		p.events.Trigger(event, data)
	}
	return err
}

func (p *Peer) send(ctx context.Context, event string, data any) error {
	env := p.seq.Next(data)

	p.mu.Lock()
	tr, frames, proxy := p.tr, p.frames, p.proxyMode
	p.mu.Unlock()

	if err := tr.Send(ctx, event, env); err != nil {
		return fmt.Errorf("broadcast %s: %w", event, err)
	}
	p.sent.Add(1)

	for _, f := range frames {
		if err := f.Deliver(ctx, event, env); err != nil {
			p.warnings.Warn(ctx, bridge.EventRejected, "peer.bridge", p.id, err.Error())
		}
	}
	if proxy {
		p.server.Publish(ctx, event, env)
	}
	return nil
}

// On subscribes fn to event.
func (p *Peer) On(event string, fn Handler) Subscription {
	return p.events.On(event, fn)
}

// Off removes subscriptions from event, or all of them when none are given.
func (p *Peer) Off(event string, subs ...Subscription) {
	p.events.Off(event, subs...)
}

func (p *Peer) receive(event string, env transport.Envelope) {
	p.received.Add(1)
	if p.isProxy() {
		p.server.Publish(p.ctx, event, env)
	}
	p.handle(event, env.Payload)
}

func (p *Peer) handle(event string, data any) {
	switch event {
	case EventQuery:
		p.onQuery(data)
	case EventAck:
		p.onAck(data)
	case EventOpen:
		p.onOpen(data)
	case EventClose:
		p.onClose(data)
	case EventPrimary:
		p.onPrimary(data)
	case EventMessage:
		p.onMessage(data)
	}
	p.events.Trigger(event, data)
}

// Serializer installs a custom codec. Every peer in scope must use the same
// one.
func (p *Peer) Serializer(to func(any) (string, error), from func(string) (any, error)) error {
	c, err := codec.Func(to, from)
	if err != nil {
		return err
	}
	p.codec.Store(c)
	return nil
}

// UseSharedStore forces the shared-store backend on or off. A running peer
// switches transports in place.
func (p *Peer) UseSharedStore(force bool) error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.forceShared == force {
		p.mu.Unlock()
		return nil
	}
	p.forceShared = force
	running := p.state != StateUninitialized
	p.mu.Unlock()

	next := p.selectTransport()
	if running {
		if err := next.Start(p.ctx, p.receive); err != nil {
			next.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	p.mu.Lock()
	prev := p.tr
	p.tr = next
	p.mu.Unlock()
	return prev.Close()
}

// SetTimeout changes the roster collection window.
func (p *Peer) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout.Store(int64(d))
	}
}

func (p *Peer) Timeout() time.Duration {
	return time.Duration(p.timeout.Load())
}

// RPCTimeout is the default call timeout for RPC surfaces built on p.
func (p *Peer) RPCTimeout() time.Duration {
	return p.cfg.RPCTimeout.Std()
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) Observer() observability.Observer { return p.observer }

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) IsPrimary() bool {
	return p.State() == StatePrimary
}

// Count is the number of live peers this peer knows of, itself included.
func (p *Peer) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countLocked()
}

func (p *Peer) countLocked() int {
	return len(p.known) + 1
}

func (p *Peer) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Peer) statusLocked() Status {
	return Status{ID: p.id, Primary: p.state == StatePrimary, Count: p.countLocked()}
}

func (p *Peer) Transport() transport.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tr.Kind()
}

// NextSurface returns a sequence number unique to p. Peers that create RPC
// surfaces in the same order get matching numbers.
func (p *Peer) NextSurface() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.surfaces
	p.surfaces++
	return n
}

type Metrics struct {
	ID          string
	State       State
	Primary     bool
	Count       int
	Transport   transport.Kind
	Sent        uint64
	Received    uint64
	Bridges     int
	Subscribers int
}

func (p *Peer) Metrics() Metrics {
	p.mu.Lock()
	m := Metrics{
		ID:        p.id,
		State:     p.state,
		Primary:   p.state == StatePrimary,
		Count:     p.countLocked(),
		Transport: p.tr.Kind(),
		Bridges:   len(p.frames),
	}
	p.mu.Unlock()

	m.Sent = p.sent.Load()
	m.Received = p.received.Load()
	m.Subscribers = p.server.Subscribers()
	return m
}

// Close announces departure, stops every goroutine the peer owns and
// releases the transport. The shared store and network are not closed.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		prev := p.state
		wasPrimary := prev == StatePrimary
		p.state = StateClosed
		count := p.countLocked() - 1
		vacancy := p.vacancy
		p.vacancy = nil
		tr, frames, proxy := p.tr, p.frames, p.proxyMode
		p.mu.Unlock()

		if vacancy != nil && vacancy.Stop() {
			p.wg.Done()
		}

		started := prev != StateUninitialized
		if started && !proxy {
			ctx, cancel := context.WithTimeout(context.Background(), p.Timeout())
			p.send(ctx, EventClose, map[string]any{
				"id":         p.id,
				"wasPrimary": wasPrimary,
			})
			cancel()
			notify(p, Close, CloseEvent{ID: p.id, Count: count, Primary: wasPrimary, Self: true})
		}

		p.cancel()
		err = tr.Close()
		for _, f := range frames {
			f.Close()
		}
		p.server.Close()
		p.wg.Wait()

		p.emit(context.Background(), EventClosed, observability.LevelInfo, map[string]any{
			"was_primary": wasPrimary,
		})
	})
	return err
}

// spawn runs fn on a goroutine tracked by Close. It refuses once the peer
// has closed.
func (p *Peer) spawn(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
	return true
}

func (p *Peer) isProxy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proxyMode
}

func (p *Peer) emit(ctx context.Context, typ observability.EventType, level observability.Level, data map[string]any) {
	p.observer.OnEvent(ctx, observability.Event{
		Type:      typ,
		Level:     level,
		Timestamp: time.Now(),
		Source:    "peer",
		Peer:      p.id,
		Data:      data,
	})
}

func (p *Peer) handlerPanic(event string, r any) {
	p.emit(p.ctx, EventHandlerPanic, observability.LevelError, map[string]any{
		"event": event,
		"panic": fmt.Sprint(r),
	})
}

func (p *Peer) decodeFailed(event string, err error) {
	if err == nil {
		err = errMissingID
	}
	p.emit(p.ctx, EventDecodeFailed, observability.LevelVerbose, map[string]any{
		"event": event,
		"error": err.Error(),
	})
}

// deferError reports an error that belongs to no caller, such as a bridge
// that failed to load, through the observer and the error handler.
func (p *Peer) deferError(err error) {
	p.emit(p.ctx, EventDeferred, observability.LevelError, map[string]any{
		"error": err.Error(),
	})
	if h := p.opts.errorHandler; h != nil {
		p.spawn(func() { h(err) })
	}
}
