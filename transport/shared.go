package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tailored-agentic-units/sysend/observability"
	"github.com/tailored-agentic-units/sysend/store"
)

// sentinel is written before every envelope so the key always changes, even
// when the envelope is byte-identical to the value already stored.
const sentinel = Prefix

// Shared broadcasts by writing envelopes into a shared store under
// Prefix+event. Stores notify the writer too, so envelopes carrying the
// local nonce are discarded on receipt. Keys are removed CleanupDelay after
// the last write to them.
type Shared struct {
	cfg   Config
	store store.Store

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
	cleanups map[string]*cleanup

	degraded atomic.Bool
	closed   atomic.Bool
}

type cleanup struct {
	timer *time.Timer
	due   time.Time
}

func NewShared(cfg Config) *Shared {
	cfg.defaults()
	return &Shared{
		cfg:      cfg,
		store:    cfg.Store,
		cleanups: make(map[string]*cleanup),
	}
}

// Kind reports KindNone while the last store operation failed.
func (s *Shared) Kind() Kind {
	if s.degraded.Load() {
		return KindNone
	}
	return KindShared
}

func (s *Shared) Start(ctx context.Context, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if s.started {
		return ErrStarted
	}
	s.started = true

	watchCtx, cancel := context.WithCancel(ctx)
	changes, err := s.store.Watch(watchCtx)
	if err != nil {
		cancel()
		s.degrade(ctx, err)
		return nil
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.receive(watchCtx, changes, h)
	return nil
}

func (s *Shared) receive(ctx context.Context, changes <-chan store.Change, h Handler) {
	defer close(s.done)
	for change := range changes {
		s.handle(ctx, change, h)
	}
}

func (s *Shared) handle(ctx context.Context, change store.Change, h Handler) {
	if change.Err != nil {
		s.cfg.Warnings.Warn(ctx, EventWatch, "transport.shared", s.cfg.Peer,
			fmt.Sprintf("shared store watch failed: %v", change.Err))
		return
	}
	event, ok := strings.CutPrefix(change.Key, Prefix)
	if !ok || change.Removed || change.Value == sentinel {
		return
	}

	value := change.Value
	if value == "" {
		v, err := s.store.Get(ctx, change.Key)
		if err != nil || v == sentinel {
			return
		}
		value = v
	}

	env, err := DecodeEnvelope(s.cfg.Codec.Load(), value)
	if err != nil {
		dropped(ctx, s.cfg, "transport.shared", event, err)
		return
	}
	if s.cfg.Filter.Accept(env) {
		h(event, env)
	}
}

func (s *Shared) Send(ctx context.Context, event string, env Envelope) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := env.Encode(s.cfg.Codec.Load())
	if err != nil {
		return err
	}

	key := Prefix + event
	if err := s.store.Set(ctx, key, sentinel); err != nil {
		s.degrade(ctx, err)
		return nil
	}
	if err := s.store.Set(ctx, key, data); err != nil {
		s.degrade(ctx, err)
		return nil
	}
	s.degraded.Store(false)
	s.scheduleCleanup(key)
	sent(ctx, s.cfg, KindShared, event, env)
	return nil
}

func (s *Shared) Relay(ctx context.Context, event string, env Envelope) error {
	s.cfg.Filter.Mark(env)
	return s.Send(ctx, event, env)
}

func (s *Shared) scheduleCleanup(key string) {
	delay := s.cfg.CleanupDelay

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cleanups[key]; ok {
		c.due = time.Now().Add(delay)
		c.timer.Reset(delay)
		return
	}
	c := &cleanup{due: time.Now().Add(delay)}
	c.timer = time.AfterFunc(delay, func() { s.runCleanup(key) })
	s.cleanups[key] = c
}

func (s *Shared) runCleanup(key string) {
	s.mu.Lock()
	c, ok := s.cleanups[key]
	if !ok || time.Now().Before(c.due) {
		s.mu.Unlock()
		return
	}
	delete(s.cleanups, key)
	s.mu.Unlock()

	if err := s.store.Remove(context.Background(), key); err != nil {
		s.degrade(context.Background(), err)
	}
}

// Close stops watching and cancels pending cleanups. Keys still present
// are left for the store's other writers to overwrite.
func (s *Shared) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	for key, c := range s.cleanups {
		c.timer.Stop()
		delete(s.cleanups, key)
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (s *Shared) degrade(ctx context.Context, err error) {
	s.degraded.Store(true)
	s.cfg.Warnings.Warn(ctx, EventDegraded, "transport.shared", s.cfg.Peer,
		fmt.Sprintf("shared store unavailable: %v", err))
}

var _ Transport = (*Shared)(nil)
var _ Transport = (*Direct)(nil)
var _ Transport = (*Noop)(nil)

// sent is reported at verbose level for every successful broadcast.
func sent(ctx context.Context, cfg Config, kind Kind, event string, env Envelope) {
	cfg.Observer.OnEvent(ctx, observability.Event{
		Type:      EventSent,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "transport." + string(kind),
		Peer:      cfg.Peer,
		Data: map[string]any{
			"event": event,
			"seq":   env.Seq,
		},
	})
}
