package transport

import (
	"sync"
	"time"
)

const (
	// DefaultWindow is how many recent sequence ids are remembered per
	// sender.
	DefaultWindow = 256
	maxSenders    = 1024
)

// Filter decides whether an arriving envelope should be delivered. It drops
// the local peer's own echoes and any envelope already seen from the same
// sender: watchers may report one write more than once and bridged
// envelopes can arrive by two paths.
type Filter struct {
	nonce  string
	window int

	mu      sync.Mutex
	senders map[string]*seqWindow
}

type seqWindow struct {
	seen     map[uint64]struct{}
	order    []uint64
	next     int
	lastSeen time.Time
}

func NewFilter(nonce string, window int) *Filter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Filter{
		nonce:   nonce,
		window:  window,
		senders: make(map[string]*seqWindow),
	}
}

func (f *Filter) Nonce() string { return f.nonce }

// Accept reports whether env is new and foreign, recording it as seen.
func (f *Filter) Accept(env Envelope) bool {
	if env.Nonce == f.nonce {
		return false
	}
	return f.record(env)
}

// Mark records env as seen without delivering it. Relayed envelopes are
// marked so the relaying peer ignores them when they come back.
func (f *Filter) Mark(env Envelope) {
	f.record(env)
}

func (f *Filter) record(env Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.senders[env.Nonce]
	if !ok {
		if len(f.senders) >= maxSenders {
			f.evictOldest()
		}
		w = &seqWindow{
			seen:  make(map[uint64]struct{}, f.window),
			order: make([]uint64, 0, f.window),
		}
		f.senders[env.Nonce] = w
	}
	w.lastSeen = time.Now()

	if _, dup := w.seen[env.Seq]; dup {
		return false
	}
	if len(w.order) < f.window {
		w.order = append(w.order, env.Seq)
	} else {
		delete(w.seen, w.order[w.next])
		w.order[w.next] = env.Seq
		w.next = (w.next + 1) % f.window
	}
	w.seen[env.Seq] = struct{}{}
	return true
}

func (f *Filter) evictOldest() {
	var oldest string
	var at time.Time
	for nonce, w := range f.senders {
		if oldest == "" || w.lastSeen.Before(at) {
			oldest, at = nonce, w.lastSeen
		}
	}
	delete(f.senders, oldest)
}
