package peer_test

import (
	"context"
	"testing"
	"time"

	"github.com/tailored-agentic-units/sysend/channel"
	"github.com/tailored-agentic-units/sysend/peer"
	"github.com/tailored-agentic-units/sysend/store"
)

func testConfig() peer.Config {
	return peer.Config{
		Timeout:      peer.Duration(50 * time.Millisecond),
		CleanupDelay: peer.Duration(20 * time.Millisecond),
		Observer:     "noop",
	}
}

type scope struct {
	name string
	opts func(t *testing.T) []peer.Option
}

func scopes() []scope {
	return []scope{
		{
			name: "direct",
			opts: func(t *testing.T) []peer.Option {
				n := channel.NewNetwork(context.Background(), 0, nil)
				t.Cleanup(n.Shutdown)
				return []peer.Option{peer.WithNetwork(n)}
			},
		},
		{
			name: "shared",
			opts: func(t *testing.T) []peer.Option {
				return []peer.Option{peer.WithStore(store.NewMemoryStore())}
			},
		},
	}
}

func newPeer(t *testing.T, cfg peer.Config, opts ...peer.Option) *peer.Peer {
	t.Helper()
	p, err := peer.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func start(t *testing.T, p *peer.Peer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func startPeers(t *testing.T, n int, cfg peer.Config, opts ...peer.Option) []*peer.Peer {
	t.Helper()
	peers := make([]*peer.Peer, n)
	for i := range peers {
		peers[i] = newPeer(t, cfg, opts...)
		start(t, peers[i])
	}
	return peers
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func primaries(peers ...*peer.Peer) int {
	n := 0
	for _, p := range peers {
		if p.IsPrimary() {
			n++
		}
	}
	return n
}

func countsEqual(want int, peers ...*peer.Peer) bool {
	for _, p := range peers {
		if p.Count() != want {
			return false
		}
	}
	return true
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		var zero T
		return zero
	}
}

func expectNone[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Errorf("unexpected delivery %v", v)
	case <-time.After(150 * time.Millisecond):
	}
}
