package peer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/tailored-agentic-units/sysend/messaging"
	"github.com/tailored-agentic-units/sysend/peer"
)

func trackMessages(p *peer.Peer) <-chan peer.MessageEvent {
	ch := make(chan peer.MessageEvent, 8)
	peer.Track(p, peer.Message, func(e peer.MessageEvent) { ch <- e })
	return ch
}

func TestPost_ToID(t *testing.T) {
	for _, sc := range scopes() {
		t.Run(sc.name, func(t *testing.T) {
			peers := startPeers(t, 3, testConfig(), sc.opts(t)...)
			a, b, c := peers[0], peers[1], peers[2]
			inA, inB, inC := trackMessages(a), trackMessages(b), trackMessages(c)

			if err := a.Post(context.Background(), b.ID(), "for b"); err != nil {
				t.Fatalf("Post() error = %v", err)
			}

			got := receive(t, inB)
			if got.Data != "for b" || got.Origin != a.ID() {
				t.Errorf("message = %+v, want data %q from %s", got, "for b", a.ID())
			}
			expectNone(t, inA)
			expectNone(t, inC)
		})
	}
}

func TestPost_ToPrimary(t *testing.T) {
	peers := startPeers(t, 3, testConfig(), scopes()[0].opts(t)...)
	a, b, c := peers[0], peers[1], peers[2]
	inA, inB, inC := trackMessages(a), trackMessages(b), trackMessages(c)

	if err := c.Post(context.Background(), messaging.TargetPrimary, 42); err != nil {
		t.Fatalf("Post() error = %v", err)
	}

	got := receive(t, inA)
	if got.Data != 42.0 || got.Origin != c.ID() {
		t.Errorf("message = %+v, want 42 from %s", got, c.ID())
	}
	expectNone(t, inB)
	expectNone(t, inC)
}

func TestPost_FollowsPromotion(t *testing.T) {
	peers := startPeers(t, 3, testConfig(), scopes()[1].opts(t)...)
	a, b, c := peers[0], peers[1], peers[2]
	eventually(t, "counts of 3", func() bool { return countsEqual(3, a, b, c) })

	a.Close()
	eventually(t, "new primary", b.IsPrimary)

	inB, inC := trackMessages(b), trackMessages(c)
	c.Post(context.Background(), messaging.TargetPrimary, "hello")
	receive(t, inB)
	expectNone(t, inC)
}

func TestPost_MissingTarget(t *testing.T) {
	p := newPeer(t, testConfig())
	if err := p.Post(context.Background(), "", "x"); !errors.Is(err, peer.ErrMissingTarget) {
		t.Errorf("Post() error = %v, want %v", err, peer.ErrMissingTarget)
	}
}

func TestOnAddressed(t *testing.T) {
	peers := startPeers(t, 3, testConfig(), scopes()[0].opts(t)...)
	a, b, c := peers[0], peers[1], peers[2]

	got := make(chan *messaging.Message, 4)
	b.OnAddressed("custom", func(m *messaging.Message) { got <- m })
	missed := make(chan *messaging.Message, 4)
	c.OnAddressed("custom", func(m *messaging.Message) { missed <- m })

	a.PostOn(context.Background(), "custom", b.ID(), "x")
	if m := receive(t, got); m.Origin != a.ID() || m.Target != b.ID() {
		t.Errorf("message = %v, want %s -> %s", m, a.ID(), b.ID())
	}
	expectNone(t, missed)
}
