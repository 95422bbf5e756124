package peer_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tailored-agentic-units/sysend/channel"
	"github.com/tailored-agentic-units/sysend/peer"
	"github.com/tailored-agentic-units/sysend/store"
	"github.com/tailored-agentic-units/sysend/transport"
)

type delivery struct {
	data  any
	event string
}

func collect(p *peer.Peer, event string) (<-chan delivery, peer.Subscription) {
	ch := make(chan delivery, 16)
	sub := p.On(event, func(data any, event string) {
		ch <- delivery{data: data, event: event}
	})
	return ch, sub
}

func TestBroadcast_DeliversToOthers(t *testing.T) {
	for _, sc := range scopes() {
		t.Run(sc.name, func(t *testing.T) {
			peers := startPeers(t, 3, testConfig(), sc.opts(t)...)
			a, b, c := peers[0], peers[1], peers[2]

			fromA, _ := collect(a, "chat")
			fromB, _ := collect(b, "chat")
			fromC, _ := collect(c, "chat")

			if err := a.Broadcast(context.Background(), "chat", map[string]any{"text": "hi"}); err != nil {
				t.Fatalf("Broadcast() error = %v", err)
			}

			for _, ch := range []<-chan delivery{fromB, fromC} {
				d := receive(t, ch)
				if d.event != "chat" {
					t.Errorf("event = %q, want chat", d.event)
				}
				if m, ok := d.data.(map[string]any); !ok || m["text"] != "hi" {
					t.Errorf("data = %v, want map[text:hi]", d.data)
				}
			}
			expectNone(t, fromA)
		})
	}
}

func TestBroadcast_SamePayloadTwice(t *testing.T) {
	for _, sc := range scopes() {
		t.Run(sc.name, func(t *testing.T) {
			peers := startPeers(t, 2, testConfig(), sc.opts(t)...)
			a, b := peers[0], peers[1]
			got, _ := collect(b, "tick")

			ctx := context.Background()
			a.Broadcast(ctx, "tick", "same")
			a.Broadcast(ctx, "tick", "same")

			receive(t, got)
			receive(t, got)
			expectNone(t, got)
		})
	}
}

func TestBroadcast_WithoutPayload(t *testing.T) {
	peers := startPeers(t, 2, testConfig(), scopes()[1].opts(t)...)
	got, _ := collect(peers[1], "ping")

	peers[0].Broadcast(context.Background(), "ping", nil)
	if d := receive(t, got); d.data != nil {
		t.Errorf("data = %v, want nil", d.data)
	}
}

func TestBroadcast_Validation(t *testing.T) {
	p := newPeer(t, testConfig())
	if err := p.Broadcast(context.Background(), "", 1); !errors.Is(err, peer.ErrEmptyEvent) {
		t.Errorf("Broadcast(\"\") error = %v, want %v", err, peer.ErrEmptyEvent)
	}

	p.Close()
	if err := p.Broadcast(context.Background(), "chat", 1); !errors.Is(err, peer.ErrClosed) {
		t.Errorf("Broadcast() after Close error = %v, want %v", err, peer.ErrClosed)
	}
	if err := p.Start(context.Background()); !errors.Is(err, peer.ErrClosed) {
		t.Errorf("Start() after Close error = %v, want %v", err, peer.ErrClosed)
	}
}

func TestStart_Twice(t *testing.T) {
	p := startPeers(t, 1, testConfig(), scopes()[0].opts(t)...)[0]
	if err := p.Start(context.Background()); !errors.Is(err, peer.ErrAlreadyStarted) {
		t.Errorf("Start() error = %v, want %v", err, peer.ErrAlreadyStarted)
	}
}

func TestEmit_InvokesLocalAndRemote(t *testing.T) {
	peers := startPeers(t, 2, testConfig(), scopes()[0].opts(t)...)
	a, b := peers[0], peers[1]
	local, _ := collect(a, "chat")
	remote, _ := collect(b, "chat")

	if err := a.Emit(context.Background(), "chat", "hi"); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if d := receive(t, local); d.data != "hi" {
		t.Errorf("local data = %v, want hi", d.data)
	}
	if d := receive(t, remote); d.data != "hi" {
		t.Errorf("remote data = %v, want hi", d.data)
	}
}

func TestOff(t *testing.T) {
	p := newPeer(t, testConfig())
	ctx := context.Background()

	first, sub := collect(p, "chat")
	second, _ := collect(p, "chat")

	p.Off("chat", sub)
	p.Emit(ctx, "chat", 1)
	expectNone(t, first)
	receive(t, second)

	p.Off("chat")
	p.Emit(ctx, "chat", 2)
	expectNone(t, second)
}

func TestDegraded_LocalEmitStillWorks(t *testing.T) {
	p := newPeer(t, testConfig())
	start(t, p)

	if p.Transport() != transport.KindNone {
		t.Errorf("Transport() = %v, want %v", p.Transport(), transport.KindNone)
	}
	local, _ := collect(p, "chat")
	if err := p.Emit(context.Background(), "chat", "hi"); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	receive(t, local)
}

func TestDegraded_FailingStore(t *testing.T) {
	s := store.NewMemoryStore()
	p := newPeer(t, testConfig(), peer.WithStore(s))
	start(t, p)

	s.Fail(errors.New("disabled"))
	local, _ := collect(p, "chat")
	if err := p.Emit(context.Background(), "chat", "hi"); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	receive(t, local)
	if p.Transport() != transport.KindNone {
		t.Errorf("Transport() = %v, want %v", p.Transport(), transport.KindNone)
	}
}

type note struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

func TestTopic(t *testing.T) {
	peers := startPeers(t, 2, testConfig(), scopes()[0].opts(t)...)
	notes := peer.NewTopic[note]("notes")

	got := make(chan note, 1)
	peer.Subscribe(peers[1], notes, func(n note) { got <- n })

	if err := peer.Publish(context.Background(), peers[0], notes, note{Text: "hi", Count: 2}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n := receive(t, got); n.Text != "hi" || n.Count != 2 {
		t.Errorf("note = %+v, want {hi 2}", n)
	}
}

func base64Codec() (func(any) (string, error), func(string) (any, error)) {
	to := func(v any) (string, error) {
		data, err := json.Marshal(v)
		return base64.StdEncoding.EncodeToString(data), err
	}
	from := func(s string) (any, error) {
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
		var v any
		err = json.Unmarshal(data, &v)
		return v, err
	}
	return to, from
}

func TestSerializer(t *testing.T) {
	opts := scopes()[1].opts(t)
	a := newPeer(t, testConfig(), opts...)
	b := newPeer(t, testConfig(), opts...)
	for _, p := range []*peer.Peer{a, b} {
		if err := p.Serializer(base64Codec()); err != nil {
			t.Fatalf("Serializer() error = %v", err)
		}
		start(t, p)
	}

	payload := map[string]any{"nested": map[string]any{"list": []any{1.0, "two", true}}}
	got, _ := collect(b, "data")
	a.Broadcast(context.Background(), "data", payload)

	d := receive(t, got)
	m, _ := d.data.(map[string]any)
	nested, _ := m["nested"].(map[string]any)
	list, _ := nested["list"].([]any)
	if len(list) != 3 || list[0] != 1.0 || list[1] != "two" || list[2] != true {
		t.Errorf("data = %v, want %v", d.data, payload)
	}
}

func TestSerializer_Invalid(t *testing.T) {
	p := newPeer(t, testConfig())
	if err := p.Serializer(nil, nil); err == nil {
		t.Error("Serializer(nil, nil) error = nil, want error")
	}
}

func TestUseSharedStore(t *testing.T) {
	n := channel.NewNetwork(context.Background(), 0, nil)
	t.Cleanup(n.Shutdown)
	s := store.NewMemoryStore()
	opts := []peer.Option{peer.WithNetwork(n), peer.WithStore(s)}

	peers := startPeers(t, 2, testConfig(), opts...)
	a, b := peers[0], peers[1]
	if a.Transport() != transport.KindDirect {
		t.Fatalf("Transport() = %v, want %v", a.Transport(), transport.KindDirect)
	}

	for _, p := range peers {
		if err := p.UseSharedStore(true); err != nil {
			t.Fatalf("UseSharedStore() error = %v", err)
		}
		if p.Transport() != transport.KindShared {
			t.Errorf("Transport() = %v, want %v", p.Transport(), transport.KindShared)
		}
	}

	got, _ := collect(b, "chat")
	a.Broadcast(context.Background(), "chat", "via store")
	if d := receive(t, got); d.data != "via store" {
		t.Errorf("data = %v, want %q", d.data, "via store")
	}
}

func TestMetrics(t *testing.T) {
	peers := startPeers(t, 2, testConfig(), scopes()[0].opts(t)...)
	a := peers[0]

	eventually(t, "count of 2", func() bool { return a.Count() == 2 })
	m := a.Metrics()
	if m.ID != a.ID() || !m.Primary || m.State != peer.StatePrimary {
		t.Errorf("Metrics() = %+v, want primary %s", m, a.ID())
	}
	if m.Sent == 0 || m.Received == 0 {
		t.Errorf("Metrics() sent %d received %d, want both non-zero", m.Sent, m.Received)
	}
	if m.Transport != transport.KindDirect {
		t.Errorf("Transport = %v, want %v", m.Transport, transport.KindDirect)
	}
}

func TestNew_UnknownObserver(t *testing.T) {
	cfg := testConfig()
	cfg.Observer = "missing"
	if _, err := peer.New(cfg); err == nil {
		t.Error("New() with unknown observer error = nil, want error")
	}
}
