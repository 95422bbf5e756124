package bridge_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tailored-agentic-units/sysend/bridge"
	"github.com/tailored-agentic-units/sysend/codec"
	"github.com/tailored-agentic-units/sysend/transport"
)

const parentOrigin = "https://parent.example"

type relayed struct {
	event string
	env   transport.Envelope
}

type relayRecorder struct {
	mu    sync.Mutex
	calls []relayed
}

func (r *relayRecorder) relay(_ context.Context, event string, env transport.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, relayed{event, env})
	return nil
}

func (r *relayRecorder) snapshot() []relayed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relayed(nil), r.calls...)
}

func createTestServer(t *testing.T, allowed ...string) (*bridge.Server, *relayRecorder, *httptest.Server) {
	t.Helper()
	allow := bridge.NewAllowList(nil, "proxy")
	if err := allow.Set(allowed...); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	rec := &relayRecorder{}
	srv := bridge.NewServer(bridge.ServerOptions{Relay: rec.relay, Allow: allow, Peer: "proxy"})

	mux := http.NewServeMux()
	path, handler := srv.Handler()
	mux.Handle(path, handler)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, rec, ts
}

func deliverRaw(t *testing.T, ts *httptest.Server, origin string, fields map[string]any) error {
	t.Helper()
	client := connect.NewClient[structpb.Struct, emptypb.Empty](ts.Client(), ts.URL+bridge.DeliverProcedure)
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("NewStruct() error = %v", err)
	}
	req := connect.NewRequest(msg)
	req.Header().Set("Origin", origin)
	_, err = client.CallUnary(context.Background(), req)
	return err
}

func envelopeFields(t *testing.T, event string, env transport.Envelope) map[string]any {
	t.Helper()
	data, err := env.Encode(codec.JSON)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return map[string]any{"marker": bridge.Marker, "event": event, "data": data}
}

func TestServer_AllowedOriginForwardedVerbatim(t *testing.T) {
	_, rec, ts := createTestServer(t, parentOrigin)
	env := transport.Envelope{Seq: 9, Nonce: "parent-nonce", Payload: "hello", HasPayload: true}

	if err := deliverRaw(t, ts, parentOrigin, envelopeFields(t, "chat", env)); err != nil {
		t.Fatalf("Deliver error = %v", err)
	}

	calls := rec.snapshot()
	if len(calls) != 1 {
		t.Fatalf("relayed %d envelopes, want 1", len(calls))
	}
	got := calls[0]
	if got.event != "chat" || got.env.Seq != 9 || got.env.Nonce != "parent-nonce" || got.env.Payload != "hello" {
		t.Errorf("relayed %q %+v, want chat %+v", got.event, got.env, env)
	}
}

func TestServer_RejectsUnlistedOrigin(t *testing.T) {
	_, rec, ts := createTestServer(t, parentOrigin)
	env := transport.Envelope{Seq: 1, Nonce: "n", Payload: "x", HasPayload: true}

	err := deliverRaw(t, ts, "https://evil.example", envelopeFields(t, "chat", env))
	if connect.CodeOf(err) != connect.CodePermissionDenied {
		t.Errorf("Deliver error code = %v, want %v", connect.CodeOf(err), connect.CodePermissionDenied)
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("relayed %d envelopes, want 0", n)
	}
}

func TestServer_RejectsForeignFrames(t *testing.T) {
	_, rec, ts := createTestServer(t, parentOrigin)

	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"missing marker", map[string]any{"event": "chat", "data": `[1,"n"]`}},
		{"wrong marker", map[string]any{"marker": "other", "event": "chat", "data": `[1,"n"]`}},
		{"missing event", map[string]any{"marker": bridge.Marker, "data": `[1,"n"]`}},
		{"malformed envelope", map[string]any{"marker": bridge.Marker, "event": "chat", "data": `{`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := deliverRaw(t, ts, parentOrigin, tt.fields)
			if connect.CodeOf(err) != connect.CodeInvalidArgument {
				t.Errorf("Deliver error code = %v, want %v", connect.CodeOf(err), connect.CodeInvalidArgument)
			}
		})
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("relayed %d envelopes, want 0", n)
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	srv, rec, ts := createTestServer(t, parentOrigin)

	inbound := make(chan relayed, 4)
	frame, err := bridge.NewFrame(ts.URL, bridge.FrameOptions{
		Client: ts.Client(),
		Origin: parentOrigin,
		OnEnvelope: func(event string, env transport.Envelope) {
			inbound <- relayed{event, env}
		},
	})
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	t.Cleanup(func() { frame.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := frame.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	out := transport.Envelope{Seq: 1, Nonce: "parent", Payload: "up", HasPayload: true}
	if err := frame.Deliver(ctx, "chat", out); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })

	// The delivered frame is fanned out to subscribers as well.
	if got := receiveRelayed(t, inbound); got.env.Nonce != "parent" {
		t.Errorf("fan-out nonce = %q, want %q", got.env.Nonce, "parent")
	}

	srv.Publish(ctx, "chat", transport.Envelope{Seq: 5, Nonce: "proxy-side", Payload: "down", HasPayload: true})
	got := receiveRelayed(t, inbound)
	if got.event != "chat" || got.env.Nonce != "proxy-side" || got.env.Payload != "down" {
		t.Errorf("inbound %q %+v, want chat from proxy-side", got.event, got.env)
	}
}

func TestFrame_LoadRejectedOrigin(t *testing.T) {
	_, _, ts := createTestServer(t, parentOrigin)

	frame, err := bridge.NewFrame(ts.URL, bridge.FrameOptions{Client: ts.Client(), Origin: "https://evil.example"})
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	t.Cleanup(func() { frame.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := frame.Load(ctx); err == nil {
		t.Fatal("Load() error = nil, want permission denied")
	}
	if err := frame.Deliver(ctx, "chat", transport.Envelope{Seq: 1, Nonce: "n"}); !errors.Is(err, bridge.ErrNotLoaded) {
		t.Errorf("Deliver() after failed load error = %v, want %v", err, bridge.ErrNotLoaded)
	}
}

func TestFrame_OutboundAllowList(t *testing.T) {
	allow := bridge.NewAllowList(nil, "parent")
	allow.Set("https://only.example")

	frame, err := bridge.NewFrame("https://other.example/bridge", bridge.FrameOptions{Allow: allow})
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	defer frame.Close()

	err = frame.Deliver(context.Background(), "chat", transport.Envelope{Seq: 1, Nonce: "n"})
	if !errors.Is(err, bridge.ErrNotAllowed) {
		t.Errorf("Deliver() error = %v, want %v", err, bridge.ErrNotAllowed)
	}
}

func TestResolveBase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://proxy.example", "https://proxy.example"},
		{"https://proxy.example/", "https://proxy.example"},
		{"https://proxy.example/sysend", "https://proxy.example/sysend"},
		{"https://proxy.example/sysend" + bridge.DeliverProcedure, "https://proxy.example/sysend"},
		{"https://proxy.example" + bridge.DeliverProcedure + "?x=1", "https://proxy.example"},
	}

	for _, tt := range tests {
		got, err := bridge.ResolveBase(tt.in)
		if err != nil {
			t.Fatalf("ResolveBase(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ResolveBase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func receiveRelayed(t *testing.T, ch <-chan relayed) relayed {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound envelope")
		return relayed{}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
