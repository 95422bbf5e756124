package main

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tailored-agentic-units/sysend/peer"
	"github.com/tailored-agentic-units/sysend/rpc"
	"github.com/tailored-agentic-units/sysend/store"
	"github.com/tailored-agentic-units/sysend/store/sqlite"
)

func executeCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("SYSEND_OBSERVER", "noop")

	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// runningPeer starts a peer on the file store at dir that serves the CLI's
// RPC table.
func runningPeer(t *testing.T, dir string) *peer.Peer {
	t.Helper()
	st := store.NewFileStore(dir)
	t.Cleanup(func() { st.Close() })

	p, err := peer.New(peer.Config{
		Timeout:  peer.Duration(100 * time.Millisecond),
		Observer: "noop",
	}, peer.WithStore(st))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })

	surface, err := rpc.New(p, methods(p))
	if err != nil {
		t.Fatalf("rpc.New() error = %v", err)
	}
	t.Cleanup(surface.Close)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return p
}

func TestListRequiresStore(t *testing.T) {
	_, _, err := executeCLI(t, "", "list")
	if err == nil || !strings.Contains(err.Error(), "--store is required") {
		t.Errorf("err = %v, want --store is required", err)
	}
}

func TestListNoPeers(t *testing.T) {
	stdout, _, err := executeCLI(t, "", "list", "--store", t.TempDir(), "--timeout", "100ms")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if !strings.Contains(stdout, "no peers") {
		t.Errorf("stdout = %q, want no peers", stdout)
	}
}

func TestListShowsRunningPeer(t *testing.T) {
	dir := t.TempDir()
	p := runningPeer(t, dir)

	stdout, _, err := executeCLI(t, "", "list", "--store", dir, "--timeout", "300ms")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if !strings.Contains(stdout, p.ID()) {
		t.Errorf("stdout = %q, want it to list %s", stdout, p.ID())
	}
	if !strings.Contains(stdout, "primary") {
		t.Errorf("stdout = %q, want the running peer shown as primary", stdout)
	}
}

func TestCallStatus(t *testing.T) {
	dir := t.TempDir()
	p := runningPeer(t, dir)

	stdout, _, err := executeCLI(t, "", "call", p.ID(), "status", "--store", dir, "--timeout", "300ms", "--rpc-timeout", "2s")
	if err != nil {
		t.Fatalf("call error = %v", err)
	}
	if !strings.Contains(stdout, `"id":"`+p.ID()+`"`) {
		t.Errorf("stdout = %q, want status of %s", stdout, p.ID())
	}
}

func TestCallUnknownMethod(t *testing.T) {
	dir := t.TempDir()
	p := runningPeer(t, dir)

	_, _, err := executeCLI(t, "", "call", p.ID(), "reboot", "--store", dir, "--timeout", "300ms", "--rpc-timeout", "2s")
	if err == nil || err.Error() != "Method not found" {
		t.Errorf("err = %v, want Method not found", err)
	}
}

func TestJoinBroadcastsStdin(t *testing.T) {
	dir := t.TempDir()
	p := runningPeer(t, dir)

	got := make(chan any, 4)
	p.On("chat", func(data any, _ string) { got <- data })

	stdout, _, err := executeCLI(t, "hello there\n/status\n/quit\n", "join", "--store", dir, "--timeout", "300ms")
	if err != nil {
		t.Fatalf("join error = %v", err)
	}
	if !strings.Contains(stdout, "joined as") {
		t.Errorf("stdout = %q, want joined banner", stdout)
	}
	if !strings.Contains(stdout, "secondary") {
		t.Errorf("stdout = %q, want the joiner to report secondary", stdout)
	}

	select {
	case data := <-got:
		if data != "hello there" {
			t.Errorf("chat = %v, want %q", data, "hello there")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("running peer never saw the chat line")
	}
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		path   string
		sqlite bool
	}{
		{name: "directory", path: filepath.Join(dir, "scope")},
		{name: "db extension", path: filepath.Join(dir, "scope.db"), sqlite: true},
		{name: "sqlite prefix", path: "sqlite:" + filepath.Join(dir, "other"), sqlite: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := openStore(tt.path)
			if err != nil {
				t.Fatalf("openStore() error = %v", err)
			}
			defer st.Close()

			_, isSQLite := st.(*sqlite.Store)
			if isSQLite != tt.sqlite {
				t.Errorf("openStore(%q) = %T, want sqlite %t", tt.path, st, tt.sqlite)
			}
		})
	}
}

func TestParseArg(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{in: "42", want: 42.0},
		{in: "true", want: true},
		{in: `"quoted"`, want: "quoted"},
		{in: "plain", want: "plain"},
	}

	for _, tt := range tests {
		if got := parseArg(tt.in); got != tt.want {
			t.Errorf("parseArg(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestObserverSelection(t *testing.T) {
	cmd := newRootCmd()

	tests := []struct {
		name     string
		opts     options
		observer string
		wantNil  bool
		wantType string
	}{
		{name: "named observer resolved by peer", observer: "noop", wantNil: true},
		{name: "slog writes to stderr", observer: "slog", wantType: "*observability.SlogObserver"},
		{name: "trace fans out", opts: options{trace: true}, observer: "noop", wantType: "*observability.MultiObserver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, err := tt.opts.observer(cmd, peer.Config{Observer: tt.observer})
			if err != nil {
				t.Fatalf("observer() error = %v", err)
			}
			if tt.wantNil {
				if obs != nil {
					t.Errorf("observer() = %T, want nil", obs)
				}
				return
			}
			if got := fmt.Sprintf("%T", obs); got != tt.wantType {
				t.Errorf("observer() = %s, want %s", got, tt.wantType)
			}
		})
	}
}

// lockedBuffer is a bytes.Buffer safe to read while a command writes to it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestBridgeServesParentAndShutsDown(t *testing.T) {
	const origin = "https://app.example"
	t.Setenv("SYSEND_OBSERVER", "noop")
	dir := t.TempDir()
	remote := runningPeer(t, dir)

	chat := make(chan any, 4)
	remote.On("chat", func(data any, _ string) { chat <- data })

	cmd := newRootCmd()
	var stdout, stderr lockedBuffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"bridge", "--store", dir, "--timeout", "100ms",
		"--listen", "127.0.0.1:0", "--allow", origin})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	var base string
	deadline := time.Now().Add(5 * time.Second)
	for base == "" && time.Now().Before(deadline) {
		if _, rest, ok := strings.Cut(stdout.String(), "bridge listening on "); ok {
			u, err := url.Parse(strings.TrimSpace(rest))
			if err != nil {
				t.Fatalf("listen URL %q: %v", rest, err)
			}
			base = u.Scheme + "://" + u.Host
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if base == "" {
		t.Fatalf("bridge did not report its address; stderr = %q", stderr.String())
	}

	parent, err := peer.New(peer.Config{
		Timeout:  peer.Duration(100 * time.Millisecond),
		Observer: "noop",
	}, peer.WithStore(store.NewMemoryStore()), peer.WithOrigin(origin))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer parent.Close()
	if err := parent.Proxy(base); err != nil {
		t.Fatalf("Proxy() error = %v", err)
	}
	if err := parent.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := parent.Broadcast(ctx, "chat", "through the bridge"); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	select {
	case got := <-chat:
		if got != "through the bridge" {
			t.Errorf("remote got %v, want %q", got, "through the bridge")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bridged message")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("bridge error = %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("bridge did not shut down with a parent still subscribed")
	}
}
