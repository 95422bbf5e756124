package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tailored-agentic-units/sysend/codec"
	"github.com/tailored-agentic-units/sysend/observability"
	"github.com/tailored-agentic-units/sysend/transport"
)

type FrameOptions struct {
	// Client performs the RPCs. Defaults to http.DefaultClient.
	Client connect.HTTPClient
	// Origin is sent as the Origin header so the proxy can check it.
	Origin        string
	Allow         *AllowList
	Codec         *codec.Ref
	Observer      observability.Observer
	Peer          string
	BufferSize    int
	OnEnvelope    EnvelopeHandler
	ClientOptions []connect.ClientOption
}

type frameState int

const (
	frameIdle frameState = iota
	frameLoading
	frameLoaded
	frameFailed
)

// Frame is a parent's binding to one proxy. Deliveries are queued and sent
// in order once the frame has loaded.
type Frame struct {
	url    string
	origin string
	opts   FrameOptions

	deliver   *connect.Client[structpb.Struct, emptypb.Empty]
	subscribe *connect.Client[emptypb.Empty, structpb.Struct]

	queue  chan *structpb.Struct
	loaded chan struct{}

	mu      sync.Mutex
	state   frameState
	loadErr error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFrame binds rawURL. A URL ending in the Deliver procedure path is used
// as-is; any other URL is treated as the base the service is mounted under.
func NewFrame(rawURL string, opts FrameOptions) (*Frame, error) {
	base, err := ResolveBase(rawURL)
	if err != nil {
		return nil, err
	}
	origin, err := ParseOrigin(rawURL)
	if err != nil {
		return nil, err
	}

	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Codec == nil {
		opts.Codec = codec.NewRef(nil)
	}
	if opts.Observer == nil {
		opts.Observer = observability.NoOpObserver{}
	}
	if opts.Allow == nil {
		opts.Allow = NewAllowList(observability.NewOnce(opts.Observer), opts.Peer)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Frame{
		url:       rawURL,
		origin:    origin,
		opts:      opts,
		deliver:   connect.NewClient[structpb.Struct, emptypb.Empty](opts.Client, base+DeliverProcedure, opts.ClientOptions...),
		subscribe: connect.NewClient[emptypb.Empty, structpb.Struct](opts.Client, base+SubscribeProcedure, opts.ClientOptions...),
		queue:     make(chan *structpb.Struct, opts.BufferSize),
		loaded:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// ResolveBase returns the URL prefix bridge procedures are resolved under.
func ResolveBase(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidOrigin, rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, rawURL)
	}
	path := strings.TrimSuffix(u.Path, "/")
	path = strings.TrimSuffix(path, DeliverProcedure)
	u.Path = strings.TrimSuffix(path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func (f *Frame) URL() string    { return f.url }
func (f *Frame) Origin() string { return f.origin }

// Load opens the subscription stream and waits for the proxy's ready frame.
// Calling Load again waits for the first attempt.
func (f *Frame) Load(ctx context.Context) error {
	f.mu.Lock()
	if f.state != frameIdle {
		f.mu.Unlock()
		return f.wait(ctx)
	}
	f.state = frameLoading
	f.mu.Unlock()

	req := connect.NewRequest(&emptypb.Empty{})
	req.Header().Set("Origin", f.opts.Origin)

	ready := make(chan error, 1)
	f.wg.Add(1)
	go f.read(req, ready)

	select {
	case err := <-ready:
		if err != nil {
			return f.fail(err)
		}
	case <-ctx.Done():
		return f.fail(ctx.Err())
	}

	f.mu.Lock()
	f.state = frameLoaded
	close(f.loaded)
	f.mu.Unlock()

	f.wg.Add(1)
	go f.pump()

	f.event(ctx, EventLoaded, observability.LevelInfo, nil)
	return nil
}

func (f *Frame) wait(ctx context.Context) error {
	select {
	case <-f.loaded:
		return nil
	case <-f.ctx.Done():
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.loadErr != nil {
			return f.loadErr
		}
		return ErrNotLoaded
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Frame) fail(err error) error {
	err = fmt.Errorf("load bridge %s: %w", f.url, err)
	f.mu.Lock()
	f.state = frameFailed
	f.loadErr = err
	f.mu.Unlock()

	f.cancel()
	f.event(context.Background(), EventLoadFailed, observability.LevelError, err)
	return err
}

func (f *Frame) read(req *connect.Request[emptypb.Empty], ready chan<- error) {
	defer f.wg.Done()

	stream, err := f.subscribe.CallServerStream(f.ctx, req)
	if err != nil {
		ready <- err
		return
	}
	defer stream.Close()

	if !stream.Receive() {
		if err := stream.Err(); err != nil {
			ready <- err
		} else {
			ready <- ErrNotLoaded
		}
		return
	}
	if !isReady(stream.Msg()) {
		ready <- ErrForeignFrame
		return
	}
	ready <- nil

	for stream.Receive() {
		event, env, err := decodeFrame(f.opts.Codec.Load(), stream.Msg())
		if err != nil {
			f.event(f.ctx, EventRejected, observability.LevelVerbose, err)
			continue
		}
		if f.opts.OnEnvelope != nil {
			f.opts.OnEnvelope(event, env)
		}
	}
}

func (f *Frame) pump() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case msg := <-f.queue:
			req := connect.NewRequest(msg)
			req.Header().Set("Origin", f.opts.Origin)
			if _, err := f.deliver.CallUnary(f.ctx, req); err != nil && f.ctx.Err() == nil {
				f.opts.Allow.warnings.Warn(f.ctx, EventRejected, "bridge.frame", f.opts.Peer,
					fmt.Sprintf("bridge %s refused delivery: %v", f.origin, err))
			}
		}
	}
}

// Deliver queues an envelope for the proxy. Envelopes queued before Load
// completes are sent once it does. Destinations outside the allow-list
// receive nothing.
func (f *Frame) Deliver(ctx context.Context, event string, env transport.Envelope) error {
	if !f.opts.Allow.Allows(ctx, f.origin) {
		return fmt.Errorf("%w: %s", ErrNotAllowed, f.origin)
	}

	f.mu.Lock()
	failed := f.state == frameFailed
	f.mu.Unlock()
	if failed || f.ctx.Err() != nil {
		return ErrNotLoaded
	}

	msg, err := encodeFrame(f.opts.Codec.Load(), event, env)
	if err != nil {
		return err
	}
	select {
	case f.queue <- msg:
		return nil
	default:
		f.event(ctx, EventOverflow, observability.LevelWarning, nil)
		return fmt.Errorf("bridge %s: delivery queue full", f.origin)
	}
}

// Close stops the stream and drops queued deliveries.
func (f *Frame) Close() error {
	f.cancel()
	f.wg.Wait()
	return nil
}

func (f *Frame) event(ctx context.Context, typ observability.EventType, level observability.Level, err error) {
	data := map[string]any{"url": f.url, "origin": f.origin}
	if err != nil {
		data["error"] = err.Error()
	}
	f.opts.Observer.OnEvent(ctx, observability.Event{
		Type:      typ,
		Level:     level,
		Timestamp: time.Now(),
		Source:    "bridge.frame",
		Peer:      f.opts.Peer,
		Data:      data,
	})
}
