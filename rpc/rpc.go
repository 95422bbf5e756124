// Package rpc layers request/response calls over addressed peer messages.
//
// Every Surface owns a pair of events, __rpc_<n>__request and
// __rpc_<n>__response. n counts the surfaces a peer has created, so peers
// that set up their surfaces in the same order talk to each other without
// further coordination. WithName pins the pair explicitly.
//
// Calls are correlated by request id and by the responding peer. A call that
// sees no response within its timeout fails with ErrTimeout; a late response
// is dropped.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tailored-agentic-units/sysend/codec"
	"github.com/tailored-agentic-units/sysend/messaging"
	"github.com/tailored-agentic-units/sysend/observability"
	"github.com/tailored-agentic-units/sysend/peer"
)

const tracerName = "github.com/tailored-agentic-units/sysend/rpc"

var (
	ErrMissingTarget  = errors.New("rpc target is required")
	ErrMethodNotFound = errors.New("Method not found")
	ErrTimeout        = errors.New("rpc timeout")
	ErrClosed         = errors.New("rpc surface closed")
)

const (
	EventCallFailed   observability.EventType = "rpc.call.failed"
	EventTimeout      observability.EventType = "rpc.timeout"
	EventHandlerPanic observability.EventType = "rpc.handler.panic"
)

// RemoteError carries the failure a callee reported. A missing method
// unwraps to ErrMethodNotFound.
type RemoteError struct {
	Method  string
	Target  string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	if e.Message == ErrMethodNotFound.Error() {
		return ErrMethodNotFound
	}
	return nil
}

// Method serves one remote call. args are the decoded call arguments; use
// Arg to convert them.
type Method func(ctx context.Context, args ...any) (any, error)

// Stub calls a method of the same name on target.
type Stub func(ctx context.Context, target string, args ...any) (any, error)

type call struct {
	target string
	done   chan messaging.Response
}

// Surface serves a method table to other peers and calls theirs.
type Surface struct {
	peer     *peer.Peer
	name     string
	request  string
	response string
	timeout  time.Duration
	tracer   trace.Tracer
	methods  map[string]Method

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []peer.Subscription

	mu      sync.Mutex
	pending map[string]*call
	closed  bool
}

type Option func(*Surface)

// WithName fixes the event pair to __rpc_<name>__request and
// __rpc_<name>__response.
func WithName(name string) Option {
	return func(s *Surface) { s.name = name }
}

// WithTimeout bounds how long a call waits for its response. It defaults to
// the peer's RPC timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Surface) { s.timeout = d }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Surface) { s.tracer = t }
}

// New registers methods on p and returns the surface. A nil table makes a
// call-only surface.
func New(p *peer.Peer, methods map[string]Method, opts ...Option) (*Surface, error) {
	if p == nil {
		return nil, fmt.Errorf("rpc: peer is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Surface{
		peer:    p,
		timeout: p.RPCTimeout(),
		methods: maps.Clone(methods),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*call),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.name == "" {
		s.name = strconv.Itoa(p.NextSurface())
	}
	if s.timeout <= 0 {
		s.timeout = peer.DefaultRPCTimeout
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	for name, m := range s.methods {
		if m == nil {
			cancel()
			return nil, fmt.Errorf("rpc: method %q has no handler", name)
		}
	}

	s.request = "__rpc_" + s.name + "__request"
	s.response = "__rpc_" + s.name + "__response"
	s.subs = []peer.Subscription{
		p.OnAddressed(s.request, s.serve),
		p.OnAddressed(s.response, s.settle),
	}
	return s, nil
}

func (s *Surface) Name() string { return s.name }

// Events returns the request and response event names.
func (s *Surface) Events() (request, response string) {
	return s.request, s.response
}

// Stubs returns a caller for every method in the table.
func (s *Surface) Stubs() map[string]Stub {
	stubs := make(map[string]Stub, len(s.methods))
	for name := range s.methods {
		stubs[name] = func(ctx context.Context, target string, args ...any) (any, error) {
			return s.Call(ctx, target, name, args...)
		}
	}
	return stubs
}

func (s *Surface) Methods() []string {
	return slices.Sorted(maps.Keys(s.methods))
}

// Call invokes method on target, which is a peer id or
// messaging.TargetPrimary, and waits for its result.
func (s *Surface) Call(ctx context.Context, target, method string, args ...any) (any, error) {
	if target == "" {
		return nil, ErrMissingTarget
	}

	ctx, span := s.tracer.Start(ctx, "rpc.call "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "sysend"),
			attribute.String("rpc.method", method),
			attribute.String("rpc.surface", s.name),
			attribute.String("sysend.peer", s.peer.ID()),
			attribute.String("sysend.target", target),
		),
	)
	defer span.End()

	result, err := s.call(ctx, target, method, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (s *Surface) call(ctx context.Context, target, method string, args []any) (any, error) {
	req := messaging.NewRequest(method, args...)
	c := &call{target: target, done: make(chan messaging.Response, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.pending[req.RequestID] = c
	s.mu.Unlock()
	defer s.forget(req.RequestID)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	if err := s.peer.PostOn(ctx, s.request, target, req.Wire()); err != nil {
		s.failed(ctx, method, target, err)
		return nil, err
	}

	select {
	case resp, ok := <-c.done:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Failed() {
			return nil, &RemoteError{Method: method, Target: target, Message: resp.Error}
		}
		return resp.Result, nil
	case <-timer.C:
		s.emit(ctx, EventTimeout, observability.LevelWarning, map[string]any{
			"method":  method,
			"target":  target,
			"timeout": s.timeout.String(),
		})
		return nil, fmt.Errorf("%w: %s on %s after %s", ErrTimeout, method, target, s.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Surface) forget(requestID string) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

// settle hands a response to the call waiting for it. Responses from any
// peer other than the one called are ignored, except for calls addressed to
// the primary, whose identity is only known once it answers.
func (s *Surface) settle(msg *messaging.Message) {
	resp, err := messaging.ParseResponse(msg.Data)
	if err != nil {
		return
	}

	s.mu.Lock()
	c, ok := s.pending[resp.RequestID]
	if ok && (c.target == msg.Origin || c.target == messaging.TargetPrimary) {
		delete(s.pending, resp.RequestID)
	} else {
		ok = false
	}
	s.mu.Unlock()

	if ok {
		c.done <- resp
	}
}

func (s *Surface) serve(msg *messaging.Message) {
	req, err := messaging.ParseRequest(msg.Data)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		resp := s.invoke(req, msg.Origin)
		if err := s.peer.PostOn(s.ctx, s.response, msg.Origin, resp.Wire()); err != nil {
			s.failed(s.ctx, req.Method, msg.Origin, err)
		}
	}()
}

func (s *Surface) invoke(req messaging.Request, caller string) (resp messaging.Response) {
	ctx, span := s.tracer.Start(s.ctx, "rpc.serve "+req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "sysend"),
			attribute.String("rpc.method", req.Method),
			attribute.String("rpc.surface", s.name),
			attribute.String("sysend.peer", s.peer.ID()),
			attribute.String("sysend.caller", caller),
		),
	)
	defer func() {
		if resp.Failed() {
			span.SetStatus(codes.Error, resp.Error)
		}
		span.End()
	}()

	m, ok := s.methods[req.Method]
	if !ok {
		return messaging.NewError(req.RequestID, ErrMethodNotFound.Error())
	}

	defer func() {
		if r := recover(); r != nil {
			s.emit(ctx, EventHandlerPanic, observability.LevelError, map[string]any{
				"method": req.Method,
				"panic":  fmt.Sprint(r),
			})
			resp = messaging.NewError(req.RequestID, fmt.Sprint(r))
		}
	}()

	result, err := m(ctx, req.Args...)
	if err != nil {
		return messaging.NewError(req.RequestID, err.Error())
	}
	return messaging.NewResult(req.RequestID, result)
}

// Close unsubscribes the surface, fails calls still waiting and waits for
// running handlers to return.
func (s *Surface) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]*call)
	s.mu.Unlock()

	s.peer.Off(s.request, s.subs[0])
	s.peer.Off(s.response, s.subs[1])
	for _, c := range pending {
		close(c.done)
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Surface) failed(ctx context.Context, method, target string, err error) {
	s.emit(ctx, EventCallFailed, observability.LevelWarning, map[string]any{
		"method": method,
		"target": target,
		"error":  err.Error(),
	})
}

func (s *Surface) emit(ctx context.Context, typ observability.EventType, level observability.Level, data map[string]any) {
	data["surface"] = s.name
	s.peer.Observer().OnEvent(ctx, observability.Event{
		Type:      typ,
		Level:     level,
		Timestamp: time.Now(),
		Source:    "rpc",
		Peer:      s.peer.ID(),
		Data:      data,
	})
}

// Arg converts the i-th call argument to T.
func Arg[T any](args []any, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(args) {
		return zero, fmt.Errorf("rpc: argument %d of %d missing", i, len(args))
	}
	v, err := codec.As[T](args[i])
	if err != nil {
		return zero, fmt.Errorf("rpc: argument %d: %w", i, err)
	}
	return v, nil
}
