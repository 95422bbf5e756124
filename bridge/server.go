package bridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tailored-agentic-units/sysend/codec"
	"github.com/tailored-agentic-units/sysend/observability"
	"github.com/tailored-agentic-units/sysend/transport"
)

// RelayFunc re-broadcasts an envelope on the proxy's local transport.
type RelayFunc func(ctx context.Context, event string, env transport.Envelope) error

type ServerOptions struct {
	Relay      RelayFunc
	Allow      *AllowList
	Codec      *codec.Ref
	Observer   observability.Observer
	Peer       string
	BufferSize int
}

// Server is the proxy side of a bridge.
type Server struct {
	opts ServerOptions

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	origin string
	out    chan *structpb.Struct
}

func NewServer(opts ServerOptions) *Server {
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
	return &Server{opts: opts, subs: make(map[*subscriber]struct{})}
}

// Handler returns the path prefix and handler to mount on a mux.
func (s *Server) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(DeliverProcedure, connect.NewUnaryHandler(DeliverProcedure, s.deliver, opts...))
	mux.Handle(SubscribeProcedure, connect.NewServerStreamHandler(SubscribeProcedure, s.subscribe, opts...))
	return ServicePath, mux
}

func (s *Server) deliver(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[emptypb.Empty], error) {
	origin := req.Header().Get("Origin")
	if !s.opts.Allow.Allows(ctx, origin) {
		s.rejected(ctx, origin, ErrNotAllowed)
		return nil, connect.NewError(connect.CodePermissionDenied, ErrNotAllowed)
	}

	event, env, err := decodeFrame(s.opts.Codec.Load(), req.Msg)
	if err != nil {
		s.rejected(ctx, origin, err)
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	if s.opts.Relay != nil {
		if err := s.opts.Relay(ctx, event, env); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil, connect.NewError(connect.CodeUnavailable, err)
			}
			return nil, connect.NewError(connect.CodeInternal, err)
		}
	}
	s.fanout(req.Msg)
	return connect.NewResponse(&emptypb.Empty{}), nil
}

func (s *Server) subscribe(ctx context.Context, req *connect.Request[emptypb.Empty], stream *connect.ServerStream[structpb.Struct]) error {
	origin := req.Header().Get("Origin")
	if !s.opts.Allow.Allows(ctx, origin) {
		s.rejected(ctx, origin, ErrNotAllowed)
		return connect.NewError(connect.CodePermissionDenied, ErrNotAllowed)
	}

	sub := &subscriber{origin: origin, out: make(chan *structpb.Struct, s.opts.BufferSize)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return connect.NewError(connect.CodeUnavailable, transport.ErrClosed)
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()

	if err := stream.Send(readyFrame()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.out:
			if !ok {
				return nil
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// Publish streams an envelope the proxy observed to every subscribed
// parent. Slow subscribers lose frames rather than stall the proxy.
func (s *Server) Publish(ctx context.Context, event string, env transport.Envelope) {
	msg, err := encodeFrame(s.opts.Codec.Load(), event, env)
	if err != nil {
		s.rejected(ctx, "", err)
		return
	}
	s.fanout(msg)
}

func (s *Server) fanout(msg *structpb.Struct) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs {
		select {
		case sub.out <- msg:
		default:
			s.opts.Observer.OnEvent(context.Background(), observability.Event{
				Type:      EventOverflow,
				Level:     observability.LevelWarning,
				Timestamp: time.Now(),
				Source:    "bridge.server",
				Peer:      s.opts.Peer,
				Data:      map[string]any{"origin": sub.origin},
			})
		}
	}
}

// Subscribers returns the number of parents currently streaming.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close ends every subscription stream.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		close(sub.out)
		delete(s.subs, sub)
	}
}

func (s *Server) rejected(ctx context.Context, origin string, err error) {
	s.opts.Observer.OnEvent(ctx, observability.Event{
		Type:      EventRejected,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "bridge.server",
		Peer:      s.opts.Peer,
		Data: map[string]any{
			"origin": origin,
			"error":  err.Error(),
		},
	})
}
