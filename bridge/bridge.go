// Package bridge extends a peer's scope across origins. A parent peer binds
// a Frame to the bridge URL of a peer running in proxy mode on another
// origin; the proxy's Server re-broadcasts what parents deliver and streams
// back everything it observes on its own transport.
//
// The service is plain connect RPC over HTTP with well-known protobuf
// messages, so no generated code is involved:
//
//	/sysend.bridge.v1.BridgeService/Deliver    unary, Struct -> Empty
//	/sysend.bridge.v1.BridgeService/Subscribe  server stream, Empty -> Struct
//
// Every frame carries Marker. Frames without it, or from origins outside the
// allow-list, are rejected.
package bridge

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tailored-agentic-units/sysend/codec"
	"github.com/tailored-agentic-units/sysend/observability"
	"github.com/tailored-agentic-units/sysend/transport"
)

const Marker = transport.Prefix

const (
	ServiceName        = "sysend.bridge.v1.BridgeService"
	ServicePath        = "/" + ServiceName + "/"
	DeliverProcedure   = ServicePath + "Deliver"
	SubscribeProcedure = ServicePath + "Subscribe"
)

var (
	ErrInvalidOrigin = errors.New("invalid origin")
	ErrForeignFrame  = errors.New("frame does not carry the bridge marker")
	ErrNotAllowed    = errors.New("origin not allowed")
	ErrNotLoaded     = errors.New("bridge frame not loaded")
)

const (
	EventOpenAllowList observability.EventType = "bridge.allowlist.open"
	EventLoaded        observability.EventType = "bridge.loaded"
	EventLoadFailed    observability.EventType = "bridge.load.failed"
	EventRejected      observability.EventType = "bridge.rejected"
	EventOverflow      observability.EventType = "bridge.overflow"
)

// EnvelopeHandler receives envelopes arriving over a bridge.
type EnvelopeHandler func(event string, env transport.Envelope)

func encodeFrame(c codec.Codec, event string, env transport.Envelope) (*structpb.Struct, error) {
	data, err := env.Encode(c)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"marker": Marker,
		"event":  event,
		"data":   data,
	})
}

func decodeFrame(c codec.Codec, msg *structpb.Struct) (string, transport.Envelope, error) {
	fields := msg.GetFields()
	if fields["marker"].GetStringValue() != Marker {
		return "", transport.Envelope{}, ErrForeignFrame
	}
	event := fields["event"].GetStringValue()
	if event == "" {
		return "", transport.Envelope{}, fmt.Errorf("%w: missing event", transport.ErrMalformed)
	}
	env, err := transport.DecodeEnvelope(c, fields["data"].GetStringValue())
	if err != nil {
		return "", transport.Envelope{}, err
	}
	return event, env, nil
}

func readyFrame() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"marker": structpb.NewStringValue(Marker),
		"ready":  structpb.NewBoolValue(true),
	}}
}

func isReady(msg *structpb.Struct) bool {
	fields := msg.GetFields()
	return fields["marker"].GetStringValue() == Marker && fields["ready"].GetBoolValue()
}
