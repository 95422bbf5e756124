package peer

import (
	"context"

	"github.com/tailored-agentic-units/sysend/codec"
)

// Topic is an event name bound to a payload type.
type Topic[T any] struct {
	name string
}

func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

func (t Topic[T]) Name() string { return t.name }

// Publish broadcasts v on t.
func Publish[T any](ctx context.Context, p *Peer, t Topic[T], v T) error {
	return p.Broadcast(ctx, t.name, v)
}

// Subscribe delivers payloads of t converted to T. Payloads that do not
// convert are reported to the observer and skipped.
func Subscribe[T any](p *Peer, t Topic[T], fn func(T)) Subscription {
	return p.On(t.name, func(data any, event string) {
		v, err := codec.As[T](data)
		if err != nil {
			p.decodeFailed(event, err)
			return
		}
		fn(v)
	})
}
