package channel

import (
	"context"
	"sync/atomic"
)

// MessageChannel is a buffered, close-once channel whose Send and Receive
// honor both the caller's context and the owning network's lifetime.
type MessageChannel[T any] struct {
	channel    chan T
	context    context.Context
	bufferSize int
	closed     atomic.Int32
}

func NewMessageChannel[T any](ctx context.Context, bufferSize int) *MessageChannel[T] {
	return &MessageChannel[T]{
		channel:    make(chan T, bufferSize),
		context:    ctx,
		bufferSize: bufferSize,
	}
}

// Send blocks while the buffer is full. It returns ErrClosed once the channel
// has been closed instead of panicking on the closed Go channel.
func (mc *MessageChannel[T]) Send(ctx context.Context, message T) (err error) {
	if mc.IsClosed() {
		return ErrClosed
	}
	defer func() {
		if recover() != nil {
			err = ErrClosed
		}
	}()

	select {
	case mc.channel <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-mc.context.Done():
		return mc.context.Err()
	}
}

// Receive returns ErrClosed after Close once the buffer has drained.
func (mc *MessageChannel[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	select {
	case message, ok := <-mc.channel:
		if !ok {
			return zero, ErrClosed
		}
		return message, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-mc.context.Done():
		return zero, mc.context.Err()
	}
}

func (mc *MessageChannel[T]) Close() {
	if mc.closed.CompareAndSwap(0, 1) {
		close(mc.channel)
	}
}

func (mc *MessageChannel[T]) IsClosed() bool {
	return mc.closed.Load() == 1
}

func (mc *MessageChannel[T]) QueueLength() int {
	return len(mc.channel)
}
