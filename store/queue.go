package store

import (
	"context"
	"sync"
)

// changeQueue is an unbounded FIFO feeding one watcher. Producers never block,
// so a watcher whose consumer writes back into the store cannot deadlock it.
type changeQueue struct {
	mu      sync.Mutex
	pending []Change
	signal  chan struct{}
	out     chan Change
	done    chan struct{}
	once    sync.Once
}

func newChangeQueue(ctx context.Context) *changeQueue {
	q := &changeQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan Change),
		done:   make(chan struct{}),
	}
	go q.pump(ctx)
	return q
}

func (q *changeQueue) push(c Change) {
	q.mu.Lock()
	q.pending = append(q.pending, c)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *changeQueue) close() {
	q.once.Do(func() { close(q.done) })
}

func (q *changeQueue) pump(ctx context.Context) {
	defer close(q.out)

	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, c := range batch {
			select {
			case q.out <- c:
			case <-ctx.Done():
				return
			case <-q.done:
				return
			}
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			return
		case <-q.done:
			return
		}
	}
}
