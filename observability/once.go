package observability

import (
	"context"
	"sync"
	"time"
)

// Once forwards a warning to its observer the first time a given message is
// seen and drops every repeat. Degraded-mode conditions (storage disabled,
// missing allow-list) recur on every send and would otherwise flood logs.
type Once struct {
	observer Observer
	seen     sync.Map
}

func NewOnce(observer Observer) *Once {
	if observer == nil {
		observer = NoOpObserver{}
	}
	return &Once{observer: observer}
}

// Warn reports message at LevelWarning unless it was reported before.
// Returns true when the warning was emitted.
func (o *Once) Warn(ctx context.Context, typ EventType, source, peer, message string) bool {
	if _, loaded := o.seen.LoadOrStore(message, struct{}{}); loaded {
		return false
	}
	o.observer.OnEvent(ctx, Event{
		Type:      typ,
		Level:     LevelWarning,
		Timestamp: time.Now(),
		Source:    source,
		Peer:      peer,
		Data:      map[string]any{"message": message},
	})
	return true
}
