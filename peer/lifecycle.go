package peer

// Lifecycle names a presence notification and the payload it carries.
type Lifecycle[T any] struct {
	name string
}

func (l Lifecycle[T]) Name() string { return l.name }

var (
	Open      = Lifecycle[OpenEvent]{"open"}
	Close     = Lifecycle[CloseEvent]{"close"}
	Primary   = Lifecycle[Status]{"primary"}
	Secondary = Lifecycle[Status]{"secondary"}
	Message   = Lifecycle[MessageEvent]{"message"}
	Update    = Lifecycle[[]RosterEntry]{"update"}
	Ready     = Lifecycle[Status]{"ready"}
)

// Track subscribes fn to a lifecycle notification of p.
func Track[T any](p *Peer, l Lifecycle[T], fn func(T)) Subscription {
	return p.lifecycle.On(l.name, func(data any, _ string) {
		if v, ok := data.(T); ok {
			fn(v)
		}
	})
}

// Untrack removes the given subscriptions, or every subscriber of l when
// none are given.
func Untrack[T any](p *Peer, l Lifecycle[T], subs ...Subscription) {
	p.lifecycle.Off(l.name, subs...)
}

func notify[T any](p *Peer, l Lifecycle[T], v T) {
	p.lifecycle.Trigger(l.name, v)
}
