package peer

import (
	"context"

	"github.com/tailored-agentic-units/sysend/messaging"
)

// Post sends data to the peer with id target, or to the current primary
// when target is messaging.TargetPrimary. Every peer sees the broadcast;
// only the addressee delivers it to Message trackers.
func (p *Peer) Post(ctx context.Context, target string, data any) error {
	return p.PostOn(ctx, EventMessage, target, data)
}

// PostOn sends an addressed message under a custom event. Receivers pick it
// up with OnAddressed.
func (p *Peer) PostOn(ctx context.Context, event, target string, data any) error {
	if target == "" {
		return ErrMissingTarget
	}
	msg := messaging.NewMessage(p.id, target, data).Build()
	return p.Broadcast(ctx, event, msg.Wire())
}

// OnAddressed subscribes fn to messages under event that are addressed to
// this peer.
func (p *Peer) OnAddressed(event string, fn func(*messaging.Message)) Subscription {
	return p.On(event, func(data any, event string) {
		msg, err := messaging.Parse(data)
		if err != nil {
			p.decodeFailed(event, err)
			return
		}
		if msg.IsFor(p.id, p.IsPrimary()) {
			fn(msg)
		}
	})
}

func (p *Peer) onMessage(data any) {
	msg, err := messaging.Parse(data)
	if err != nil {
		p.decodeFailed(EventMessage, err)
		return
	}
	if msg.IsFor(p.id, p.IsPrimary()) {
		notify(p, Message, MessageEvent{Data: msg.Data, Origin: msg.Origin})
	}
}
