package messaging

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/sysend/codec"
)

// TargetPrimary addresses whichever peer currently holds primacy.
const TargetPrimary = "primary"

var (
	ErrMissingTarget = errors.New("message target is required")
	ErrMalformed     = errors.New("malformed message")
)

type Message struct {
	ID     string `json:"id"`
	Target string `json:"target"`
	Origin string `json:"origin"`
	Data   any    `json:"data"`
}

// IsFor reports whether a peer with the given id and role is the intended
// recipient.
func (msg *Message) IsFor(id string, primary bool) bool {
	if msg.Target == TargetPrimary {
		return primary
	}
	return msg.Target == id
}

func (msg *Message) ToPrimary() bool {
	return msg.Target == TargetPrimary
}

func (msg *Message) Clone() *Message {
	clone := *msg
	return &clone
}

func (msg *Message) String() string {
	return fmt.Sprintf("Message{ID: %s, Origin: %s, Target: %s}", msg.ID, msg.Origin, msg.Target)
}

func (msg *Message) Wire() map[string]any {
	return map[string]any{
		"id":     msg.ID,
		"target": msg.Target,
		"origin": msg.Origin,
		"data":   msg.Data,
	}
}

// Parse converts a decoded payload into a Message.
func Parse(v any) (*Message, error) {
	if v == nil {
		return nil, ErrMalformed
	}
	msg, err := codec.As[Message](v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Target == "" {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, ErrMissingTarget)
	}
	return &msg, nil
}

func generateID() string {
	return uuid.Must(uuid.NewV7()).String()
}
