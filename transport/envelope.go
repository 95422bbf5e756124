package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tailored-agentic-units/sysend/codec"
)

var ErrMalformed = errors.New("malformed envelope")

// Envelope is the unit placed on a transport. Seq increases strictly per
// sender and forces a visible mutation even when payloads repeat; Nonce is
// fixed for the sender's lifetime and identifies its own echoes.
type Envelope struct {
	Seq        uint64
	Nonce      string
	Payload    any
	HasPayload bool
}

// Encode renders the envelope as [seq, nonce] or [seq, nonce, payload].
func (e Envelope) Encode(c codec.Codec) (string, error) {
	parts := []any{e.Seq, e.Nonce}
	if e.HasPayload {
		parts = append(parts, e.Payload)
	}
	s, err := c.Encode(parts)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return s, nil
}

// DecodeEnvelope parses the wire form produced by Encode.
func DecodeEnvelope(c codec.Codec, s string) (Envelope, error) {
	v, err := c.Decode(s)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	parts, ok := v.([]any)
	if !ok || len(parts) < 2 || len(parts) > 3 {
		return Envelope{}, fmt.Errorf("%w: want [seq, nonce, payload?], got %T", ErrMalformed, v)
	}
	seq, ok := toSeq(parts[0])
	if !ok {
		return Envelope{}, fmt.Errorf("%w: sequence id %v", ErrMalformed, parts[0])
	}
	nonce, ok := parts[1].(string)
	if !ok || nonce == "" {
		return Envelope{}, fmt.Errorf("%w: nonce %v", ErrMalformed, parts[1])
	}
	env := Envelope{Seq: seq, Nonce: nonce}
	if len(parts) == 3 {
		env.Payload = parts[2]
		env.HasPayload = true
	}
	return env, nil
}

func toSeq(v any) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 || n != math.Trunc(n) {
			return 0, false
		}
		return uint64(n), true
	case int:
		return uint64(n), n >= 0
	case int64:
		return uint64(n), n >= 0
	case uint64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return uint64(i), err == nil && i >= 0
	default:
		return 0, false
	}
}

// NewNonce returns a fresh session nonce.
func NewNonce() string {
	return uuid.NewString()
}

// Sequencer stamps outgoing envelopes for one sender.
type Sequencer struct {
	nonce string
	seq   atomic.Uint64
}

func NewSequencer(nonce string) *Sequencer {
	return &Sequencer{nonce: nonce}
}

func (s *Sequencer) Nonce() string { return s.nonce }

// Next returns the next envelope. A nil payload produces the two-element
// form.
func (s *Sequencer) Next(payload any) Envelope {
	return Envelope{
		Seq:        s.seq.Add(1) - 1,
		Nonce:      s.nonce,
		Payload:    payload,
		HasPayload: payload != nil,
	}
}
