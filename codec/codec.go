// Package codec converts payloads to and from the strings that travel over a
// transport. The default codec is JSON; peers may install a custom pair of
// functions, which must agree across every peer sharing a channel.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrInvalidCodec is returned when a custom codec is built from nil functions.
var ErrInvalidCodec = errors.New("invalid codec: encode and decode functions are required")

// Codec serializes values for transport.
type Codec interface {
	Encode(v any) (string, error)
	Decode(s string) (any, error)
}

type jsonCodec struct{}

// JSON is the default structured-text codec. Decoded objects come back as
// map[string]any, arrays as []any and numbers as float64.
var JSON Codec = jsonCodec{}

func (jsonCodec) Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("json encode: %w", err)
	}
	return string(data), nil
}

func (jsonCodec) Decode(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	return v, nil
}

type funcCodec struct {
	to   func(any) (string, error)
	from func(string) (any, error)
}

// Func builds a Codec from an encode/decode pair.
func Func(to func(any) (string, error), from func(string) (any, error)) (Codec, error) {
	if to == nil || from == nil {
		return nil, ErrInvalidCodec
	}
	return funcCodec{to: to, from: from}, nil
}

func (c funcCodec) Encode(v any) (string, error) {
	return c.to(v)
}

func (c funcCodec) Decode(s string) (any, error) {
	return c.from(s)
}

// As converts a decoded payload into T. Values that already have type T are
// returned as-is; anything else takes a JSON round trip, which maps the
// generic shapes produced by JSON decoding onto structs and typed slices.
func As[T any](v any) (T, error) {
	var out T
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	if v == nil {
		return out, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("convert %T: %w", v, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("convert %T to %T: %w", v, out, err)
	}
	return out, nil
}

// Ref holds the active codec of a peer. Peers may install a new codec at any
// time; transports read the current one for every envelope.
type Ref struct {
	v atomic.Pointer[Codec]
}

// NewRef returns a Ref holding c, or JSON when c is nil.
func NewRef(c Codec) *Ref {
	r := &Ref{}
	r.Store(c)
	return r
}

func (r *Ref) Load() Codec {
	if c := r.v.Load(); c != nil {
		return *c
	}
	return JSON
}

func (r *Ref) Store(c Codec) {
	if c == nil {
		c = JSON
	}
	r.v.Store(&c)
}
