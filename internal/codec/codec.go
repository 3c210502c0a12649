// Package codec serializes payload bodies for the wire.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownCodec = errors.New("codec: unknown codec")

// Codec marshals payload values. Implementations must be safe for concurrent
// use and deterministic enough for cross-unit exchange.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Textual reports whether the codec output is printable text that can be
// carried in an envelope string without further encoding.
func Textual(c Codec) bool {
	ct := c.ContentType()
	return ct == "application/json" || strings.HasPrefix(ct, "text/")
}

// Registry maps short names to codecs.
type Registry struct {
	byName map[string]Codec
}

// NewRegistry returns a registry preloaded with the JSON and Protobuf codecs.
// CBOR is added with Register because its constructor can fail.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Codec)}
	r.Register("json", JSON())
	r.Register("proto", Proto())
	return r
}

// Register adds a codec under a short name.
func (r *Registry) Register(name string, c Codec) {
	r.byName[strings.ToLower(strings.TrimSpace(name))] = c
}

// Lookup resolves a configured codec name ("json", "cbor", "proto").
func (r *Registry) Lookup(name string) (Codec, error) {
	c, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return c, nil
}

// Default builds the registry used by the binary: JSON, Protobuf and CBOR.
func Default() (*Registry, error) {
	r := NewRegistry()
	c, err := CBOR()
	if err != nil {
		return nil, fmt.Errorf("init cbor codec: %w", err)
	}
	r.Register("cbor", c)
	return r, nil
}
