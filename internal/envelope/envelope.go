// Package envelope defines the on-channel wrapper for payloads: the type id,
// the originating unit and the codec-encoded body.
package envelope

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"unitcast/internal/codec"
)

var (
	ErrMalformed     = errors.New("envelope: malformed")
	ErrMissingType   = errors.New("envelope: missing type")
	ErrMissingOrigin = errors.New("envelope: missing origin")
	ErrUnknownFormat = errors.New("envelope: unknown wire format")
)

// Envelope is the unit of exchange on the network channel.
type Envelope struct {
	Type   string `json:"type"`
	Origin string `json:"origin"`
	Data   string `json:"data"`
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return ErrMissingType
	}
	if strings.TrimSpace(e.Origin) == "" {
		return ErrMissingOrigin
	}
	return nil
}

// Format turns envelopes into transport bytes and back.
type Format interface {
	Name() string
	Marshal(env Envelope) ([]byte, error)
	Unmarshal(raw []byte) (Envelope, error)
}

// FormatByName resolves a configured wire format.
func FormatByName(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return Canonical(), nil
	case "legacy":
		return Legacy(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// EncodeBody marshals v with c into the string carried in Envelope.Data.
// Binary codecs are base64 encoded so the envelope stays valid text.
func EncodeBody(c codec.Codec, v any) (string, error) {
	b, err := c.Marshal(v)
	if err != nil {
		return "", err
	}
	if codec.Textual(c) {
		return string(b), nil
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeBody reverses EncodeBody into v.
func DecodeBody(c codec.Codec, data string, v any) error {
	if codec.Textual(c) {
		return c.Unmarshal([]byte(data), v)
	}
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("%w: body: %v", ErrMalformed, err)
	}
	return c.Unmarshal(b, v)
}
