package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
)

const legacyDelimiter = "&"

type legacyFormat struct{}

// Legacy is the delimited form `typeID&{...,"origin":"unit"}` where the origin
// is injected into the JSON body. Only JSON bodies can travel this way.
func Legacy() Format { return legacyFormat{} }

func (legacyFormat) Name() string { return "legacy" }

func (legacyFormat) Marshal(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if strings.Contains(env.Type, legacyDelimiter) {
		return nil, fmt.Errorf("%w: type %q contains %q", ErrMalformed, env.Type, legacyDelimiter)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal([]byte(env.Data), &body); err != nil {
		return nil, fmt.Errorf("%w: legacy body must be a json object: %v", ErrMalformed, err)
	}
	if body == nil {
		body = make(map[string]json.RawMessage, 1)
	}
	origin, err := json.Marshal(env.Origin)
	if err != nil {
		return nil, err
	}
	body["origin"] = origin
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(env.Type)+1+len(b))
	out = append(out, env.Type...)
	out = append(out, legacyDelimiter...)
	return append(out, b...), nil
}

// Unmarshal splits on the first delimiter only, so '&' inside the body
// survives untouched.
func (legacyFormat) Unmarshal(raw []byte) (Envelope, error) {
	typeID, rest, ok := strings.Cut(string(raw), legacyDelimiter)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing %q delimiter", ErrMalformed, legacyDelimiter)
	}
	var head struct {
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal([]byte(rest), &head); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env := Envelope{Type: typeID, Origin: head.Origin, Data: rest}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
