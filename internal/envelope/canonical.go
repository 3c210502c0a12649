package envelope

import (
	"encoding/json"
	"fmt"
)

type canonicalFormat struct{}

// Canonical is the JSON object form {"type":..,"origin":..,"data":..}.
func Canonical() Format { return canonicalFormat{} }

func (canonicalFormat) Name() string { return "json" }

func (canonicalFormat) Marshal(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (canonicalFormat) Unmarshal(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
