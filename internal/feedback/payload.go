// Package feedback implements request/response correlation on top of plain
// broadcast: a unit sends a request, any number of units answer it, and the
// waiting callback sees each unit's answer once until the request expires.
package feedback

import (
	"time"

	"github.com/google/uuid"

	"unitcast/internal/payload"
)

// State tags a feedback payload as a question or an answer.
type State string

const (
	StateRequest  State = "REQUEST"
	StateResponse State = "RESPONSE"
)

// Feedback is embedded by feedback payloads. The JSON field names match the
// bodies produced by deployed units speaking the legacy format.
type Feedback struct {
	ID        uuid.UUID `json:"feedbackId"`
	State     State     `json:"state"`
	TTLMillis int64     `json:"ttl"`
}

// New starts a request with a fresh correlation id.
func New(ttl time.Duration) Feedback {
	return Feedback{
		ID:        uuid.New(),
		State:     StateRequest,
		TTLMillis: ttl.Milliseconds(),
	}
}

func (f *Feedback) FeedbackID() uuid.UUID { return f.ID }

func (f *Feedback) FeedbackState() State {
	if f.State == "" {
		return StateRequest
	}
	return f.State
}

func (f *Feedback) TTL() time.Duration { return time.Duration(f.TTLMillis) * time.Millisecond }

func (f *Feedback) SetTTL(d time.Duration) { f.TTLMillis = d.Milliseconds() }

// MarkResponse moves the payload to RESPONSE. It reports false when the
// payload already was a response. Not safe for concurrent use on one value.
func (f *Feedback) MarkResponse() bool {
	if f.State == StateResponse {
		return false
	}
	f.State = StateResponse
	return true
}

// Carrier is a broadcastable payload that embeds Feedback.
type Carrier interface {
	payload.Payload
	FeedbackID() uuid.UUID
	FeedbackState() State
	TTL() time.Duration
	SetTTL(time.Duration)
	MarkResponse() bool
}
