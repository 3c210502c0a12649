package presence

import (
	"time"

	"unitcast/internal/feedback"
	"unitcast/internal/payload"
)

// Announce is broadcast by every unit on start and then periodically. It is
// delivered to its sender too, so the local roster lists itself.
type Announce struct {
	Unit    string            `json:"unit"`
	Version string            `json:"version"`
	Meta    map[string]string `json:"meta,omitempty"`
	At      time.Time         `json:"at"`
}

func (*Announce) PayloadType() payload.TypeID { return payload.NameOf[Announce]() }
func (*Announce) AcceptsSelfOrigin() bool     { return true }

// RosterQuery asks every unit to describe itself. Responders fill in their
// own fields and answer through feedback.
type RosterQuery struct {
	feedback.Feedback
	Unit    string            `json:"unit,omitempty"`
	Version string            `json:"version,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	At      time.Time         `json:"at"`
}

func (*RosterQuery) PayloadType() payload.TypeID { return payload.NameOf[RosterQuery]() }

// Shapes lists the payloads the presence manager exchanges.
func Shapes() []payload.Shape {
	return []payload.Shape{
		payload.Define[Announce](),
		payload.Define[RosterQuery](),
	}
}
