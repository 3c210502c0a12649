package payload

import "fmt"

// Priority orders handlers for one payload type. Lower values run first.
type Priority int

const (
	PriorityHighest Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityLowest
)

func (p Priority) Valid() bool {
	return p >= PriorityHighest && p <= PriorityLowest
}

func (p Priority) String() string {
	switch p {
	case PriorityHighest:
		return "highest"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityLowest:
		return "lowest"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}
