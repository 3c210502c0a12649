// Package payload holds the typed-payload registry and the handler dispatch
// table used to route decoded messages.
package payload

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrDuplicateType  = errors.New("payload: type already registered")
	ErrInvalidShape   = errors.New("payload: invalid shape")
	ErrInvalidHandler = errors.New("payload: invalid handler")
)

// TypeID names a payload family on the wire. By convention it is the fully
// qualified Go type name, see NameOf.
type TypeID string

// Payload is implemented by every value that can be broadcast.
type Payload interface {
	PayloadType() TypeID
}

// SelfDeliverer is implemented by payloads that want to be delivered to the
// unit that broadcast them.
type SelfDeliverer interface {
	AcceptsSelfOrigin() bool
}

// Shape describes how to materialize a payload of one TypeID.
type Shape struct {
	ID           TypeID
	New          func() any
	SelfDelivery bool
}

func (s Shape) validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty type id", ErrInvalidShape)
	}
	if s.New == nil {
		return fmt.Errorf("%w: %s has no constructor", ErrInvalidShape, s.ID)
	}
	return nil
}

// Define builds the Shape for T. The type id and the self-delivery flag are
// read from a zero value through the Payload and SelfDeliverer methods.
func Define[T any, PT interface {
	*T
	Payload
}]() Shape {
	zero := PT(new(T))
	self := false
	if sd, ok := any(zero).(SelfDeliverer); ok {
		self = sd.AcceptsSelfOrigin()
	}
	return Shape{
		ID:           zero.PayloadType(),
		New:          func() any { return PT(new(T)) },
		SelfDelivery: self,
	}
}

// NameOf returns "<import path>.<type name>" for T, the conventional TypeID.
func NameOf[T any]() TypeID {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.PkgPath() == "" {
		return TypeID(t.String())
	}
	return TypeID(t.PkgPath() + "." + t.Name())
}

// Message is one decoded inbound payload handed to handlers.
type Message struct {
	Type   TypeID
	Origin string
	Value  any
}
