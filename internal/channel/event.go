package channel

import (
	"time"

	"github.com/kursadbilgin/rollout-engine/internal/domain"
)

// Event is the payload of a delivered message. The set of implementations
// is closed: StateEvent, InfoEvent and HeartbeatEvent.
type Event interface {
	eventKind() EventKind
}

// EventKind tags an event on the wire.
type EventKind string

const (
	KindState     EventKind = "state"
	KindInfo      EventKind = "info"
	KindHeartbeat EventKind = "heartbeat"
)

// StateEvent reports a lifecycle transition of an entity.
type StateEvent struct {
	Entity          domain.EntityID    `cbor:"1,keyasint"`
	State           domain.EntityState `cbor:"2,keyasint"`
	StartupComplete bool               `cbor:"3,keyasint"`
}

// InfoEvent reports descriptive changes of an entity (name, protocol).
type InfoEvent struct {
	Entity   domain.EntityID `cbor:"1,keyasint"`
	Name     string          `cbor:"2,keyasint"`
	Protocol string          `cbor:"3,keyasint"`
	Version  string          `cbor:"4,keyasint"`
}

// HeartbeatEvent is sent periodically on an idle connection.
type HeartbeatEvent struct {
	At time.Time `cbor:"1,keyasint"`
}

func (StateEvent) eventKind() EventKind     { return KindState }
func (InfoEvent) eventKind() EventKind      { return KindInfo }
func (HeartbeatEvent) eventKind() EventKind { return KindHeartbeat }

// KindOf returns the wire tag of ev.
func KindOf(ev Event) EventKind {
	if ev == nil {
		return ""
	}
	return ev.eventKind()
}

// Message is a delivered event tagged with the subscription set it was
// produced for.
type Message struct {
	SetID string
	Event Event
}

// FromSet reports whether the message belongs to the subscription set.
func (m Message) FromSet(setID string) bool {
	return setID != "" && m.SetID == setID
}
