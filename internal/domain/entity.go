package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// EntityID identifies a managed entity across the fleet.
type EntityID struct {
	HostID   int `json:"hostId" cbor:"1,keyasint"`
	EntityID int `json:"entityId" cbor:"2,keyasint"`
}

func (id EntityID) String() string {
	return fmt.Sprintf("%d/%d", id.HostID, id.EntityID)
}

// Less orders ids by host first, then entity.
func (id EntityID) Less(other EntityID) bool {
	if id.HostID != other.HostID {
		return id.HostID < other.HostID
	}
	return id.EntityID < other.EntityID
}

// ParseEntityID parses the "host/entity" form produced by String.
func ParseEntityID(s string) (EntityID, error) {
	hostPart, entityPart, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return EntityID{}, fmt.Errorf("%w: entity id %q must be host/entity", ErrValidation, s)
	}

	hostID, err := strconv.Atoi(strings.TrimSpace(hostPart))
	if err != nil {
		return EntityID{}, fmt.Errorf("%w: invalid host id in %q", ErrValidation, s)
	}
	entityID, err := strconv.Atoi(strings.TrimSpace(entityPart))
	if err != nil {
		return EntityID{}, fmt.Errorf("%w: invalid entity id in %q", ErrValidation, s)
	}

	return EntityID{HostID: hostID, EntityID: entityID}, nil
}

// EntityState is the lifecycle state reported for an entity.
type EntityState string

const (
	EntityStateStopped  EntityState = "STOPPED"
	EntityStateStarting EntityState = "STARTING"
	EntityStateActive   EntityState = "ACTIVE"
	EntityStateStopping EntityState = "STOPPING"
	EntityStatePaused   EntityState = "PAUSED"
	EntityStateError    EntityState = "ERROR"
	EntityStateUnknown  EntityState = "UNKNOWN"
)

func (s EntityState) String() string { return string(s) }

func (s EntityState) IsValid() bool {
	switch s {
	case EntityStateStopped, EntityStateStarting, EntityStateActive, EntityStateStopping,
		EntityStatePaused, EntityStateError, EntityStateUnknown:
		return true
	}
	return false
}

func ParseEntityStateFromString(s string) (EntityState, error) {
	st := EntityState(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid entity state %q", ErrValidation, s)
	}
	return st, nil
}

// EntitySnapshot is the last-known state of an entity.
type EntitySnapshot struct {
	ID              EntityID
	Name            string
	State           EntityState
	StartupComplete bool
}

// Condition is a terminal condition an entity can be driven to.
type Condition string

const (
	ConditionStarted Condition = "STARTED"
	ConditionStopped Condition = "STOPPED"
)

func (c Condition) String() string { return string(c) }

func (c Condition) IsValid() bool {
	switch c {
	case ConditionStarted, ConditionStopped:
		return true
	}
	return false
}

func ParseConditionFromString(s string) (Condition, error) {
	c := Condition(strings.ToUpper(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: invalid condition %q", ErrValidation, s)
	}
	return c, nil
}

// SatisfiedBy reports whether a reported state matches the condition.
// StartupComplete is part of the match: an active entity that is still
// initializing is not started, and a stopped entity must have cleared it.
func (c Condition) SatisfiedBy(state EntityState, startupComplete bool) bool {
	switch c {
	case ConditionStarted:
		return state == EntityStateActive && startupComplete
	case ConditionStopped:
		return state == EntityStateStopped && !startupComplete
	}
	return false
}

// TargetState is the state requested from the entity to reach the condition.
func (c Condition) TargetState() EntityState {
	switch c {
	case ConditionStarted:
		return EntityStateActive
	case ConditionStopped:
		return EntityStateStopped
	}
	return EntityStateUnknown
}
