package keystore

import "fmt"

// Status is the lifecycle state of a key.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// Statuses lists every valid status in display order.
var Statuses = []Status{StatusActive, StatusSuspended, StatusInactive}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// ParseStatus converts a persisted status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Event is a lifecycle operation applied to an existing key.
type Event string

const (
	EventActivate   Event = "activate"
	EventDeactivate Event = "deactivate"
	EventSuspend    Event = "suspend"
	EventResume     Event = "resume"
)

// transitions is total over Statuses x events.
var transitions = map[Status]map[Event]Status{
	StatusActive: {
		EventActivate:   StatusActive,
		EventDeactivate: StatusInactive,
		EventSuspend:    StatusSuspended,
		EventResume:     StatusActive,
	},
	StatusInactive: {
		EventActivate:   StatusActive,
		EventDeactivate: StatusInactive,
		EventSuspend:    StatusSuspended,
		EventResume:     StatusActive,
	},
	StatusSuspended: {
		EventActivate:   StatusActive,
		EventDeactivate: StatusInactive,
		EventSuspend:    StatusSuspended,
		EventResume:     StatusActive,
	},
}

// Next returns the status a record in from moves to when ev is applied.
func Next(from Status, ev Event) (Status, error) {
	row, ok := transitions[from]
	if !ok {
		return "", fmt.Errorf("unknown status %q", from)
	}
	to, ok := row[ev]
	if !ok {
		return "", fmt.Errorf("unknown event %q", ev)
	}
	return to, nil
}
