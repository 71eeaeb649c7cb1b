package model

import (
	"fmt"
	"strings"
)

// Perm is a vector's permission with respect to clients.
type Perm uint8

const (
	// PermReadOnly vectors are never the target of a client request.
	PermReadOnly Perm = iota

	// PermWriteOnly vectors accept requests but their values are not reported.
	PermWriteOnly

	// PermReadWrite vectors accept requests and report values.
	PermReadWrite
)

// CanWrite returns true if clients may request new values.
func (p Perm) CanWrite() bool { return p != PermReadOnly }

// CanRead returns true if values are reported to clients.
func (p Perm) CanRead() bool { return p != PermWriteOnly }

// String returns the permission in its protocol form.
func (p Perm) String() string {
	switch p {
	case PermReadOnly:
		return "ro"
	case PermWriteOnly:
		return "wo"
	case PermReadWrite:
		return "rw"
	default:
		return "unknown"
	}
}

// ParsePerm parses "ro", "wo" or "rw".
func ParsePerm(s string) (Perm, error) {
	switch strings.ToLower(s) {
	case "ro":
		return PermReadOnly, nil
	case "wo":
		return PermWriteOnly, nil
	case "rw":
		return PermReadWrite, nil
	}
	return 0, fmt.Errorf("invalid permission %q", s)
}

// State is a vector's (or light element's) state.
type State uint8

const (
	// StateIdle means no pending action.
	StateIdle State = iota

	// StateOk means the last action succeeded or the value is nominal.
	StateOk

	// StateBusy means an action is pending completion.
	StateBusy

	// StateAlert means the last action failed or the value is out of bounds.
	StateAlert
)

// Settled returns true for every state except Busy.
func (s State) Settled() bool { return s != StateBusy }

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateOk:
		return "Ok"
	case StateBusy:
		return "Busy"
	case StateAlert:
		return "Alert"
	default:
		return "Unknown"
	}
}

// ParseState parses a state name, case-insensitively.
func ParseState(s string) (State, error) {
	switch strings.ToLower(s) {
	case "idle":
		return StateIdle, nil
	case "ok":
		return StateOk, nil
	case "busy":
		return StateBusy, nil
	case "alert":
		return StateAlert, nil
	}
	return 0, fmt.Errorf("invalid state %q", s)
}

// Rule constrains how many switches of a switch vector may be on.
type Rule uint8

const (
	// RuleOneOfMany requires exactly one switch on (radio buttons).
	RuleOneOfMany Rule = iota

	// RuleAtMostOne allows at most one switch on.
	RuleAtMostOne

	// RuleAnyOfMany allows any combination (check boxes).
	RuleAnyOfMany
)

// String returns the rule in its protocol form.
func (r Rule) String() string {
	switch r {
	case RuleOneOfMany:
		return "OneOfMany"
	case RuleAtMostOne:
		return "AtMostOne"
	case RuleAnyOfMany:
		return "AnyOfMany"
	default:
		return "Unknown"
	}
}

// ParseRule parses a rule name, case-insensitively.
func ParseRule(s string) (Rule, error) {
	switch strings.ToLower(s) {
	case "oneofmany":
		return RuleOneOfMany, nil
	case "atmostone":
		return RuleAtMostOne, nil
	case "anyofmany":
		return RuleAnyOfMany, nil
	}
	return 0, fmt.Errorf("invalid switch rule %q", s)
}

// Kind is the element type shared by every element of a vector.
type Kind uint8

const (
	KindText Kind = iota
	KindNumber
	KindSwitch
	KindLight
	KindBlob
)

// String returns the kind name.
func (k Kind) String() string {
	names := []string{"Text", "Number", "Switch", "Light", "BLOB"}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// ParseKind parses a kind name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "text":
		return KindText, nil
	case "number":
		return KindNumber, nil
	case "switch":
		return KindSwitch, nil
	case "light":
		return KindLight, nil
	case "blob":
		return KindBlob, nil
	}
	return 0, fmt.Errorf("invalid kind %q", s)
}
