// Package phase defines the ordered trust phases of a sovereign session and
// the security posture shown alongside them.
package phase

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPhase is returned when a string does not name a known phase.
var ErrInvalidPhase = errors.New("invalid phase")

// ErrInvalidPosture is returned when a string does not name a known posture.
var ErrInvalidPosture = errors.New("invalid security posture")

// Phase is one of the three ordered trust levels.
type Phase string

const (
	Analysis  Phase = "analysis"
	Planning  Phase = "planning"
	Execution Phase = "execution"
)

// order is the fixed linear order of phases. Index is the ordinal.
var order = [...]Phase{Analysis, Planning, Execution}

// All returns every phase in ascending order.
func All() []Phase {
	out := make([]Phase, len(order))
	copy(out, order[:])
	return out
}

// Ordinal returns the position of p in the fixed order, or -1 when p is not
// a known phase.
func (p Phase) Ordinal() int {
	for i, o := range order {
		if o == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is one of the three phases.
func (p Phase) Valid() bool { return p.Ordinal() >= 0 }

// Escalates reports whether moving from p to target raises the ordinal.
func (p Phase) Escalates(target Phase) bool {
	return target.Ordinal() > p.Ordinal()
}

func (p Phase) String() string { return string(p) }

// Parse converts a case-insensitive phase name into a Phase.
func Parse(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhase, s)
	}
	return p, nil
}

// Posture is the transient security indicator shown during and briefly
// after an escalation.
type Posture string

const (
	Secure     Posture = "secure"
	Elevated   Posture = "elevated"
	Restricted Posture = "restricted"
)

// Valid reports whether p is a known posture.
func (p Posture) Valid() bool {
	switch p {
	case Secure, Elevated, Restricted:
		return true
	}
	return false
}

func (p Posture) String() string { return string(p) }

// ParsePosture converts a case-insensitive posture name into a Posture.
func ParsePosture(s string) (Posture, error) {
	p := Posture(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPosture, s)
	}
	return p, nil
}
