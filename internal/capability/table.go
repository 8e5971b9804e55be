// Package capability maps each trust phase to the capability labels the UI
// advertises for it.
//
// Labels are descriptive. Nothing in this module grants or denies an action
// on the basis of a label; enforcement, if any, belongs to the backend that
// actually performs the work.
package capability

import (
	"slices"

	"github.com/sovereign/sovereign/internal/phase"
)

// Capability labels.
const (
	Read     = "read"
	Analyze  = "analyze"
	Search   = "search"
	Report   = "report"
	Simulate = "simulate"
	Plan     = "plan"
	Execute  = "execute"
	Deploy   = "deploy"
	Modify   = "modify"
)

// grants lists the labels each phase adds on top of the phase before it.
// The cumulative sets are built once in init.
var grants = map[phase.Phase][]string{
	phase.Analysis:  {Read, Analyze, Search, Report},
	phase.Planning:  {Simulate, Plan},
	phase.Execution: {Execute, Deploy, Modify},
}

var table map[phase.Phase][]string

func init() {
	table = make(map[phase.Phase][]string, len(grants))
	var acc []string
	for _, p := range phase.All() {
		acc = append(acc, grants[p]...)
		table[p] = slices.Clip(slices.Clone(acc))
	}
}

// For returns the capability labels of p in display order. The returned
// slice is a copy. Unknown phases have no capabilities.
func For(p phase.Phase) []string {
	return slices.Clone(table[p])
}

// Added returns the labels first introduced at p.
func Added(p phase.Phase) []string {
	return slices.Clone(grants[p])
}

// Has reports whether label is advertised at p.
func Has(p phase.Phase, label string) bool {
	return slices.Contains(table[p], label)
}

// Table returns a copy of the full phase to capability mapping.
func Table() map[phase.Phase][]string {
	out := make(map[phase.Phase][]string, len(table))
	for p, caps := range table {
		out[p] = slices.Clone(caps)
	}
	return out
}

// MinimumPhase returns the lowest phase advertising label, and false when no
// phase does.
func MinimumPhase(label string) (phase.Phase, bool) {
	for _, p := range phase.All() {
		if Has(p, label) {
			return p, true
		}
	}
	return "", false
}
