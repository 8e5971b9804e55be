package audit

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// FilterCompiler compiles CEL expressions into entry predicates. Expressions
// see the entry through these variables:
//
//	entry.action    string  full action label
//	entry.kind      string  label up to the first colon
//	entry.phase     string  phase at the time of the entry
//	entry.actor     string
//	entry.seq       int     position in the session chain, from 1
//	entry.metadata  map(string, dyn)
//
// Example: entry.kind == "PHASE_TRANSITION" && entry.metadata.newPhase == "execution"
type FilterCompiler struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewFilterCompiler creates a FilterCompiler with the entry variable declarations.
func NewFilterCompiler(logger *slog.Logger) (*FilterCompiler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("entry.action", cel.StringType),
		cel.Variable("entry.kind", cel.StringType),
		cel.Variable("entry.phase", cel.StringType),
		cel.Variable("entry.actor", cel.StringType),
		cel.Variable("entry.seq", cel.IntType),
		cel.Variable("entry.metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &FilterCompiler{
		env:    env,
		logger: logger.With("component", "audit.FilterCompiler"),
	}, nil
}

// Compile parses and type-checks expr, returning a predicate. Entries whose
// evaluation errors (for example a missing metadata key) are dropped.
func (c *FilterCompiler) Compile(expr string) (Predicate, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	c.logger.Debug("compiled audit filter", "expression", expr)

	return func(e *Entry) bool {
		meta := e.Metadata
		// CEL map access on nil panics.
		if meta == nil {
			meta = map[string]any{}
		}
		out, _, err := prg.Eval(map[string]any{
			"entry.action":   e.Action,
			"entry.kind":     e.Kind(),
			"entry.phase":    string(e.Phase),
			"entry.actor":    e.Actor,
			"entry.seq":      int64(e.Seq),
			"entry.metadata": meta,
		})
		if err != nil {
			c.logger.Debug("audit filter evaluation failed", "expression", expr, "entry_id", e.ID, "error", err)
			return false
		}
		keep, ok := out.Value().(bool)
		return ok && keep
	}, nil
}
