// Package herrors classifies errors by the kinds spec.md §7 names, so
// call sites can apply the matching retry/fail-simulation/never-fail
// policy with errors.As instead of string matching.
package herrors

import "fmt"

// Kind is one of the error kinds named in spec.md §7.
type Kind string

const (
	Config           Kind = "config"
	ScriptLoad       Kind = "script_load"
	ScriptExecution  Kind = "script_execution"
	Transport        Kind = "transport"
	ProtocolViolation Kind = "protocol_violation"
	ShapeEval        Kind = "shape_eval"
	Overflow         Kind = "overflow"
)

// Error wraps a cause with a Kind so the policy in spec.md §7 can be
// applied mechanically: a Config error at startup ends the process and
// one in a LoadSim rejects that LoadSim; ScriptLoad/ShapeEval fail the
// current simulation but never the process; Transport retries with back-off;
// ProtocolViolation drops the offending stream; Overflow clamps/drops
// and continues.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err under kind, tagged with the operation that produced it.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return false
}
