package revision

import "fmt"

// RevisionError is returned for operator-actionable revision-engine
// failures (missing connection, no enabled SNI, unsupported protocol/mode
// combination) — grounded on original_source's RevisionError.
type RevisionError struct {
	Msg string
}

func (e *RevisionError) Error() string { return e.Msg }

func newRevisionError(format string, args ...any) error {
	return &RevisionError{Msg: fmt.Sprintf(format, args...)}
}

// GraceError is returned when a user's entitlement prohibits issuing a new
// revision (BLOCKED, or GRACE with the deadline not yet expired and no
// force override) — grounded on original_source's services/grace.py.
type GraceError struct {
	Msg string
}

func (e *GraceError) Error() string { return e.Msg }

func newGraceError(format string, args ...any) error {
	return &GraceError{Msg: fmt.Sprintf(format, args...)}
}

// OverrideValidationError is returned when a connection's custom overrides
// map contains a key outside the per-protocol allow-list, or a key that is
// explicitly forbidden (port/security-sensitive fields).
type OverrideValidationError struct {
	Msg string
}

func (e *OverrideValidationError) Error() string { return e.Msg }
