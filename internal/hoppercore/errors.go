package hoppercore

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison via errors.Is. Each structured Error below
// wraps one of these so callers can test with errors.Is without digging
// into fields.
var (
	ErrNotFound                = errors.New("entity not found")
	ErrValidation              = errors.New("validation failed")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrActiveDelegationExists  = errors.New("active delegation already exists")
	ErrCapacityExceeded        = errors.New("instance at capacity")
	ErrRoutingUnavailable      = errors.New("no routing candidate available")
	ErrConflictingUpdate       = errors.New("conflicting update, retry")
	ErrTimeout                 = errors.New("operation exceeded its budget")
)

// Error is the structured payload behind every error the core returns,
// per the eight kinds of §7. Op names the failing operation
// ("router.Route", "delegation.Accept", ...); the rest vary by Kind.
type Error struct {
	Op      string
	Kind    error // one of the sentinels above
	Entity  string
	ID      string
	Field   string
	Detail  string
	Current string
	Want    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case ErrNotFound:
		return fmt.Sprintf("%s: %s %q not found", e.Op, e.Entity, e.ID)
	case ErrValidation:
		return fmt.Sprintf("%s: invalid %s: %s", e.Op, e.Field, e.Detail)
	case ErrInvalidStateTransition:
		return fmt.Sprintf("%s: cannot transition from %q to %q", e.Op, e.Current, e.Want)
	case ErrActiveDelegationExists:
		return fmt.Sprintf("%s: task %q already has an active delegation", e.Op, e.ID)
	case ErrCapacityExceeded:
		return fmt.Sprintf("%s: instance %q at capacity (%s)", e.Op, e.ID, e.Detail)
	case ErrRoutingUnavailable:
		return fmt.Sprintf("%s: routing unavailable: %s", e.Op, e.Detail)
	case ErrConflictingUpdate:
		return fmt.Sprintf("%s: conflicting update on %q", e.Op, e.ID)
	case ErrTimeout:
		return fmt.Sprintf("%s: timed out (%s)", e.Op, e.Detail)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Op, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

func NotFound(op, entity, id string) *Error {
	return &Error{Op: op, Kind: ErrNotFound, Entity: entity, ID: id}
}

func Validation(op, field, detail string) *Error {
	return &Error{Op: op, Kind: ErrValidation, Field: field, Detail: detail}
}

func InvalidStateTransition(op, current, want string) *Error {
	return &Error{Op: op, Kind: ErrInvalidStateTransition, Current: current, Want: want}
}

func ActiveDelegationExists(op, taskID string) *Error {
	return &Error{Op: op, Kind: ErrActiveDelegationExists, ID: taskID}
}

func CapacityExceeded(op, instanceID string, active, max int) *Error {
	return &Error{Op: op, Kind: ErrCapacityExceeded, ID: instanceID, Detail: fmt.Sprintf("%d/%d", active, max)}
}

func RoutingUnavailable(op, reason string) *Error {
	return &Error{Op: op, Kind: ErrRoutingUnavailable, Detail: reason}
}

func ConflictingUpdate(op, id string) *Error {
	return &Error{Op: op, Kind: ErrConflictingUpdate, ID: id}
}

func Timeout(op, budget string) *Error {
	return &Error{Op: op, Kind: ErrTimeout, Detail: budget}
}

// NewWrapped wraps an arbitrary lower-layer error (a backend driver
// failure, say) without assigning it one of the eight domain kinds.
// errors.Is against the wrapped error still works via Unwrap.
func NewWrapped(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func IsNotFound(err error) bool               { return errors.Is(err, ErrNotFound) }
func IsValidation(err error) bool             { return errors.Is(err, ErrValidation) }
func IsInvalidStateTransition(err error) bool { return errors.Is(err, ErrInvalidStateTransition) }
func IsActiveDelegationExists(err error) bool { return errors.Is(err, ErrActiveDelegationExists) }
func IsCapacityExceeded(err error) bool       { return errors.Is(err, ErrCapacityExceeded) }
func IsRoutingUnavailable(err error) bool     { return errors.Is(err, ErrRoutingUnavailable) }
func IsConflictingUpdate(err error) bool      { return errors.Is(err, ErrConflictingUpdate) }
func IsTimeout(err error) bool                { return errors.Is(err, ErrTimeout) }

// IsRetryable reports whether a caller may reasonably retry the operation
// that produced err without changing its inputs.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflictingUpdate) || errors.Is(err, ErrTimeout)
}
