package domain

import "errors"

// StoreErrorKind classifies a mapping-store failure.
type StoreErrorKind string

const (
	ErrKindNotFound    StoreErrorKind = "not_found"
	ErrKindDuplicate   StoreErrorKind = "duplicate"
	ErrKindInvalidData StoreErrorKind = "invalid_data"
	ErrKindQuery       StoreErrorKind = "query"
	ErrKindPool        StoreErrorKind = "pool"
)

// StoreError wraps a mapping-store failure with its classification so
// callers can branch on Kind without parsing driver-specific strings
// (e.g. "UNIQUE constraint failed").
type StoreError struct {
	Kind StoreErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
	}
	return e.Op + ": " + string(e.Kind)
}

func (e *StoreError) Unwrap() error { return e.Err }

func NewStoreError(op string, kind StoreErrorKind, err error) *StoreError {
	return &StoreError{Op: op, Kind: kind, Err: err}
}

// ErrNotFound is wrapped in a NotFound StoreError by operations that must
// resolve a row to succeed (e.g. marking a dead letter replayed or failed);
// lookups instead follow the (nil, nil) "optional" convention.
var ErrNotFound = errors.New("not found")

// IsDuplicate reports whether err is a StoreError carrying the Duplicate
// classification — the "AlreadyExists" case.
func IsDuplicate(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == ErrKindDuplicate
	}
	return false
}

// IsNotFound reports whether err is a StoreError carrying NotFound.
func IsNotFound(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == ErrKindNotFound
	}
	return errors.Is(err, ErrNotFound)
}

// ProvisioningErrorKind classifies a provisioning-flow failure.
type ProvisioningErrorKind string

const (
	ProvTimedOut     ProvisioningErrorKind = "timed_out"
	ProvDeclined     ProvisioningErrorKind = "declined"
	ProvAlreadyExists ProvisioningErrorKind = "already_exists"
	ProvNotFound     ProvisioningErrorKind = "not_found"
	ProvOther        ProvisioningErrorKind = "other"
)

// ProvisioningError pairs a ProvisioningErrorKind with a message. The
// provisioning coordinator in internal/admin does not return it; it reports
// failures through its own sentinels (ErrAlreadyExists, ErrTimedOut, ...).
type ProvisioningError struct {
	Kind ProvisioningErrorKind
	Msg  string
}

func (e *ProvisioningError) Error() string {
	if e.Msg != "" {
		return string(e.Kind) + ": " + e.Msg
	}
	return string(e.Kind)
}

func NewProvisioningError(kind ProvisioningErrorKind, msg string) *ProvisioningError {
	return &ProvisioningError{Kind: kind, Msg: msg}
}
