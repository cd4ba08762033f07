package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can branch without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindIntegrity
	KindReconciliation
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindIntegrity:
		return "integrity"
	case KindReconciliation:
		return "reconciliation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is the typed failure shared by every store-backed package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a kinded sentinel.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// E wraps err with an operation name, keeping the kind of err.
func E(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// EKind wraps err with an explicit kind.
func EKind(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost typed error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

var (
	ErrAccountNotFound  = NewError(KindNotFound, "account_not_found")
	ErrNegativeDays     = NewError(KindValidation, "negative_days")
	ErrInvalidKind      = NewError(KindValidation, "invalid_balance_kind")
	ErrInvalidStatus    = NewError(KindValidation, "invalid_status")
	ErrVersionConflict  = NewError(KindConflict, "balance_version_conflict")
	ErrBalanceExists    = NewError(KindIntegrity, "balance_already_exists")
	ErrInvalidPageToken = NewError(KindValidation, "invalid_page_token")
)
