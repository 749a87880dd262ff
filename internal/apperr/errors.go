package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure so the coordinator can decide whether to retry
// it and how to count it in a run summary.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindParse
	KindRateLimited
	KindValidation
	KindDatabase
	KindMigration
)

// String returns the string representation of a Kind
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network_error"
	case KindParse:
		return "parse_error"
	case KindRateLimited:
		return "rate_limited"
	case KindValidation:
		return "validation_error"
	case KindDatabase:
		return "database_error"
	case KindMigration:
		return "migration_error"
	default:
		return "unknown_error"
	}
}

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Op         string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Network(op string, err error, retryable bool) *Error {
	return &Error{Kind: KindNetwork, Op: op, Retryable: retryable, Err: err}
}

func Parse(op string, err error) *Error {
	return &Error{Kind: KindParse, Op: op, Err: err}
}

// RateLimited is always retryable. retryAfter is zero when the source gave no hint.
func RateLimited(op string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Op:         op,
		Retryable:  true,
		RetryAfter: retryAfter,
		Err:        errors.New("source signalled rate limit"),
	}
}

func Validation(field string, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: field, Err: fmt.Errorf(format, args...)}
}

func Database(op string, err error, retryable bool) *Error {
	return &Error{Kind: KindDatabase, Op: op, Retryable: retryable, Err: err}
}

func Migration(version int, err error) *Error {
	return &Error{Kind: KindMigration, Op: fmt.Sprintf("version %d", version), Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// RetryAfterHint returns the delay the source asked for, if any.
func RetryAfterHint(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
