package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Class 错误类别，决定 HTTP 状态码和调用方的处理方式
type Class string

const (
	ClassValidation   Class = "validation"
	ClassConflict     Class = "conflict"
	ClassCollaborator Class = "collaborator"
	ClassInvariant    Class = "invariant"
	ClassAuth         Class = "auth"
	ClassNotFound     Class = "not_found"
	ClassInternal     Class = "internal"
)

// Error 是稳定、可机器识别的错误，errors.Is 按 Code 匹配
type Error struct {
	Class     Class
	Code      string
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) Unwrap() error { return e.cause }

// WithMessage returns a copy with the same Code and a specific message.
func (e *Error) WithMessage(msg string) *Error {
	c := *e
	c.Message = msg
	return &c
}

// WithMessagef returns a copy with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Wrap 保留底层错误，便于日志和 errors.As
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.cause = cause
	return &c
}

// HTTPStatus 按类别映射状态码
func (e *Error) HTTPStatus() int {
	switch e.Class {
	case ClassValidation:
		if e.Code == ErrInvalidInput.Code {
			return http.StatusBadRequest
		}
		return http.StatusUnprocessableEntity
	case ClassConflict:
		return http.StatusConflict
	case ClassCollaborator:
		return http.StatusServiceUnavailable
	case ClassAuth:
		if e.Code == ErrUnauthenticated.Code {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case ClassNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrIncompleteSubmission = &Error{Class: ClassValidation, Code: "E_INCOMPLETE_SUBMISSION"}
	ErrInvalidInput         = &Error{Class: ClassValidation, Code: "E_INVALID_INPUT"}
	ErrBudgetMismatch       = &Error{Class: ClassValidation, Code: "E_BUDGET_MISMATCH"}

	ErrSubmissionInFlight     = &Error{Class: ClassConflict, Code: "E_SUBMISSION_IN_FLIGHT"}
	ErrAlreadyReleased        = &Error{Class: ClassConflict, Code: "E_ALREADY_RELEASED"}
	ErrInvalidTransition      = &Error{Class: ClassConflict, Code: "E_INVALID_TRANSITION"}
	ErrStaleVerdict           = &Error{Class: ClassConflict, Code: "E_STALE_VERDICT"}
	ErrConcurrentModification = &Error{Class: ClassConflict, Code: "E_CONCURRENT_MODIFICATION", Retryable: true}

	ErrTemporarilyUnavailable = &Error{Class: ClassCollaborator, Code: "E_TEMPORARILY_UNAVAILABLE", Retryable: true}
	ErrStorageFailed          = &Error{Class: ClassCollaborator, Code: "E_STORAGE_FAILED", Retryable: true}

	ErrLedgerGap       = &Error{Class: ClassInvariant, Code: "E_LEDGER_GAP"}
	ErrLedgerTampered  = &Error{Class: ClassInvariant, Code: "E_LEDGER_TAMPERED"}
	ErrInvariantBroken = &Error{Class: ClassInvariant, Code: "E_INVARIANT_BROKEN"}
	ErrMilestoneOnHold = &Error{Class: ClassInvariant, Code: "E_MILESTONE_ON_HOLD"}

	ErrForbidden       = &Error{Class: ClassAuth, Code: "E_FORBIDDEN"}
	ErrUnauthenticated = &Error{Class: ClassAuth, Code: "E_UNAUTHENTICATED"}

	ErrNotFound = &Error{Class: ClassNotFound, Code: "E_NOT_FOUND"}
)

// As 提取链上的第一个 *Error
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ClassOf 返回错误类别，非 *Error 视为 internal
func ClassOf(err error) Class {
	if e, ok := As(err); ok {
		return e.Class
	}
	return ClassInternal
}

// CodeOf 返回错误码，非 *Error 返回 E_INTERNAL
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return "E_INTERNAL"
}

// IsBenign 调用方可以当作 no-op 的冲突
func IsBenign(err error) bool {
	return errors.Is(err, ErrAlreadyReleased) ||
		errors.Is(err, ErrStaleVerdict) ||
		errors.Is(err, ErrSubmissionInFlight)
}

func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable
}

// IsInvariant 是否需要挂起 milestone
func IsInvariant(err error) bool {
	return ClassOf(err) == ClassInvariant && !errors.Is(err, ErrMilestoneOnHold)
}
