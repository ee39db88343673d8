// Package apperr defines the typed failures shared by the realtime gateway,
// the live-session state machine and the REST fallback handlers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Kind classifies a failure so transports can map it to a status or wire code.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindRateLimited
	KindNotFound
	KindForbidden
	KindInvalidTransition
	KindInvalidInput
	KindTransport
)

// Error is a failure with a kind and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = Code(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same kind so the sentinels below work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return other.Kind == e.Kind
}

var (
	ErrAuthentication    = &Error{Kind: KindAuthentication}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrInternal          = &Error{Kind: KindInternal}
)

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

func Authentication(format string, args ...any) error {
	return New(KindAuthentication, format, args...)
}

func RateLimited(format string, args ...any) error {
	return New(KindRateLimited, format, args...)
}

func NotFound(format string, args ...any) error {
	return New(KindNotFound, format, args...)
}

func Forbidden(format string, args ...any) error {
	return New(KindForbidden, format, args...)
}

func InvalidTransition(format string, args ...any) error {
	return New(KindInvalidTransition, format, args...)
}

func InvalidInput(format string, args ...any) error {
	return New(KindInvalidInput, format, args...)
}

func Transport(err error, message string) error {
	return Wrap(KindTransport, err, message)
}

// KindOf reports the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindInternal
}

// Code returns the stable wire code for kind.
func Code(kind Kind) string {
	switch kind {
	case KindAuthentication:
		return "authentication_error"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindInvalidInput:
		return "invalid_input"
	case KindTransport:
		return "transport_error"
	default:
		return "internal"
	}
}

// HTTPStatus maps kind onto the REST status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidTransition:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromValidation converts validator failures into a single InvalidInput error
// naming every failing field. Other errors are returned as InvalidInput as-is.
func FromValidation(err error) error {
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return Wrap(KindInvalidInput, err, "invalid request")
	}
	problems := make([]string, 0, len(ve))
	for _, fe := range ve {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			problems = append(problems, field+" is required")
		case "max":
			problems = append(problems, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "min":
			problems = append(problems, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "oneof":
			problems = append(problems, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		default:
			problems = append(problems, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	sort.Strings(problems)
	return &Error{Kind: KindInvalidInput, Message: strings.Join(problems, "; ")}
}
