// Package apperr is the error taxonomy shared by the purchase lifecycle services and the
// HTTP layer. Stores return plain wrapped errors; services classify them into a Kind.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	NotFound           Kind = "not_found"
	InvalidSignature   Kind = "invalid_signature"
	MalformedEvent     Kind = "malformed_event"
	UpstreamFailure    Kind = "upstream_failure"
	StorageUnavailable Kind = "storage_unavailable"
	Conflict           Kind = "conflict"
	Invalid            Kind = "invalid"
	Unauthorized       Kind = "unauthorized"
	Internal           Kind = "internal"
)

// Error carries a Kind, a message that is safe to show to callers and the internal cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of kind k with a public message.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

// Wrap classifies err as kind k. A nil err returns nil.
func Wrap(k Kind, msg string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Msg: msg, Err: err}
}

func NotFoundErr(msg string) *Error { return New(NotFound, msg) }
func ConflictErr(msg string) *Error { return New(Conflict, msg) }

func Storage(msg string, err error) *Error  { return Wrap(StorageUnavailable, msg, err) }
func Upstream(msg string, err error) *Error { return Wrap(UpstreamFailure, msg, err) }

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err is classified as k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Invalid, InvalidSignature, MalformedEvent:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case UpstreamFailure:
		return http.StatusBadGateway
	case StorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the caller-safe message of err.
func PublicMessage(err error) string {
	if ae, ok := As(err); ok && ae.Msg != "" {
		return ae.Msg
	}
	return "internal error"
}
