package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

var (
	ErrConfig      = errors.New("configuration error")
	ErrConnection  = errors.New("connection error")
	ErrTimeout     = errors.New("timeout")
	ErrUpstream    = errors.New("upstream error")
	ErrInput       = errors.New("input error")
	ErrAuthExpired = errors.New("access token expired")
)

var sentinels = []error{ErrConfig, ErrConnection, ErrTimeout, ErrUpstream, ErrInput, ErrAuthExpired}

// Error records which backend failed, in which operation, and why. Both the
// category (Kind) and the vendor detail (Err) match with errors.Is.
type Error struct {
	Backend string
	Op      string
	Kind    error
	Err     error
}

func (e *Error) Error() string {
	msg := "backend error"
	if e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Backend != "" {
		msg = e.Backend + " " + e.Op + ": " + msg
	} else if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap classifies err and tags it with the backend and operation.
// Returns nil for a nil err.
func Wrap(backendName, op string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) && be.Backend != "" {
		return err
	}

	classified := Classify(err)
	kind := KindOf(classified)
	if kind == nil {
		return fmt.Errorf("%s %s: %w", backendName, op, err)
	}
	if e, ok := classified.(*Error); ok && e.Backend == "" && e.Err != nil {
		err = e.Err
	}
	return &Error{Backend: backendName, Op: op, Kind: kind, Err: err}
}

// Fail builds an error of the given category with a formatted detail.
func Fail(kind error, backendName, op, format string, args ...any) error {
	return &Error{Backend: backendName, Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify maps transport failures onto the taxonomy. Errors that already
// carry a category are returned as they are.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil {
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return &Error{Kind: ErrTimeout, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Kind: ErrTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.As(err, &netErr) {
		return &Error{Kind: ErrConnection, Err: err}
	}
	return &Error{Kind: ErrUpstream, Err: err}
}

// KindOf returns the taxonomy sentinel err matches, or nil.
func KindOf(err error) error {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s
		}
	}
	return nil
}

// HTTPStatus is the status a model server answers with when a backend
// fails with err.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case ErrInput:
		return http.StatusBadRequest
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrConfig:
		return http.StatusServiceUnavailable
	case nil:
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}
