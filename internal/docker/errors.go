package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies driver failures so callers can branch without parsing
// docker CLI output themselves.
type Kind int

const (
	// KindEngine is an unexpected daemon or CLI failure.
	KindEngine Kind = iota
	// KindNotFound means the container does not exist.
	KindNotFound
	// KindConflict means a name or port is already in use.
	KindConflict
	// KindTimeout means the operation exceeded its context deadline.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	default:
		return "engine"
	}
}

// Error is a typed driver error. Ref carries the container id or name the
// operation targeted, when known.
type Error struct {
	Kind Kind
	Op   string
	Ref  string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("docker %s %s: %s: %s", e.Op, e.Ref, e.Kind, e.Msg)
	}
	return fmt.Sprintf("docker %s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a driver not-found error.
func IsNotFound(err error) bool { return kindOf(err) == KindNotFound }

// IsConflict reports whether err is a name/port conflict.
func IsConflict(err error) bool { return kindOf(err) == KindConflict }

// IsTimeout reports whether err is a driver timeout.
func IsTimeout(err error) bool { return kindOf(err) == KindTimeout }

func kindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindEngine
}

// classify turns a CLI failure into a typed Error using the context state
// and the daemon's stderr text.
func classify(op, ref string, stderr string, err error) *Error {
	msg := strings.TrimSpace(stderr)
	if msg == "" && err != nil {
		msg = err.Error()
	}

	kind := KindEngine
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		kind = KindTimeout
	case containsAny(msg, "No such container", "No such object", "no such container"):
		kind = KindNotFound
	case containsAny(msg, "Conflict", "already in use", "port is already allocated", "address already in use"):
		kind = KindConflict
	}

	return &Error{Kind: kind, Op: op, Ref: ref, Msg: msg, Err: err}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
