package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// FailureKind category of a transport operation failure
type FailureKind int

const (
	// FailureNetwork the messaging service could not be reached or the connection broke
	FailureNetwork FailureKind = iota
	// FailureCredentialRejected the messaging service refused the credential
	FailureCredentialRejected
	// FailureChannelNotFound the channel name is not usable on the messaging service
	FailureChannelNotFound
	// FailureInvalidState the operation is not allowed in the current session state
	FailureInvalidState
)

// String toString function
func (k FailureKind) String() string {
	switch k {
	case FailureNetwork:
		return "network"
	case FailureCredentialRejected:
		return "credential-rejected"
	case FailureChannelNotFound:
		return "channel-not-found"
	case FailureInvalidState:
		return "invalid-state"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Error typed failure of a transport operation
type Error struct {
	// Kind failure category
	Kind FailureKind
	// Op the transport operation which failed
	Op string
	// Err underlying cause
	Err error
}

// Error implements error
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed [%s]: %s", e.Op, e.Kind, e.Err.Error())
	}
	return fmt.Sprintf("%s failed [%s]", e.Op, e.Kind)
}

// Unwrap support errors.Is / errors.As on the cause
func (e *Error) Unwrap() error {
	return e.Err
}

// FailureKindOf extract the FailureKind of a transport error. Non transport errors are
// treated as network failures.
func FailureKindOf(err error) FailureKind {
	var tErr *Error
	if errors.As(err, &tErr) {
		return tErr.Kind
	}
	return FailureNetwork
}

// ErrNotLoggedIn no session is logged in
var ErrNotLoggedIn = errors.New("not logged in")

// ErrAlreadyLoggedIn a session is already logged in
var ErrAlreadyLoggedIn = errors.New("already logged in")

// ErrAlreadyJoined the session already joined a channel
var ErrAlreadyJoined = errors.New("already joined a channel")

// classifyNATSError wrap a NATS failure into a typed transport Error
func classifyNATSError(op string, err error) *Error {
	kind := FailureNetwork
	switch {
	case errors.Is(err, nats.ErrAuthorization), errors.Is(err, nats.ErrAuthExpired):
		kind = FailureCredentialRejected
	case errors.Is(err, nats.ErrBadSubject):
		kind = FailureChannelNotFound
	case strings.Contains(strings.ToLower(err.Error()), "authorization violation"):
		kind = FailureCredentialRejected
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
