package ingest

import (
	"fmt"
	"time"

	"github.com/jedapaw/echo-alert-zone/common"
)

// State lifecycle state of the ingestor's session
type State int

const (
	// StateIdle no session was ever started
	StateIdle State = iota
	// StateAcquiring fetching a fresh credential
	StateAcquiring
	// StateLoggingIn logging in with the credential
	StateLoggingIn
	// StateJoining joining the broadcast channel
	StateJoining
	// StateLive joined and receiving
	StateLive
	// StateReconnecting the transport lost the connection and is reconnecting
	StateReconnecting
	// StateStopped the session was stopped by the host
	StateStopped
	// StateFailed the session failed. A new Start is needed.
	StateFailed
)

// String toString function
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateLoggingIn:
		return "logging-in"
	case StateJoining:
		return "joining"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText so the state reads as a word in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parse the word form of a state
func (s *State) UnmarshalText(text []byte) error {
	for candidate := StateIdle; candidate <= StateFailed; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session state '%s'", text)
}

// inProgress whether a session in this state holds, or is acquiring, resources
func (s State) inProgress() bool {
	return s >= StateAcquiring && s <= StateReconnecting
}

// ErrorKind which part of the lifecycle produced a failure
type ErrorKind int

const (
	// ErrorKindNone no failure
	ErrorKindNone ErrorKind = iota
	// ErrorKindConfiguration required setup is missing or invalid
	ErrorKindConfiguration
	// ErrorKindAcquisition the credential could not be fetched
	ErrorKindAcquisition
	// ErrorKindSession login was refused or failed
	ErrorKindSession
	// ErrorKindJoin the channel could not be joined
	ErrorKindJoin
	// ErrorKindTransport the connection dropped or closed after going live
	ErrorKindTransport
)

// String toString function
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindConfiguration:
		return "configuration"
	case ErrorKindAcquisition:
		return "acquisition"
	case ErrorKindSession:
		return "session"
	case ErrorKindJoin:
		return "join"
	case ErrorKindTransport:
		return "transport"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// MarshalText so the kind reads as a word in JSON
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parse the word form of a kind
func (k *ErrorKind) UnmarshalText(text []byte) error {
	for candidate := ErrorKindNone; candidate <= ErrorKindTransport; candidate++ {
		if candidate.String() == string(text) {
			*k = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown error kind '%s'", text)
}

// ConnectionEvent one connection-state notification
type ConnectionEvent struct {
	// Connected whether the listener is live on the channel
	Connected bool `json:"connected"`
	// State the lifecycle state after the change
	State State `json:"state"`
	// Kind the failure category, ErrorKindNone unless the change was caused by a failure
	Kind ErrorKind `json:"error_kind"`
	// Err the failure, if any
	Err error `json:"-"`
	// Reason human readable cause of the change
	Reason string `json:"reason,omitempty"`
	// At when the change happened
	At time.Time `json:"at"`
}

// String toString function
func (e ConnectionEvent) String() string {
	return fmt.Sprintf(
		"CONNECTION[connected:%t state:%s kind:%s reason:'%s']", e.Connected, e.State, e.Kind, e.Reason,
	)
}

// Subscriber consumer of the ingestor's outputs
//
// Calls are made from a single goroutine, in order. A subscriber must not block for long:
// it delays delivery to every other subscriber.
type Subscriber interface {
	// OnMessage a new broadcast was delivered
	OnMessage(record common.BroadcastRecord)
	// OnConnectionState the connection state changed
	OnConnectionState(event ConnectionEvent)
}

// SubscriberFuncs adapts plain functions into a Subscriber. Nil functions are skipped.
type SubscriberFuncs struct {
	MessageFunc         func(record common.BroadcastRecord)
	ConnectionStateFunc func(event ConnectionEvent)
}

// OnMessage a new broadcast was delivered
func (f SubscriberFuncs) OnMessage(record common.BroadcastRecord) {
	if f.MessageFunc != nil {
		f.MessageFunc(record)
	}
}

// OnConnectionState the connection state changed
func (f SubscriberFuncs) OnConnectionState(event ConnectionEvent) {
	if f.ConnectionStateFunc != nil {
		f.ConnectionStateFunc(event)
	}
}
