// Package transport wraps the messaging service session and channel primitives behind a
// uniform contract so the broadcast ingestor does not depend on the wire protocol.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/jedapaw/echo-alert-zone/common"
)

// SenderHeader message header carrying the publisher identity
const SenderHeader = "Echo-Alert-Sender"

// ConnectionState connection state reported by the transport after login
type ConnectionState int

const (
	// StateConnected the connection is up
	StateConnected ConnectionState = iota
	// StateDisconnected the connection dropped. The transport is trying to reconnect.
	StateDisconnected
	// StateClosed the connection is gone and will not come back on its own
	StateClosed
)

// String toString function
func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// ChannelMessage one raw message received on a joined channel
type ChannelMessage struct {
	// Channel the channel the message arrived on
	Channel string
	// Sender identity of the publisher, if the publisher declared one
	Sender string
	// Payload opaque message payload
	Payload []byte
	// ReceivedAt when the transport received the message
	ReceivedAt time.Time
}

// ChannelMessageHandler callback for messages received on the joined channel
type ChannelMessageHandler func(msg ChannelMessage)

// ConnectionStateHandler callback for connection state changes after login
type ConnectionStateHandler func(state ConnectionState, reason string)

// SessionTransport an authenticated, multiplexed connection to the messaging service
//
// Connection state changes after the initial join are reported asynchronously through the
// ConnectionStateHandler. Failures of the operations themselves are returned as *Error.
type SessionTransport interface {
	// Login open an authenticated session for identity
	Login(ctxt context.Context, identity string, credential common.Credential) error
	// Logout close the session. Calling Logout when not logged in is a no-op.
	Logout(ctxt context.Context) error
	// JoinChannel join the named channel
	JoinChannel(ctxt context.Context, name string) error
	// LeaveChannel leave the joined channel. Calling LeaveChannel when no channel is joined is a no-op.
	LeaveChannel(ctxt context.Context) error
	// OnChannelMessage install the handler for channel messages
	OnChannelMessage(handler ChannelMessageHandler)
	// OnConnectionStateChanged install the handler for connection state changes
	OnConnectionStateChanged(handler ConnectionStateHandler)
}
