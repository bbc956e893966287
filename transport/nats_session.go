// Copyright 2024 The echo-alert-zone Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/jedapaw/echo-alert-zone/common"
	"github.com/jedapaw/echo-alert-zone/core"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
)

// NATSSessionParams parameters of a NATS backed SessionTransport
type NATSSessionParams struct {
	// ServerURI NATS server URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for the login connection
	ConnectTimeout time.Duration `validate:"gte=0"`
	// MaxReconnectAttempt max number of reconnect attempts after a disconnect. "-1" means infinite
	MaxReconnectAttempt int `validate:"gte=-1"`
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration `validate:"gte=0"`
}

// natsSessionTransportImpl implements SessionTransport on top of core NATS
//
// Login opens a token authenticated connection, and a channel is a NATS subject.
type natsSessionTransportImpl struct {
	common.Component
	params       NATSSessionParams
	clock        clockwork.Clock
	validate     *validator.Validate
	lock         sync.Mutex
	client       *core.NatsClient
	identity     string
	channel      string
	sub          *nats.Subscription
	msgHandler   ChannelMessageHandler
	stateHandler ConnectionStateHandler
}

// GetNATSSessionTransport define new NATS backed SessionTransport
func GetNATSSessionTransport(
	params NATSSessionParams, clock clockwork.Clock,
) (SessionTransport, error) {
	logTags := log.Fields{
		"module": "transport", "component": "nats-session", "instance": params.ServerURI,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid NATS session parameters")
		return nil, err
	}
	return &natsSessionTransportImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		clock:     clock,
		validate:  validate,
	}, nil
}

// OnChannelMessage install the handler for channel messages
func (t *natsSessionTransportImpl) OnChannelMessage(handler ChannelMessageHandler) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.msgHandler = handler
}

// OnConnectionStateChanged install the handler for connection state changes
func (t *natsSessionTransportImpl) OnConnectionStateChanged(handler ConnectionStateHandler) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.stateHandler = handler
}

// reportState forward a state change of nc, if nc is still the live connection
func (t *natsSessionTransportImpl) reportState(nc *nats.Conn, state ConnectionState, reason string) {
	t.lock.Lock()
	current := t.client != nil && t.client.Conn() == nc
	handler := t.stateHandler
	t.lock.Unlock()
	if !current {
		log.WithFields(t.LogTags).Debugf("Ignoring %s from a retired connection", state)
		return
	}
	log.WithFields(t.LogTags).Infof("Connection state changed to %s (%s)", state, reason)
	if handler != nil {
		handler(state, reason)
	}
}

// Login open an authenticated session for identity
func (t *natsSessionTransportImpl) Login(
	ctxt context.Context, identity string, credential common.Credential,
) error {
	t.lock.Lock()
	loggedIn := t.client != nil
	t.lock.Unlock()
	if loggedIn {
		return &Error{Kind: FailureInvalidState, Op: "login", Err: ErrAlreadyLoggedIn}
	}

	type connectResult struct {
		client core.NatsClient
		err    error
	}
	result := make(chan connectResult, 1)
	go func() {
		client, err := core.GetNATSClient(core.NATSConnectParams{
			ServerURI:           t.params.ServerURI,
			ClientName:          identity,
			Token:               credential.Token,
			ConnectTimeout:      t.params.ConnectTimeout,
			MaxReconnectAttempt: t.params.MaxReconnectAttempt,
			ReconnectWait:       t.params.ReconnectWait,
			OnDisconnectCallback: func(nc *nats.Conn, e error) {
				reason := "disconnected"
				if e != nil {
					reason = e.Error()
				}
				t.reportState(nc, StateDisconnected, reason)
			},
			OnReconnectCallback: func(nc *nats.Conn) {
				t.reportState(nc, StateConnected, "reconnected")
			},
			OnCloseCallback: func(nc *nats.Conn) {
				reason := "closed"
				if e := nc.LastError(); e != nil {
					reason = e.Error()
				}
				t.reportState(nc, StateClosed, reason)
			},
		})
		result <- connectResult{client: client, err: err}
	}()

	var connected connectResult
	select {
	case connected = <-result:
	case <-ctxt.Done():
		// The connect attempt may still succeed, release it when it does
		go func() {
			if late := <-result; late.err == nil {
				late.client.Conn().Close()
			}
		}()
		log.WithError(ctxt.Err()).WithFields(t.LogTags).Errorf("Login of %s abandoned", identity)
		return &Error{Kind: FailureNetwork, Op: "login", Err: ctxt.Err()}
	}
	if connected.err != nil {
		log.WithError(connected.err).WithFields(t.LogTags).Errorf("Login of %s failed", identity)
		return classifyNATSError("login", connected.err)
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if t.client != nil {
		connected.client.Conn().Close()
		return &Error{Kind: FailureInvalidState, Op: "login", Err: ErrAlreadyLoggedIn}
	}
	t.client = &connected.client
	t.identity = identity
	log.WithFields(t.LogTags).Infof("Logged in as %s", identity)
	return nil
}

// Logout close the session. Calling Logout when not logged in is a no-op.
func (t *natsSessionTransportImpl) Logout(ctxt context.Context) error {
	t.lock.Lock()
	client := t.client
	sub := t.sub
	identity := t.identity
	t.client = nil
	t.sub = nil
	t.channel = ""
	t.identity = ""
	t.lock.Unlock()
	if client == nil {
		log.WithFields(t.LogTags).Debug("Logout without an active session")
		return nil
	}
	var unsubErr error
	if sub != nil {
		unsubErr = sub.Unsubscribe()
	}
	client.Close(ctxt)
	log.WithFields(t.LogTags).Infof("Logged out %s", identity)
	if unsubErr != nil && unsubErr != nats.ErrConnectionClosed {
		return classifyNATSError("logout", unsubErr)
	}
	return nil
}

// JoinChannel join the named channel
func (t *natsSessionTransportImpl) JoinChannel(ctxt context.Context, name string) error {
	if err := common.ValidateChannelName(name, t.validate); err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unusable channel name '%s'", name)
		return &Error{Kind: FailureChannelNotFound, Op: "join", Err: err}
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.client == nil {
		return &Error{Kind: FailureInvalidState, Op: "join", Err: ErrNotLoggedIn}
	}
	if t.sub != nil {
		return &Error{Kind: FailureInvalidState, Op: "join", Err: ErrAlreadyJoined}
	}
	sub, err := t.client.Conn().Subscribe(name, t.deliver)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unable to join channel %s", name)
		return classifyNATSError("join", err)
	}
	// Round trip so the server has registered the interest before join returns
	flushCtxt, cancel := t.flushContext(ctxt)
	defer cancel()
	if err := t.client.Conn().FlushWithContext(flushCtxt); err != nil {
		_ = sub.Unsubscribe()
		log.WithError(err).WithFields(t.LogTags).Errorf("Join of channel %s not confirmed", name)
		return classifyNATSError("join", err)
	}
	t.sub = sub
	t.channel = name
	log.WithFields(t.LogTags).Infof("Joined channel %s", name)
	return nil
}

// flushContext NATS refuses to flush without a deadline, apply the connect timeout if
// the caller gave none
func (t *natsSessionTransportImpl) flushContext(
	ctxt context.Context,
) (context.Context, context.CancelFunc) {
	if _, ok := ctxt.Deadline(); ok {
		return ctxt, func() {}
	}
	timeout := t.params.ConnectTimeout
	if timeout <= 0 {
		timeout = time.Second * 5
	}
	return context.WithTimeout(ctxt, timeout)
}

// LeaveChannel leave the joined channel. Calling LeaveChannel when no channel is joined is a no-op.
func (t *natsSessionTransportImpl) LeaveChannel(ctxt context.Context) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.sub == nil {
		return nil
	}
	channel := t.channel
	sub := t.sub
	t.sub = nil
	t.channel = ""
	if err := sub.Unsubscribe(); err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unable to leave channel %s", channel)
		return classifyNATSError("leave", err)
	}
	log.WithFields(t.LogTags).Infof("Left channel %s", channel)
	return nil
}

// deliver NATS subscription callback. NATS calls it serially per subscription.
func (t *natsSessionTransportImpl) deliver(msg *nats.Msg) {
	t.lock.Lock()
	handler := t.msgHandler
	t.lock.Unlock()
	if handler == nil {
		log.WithFields(t.LogTags).Debugf("No handler installed, dropping message on %s", msg.Subject)
		return
	}
	handler(ChannelMessage{
		Channel:    msg.Subject,
		Sender:     msg.Header.Get(SenderHeader),
		Payload:    msg.Data,
		ReceivedAt: t.clock.Now(),
	})
}
