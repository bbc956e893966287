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
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/jedapaw/echo-alert-zone/common"
)

// ChannelSubscription binds a SessionTransport to one named channel
//
// Only messages of the bound channel are forwarded to the feed handler.
type ChannelSubscription interface {
	// Channel the bound channel name
	Channel() string
	// Join join the bound channel
	Join(ctxt context.Context) error
	// Leave leave the bound channel. Leaving when not joined is a no-op.
	Leave(ctxt context.Context) error
	// Joined whether the channel is currently joined
	Joined() bool
}

// channelSubscriptionImpl implements ChannelSubscription
type channelSubscriptionImpl struct {
	common.Component
	transport SessionTransport
	channel   string
	feed      ChannelMessageHandler
	lock      sync.Mutex
	joined    bool
}

// GetChannelSubscription define a new ChannelSubscription
//
// The feed handler is installed on the transport immediately; it replaces any previously
// installed channel message handler.
func GetChannelSubscription(
	transport SessionTransport, channel string, feed ChannelMessageHandler,
) (ChannelSubscription, error) {
	logTags := log.Fields{
		"module": "transport", "component": "channel-subscription", "channel": channel,
	}
	if err := common.ValidateChannelName(channel, validator.New()); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define channel subscription")
		return nil, &Error{Kind: FailureChannelNotFound, Op: "subscribe", Err: err}
	}
	if feed == nil {
		return nil, fmt.Errorf("no feed handler given")
	}
	instance := &channelSubscriptionImpl{
		Component: common.Component{LogTags: logTags},
		transport: transport,
		channel:   channel,
		feed:      feed,
	}
	transport.OnChannelMessage(instance.forward)
	return instance, nil
}

// Channel the bound channel name
func (s *channelSubscriptionImpl) Channel() string {
	return s.channel
}

// Joined whether the channel is currently joined
func (s *channelSubscriptionImpl) Joined() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.joined
}

// Join join the bound channel
func (s *channelSubscriptionImpl) Join(ctxt context.Context) error {
	if err := s.transport.JoinChannel(ctxt, s.channel); err != nil {
		return err
	}
	s.lock.Lock()
	s.joined = true
	s.lock.Unlock()
	return nil
}

// Leave leave the bound channel. Leaving when not joined is a no-op.
func (s *channelSubscriptionImpl) Leave(ctxt context.Context) error {
	s.lock.Lock()
	joined := s.joined
	s.joined = false
	s.lock.Unlock()
	if !joined {
		return nil
	}
	return s.transport.LeaveChannel(ctxt)
}

// forward transport message callback
func (s *channelSubscriptionImpl) forward(msg ChannelMessage) {
	if msg.Channel != s.channel {
		log.WithFields(s.LogTags).Debugf("Dropping message of foreign channel %s", msg.Channel)
		return
	}
	s.feed(msg)
}
