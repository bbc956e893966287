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
	"encoding/json"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/jedapaw/echo-alert-zone/common"
	"github.com/jedapaw/echo-alert-zone/core"
	"github.com/nats-io/nats.go"
)

// BroadcastPublisher publishes broadcasts onto a channel, the producer side of the channel
type BroadcastPublisher interface {
	// Publish publish one broadcast on a channel
	Publish(ctxt context.Context, channel string, record common.BroadcastRecord) error
}

// broadcastPublisherImpl implements BroadcastPublisher
type broadcastPublisherImpl struct {
	common.Component
	nats     *core.NatsClient
	sender   string
	validate *validator.Validate
}

// GetBroadcastPublisher get new BroadcastPublisher
func GetBroadcastPublisher(
	natsClient *core.NatsClient, sender string,
) (BroadcastPublisher, error) {
	logTags := log.Fields{
		"module": "transport", "component": "broadcast-publisher", "instance": sender,
	}
	return &broadcastPublisherImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		sender:    sender,
		validate:  validator.New(),
	}, nil
}

// Publish publish one broadcast on a channel
func (p *broadcastPublisherImpl) Publish(
	ctxt context.Context, channel string, record common.BroadcastRecord,
) error {
	if err := common.ValidateChannelName(channel, p.validate); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to send broadcast")
		return &Error{Kind: FailureChannelNotFound, Op: "publish", Err: err}
	}
	if err := p.validate.Struct(&record); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Invalid broadcast")
		return err
	}
	data, err := json.Marshal(&record)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to encode broadcast")
		return err
	}
	envelope, err := json.Marshal(&common.BroadcastEnvelope{
		Type: common.EnvelopeTypeBroadcast, Data: data,
	})
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to encode envelope")
		return err
	}
	msg := nats.NewMsg(channel)
	msg.Data = envelope
	if p.sender != "" {
		msg.Header.Set(SenderHeader, p.sender)
	}
	if err := p.nats.Conn().PublishMsg(msg); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to send broadcast")
		return classifyNATSError("publish", err)
	}
	// Wait for the server to take the message, or timeout
	if _, ok := ctxt.Deadline(); ok {
		if err := p.nats.Conn().FlushWithContext(ctxt); err != nil {
			log.WithError(err).WithFields(p.LogTags).Errorf("Broadcast send not confirmed")
			return classifyNATSError("publish", err)
		}
	} else if err := p.nats.Conn().Flush(); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Broadcast send not confirmed")
		return classifyNATSError("publish", err)
	}
	log.WithFields(p.LogTags).Debugf("Sent %s to %s", record, channel)
	return nil
}
