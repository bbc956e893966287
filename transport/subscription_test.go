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
	"errors"
	"testing"

	"github.com/apex/log"
	"github.com/jedapaw/echo-alert-zone/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// mockSessionTransport testify mock of SessionTransport
type mockSessionTransport struct {
	mock.Mock
	msgHandler ChannelMessageHandler
}

func (m *mockSessionTransport) Login(ctxt context.Context, identity string, credential common.Credential) error {
	return m.Called(identity, credential).Error(0)
}

func (m *mockSessionTransport) Logout(ctxt context.Context) error {
	return m.Called().Error(0)
}

func (m *mockSessionTransport) JoinChannel(ctxt context.Context, name string) error {
	return m.Called(name).Error(0)
}

func (m *mockSessionTransport) LeaveChannel(ctxt context.Context) error {
	return m.Called().Error(0)
}

func (m *mockSessionTransport) OnChannelMessage(handler ChannelMessageHandler) {
	m.msgHandler = handler
}

func (m *mockSessionTransport) OnConnectionStateChanged(handler ConnectionStateHandler) {}

func TestChannelSubscription(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt := context.Background()

	// Case 0: unusable channel names and missing feed
	{
		mockTransport := &mockSessionTransport{}
		_, err := GetChannelSubscription(mockTransport, "", func(ChannelMessage) {})
		assert.NotNil(err)
		assert.Equal(FailureChannelNotFound, FailureKindOf(err))
		_, err = GetChannelSubscription(mockTransport, "ALERTS", nil)
		assert.NotNil(err)
	}

	mockTransport := &mockSessionTransport{}
	received := []ChannelMessage{}
	uut, err := GetChannelSubscription(mockTransport, "ALERTS", func(msg ChannelMessage) {
		received = append(received, msg)
	})
	assert.Nil(err)
	assert.NotNil(mockTransport.msgHandler)
	assert.Equal("ALERTS", uut.Channel())

	// Case 1: leave before join is a no-op
	{
		assert.Nil(uut.Leave(utCtxt))
		mockTransport.AssertNotCalled(t, "LeaveChannel")
	}

	// Case 2: join failure
	{
		joinErr := &Error{Kind: FailureNetwork, Op: "join", Err: errors.New("dummy")}
		mockTransport.On("JoinChannel", "ALERTS").Return(joinErr).Once()
		assert.Equal(joinErr, uut.Join(utCtxt))
		assert.False(uut.Joined())
	}

	// Case 3: join
	{
		mockTransport.On("JoinChannel", "ALERTS").Return(nil).Once()
		assert.Nil(uut.Join(utCtxt))
		assert.True(uut.Joined())
	}

	// Case 4: only the bound channel is forwarded
	{
		mockTransport.msgHandler(ChannelMessage{Channel: "OTHER", Payload: []byte("x")})
		mockTransport.msgHandler(ChannelMessage{Channel: "ALERTS", Payload: []byte("y")})
		assert.Len(received, 1)
		assert.Equal([]byte("y"), received[0].Payload)
	}

	// Case 5: leave
	{
		mockTransport.On("LeaveChannel").Return(nil).Once()
		assert.Nil(uut.Leave(utCtxt))
		assert.False(uut.Joined())
		assert.Nil(uut.Leave(utCtxt))
		mockTransport.AssertNumberOfCalls(t, "LeaveChannel", 1)
	}
}

func TestClassifyNATSError(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(FailureNetwork, classifyNATSError("login", errors.New("nats: no servers available")).Kind)
	assert.Equal(
		FailureCredentialRejected,
		classifyNATSError("login", errors.New("nats: Authorization Violation")).Kind,
	)
	assert.Equal(FailureNetwork, FailureKindOf(errors.New("plain")))
	wrapped := &Error{Kind: FailureChannelNotFound, Op: "join", Err: errors.New("bad")}
	assert.Equal(FailureChannelNotFound, FailureKindOf(wrapped))
	assert.Contains(wrapped.Error(), "channel-not-found")
}
