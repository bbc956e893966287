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
	"net"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/jedapaw/echo-alert-zone/common"
	"github.com/jedapaw/echo-alert-zone/core"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
)

const testToken = "abc"

// runTestServer start an embedded token authorized NATS server
func runTestServer(port int) *server.Server {
	opts := natsserver.DefaultTestOptions
	opts.Port = port
	opts.Authorization = testToken
	return natsserver.RunServer(&opts)
}

// stateRecorder collects connection state reports
type stateRecorder struct {
	states chan ConnectionState
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{states: make(chan ConnectionState, 16)}
}

func (r *stateRecorder) handler(state ConnectionState, reason string) {
	r.states <- state
}

func (r *stateRecorder) expect(t *testing.T, expected ConnectionState, wait time.Duration) {
	select {
	case state := <-r.states:
		assert.Equal(t, expected, state)
	case <-time.After(wait):
		assert.Failf(t, "no state report", "expected %s", expected)
	}
}

func TestNATSSessionLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	srv := runTestServer(-1)
	defer srv.Shutdown()

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	uut, err := GetNATSSessionTransport(NATSSessionParams{
		ServerURI:           srv.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Millisecond * 100,
	}, clock)
	assert.Nil(err)

	rxMsgs := make(chan ChannelMessage, 4)
	uut.OnChannelMessage(func(msg ChannelMessage) { rxMsgs <- msg })

	identity := "listener-" + uuid.NewString()

	// Case 0: join before login
	{
		err := uut.JoinChannel(utCtxt, "ALERTS")
		assert.NotNil(err)
		assert.Equal(FailureInvalidState, FailureKindOf(err))
	}

	// Case 1: logout before login is a no-op
	{
		assert.Nil(uut.Logout(utCtxt))
	}

	// Case 2: rejected credential
	{
		err := uut.Login(utCtxt, identity, common.Credential{Identity: identity, Token: "wrong"})
		assert.NotNil(err)
		assert.Equal(FailureCredentialRejected, FailureKindOf(err))
	}

	// Case 3: login
	{
		assert.Nil(uut.Login(utCtxt, identity, common.Credential{Identity: identity, Token: testToken}))
		err := uut.Login(utCtxt, identity, common.Credential{Identity: identity, Token: testToken})
		assert.NotNil(err)
		assert.Equal(FailureInvalidState, FailureKindOf(err))
	}

	// Case 4: join an unusable channel
	{
		err := uut.JoinChannel(utCtxt, "ALERTS.*")
		assert.NotNil(err)
		assert.Equal(FailureChannelNotFound, FailureKindOf(err))
	}

	// Case 5: join and receive
	{
		assert.Nil(uut.JoinChannel(utCtxt, "ALERTS"))
		err := uut.JoinChannel(utCtxt, "ALERTS")
		assert.NotNil(err)
		assert.Equal(FailureInvalidState, FailureKindOf(err))

		producer, err := core.GetNATSClient(core.NATSConnectParams{
			ServerURI: srv.ClientURL(), Token: testToken, ConnectTimeout: time.Second,
		})
		assert.Nil(err)
		defer producer.Close(utCtxt)
		publisher, err := GetBroadcastPublisher(&producer, "operator-1")
		assert.Nil(err)
		record := common.BroadcastRecord{
			ID: "7", Message: "Evacuate", Location: "Hall A", Emergency: true,
			Translations: map[string]string{"hi": "निकासी"},
			Timestamp:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		assert.Nil(publisher.Publish(utCtxt, "ALERTS", record))
		// Not joined, must not arrive
		assert.Nil(publisher.Publish(utCtxt, "OTHER", record))
		// Invalid broadcast is refused before it reaches the wire
		assert.NotNil(publisher.Publish(utCtxt, "ALERTS", common.BroadcastRecord{}))

		select {
		case msg := <-rxMsgs:
			assert.Equal("ALERTS", msg.Channel)
			assert.Equal("operator-1", msg.Sender)
			assert.Equal(clock.Now(), msg.ReceivedAt)
			assert.Contains(string(msg.Payload), `"type":"broadcast"`)
			assert.Contains(string(msg.Payload), `"id":7`)
		case <-utCtxt.Done():
			assert.FailNow("broadcast not received")
		}
		select {
		case msg := <-rxMsgs:
			assert.Failf("unexpected message", "got message on %s", msg.Channel)
		case <-time.After(time.Millisecond * 200):
		}
	}

	// Case 6: leave then leave again
	{
		assert.Nil(uut.LeaveChannel(utCtxt))
		assert.Nil(uut.LeaveChannel(utCtxt))
	}

	// Case 7: logout then logout again
	{
		assert.Nil(uut.Logout(utCtxt))
		assert.Nil(uut.Logout(utCtxt))
		err := uut.JoinChannel(utCtxt, "ALERTS")
		assert.NotNil(err)
		assert.Equal(FailureInvalidState, FailureKindOf(err))
	}

	// Case 8: a new session after logout
	{
		assert.Nil(uut.Login(utCtxt, identity, common.Credential{Identity: identity, Token: testToken}))
		assert.Nil(uut.JoinChannel(utCtxt, "ALERTS"))
		assert.Nil(uut.Logout(utCtxt))
	}
}

func TestNATSSessionConnectionStates(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	srv := runTestServer(-1)
	port := srv.Addr().(*net.TCPAddr).Port

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*15)
	defer cancel()

	uut, err := GetNATSSessionTransport(NATSSessionParams{
		ServerURI:           srv.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: -1,
		ReconnectWait:       time.Millisecond * 100,
	}, clockwork.NewRealClock())
	assert.Nil(err)

	recorder := newStateRecorder()
	uut.OnConnectionStateChanged(recorder.handler)

	assert.Nil(uut.Login(utCtxt, "listener-1", common.Credential{Identity: "listener-1", Token: testToken}))
	assert.Nil(uut.JoinChannel(utCtxt, "ALERTS"))

	// Case 0: server goes away
	{
		srv.Shutdown()
		srv.WaitForShutdown()
		recorder.expect(t, StateDisconnected, time.Second*5)
	}

	// Case 1: server comes back
	{
		srv = runTestServer(port)
		defer srv.Shutdown()
		recorder.expect(t, StateConnected, time.Second*10)
	}

	// Case 2: logout reports nothing
	{
		assert.Nil(uut.Logout(utCtxt))
		select {
		case state := <-recorder.states:
			assert.Failf("unexpected state report", "got %s", state)
		case <-time.After(time.Millisecond * 300):
		}
	}
}

func TestNATSSessionInvalidParams(t *testing.T) {
	assert := assert.New(t)
	_, err := GetNATSSessionTransport(NATSSessionParams{}, clockwork.NewRealClock())
	assert.NotNil(err)
	_, err = GetNATSSessionTransport(
		NATSSessionParams{ServerURI: "nats://127.0.0.1:4222", MaxReconnectAttempt: -2},
		clockwork.NewRealClock(),
	)
	assert.NotNil(err)
}
