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

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/jedapaw/echo-alert-zone/common"
	"github.com/jedapaw/echo-alert-zone/ingest"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

// stubIngestor canned BroadcastIngestor
type stubIngestor struct {
	lock        sync.Mutex
	state       ingest.State
	lastEvent   ingest.ConnectionEvent
	records     []common.BroadcastRecord
	subscribers []ingest.Subscriber
	reconnects  int
	reconnectTo ingest.State
}

func (s *stubIngestor) Start(ctxt context.Context) {}

func (s *stubIngestor) Stop(ctxt context.Context) {}

func (s *stubIngestor) Reconnect(ctxt context.Context) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.reconnects++
	s.state = s.reconnectTo
	s.lastEvent = ingest.ConnectionEvent{
		Connected: s.reconnectTo == ingest.StateLive, State: s.reconnectTo,
	}
	if s.reconnectTo == ingest.StateFailed {
		s.lastEvent.Kind = ingest.ErrorKindAcquisition
		s.lastEvent.Err = fmt.Errorf("token service unavailable")
	}
}

func (s *stubIngestor) Subscribe(subscriber ingest.Subscriber) func() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.subscribers = append(s.subscribers, subscriber)
	return func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		for idx, entry := range s.subscribers {
			if entry == subscriber {
				s.subscribers = append(s.subscribers[:idx], s.subscribers[idx+1:]...)
				return
			}
		}
	}
}

func (s *stubIngestor) SubscribeWithState(subscriber ingest.Subscriber) func() {
	unsubscribe := s.Subscribe(subscriber)
	subscriber.OnConnectionState(s.LastConnectionEvent())
	return unsubscribe
}

func (s *stubIngestor) State() ingest.State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *stubIngestor) Connected() bool {
	return s.State() == ingest.StateLive
}

func (s *stubIngestor) LastConnectionEvent() ingest.ConnectionEvent {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastEvent
}

func (s *stubIngestor) Status() ingest.Status {
	s.lock.Lock()
	defer s.lock.Unlock()
	return ingest.Status{
		Identity:  "listener-42",
		Channel:   "ALERTS",
		SessionID: "session-1",
		State:     s.state,
		Connected: s.state == ingest.StateLive,
		LastEvent: s.lastEvent,
		Delivered: len(s.records),
	}
}

func (s *stubIngestor) DeliveryLog() ingest.DeliveryLogReader {
	return s
}

func (s *stubIngestor) Close(ctxt context.Context) {}

func (s *stubIngestor) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.records)
}

func (s *stubIngestor) Snapshot(limit int) []common.BroadcastRecord {
	s.lock.Lock()
	defer s.lock.Unlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	return append([]common.BroadcastRecord{}, s.records[:limit]...)
}

func (s *stubIngestor) Latest() (common.BroadcastRecord, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.records) == 0 {
		return common.BroadcastRecord{}, false
	}
	return s.records[0], true
}

func (s *stubIngestor) publish(record common.BroadcastRecord) {
	s.lock.Lock()
	s.records = append([]common.BroadcastRecord{record}, s.records...)
	targets := append([]ingest.Subscriber{}, s.subscribers...)
	s.lock.Unlock()
	for _, target := range targets {
		target.OnMessage(record)
	}
}

func (s *stubIngestor) subscriberCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.subscribers)
}

func testHTTPConfig() *common.HTTPConfig {
	return &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Echo-Alert-Request-ID",
			DoNotLogHeaders: []string{"Authorization"},
		},
	}
}

func TestBroadcastFeedREST(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	ingestor := &stubIngestor{
		state:       ingest.StateIdle,
		lastEvent:   ingest.ConnectionEvent{State: ingest.StateIdle},
		reconnectTo: ingest.StateLive,
	}
	uut, err := GetAPIRestBroadcastFeedHandler(
		utCtxt, ingestor, testHTTPConfig(), clockwork.NewRealClock(),
	)
	assert.Nil(err)
	router := DefineFeedRouter(uut, "/")

	call := func(method, path string) *httptest.ResponseRecorder {
		req, err := http.NewRequest(method, path, nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Case 0: alive, but not ready
	{
		assert.Equal(http.StatusOK, call("GET", "/alive").Code)
		assert.Equal(http.StatusServiceUnavailable, call("GET", "/ready").Code)
	}

	// Case 1: empty delivery log
	{
		resp := call("GET", "/v1/broadcasts")
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespBroadcasts
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(0, msg.Total)
		assert.Empty(msg.Broadcasts)
	}

	// Case 2: records newest first, limited
	{
		ingestor.publish(common.BroadcastRecord{ID: "7", Message: "first"})
		ingestor.publish(common.BroadcastRecord{
			ID: "8", Message: "second", Emergency: true, Translations: map[string]string{"hi": "दूसरा"},
		})
		resp := call("GET", "/v1/broadcasts?limit=1")
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespBroadcasts
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.Equal(2, msg.Total)
		assert.Len(msg.Broadcasts, 1)
		assert.Equal(common.BroadcastID("8"), msg.Broadcasts[0].ID)
		assert.True(msg.Broadcasts[0].Emergency)
		assert.Equal("दूसरा", msg.Broadcasts[0].Translations["hi"])
		// Numeric ids stay numeric on the wire
		assert.Contains(resp.Body.String(), `"id":8`)
	}

	// Case 3: bad limit
	{
		assert.Equal(http.StatusBadRequest, call("GET", "/v1/broadcasts?limit=abc").Code)
		assert.Equal(http.StatusBadRequest, call("GET", "/v1/broadcasts?limit=-1").Code)
	}

	// Case 4: connection state
	{
		resp := call("GET", "/v1/connection")
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespConnection
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.Equal("listener-42", msg.Identity)
		assert.Equal("ALERTS", msg.Channel)
		assert.False(msg.Connected)
		assert.Contains(resp.Body.String(), `"state":"idle"`)
	}

	// Case 5: reconnect to live
	{
		resp := call("POST", "/v1/connection/reconnect")
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespConnection
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Connected)
		assert.Equal(1, ingestor.reconnects)
		assert.Equal(http.StatusOK, call("GET", "/ready").Code)
	}

	// Case 6: reconnect which fails
	{
		ingestor.lock.Lock()
		ingestor.reconnectTo = ingest.StateFailed
		ingestor.lock.Unlock()
		resp := call("POST", "/v1/connection/reconnect")
		assert.Equal(http.StatusServiceUnavailable, resp.Code)
		assert.Contains(resp.Body.String(), "token service unavailable")
		assert.Equal(http.StatusServiceUnavailable, call("GET", "/ready").Code)

		resp = call("GET", "/v1/connection")
		assert.Contains(resp.Body.String(), `"error_kind":"acquisition"`)
		assert.Contains(resp.Body.String(), `"error":"token service unavailable"`)
	}

	// Case 7: wrong method
	{
		assert.Equal(http.StatusMethodNotAllowed, call("POST", "/v1/broadcasts").Code)
	}
}

func TestBroadcastFeedWebSocket(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	ingestor := &stubIngestor{
		state:     ingest.StateLive,
		lastEvent: ingest.ConnectionEvent{Connected: true, State: ingest.StateLive},
	}
	uut, err := GetAPIRestBroadcastFeedHandler(
		utCtxt, ingestor, testHTTPConfig(), clockwork.NewRealClock(),
	)
	assert.Nil(err)
	server := httptest.NewServer(DefineFeedRouter(uut, "/"))
	defer server.Close()
	feedURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/feed"

	readFrame := func(conn *websocket.Conn) APIFeedFrame {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second * 2))
		var frame APIFeedFrame
		assert.Nil(conn.ReadJSON(&frame))
		return frame
	}

	// Case 0: plain GET is not a feed
	{
		resp, err := http.Get(server.URL + "/v1/feed")
		assert.Nil(err)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		_ = resp.Body.Close()
	}

	conn, _, err := websocket.DefaultDialer.Dial(feedURL, nil)
	assert.Nil(err)

	// Case 1: current state first
	{
		frame := readFrame(conn)
		assert.Equal(FeedFrameConnection, frame.Kind)
		assert.NotNil(frame.Connection)
		assert.True(frame.Connection.Connected)
		assert.Nil(frame.Broadcast)
	}

	// Case 2: broadcasts in order
	{
		ingestor.publish(common.BroadcastRecord{ID: "7", Message: "Test"})
		ingestor.publish(common.BroadcastRecord{ID: "8", Message: "Again"})
		frame := readFrame(conn)
		assert.Equal(FeedFrameBroadcast, frame.Kind)
		assert.Equal(common.BroadcastID("7"), frame.Broadcast.ID)
		frame = readFrame(conn)
		assert.Equal(common.BroadcastID("8"), frame.Broadcast.ID)
	}

	// Case 3: connection changes
	{
		ingestor.lock.Lock()
		targets := append([]ingest.Subscriber{}, ingestor.subscribers...)
		ingestor.lock.Unlock()
		for _, target := range targets {
			target.OnConnectionState(ingest.ConnectionEvent{
				State: ingest.StateReconnecting, Kind: ingest.ErrorKindTransport,
			})
		}
		frame := readFrame(conn)
		assert.Equal(FeedFrameConnection, frame.Kind)
		assert.False(frame.Connection.Connected)
		assert.Equal(ingest.ErrorKindTransport, frame.Connection.Kind)
	}

	// Case 4: client leaves
	{
		assert.Equal(1, ingestor.subscriberCount())
		assert.Nil(conn.Close())
		assert.Eventually(func() bool {
			return ingestor.subscriberCount() == 0
		}, time.Second*2, time.Millisecond*10)
	}

	// Case 5: server shutdown closes the feed
	{
		conn, _, err := websocket.DefaultDialer.Dial(feedURL, nil)
		assert.Nil(err)
		_ = readFrame(conn)
		cancel()
		_ = conn.SetReadDeadline(time.Now().Add(time.Second * 2))
		_, _, err = conn.ReadMessage()
		assert.True(websocket.IsCloseError(err, websocket.CloseNormalClosure))
		_ = conn.Close()
	}
}
