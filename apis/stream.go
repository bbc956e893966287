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
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/jedapaw/echo-alert-zone/common"
	"github.com/jedapaw/echo-alert-zone/ingest"
	"github.com/jonboulle/clockwork"
)

const (
	feedWriteDeadline = 5 * time.Second
	feedPingInterval  = 30 * time.Second
	feedPongDeadline  = 60 * time.Second
	feedBufferSize    = 64
)

// Feed frame kinds
const (
	FeedFrameConnection = "connection"
	FeedFrameBroadcast  = "broadcast"
)

// APIFeedFrame one frame pushed to a feed client
type APIFeedFrame struct {
	// Kind the frame kind, one of "connection" or "broadcast"
	Kind string `json:"kind"`
	// Connection set when Kind is "connection"
	Connection *APIRestConnectionState `json:"connection,omitempty"`
	// Broadcast set when Kind is "broadcast"
	Broadcast *common.BroadcastRecord `json:"broadcast,omitempty"`
}

// feedWriter relays ingestor notifications to one WebSocket client
//
// Notifications are queued without blocking the ingestor. A client which can not keep up
// with its queue is disconnected.
type feedWriter struct {
	common.Component
	connection  *websocket.Conn
	clock       clockwork.Clock
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newFeedWriter(
	connection *websocket.Conn, clock clockwork.Clock, logTags log.Fields,
) *feedWriter {
	writer := &feedWriter{
		Component:   common.Component{LogTags: logTags},
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan []byte, feedBufferSize),
		doneChannel: make(chan struct{}),
	}
	writer.updateReadDeadline()
	connection.SetPongHandler(func(string) error {
		writer.updateReadDeadline()
		return nil
	})
	writer.wg.Add(1)
	go writer.run()
	return writer
}

// OnMessage queue a broadcast frame
func (w *feedWriter) OnMessage(record common.BroadcastRecord) {
	w.enqueue(APIFeedFrame{Kind: FeedFrameBroadcast, Broadcast: &record})
}

// OnConnectionState queue a connection frame
func (w *feedWriter) OnConnectionState(event ingest.ConnectionEvent) {
	state := presentConnectionEvent(event)
	w.enqueue(APIFeedFrame{Kind: FeedFrameConnection, Connection: &state})
}

func (w *feedWriter) enqueue(frame APIFeedFrame) {
	payload, err := json.Marshal(&frame)
	if err != nil {
		log.WithError(err).WithFields(w.LogTags).Errorf("Unable to encode %s frame", frame.Kind)
		return
	}
	select {
	case <-w.doneChannel:
		return
	default:
	}
	select {
	case w.sendChannel <- payload:
	case <-w.doneChannel:
	default:
		log.WithFields(w.LogTags).Warn("Feed client is not keeping up, disconnecting")
		go w.stop()
	}
}

func (w *feedWriter) run() {
	ticker := w.clock.NewTicker(feedPingInterval)
	defer ticker.Stop()
	defer w.wg.Done()

	for {
		select {
		case payload := <-w.sendChannel:
			w.updateWriteDeadline()
			if err := w.connection.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.WithError(err).WithFields(w.LogTags).Debug("Feed write failed")
				_ = w.connection.Close()
				return
			}
		case <-ticker.Chan():
			w.updateWriteDeadline()
			if err := w.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).WithFields(w.LogTags).Debug("Feed ping failed")
				_ = w.connection.Close()
				return
			}
		case <-w.doneChannel:
			return
		}
	}
}

// readUntilClosed consume client frames until the connection fails or closes
//
// Client frames carry nothing, but reading is needed to process control frames.
func (w *feedWriter) readUntilClosed() {
	for {
		if _, _, err := w.connection.ReadMessage(); err != nil {
			log.WithError(err).WithFields(w.LogTags).Debug("Feed client gone")
			return
		}
	}
}

func (w *feedWriter) stop() {
	w.stopOnce.Do(func() {
		close(w.doneChannel)
		_ = w.connection.Close()
	})
	w.wg.Wait()
}

// stopGraceful send a close frame with reason before closing
func (w *feedWriter) stopGraceful(reason string) {
	w.stopOnce.Do(func() {
		close(w.doneChannel)
		// Only one writer on the connection at a time
		w.wg.Wait()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		w.updateWriteDeadline()
		_ = w.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = w.connection.Close()
	})
}

func (w *feedWriter) updateWriteDeadline() {
	_ = w.connection.SetWriteDeadline(w.clock.Now().Add(feedWriteDeadline))
}

func (w *feedWriter) updateReadDeadline() {
	_ = w.connection.SetReadDeadline(w.clock.Now().Add(feedPongDeadline))
}

// -----------------------------------------------------------------------

// StreamFeed godoc
// @Summary Live broadcast feed
// @Description WebSocket feed. The first frame is the current connection state, followed by
// @Description every connection change and every broadcast received after connecting.
// @tags Feed
// @Success 101 {object} APIFeedFrame "frames"
// @Failure 400 {string} string "not a WebSocket handshake"
// @Router /v1/feed [get]
func (h APIRestBroadcastFeedHandler) StreamFeed(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to upgrade to WebSocket")
		return
	}
	writer := newFeedWriter(conn, h.clock, localLogTags)
	unsubscribe := h.ingestor.SubscribeWithState(writer)
	log.WithFields(localLogTags).Infof("Feed client %s connected", r.RemoteAddr)

	go func() {
		select {
		case <-h.runtimeCtxt.Done():
			writer.stopGraceful("server shutting down")
		case <-writer.doneChannel:
		}
	}()

	writer.readUntilClosed()
	unsubscribe()
	writer.stop()
	log.WithFields(localLogTags).Infof("Feed client %s disconnected", r.RemoteAddr)
}

// StreamFeedHandler Wrapper around StreamFeed
func (h APIRestBroadcastFeedHandler) StreamFeedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamFeed(w, r)
	}
}
