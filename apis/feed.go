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

// Package apis exposes a running broadcast listener over HTTP: the delivery log, the
// connection state, and a WebSocket push feed.
package apis

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/jedapaw/echo-alert-zone/common"
	"github.com/jedapaw/echo-alert-zone/ingest"
	"github.com/jonboulle/clockwork"
)

// APIRestBroadcastFeedHandler REST handler for the broadcast listener
type APIRestBroadcastFeedHandler struct {
	goutils.RestAPIHandler
	ingestor    ingest.BroadcastIngestor
	clock       clockwork.Clock
	upgrader    websocket.Upgrader
	runtimeCtxt context.Context
}

// GetAPIRestBroadcastFeedHandler define APIRestBroadcastFeedHandler
//
// Lifecycle commands issued through the API run under runtimeCtxt, not the request context.
func GetAPIRestBroadcastFeedHandler(
	runtimeCtxt context.Context,
	ingestor ingest.BroadcastIngestor,
	httpConfig *common.HTTPConfig,
	clock clockwork.Clock,
) (APIRestBroadcastFeedHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "broadcast-feed",
	}
	requestIDHeader := httpConfig.Logging.RequestIDHeader
	return APIRestBroadcastFeedHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &requestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		ingestor: ingestor,
		clock:    clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		runtimeCtxt: runtimeCtxt,
	}, nil
}

// Write logging support
func (h APIRestBroadcastFeedHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// APIRestConnectionState connection state as presented by the API
type APIRestConnectionState struct {
	ingest.ConnectionEvent
	// Error the failure message, if any
	Error string `json:"error,omitempty"`
}

// presentConnectionEvent convert ingest.ConnectionEvent into APIRestConnectionState
func presentConnectionEvent(event ingest.ConnectionEvent) APIRestConnectionState {
	result := APIRestConnectionState{ConnectionEvent: event}
	if event.Err != nil {
		result.Error = event.Err.Error()
	}
	return result
}

// APIRestRespBroadcasts response for the delivery log query
type APIRestRespBroadcasts struct {
	goutils.RestAPIBaseResponse
	// Total number of records held
	Total int `json:"total"`
	// Broadcasts the records, newest first
	Broadcasts []common.BroadcastRecord `json:"broadcasts"`
}

// APIRestRespConnection response for the connection state query
type APIRestRespConnection struct {
	goutils.RestAPIBaseResponse
	// Identity the local participant identity
	Identity string `json:"identity"`
	// Channel the broadcast channel
	Channel string `json:"channel"`
	// SessionID the current or last session
	SessionID string `json:"session_id,omitempty"`
	// State the lifecycle state
	State ingest.State `json:"state"`
	// Connected whether the listener is live on the channel
	Connected bool `json:"connected"`
	// Since when the lifecycle state last changed
	Since time.Time `json:"since"`
	// LastEvent the last connection-state notification
	LastEvent APIRestConnectionState `json:"last_event"`
}

// =======================================================================
// Delivery log

// -----------------------------------------------------------------------

// ListBroadcasts godoc
// @Summary List received broadcasts
// @Description List the broadcasts received by this listener, newest first
// @tags Feed
// @Produce json
// @Param limit query integer false "Max number of broadcasts to return. 0 returns all."
// @Success 200 {object} APIRestRespBroadcasts "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/broadcasts [get]
func (h APIRestBroadcastFeedHandler) ListBroadcasts(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			msg := "invalid limit"
			if err == nil {
				msg = "limit must not be negative"
			}
			log.WithFields(localLogTags).Errorf("Invalid limit '%s'", raw)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, raw)
			return
		}
		limit = parsed
	}

	deliveryLog := h.ingestor.DeliveryLog()
	respCode = http.StatusOK
	respBody = APIRestRespBroadcasts{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Total:      deliveryLog.Len(),
		Broadcasts: deliveryLog.Snapshot(limit),
	}
}

// ListBroadcastsHandler Wrapper around ListBroadcasts
func (h APIRestBroadcastFeedHandler) ListBroadcastsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListBroadcasts(w, r)
	}
}

// =======================================================================
// Connection

// connectionResponse build the connection state response
func (h APIRestBroadcastFeedHandler) connectionResponse(ctxt context.Context) APIRestRespConnection {
	status := h.ingestor.Status()
	return APIRestRespConnection{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(ctxt),
		},
		Identity:  status.Identity,
		Channel:   status.Channel,
		SessionID: status.SessionID,
		State:     status.State,
		Connected: status.Connected,
		Since:     status.Since,
		LastEvent: presentConnectionEvent(status.LastEvent),
	}
}

// -----------------------------------------------------------------------

// GetConnection godoc
// @Summary Query the listener connection state
// @Description Report whether the listener is live on its channel, and the last failure if any
// @tags Feed
// @Produce json
// @Success 200 {object} APIRestRespConnection "success"
// @Router /v1/connection [get]
func (h APIRestBroadcastFeedHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.connectionResponse(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetConnectionHandler Wrapper around GetConnection
func (h APIRestBroadcastFeedHandler) GetConnectionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetConnection(w, r)
	}
}

// -----------------------------------------------------------------------

// Reconnect godoc
// @Summary Force the listener to reconnect
// @Description Stop the current session, then start a new one with a fresh credential
// @tags Feed
// @Produce json
// @Success 200 {object} APIRestRespConnection "session restarted and live"
// @Failure 503 {object} goutils.RestAPIBaseResponse "session restarted but not live"
// @Router /v1/connection/reconnect [post]
func (h APIRestBroadcastFeedHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	log.WithFields(localLogTags).Info("Reconnect requested")
	h.ingestor.Reconnect(h.runtimeCtxt)

	if h.ingestor.Connected() {
		respCode = http.StatusOK
		respBody = h.connectionResponse(r.Context())
		return
	}
	last := presentConnectionEvent(h.ingestor.LastConnectionEvent())
	respCode = http.StatusServiceUnavailable
	respBody = h.GetStdRESTErrorMsg(
		r.Context(), http.StatusServiceUnavailable, "listener not live", last.Error,
	)
}

// ReconnectHandler Wrapper around Reconnect
func (h APIRestBroadcastFeedHandler) ReconnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Reconnect(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For feed REST API liveness check
// @Description Will return success to indicate feed REST API module is live
// @tags Feed
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestBroadcastFeedHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestBroadcastFeedHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For feed REST API readiness check
// @Description Will return success if the listener is live on its channel
// @tags Feed
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestBroadcastFeedHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.ingestor.Connected() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
		return
	}
	respCode = http.StatusServiceUnavailable
	respBody = h.GetStdRESTErrorMsg(
		r.Context(), http.StatusServiceUnavailable, "not ready", h.ingestor.State().String(),
	)
}

// ReadyHandler Wrapper around Ready
func (h APIRestBroadcastFeedHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
