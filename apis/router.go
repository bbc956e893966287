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
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// DefineFeedRouter define the route tree of the feed API under pathPrefix
func DefineFeedRouter(handler APIRestBroadcastFeedHandler, pathPrefix string) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)
	v1Router := mainRouter.PathPrefix("/v1").Subrouter()

	// Delivery log
	_ = RegisterPathPrefix(v1Router, "/broadcasts", MethodHandlers{
		"get": handler.ListBroadcastsHandler(),
	})

	// Connection state and lifecycle
	connRouter := RegisterPathPrefix(v1Router, "/connection", MethodHandlers{
		"get": handler.GetConnectionHandler(),
	})
	_ = RegisterPathPrefix(connRouter, "/reconnect", MethodHandlers{
		"post": handler.ReconnectHandler(),
	})

	// Live feed
	_ = RegisterPathPrefix(v1Router, "/feed", MethodHandlers{
		"get": handler.StreamFeedHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": handler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": handler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(handler, next)
	})
	return router
}
