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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/jedapaw/echo-alert-zone/apis"
	"github.com/jedapaw/echo-alert-zone/common"
	"github.com/jedapaw/echo-alert-zone/ingest"
	"github.com/jedapaw/echo-alert-zone/token"
	"github.com/jedapaw/echo-alert-zone/transport"
	"github.com/jonboulle/clockwork"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const shutdownTimeout = time.Second * 10

// DefineTokenProvider define the backend token provider from config
func DefineTokenProvider(
	config common.TokenServiceConfig, clock clockwork.Clock,
) (token.TokenProvider, error) {
	return token.GetHTTPTokenProvider(token.HTTPTokenProviderParams{
		BackendURL:     config.BackendURL,
		RequestTimeout: time.Second * time.Duration(config.RequestTimeout),
	}, clock)
}

// DefineListener define the broadcast ingestor described by config
func DefineListener(
	runtimeCtxt context.Context,
	config *common.SystemConfig,
	clock clockwork.Clock,
	wg *sync.WaitGroup,
) (ingest.BroadcastIngestor, error) {
	identity := config.Listener.Identity
	if identity == "" {
		identity = ingest.NewIdentity(config.Listener.IdentityPrefix)
	}
	tokens, err := DefineTokenProvider(config.Token, clock)
	if err != nil {
		return nil, err
	}
	sessionTransport, err := transport.GetNATSSessionTransport(transport.NATSSessionParams{
		ServerURI:           config.NATS.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.NATS.ConnectTimeout),
		MaxReconnectAttempt: config.NATS.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.NATS.Reconnect.WaitInterval),
	}, clock)
	if err != nil {
		return nil, err
	}
	return ingest.GetBroadcastIngestor(
		runtimeCtxt,
		ingest.IngestorParams{
			Channel:      config.Listener.Channel,
			Identity:     identity,
			RetentionCap: config.Listener.RetentionCap,
		},
		tokens,
		sessionTransport,
		clock,
		wg,
	)
}

// logSubscriber report the ingestor outputs in the application log
func logSubscriber(logTags log.Fields) ingest.Subscriber {
	return ingest.SubscriberFuncs{
		MessageFunc: func(record common.BroadcastRecord) {
			logger := log.WithFields(logTags)
			if record.Emergency {
				logger.Warnf("EMERGENCY %s: %s", record, record.Message)
			} else {
				logger.Infof("%s: %s", record, record.Message)
			}
		},
		ConnectionStateFunc: func(event ingest.ConnectionEvent) {
			logger := log.WithFields(logTags)
			if event.Err != nil {
				logger = logger.WithError(event.Err)
			}
			if event.Connected {
				logger.Info("Listening for broadcasts")
			} else {
				logger.Warnf("Not listening: %s", event)
			}
		},
	}
}

// defineHTTPServer define the feed API server
func defineHTTPServer(
	runtimeCtxt context.Context,
	config *common.APIServerConfig,
	ingestor ingest.BroadcastIngestor,
	clock clockwork.Clock,
) (*http.Server, error) {
	httpHandler, err := apis.GetAPIRestBroadcastFeedHandler(
		runtimeCtxt, ingestor, &config.HTTPSetting, clock,
	)
	if err != nil {
		return nil, err
	}
	router := apis.DefineFeedRouter(httpHandler, config.Endpoints.PathPrefix)
	serverCfg := config.HTTPSetting.Server
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}, nil
}

// RunListener run the broadcast listener until runtimeCtxt is cancelled
func RunListener(
	runtimeCtxt context.Context,
	config *common.SystemConfig,
	instance string,
	clock clockwork.Clock,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "listener",
		"instance":  instance,
	}

	ingestor, err := DefineListener(runtimeCtxt, config, clock, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast listener")
		return err
	}
	unsubscribe := ingestor.Subscribe(logSubscriber(logTags))
	defer unsubscribe()
	defer func() {
		ctxt, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		ingestor.Close(ctxt)
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	var httpSrv *http.Server
	if config.API != nil {
		httpSrv, err = defineHTTPServer(runtimeCtxt, config.API, ingestor, clock)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define HTTP server")
			return err
		}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			}
		}()
		log.WithFields(logTags).Infof("Started HTTP server on http://%s", httpSrv.Addr)
	}

	// -------------------------------------------------------------------
	// Join the broadcast channel

	ingestor.Start(runtimeCtxt)
	status := ingestor.Status()
	if status.Connected {
		log.WithFields(logTags).Infof(
			"Listening on %s as %s", status.Channel, status.Identity,
		)
	} else {
		logger := log.WithFields(logTags)
		if status.LastEvent.Err != nil {
			logger = logger.WithError(status.LastEvent.Err)
		}
		logger.Errorf("Listener did not go live: %s", status.LastEvent)
	}

	// ============================================================================

	<-runtimeCtxt.Done()

	// Stop the HTTP server
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
