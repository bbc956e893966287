package core

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/jedapaw/echo-alert-zone/common"
	"github.com/nats-io/nats.go"
)

// defaultFlushTimeout flush deadline applied when the caller context has none
const defaultFlushTimeout = time.Second * 5

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS with URI
	ServerURI string `validate:"required,uri"`
	// ClientName name reported to the server for this connection
	ClientName string
	// Token credential presented when connecting. Empty means no auth.
	Token string
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsClient NATS client as the messaging service connection
type NatsClient struct {
	common.Component
	nc *nats.Conn
}

// Close flush then close the NATS client
func (c NatsClient) Close(ctxt context.Context) {
	if c.nc == nil {
		return
	}
	// NATS refuses to flush without a deadline
	if _, ok := ctxt.Deadline(); !ok {
		var cancel context.CancelFunc
		ctxt, cancel = context.WithTimeout(ctxt, defaultFlushTimeout)
		defer cancel()
	}
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// Drain drain all subscriptions then close the NATS client
func (c NatsClient) Drain() error {
	if c.nc == nil {
		return nil
	}
	return c.nc.Drain()
}

// Conn fetch the NATS connection
func (c NatsClient) Conn() *nats.Conn {
	return c.nc
}

// GetNATSClient connect a new NATS client
func GetNATSClient(param NATSConnectParams) (NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-client",
		"instance":  param.ServerURI,
	}
	if param.ClientName != "" {
		logTags["client"] = param.ClientName
	}
	options := []nats.Option{nats.MaxReconnects(param.MaxReconnectAttempt)}
	if param.ConnectTimeout > 0 {
		options = append(options, nats.Timeout(param.ConnectTimeout))
	}
	if param.ReconnectWait > 0 {
		options = append(options, nats.ReconnectWait(param.ReconnectWait))
	}
	if param.ClientName != "" {
		options = append(options, nats.Name(param.ClientName))
	}
	if param.Token != "" {
		options = append(options, nats.Token(param.Token))
	}
	if param.OnDisconnectCallback != nil {
		options = append(options, nats.DisconnectErrHandler(param.OnDisconnectCallback))
	}
	if param.OnReconnectCallback != nil {
		options = append(options, nats.ReconnectHandler(param.OnReconnectCallback))
	}
	if param.OnCloseCallback != nil {
		options = append(options, nats.ClosedHandler(param.OnCloseCallback))
	}
	// Create the NATS transport
	nc, err := nats.Connect(param.ServerURI, options...)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return NatsClient{}, err
	}
	log.WithFields(logTags).Info("Created NATS client")
	return NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
	}, nil
}
