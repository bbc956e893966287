// Package ingest drives one listener session through credential acquisition, login and
// channel join, then decodes channel payloads into broadcasts for its subscribers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jedapaw/echo-alert-zone/common"
	"github.com/jedapaw/echo-alert-zone/token"
	"github.com/jedapaw/echo-alert-zone/transport"
	"github.com/jonboulle/clockwork"
)

// teardownTimeout bound on releasing a session when the caller gave no deadline
const teardownTimeout = time.Second * 10

// ErrTransportClosed the transport closed the connection and will not reconnect
var ErrTransportClosed = errors.New("transport connection closed")

// IngestorParams parameters of a BroadcastIngestor
type IngestorParams struct {
	// Channel the broadcast channel to join
	Channel string `validate:"required"`
	// Identity the local participant identity used for every session of this ingestor
	Identity string `validate:"required"`
	// RetentionCap limit on the delivery log length. 0 is unbounded.
	RetentionCap int `validate:"gte=0"`
}

// NewIdentity generate a session-scoped identity
func NewIdentity(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// Status point in time view of the ingestor
type Status struct {
	// Identity the local participant identity
	Identity string `json:"identity"`
	// Channel the broadcast channel
	Channel string `json:"channel"`
	// SessionID the current or last session, empty before the first Start
	SessionID string `json:"session_id,omitempty"`
	// State the lifecycle state
	State State `json:"state"`
	// Connected whether the listener is live on the channel
	Connected bool `json:"connected"`
	// Since when the lifecycle state last changed
	Since time.Time `json:"since"`
	// LastEvent the last connection-state notification
	LastEvent ConnectionEvent `json:"last_event"`
	// Delivered number of records in the delivery log
	Delivered int `json:"delivered"`
}

// BroadcastIngestor owns one listener session and publishes what it receives
type BroadcastIngestor interface {
	// Start acquire a credential, log in and join the channel
	//
	// Start blocks until the session is live, failed, or abandoned by Stop. It is a no-op
	// while another session is in progress or being torn down. Failures are reported via the
	// connection-state notifications only.
	Start(ctxt context.Context)
	// Stop leave the channel and log out, best effort. Safe to call in any state.
	Stop(ctxt context.Context)
	// Reconnect stop the current session and start a new one with a fresh credential
	Reconnect(ctxt context.Context)
	// Subscribe register a subscriber. The returned function unregisters it.
	Subscribe(subscriber Subscriber) func()
	// SubscribeWithState register a subscriber which first receives the current connection state
	SubscribeWithState(subscriber Subscriber) func()
	// State the lifecycle state
	State() State
	// Connected whether the listener is live on the channel
	Connected() bool
	// LastConnectionEvent the last connection-state notification
	LastConnectionEvent() ConnectionEvent
	// Status point in time view of the ingestor
	Status() Status
	// DeliveryLog read-only view of the delivered broadcasts
	DeliveryLog() DeliveryLogReader
	// Close stop the session and the notification loop. The ingestor can not be restarted.
	Close(ctxt context.Context)
}

// recordDelivery fan-out task for one broadcast
type recordDelivery struct {
	record  common.BroadcastRecord
	targets []Subscriber
}

// stateDelivery fan-out task for one connection-state notification
type stateDelivery struct {
	event   ConnectionEvent
	targets []Subscriber
}

// subscriberEntry a registered subscriber
type subscriberEntry struct {
	id         string
	subscriber Subscriber
}

// session one authenticated connection attempt
type session struct {
	id            string
	ctxt          context.Context
	cancel        context.CancelFunc
	subscription  transport.ChannelSubscription
	stopRequested bool
	loggedIn      bool
	joined        bool
	pipelineDone  chan struct{}
}

// pipelineFinished whether the start pipeline of this session has returned
func (s *session) pipelineFinished() bool {
	select {
	case <-s.pipelineDone:
		return true
	default:
		return false
	}
}

// broadcastIngestorImpl implements BroadcastIngestor
type broadcastIngestorImpl struct {
	common.Component
	params      IngestorParams
	tokens      token.TokenProvider
	transport   transport.SessionTransport
	clock       clockwork.Clock
	decoder     BroadcastDecoder
	deliveryLog *DeliveryLog
	notifier    common.TaskProcessor
	wg          *sync.WaitGroup

	lock         sync.Mutex
	state        State
	stateChanged time.Time
	session      *session
	tearingDown  bool
	closed       bool
	lastEvent    ConnectionEvent
	subscribers  []subscriberEntry
}

// GetBroadcastIngestor define a new BroadcastIngestor
//
// The notification loop runs until Close is called, which the host must do once done with it.
func GetBroadcastIngestor(
	ctxt context.Context,
	params IngestorParams,
	tokens token.TokenProvider,
	sessionTransport transport.SessionTransport,
	clock clockwork.Clock,
	wg *sync.WaitGroup,
) (BroadcastIngestor, error) {
	logTags := log.Fields{
		"module":    "ingest",
		"component": "broadcast-ingestor",
		"instance":  params.Identity,
		"channel":   params.Channel,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid ingestor parameters")
		return nil, err
	}
	if tokens == nil || sessionTransport == nil {
		err := fmt.Errorf("token provider and session transport are required")
		log.WithError(err).WithFields(logTags).Error("Invalid ingestor parameters")
		return nil, err
	}

	// The notification loop outlives ctxt so Close can flush the final state change
	notifier, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("ingest-notify.%s", params.Identity), context.WithoutCancel(ctxt),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define notification loop")
		return nil, err
	}

	now := clock.Now()
	instance := &broadcastIngestorImpl{
		Component:    common.Component{LogTags: logTags},
		params:       params,
		tokens:       tokens,
		transport:    sessionTransport,
		clock:        clock,
		decoder:      NewBroadcastDecoder(),
		deliveryLog:  NewDeliveryLog(params.RetentionCap),
		notifier:     notifier,
		wg:           wg,
		state:        StateIdle,
		stateChanged: now,
		lastEvent:    ConnectionEvent{Connected: false, State: StateIdle, At: now},
		subscribers:  make([]subscriberEntry, 0),
	}

	if err := notifier.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(recordDelivery{}): instance.fanOutRecord,
		reflect.TypeOf(stateDelivery{}):  instance.fanOutState,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install notification handlers")
		return nil, err
	}
	if err := notifier.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start notification loop")
		return nil, err
	}
	return instance, nil
}

// ==============================================================================
// Fan-out

// fanOutRecord deliver one broadcast to its subscribers
func (i *broadcastIngestorImpl) fanOutRecord(param interface{}) error {
	task, ok := param.(recordDelivery)
	if !ok {
		return fmt.Errorf("unexpected task %s", reflect.TypeOf(param))
	}
	for _, target := range task.targets {
		target.OnMessage(task.record.Clone())
	}
	return nil
}

// fanOutState deliver one connection-state notification to its subscribers
func (i *broadcastIngestorImpl) fanOutState(param interface{}) error {
	task, ok := param.(stateDelivery)
	if !ok {
		return fmt.Errorf("unexpected task %s", reflect.TypeOf(param))
	}
	for _, target := range task.targets {
		target.OnConnectionState(task.event)
	}
	return nil
}

// targetsLocked snapshot of the registered subscribers
func (i *broadcastIngestorImpl) targetsLocked() []Subscriber {
	targets := make([]Subscriber, 0, len(i.subscribers))
	for _, entry := range i.subscribers {
		targets = append(targets, entry.subscriber)
	}
	return targets
}

// emitLocked publish a connection-state notification
func (i *broadcastIngestorImpl) emitLocked(event ConnectionEvent) {
	i.lastEvent = event
	targets := i.targetsLocked()
	if len(targets) == 0 {
		return
	}
	if err := i.notifier.Submit(stateDelivery{event: event, targets: targets}); err != nil {
		log.WithError(err).WithFields(i.LogTags).Warnf("Unable to publish %s", event)
	}
}

// Subscribe register a subscriber. The returned function unregisters it.
func (i *broadcastIngestorImpl) Subscribe(subscriber Subscriber) func() {
	return i.subscribe(subscriber, false)
}

// SubscribeWithState register a subscriber which first receives the current connection state
func (i *broadcastIngestorImpl) SubscribeWithState(subscriber Subscriber) func() {
	return i.subscribe(subscriber, true)
}

func (i *broadcastIngestorImpl) subscribe(subscriber Subscriber, withState bool) func() {
	id := uuid.NewString()
	i.lock.Lock()
	i.subscribers = append(i.subscribers, subscriberEntry{id: id, subscriber: subscriber})
	if withState {
		if err := i.notifier.Submit(stateDelivery{
			event: i.lastEvent, targets: []Subscriber{subscriber},
		}); err != nil {
			log.WithError(err).WithFields(i.LogTags).Warn("Unable to publish current state")
		}
	}
	i.lock.Unlock()
	log.WithFields(i.LogTags).Debugf("Registered subscriber %s", id)

	var once sync.Once
	return func() {
		once.Do(func() {
			i.lock.Lock()
			defer i.lock.Unlock()
			for idx, entry := range i.subscribers {
				if entry.id == id {
					i.subscribers = append(i.subscribers[:idx], i.subscribers[idx+1:]...)
					break
				}
			}
			log.WithFields(i.LogTags).Debugf("Removed subscriber %s", id)
		})
	}
}

// ==============================================================================
// State machine

// transitionLocked change the lifecycle state, and notify when connectivity changed
func (i *broadcastIngestorImpl) transitionLocked(
	to State, kind ErrorKind, err error, reason string,
) {
	from := i.state
	i.state = to
	i.stateChanged = i.clock.Now()
	logger := log.WithFields(i.LogTags)
	if err != nil {
		logger = logger.WithError(err)
	}
	logger.Infof("Session %s -> %s (%s)", from, to, reason)

	emit := false
	switch to {
	case StateLive, StateReconnecting, StateFailed:
		emit = true
	case StateStopped:
		emit = from == StateLive || from == StateReconnecting
	}
	if !emit {
		return
	}
	i.emitLocked(ConnectionEvent{
		Connected: to == StateLive,
		State:     to,
		Kind:      kind,
		Err:       err,
		Reason:    reason,
		At:        i.stateChanged,
	})
}

// advance move the session forward, unless it was stopped or superseded
func (i *broadcastIngestorImpl) advance(sess *session, from, to State, reason string) bool {
	i.lock.Lock()
	defer i.lock.Unlock()
	if i.session != sess || sess.stopRequested || i.state != from {
		log.WithFields(i.LogTags).Infof("Session %s abandoned before %s", sess.id, to)
		return false
	}
	i.transitionLocked(to, ErrorKindNone, nil, reason)
	return true
}

// fail move the session to Failed, unless it was stopped or superseded
func (i *broadcastIngestorImpl) fail(sess *session, kind ErrorKind, err error, reason string) {
	i.lock.Lock()
	defer i.lock.Unlock()
	if i.session != sess || sess.stopRequested {
		log.WithError(err).WithFields(i.LogTags).Infof(
			"Session %s abandoned, ignoring %s failure", sess.id, kind,
		)
		return
	}
	i.transitionLocked(StateFailed, kind, err, reason)
}

// release leave and log out whatever the session acquired, best effort
func (i *broadcastIngestorImpl) release(ctxt context.Context, sess *session) {
	i.lock.Lock()
	joined := sess.joined
	loggedIn := sess.loggedIn
	subscription := sess.subscription
	sess.joined = false
	sess.loggedIn = false
	i.lock.Unlock()

	if _, ok := ctxt.Deadline(); !ok {
		var cancel context.CancelFunc
		ctxt, cancel = context.WithTimeout(ctxt, teardownTimeout)
		defer cancel()
	}
	if joined && subscription != nil {
		if err := subscription.Leave(ctxt); err != nil {
			log.WithError(err).WithFields(i.LogTags).Warnf("Session %s leave failed", sess.id)
		} else {
			log.WithFields(i.LogTags).Infof("Session %s left %s", sess.id, subscription.Channel())
		}
	}
	if loggedIn {
		if err := i.transport.Logout(ctxt); err != nil {
			log.WithError(err).WithFields(i.LogTags).Warnf("Session %s logout failed", sess.id)
		} else {
			log.WithFields(i.LogTags).Infof("Session %s logged out", sess.id)
		}
	}
}

// Start acquire a credential, log in and join the channel
func (i *broadcastIngestorImpl) Start(ctxt context.Context) {
	i.lock.Lock()
	if i.closed {
		i.lock.Unlock()
		log.WithFields(i.LogTags).Warn("Start on a closed ingestor ignored")
		return
	}
	if i.state.inProgress() || i.tearingDown ||
		(i.session != nil && !i.session.pipelineFinished()) {
		state := i.state
		i.lock.Unlock()
		log.WithFields(i.LogTags).Infof("Already initializing or initialized (%s), skipping", state)
		return
	}
	sessCtxt, cancel := context.WithCancel(ctxt)
	sess := &session{
		id:           uuid.NewString(),
		ctxt:         sessCtxt,
		cancel:       cancel,
		pipelineDone: make(chan struct{}),
	}
	i.session = sess
	i.transitionLocked(StateAcquiring, ErrorKindNone, nil, fmt.Sprintf("session %s starting", sess.id))
	i.lock.Unlock()

	defer close(sess.pipelineDone)
	defer cancel()
	i.runPipeline(sess)
}

// runPipeline acquire -> login -> join. A failure at any step short-circuits the rest.
func (i *broadcastIngestorImpl) runPipeline(sess *session) {
	// Listeners are bound to this session, events of older sessions are ignored
	i.transport.OnConnectionStateChanged(i.connectionStateHandler(sess))
	subscription, err := transport.GetChannelSubscription(
		i.transport, i.params.Channel, i.channelFeed(sess),
	)
	if err != nil {
		i.fail(sess, ErrorKindConfiguration, err, "unusable channel")
		return
	}
	i.lock.Lock()
	sess.subscription = subscription
	i.lock.Unlock()

	// Acquire
	credential, err := i.tokens.FetchCredential(sess.ctxt, i.params.Identity)
	if err != nil {
		i.fail(sess, ErrorKindAcquisition, err, "credential fetch failed")
		return
	}
	if !i.advance(sess, StateAcquiring, StateLoggingIn, "credential fetched") {
		return
	}

	// Login
	if err := i.transport.Login(sess.ctxt, i.params.Identity, credential); err != nil {
		i.fail(sess, ErrorKindSession, err, "login failed")
		return
	}
	i.lock.Lock()
	sess.loggedIn = true
	i.lock.Unlock()
	if !i.advance(sess, StateLoggingIn, StateJoining, "logged in") {
		i.release(context.Background(), sess)
		return
	}

	// Join
	if err := subscription.Join(sess.ctxt); err != nil {
		i.fail(sess, ErrorKindJoin, err, fmt.Sprintf("join of %s failed", i.params.Channel))
		i.release(context.Background(), sess)
		return
	}
	i.lock.Lock()
	sess.joined = true
	i.lock.Unlock()
	if !i.advance(sess, StateJoining, StateLive, fmt.Sprintf("joined %s", i.params.Channel)) {
		i.release(context.Background(), sess)
		return
	}
}

// Stop leave the channel and log out, best effort. Safe to call in any state.
func (i *broadcastIngestorImpl) Stop(ctxt context.Context) {
	i.lock.Lock()
	if i.tearingDown {
		i.lock.Unlock()
		log.WithFields(i.LogTags).Debug("Teardown already in progress")
		return
	}
	from := i.state
	sess := i.session
	if from != StateStopped {
		i.transitionLocked(StateStopped, ErrorKindNone, nil, "stopped by host")
	}
	if sess == nil {
		i.lock.Unlock()
		return
	}
	sess.stopRequested = true
	sess.cancel()
	if from != StateLive && from != StateReconnecting {
		// Nothing live to release. A pipeline still in flight releases what it acquired.
		i.lock.Unlock()
		select {
		case <-sess.pipelineDone:
		case <-ctxt.Done():
			log.WithError(ctxt.Err()).WithFields(i.LogTags).Warn("Stop gave up waiting for start")
		}
		return
	}
	i.tearingDown = true
	i.lock.Unlock()

	i.release(ctxt, sess)

	i.lock.Lock()
	i.tearingDown = false
	i.lock.Unlock()
}

// Reconnect stop the current session and start a new one with a fresh credential
func (i *broadcastIngestorImpl) Reconnect(ctxt context.Context) {
	log.WithFields(i.LogTags).Info("Forcing reconnect")
	i.Stop(ctxt)
	i.Start(ctxt)
}

// Close stop the session and the notification loop
func (i *broadcastIngestorImpl) Close(ctxt context.Context) {
	i.Stop(ctxt)
	i.lock.Lock()
	i.closed = true
	i.lock.Unlock()
	// Subscribers still get the events queued by the stop
	drainCtxt, cancel := context.WithTimeout(ctxt, teardownTimeout)
	defer cancel()
	if err := i.notifier.Drain(drainCtxt); err != nil {
		log.WithError(err).WithFields(i.LogTags).Warn("Pending notifications dropped at close")
	}
	if err := i.notifier.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(i.LogTags).Error("Unable to stop notification loop")
	}
}

// ==============================================================================
// Transport events

// connectionStateHandler reflect transport connection state into the lifecycle
func (i *broadcastIngestorImpl) connectionStateHandler(sess *session) transport.ConnectionStateHandler {
	return func(state transport.ConnectionState, reason string) {
		i.lock.Lock()
		defer i.lock.Unlock()
		if i.session != sess || sess.stopRequested {
			log.WithFields(i.LogTags).Debugf("Ignoring %s of retired session %s", state, sess.id)
			return
		}
		switch state {
		case transport.StateDisconnected:
			if i.state == StateLive {
				i.transitionLocked(StateReconnecting, ErrorKindTransport, nil, reason)
			}
		case transport.StateConnected:
			if i.state == StateReconnecting {
				i.transitionLocked(StateLive, ErrorKindNone, nil, reason)
			}
		case transport.StateClosed:
			if i.state != StateLive && i.state != StateReconnecting {
				return
			}
			i.transitionLocked(StateFailed, ErrorKindTransport, ErrTransportClosed, reason)
			// Reset the transport so a later Start can log in again
			i.tearingDown = true
			i.wg.Add(1)
			go func() {
				defer i.wg.Done()
				i.release(context.Background(), sess)
				i.lock.Lock()
				i.tearingDown = false
				i.lock.Unlock()
			}()
		}
	}
}

// channelFeed decode channel payloads and record the broadcasts
func (i *broadcastIngestorImpl) channelFeed(sess *session) transport.ChannelMessageHandler {
	return func(msg transport.ChannelMessage) {
		record, err := i.decoder.Decode(msg.Payload, msg.ReceivedAt)
		if err != nil {
			log.WithError(err).WithFields(i.LogTags).Warnf("Dropping payload from '%s'", msg.Sender)
			return
		}
		i.lock.Lock()
		defer i.lock.Unlock()
		if i.session != sess || sess.stopRequested {
			log.WithFields(i.LogTags).Debugf("Dropping %s of retired session %s", record, sess.id)
			return
		}
		switch i.state {
		case StateJoining, StateLive, StateReconnecting:
		default:
			log.WithFields(i.LogTags).Debugf("Dropping %s received while %s", record, i.state)
			return
		}
		i.deliveryLog.prepend(record)
		log.WithFields(i.LogTags).Debugf("Received %s from '%s'", record, msg.Sender)
		targets := i.targetsLocked()
		if len(targets) == 0 {
			return
		}
		if err := i.notifier.Submit(recordDelivery{record: record, targets: targets}); err != nil {
			log.WithError(err).WithFields(i.LogTags).Warnf("Unable to publish %s", record)
		}
	}
}

// ==============================================================================
// Queries

// State the lifecycle state
func (i *broadcastIngestorImpl) State() State {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.state
}

// Connected whether the listener is live on the channel
func (i *broadcastIngestorImpl) Connected() bool {
	return i.State() == StateLive
}

// LastConnectionEvent the last connection-state notification
func (i *broadcastIngestorImpl) LastConnectionEvent() ConnectionEvent {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.lastEvent
}

// Status point in time view of the ingestor
func (i *broadcastIngestorImpl) Status() Status {
	i.lock.Lock()
	defer i.lock.Unlock()
	status := Status{
		Identity:  i.params.Identity,
		Channel:   i.params.Channel,
		State:     i.state,
		Connected: i.state == StateLive,
		Since:     i.stateChanged,
		LastEvent: i.lastEvent,
		Delivered: i.deliveryLog.Len(),
	}
	if i.session != nil {
		status.SessionID = i.session.id
	}
	return status
}

// DeliveryLog read-only view of the delivered broadcasts
func (i *broadcastIngestorImpl) DeliveryLog() DeliveryLogReader {
	return i.deliveryLog
}
