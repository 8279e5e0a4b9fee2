/*
Copyright 2024 The Heartsync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package call drives the lifecycle of a peer-to-peer call between two participants of a
// conversation, using the session store as the only signaling channel.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/heartsync/callsig/pkg/channel"
	"github.com/heartsync/callsig/pkg/media"
	"github.com/heartsync/callsig/pkg/metrics"
	"github.com/heartsync/callsig/pkg/session"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// External collaborators of the coordinator.
type Dependencies struct {
	Store session.Store
	Media media.Provider
	Peers PeerFactory
	// Optional.
	Logger *logrus.Entry
	// Optional.
	Metrics *metrics.Metrics
}

// Owns the call of the local participant in one conversation. At most one call attempt is
// in progress at a time. All methods are safe for concurrent use.
type Coordinator struct {
	config  Config
	store   session.Store
	media   media.Provider
	peers   PeerFactory
	logger  *logrus.Entry
	metrics *metrics.Metrics

	mutex        sync.Mutex
	state        State
	current      *attempt
	attemptID    string
	lastIncoming string
	lastError    error
	audioMuted   bool
	videoMuted   bool
	localStream  *media.LocalStream
	remoteStream *media.RemoteStream
	listener     session.Subscription
	watchers     map[int]chan Snapshot
	nextWatcher  int
	closed       bool
}

func New(config Config, deps Dependencies) (*Coordinator, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, newError(KindPreconditionMissing, "configure", err)
	}

	if deps.Store == nil || deps.Media == nil || deps.Peers == nil {
		return nil, newError(KindPreconditionMissing, "configure", errors.New("store, media and peers are required"))
	}

	logger := deps.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Coordinator{
		config:  config,
		store:   deps.Store,
		media:   deps.Media,
		peers:   deps.Peers,
		metrics: deps.Metrics,
		logger: logger.WithFields(logrus.Fields{
			"conversation_id": config.ConversationID,
			"participant_id":  config.LocalID,
		}),
		state:    StateIdle,
		watchers: make(map[int]chan Snapshot),
	}, nil
}

// Starts an outgoing call to the remote participant. Returns nil once the offer is
// published and the call is ringing; the state becomes connected when the answer arrives.
// Any returned classified error is also recorded as the last error.
func (c *Coordinator) StartCall(ctx context.Context) error {
	const op = "start call"

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return ErrClosed
	}
	if c.current != nil {
		c.mutex.Unlock()
		return newError(KindPreconditionMissing, op, ErrCallActive)
	}

	a := c.newAttempt(uuid.NewString(), RoleCaller, c.config.MediaKind)
	c.current = a
	c.attemptID = a.id
	c.lastError = nil
	c.setState(StateOutgoing)
	c.notify()
	c.mutex.Unlock()

	ctx, cancel := c.operationContext(ctx, a)
	defer cancel()

	// The store rejects a second active session anyway, but we want to fail before capturing.
	existing, err := c.store.GetSession(ctx, c.config.ConversationID)
	switch {
	case errors.Is(err, session.ErrNotFound):
	case err != nil:
		return c.abort(ctx, a, KindSessionWriteFailed, op, err)
	case existing.Active():
		return c.abort(ctx, a, KindPreconditionMissing, op, session.ErrSessionActive)
	}

	stream, err := c.media.AcquireLocalMedia(ctx, a.kind)
	if err != nil {
		return c.abort(ctx, a, KindCaptureDenied, op, err)
	}
	if !c.adoptStream(a, stream) {
		return ErrAttemptCancelled
	}

	negotiator, err := c.newNegotiator(a, stream)
	if err != nil {
		return c.abort(ctx, a, KindNegotiationFailed, op, err)
	}
	if negotiator == nil {
		return ErrAttemptCancelled
	}

	offer, err := negotiator.CreateOffer()
	if err != nil {
		return c.abort(ctx, a, KindNegotiationFailed, op, err)
	}
	a.telemetry.AddEvent("offer created")
	a.post(peerReady{negotiator: negotiator})

	err = c.store.CreateSession(ctx, c.config.ConversationID, session.CallSession{
		AttemptID: a.id,
		CallerID:  c.config.LocalID,
		CalleeID:  c.config.RemoteID,
		MediaKind: a.kind,
		Status:    session.StatusRinging,
		Offer:     &offer,
	})
	if err != nil {
		return c.abort(ctx, a, KindSessionWriteFailed, op, err)
	}

	// Hung up while the document was being written: make sure the callee stops ringing.
	if !c.isCurrent(a) {
		c.endRemote(context.Background(), a)
		return ErrAttemptCancelled
	}
	a.post(sessionPublished{})

	if err := c.subscribe(ctx, a, true); err != nil {
		err = c.abort(ctx, a, KindSessionWriteFailed, op, err)
		c.endRemote(context.Background(), a)
		return err
	}

	c.armRingTimer(a)
	a.logger.Info("call started")
	return nil
}

// Accepts the incoming call. Returns nil once the answer is published and the call is connected.
// Any returned classified error is also recorded as the last error.
func (c *Coordinator) AcceptCall(ctx context.Context) error {
	const op = "accept call"

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return ErrClosed
	}

	a := c.current
	switch {
	case c.state != StateIncoming || a == nil:
		err := newError(KindPreconditionMissing, op, ErrNotIncoming)
		if !c.state.Active() {
			c.lastError = err
			c.metrics.Failed(string(err.Kind))
			c.notify()
		}
		c.mutex.Unlock()
		return err
	case a.accepting:
		c.mutex.Unlock()
		return newError(KindPreconditionMissing, op, ErrAcceptInProgress)
	}

	a.accepting = true
	a.stopRingTimer()
	c.lastError = nil
	c.notify()
	c.mutex.Unlock()

	ctx, cancel := c.operationContext(ctx, a)
	defer cancel()

	// Watch the document first, so that the caller hanging up meanwhile is not missed.
	if err := c.subscribe(ctx, a, true); err != nil {
		return c.abort(ctx, a, KindSessionWriteFailed, op, err)
	}

	doc, err := c.store.GetSession(ctx, c.config.ConversationID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return c.abort(ctx, a, KindPreconditionMissing, op, ErrOfferMissing)
	case err != nil:
		return c.abort(ctx, a, KindSessionWriteFailed, op, err)
	case doc.AttemptID != a.id || doc.Status != session.StatusRinging:
		return c.abort(ctx, a, KindPreconditionMissing, op, ErrNotRinging)
	case doc.Offer == nil:
		return c.abort(ctx, a, KindPreconditionMissing, op, ErrOfferMissing)
	case doc.CalleeID != c.config.LocalID:
		return c.abort(ctx, a, KindPreconditionMissing, op, ErrNotCallee)
	}

	stream, err := c.media.AcquireLocalMedia(ctx, a.kind)
	if err != nil {
		return c.abort(ctx, a, KindCaptureDenied, op, err)
	}
	if !c.adoptStream(a, stream) {
		return ErrAttemptCancelled
	}

	negotiator, err := c.newNegotiator(a, stream)
	if err != nil {
		return c.abort(ctx, a, KindNegotiationFailed, op, err)
	}
	if negotiator == nil {
		return ErrAttemptCancelled
	}

	answer, err := negotiator.AcceptOffer(*doc.Offer)
	if err != nil {
		return c.abort(ctx, a, KindNegotiationFailed, op, err)
	}
	a.telemetry.AddEvent("answer created")

	// The caller's document exists, so our candidates can be published right away.
	a.post(peerReady{negotiator: negotiator, remoteSet: true})
	a.post(sessionPublished{})

	connected := session.StatusConnected
	err = c.store.UpdateSession(ctx, c.config.ConversationID, session.Update{
		Status:    &connected,
		Answer:    &answer,
		IfAttempt: a.id,
	})
	if err != nil {
		return c.abort(ctx, a, KindSessionWriteFailed, op, err)
	}

	c.connected(a)
	if !c.isCurrent(a) {
		return ErrAttemptCancelled
	}

	a.logger.Info("call accepted")
	return nil
}

// Rejects the incoming call. Outside of the incoming state it ends the call like EndCall.
// Never acquires media, never fails; store errors are logged.
func (c *Coordinator) DeclineCall(ctx context.Context) {
	c.hangup(ctx, true)
}

// Ends the current call attempt, if any. Safe to call at any time and more than once;
// store errors are logged.
func (c *Coordinator) EndCall(ctx context.Context) {
	c.hangup(ctx, false)
}

func (c *Coordinator) hangup(ctx context.Context, decline bool) {
	c.mutex.Lock()
	if c.current == nil {
		c.mutex.Unlock()
		return
	}

	next := StateEnded
	if decline && c.state == StateIncoming {
		next = StateDeclined
	}

	a := c.detach(next)
	c.notify()
	c.mutex.Unlock()

	a.telemetry.AddEvent("hung up", attribute.String("state", string(next)))
	a.release()
	c.endRemote(ctx, a)
}

func (c *Coordinator) SetMutedAudio(muted bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.audioMuted = muted
	if c.localStream != nil {
		for _, track := range c.localStream.AudioTracks() {
			track.SetEnabled(!muted)
		}
	}
	c.notify()
}

func (c *Coordinator) SetMutedVideo(muted bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.videoMuted = muted
	if c.localStream != nil {
		for _, track := range c.localStream.VideoTracks() {
			track.SetEnabled(!muted)
		}
	}
	c.notify()
}

// Ends any call in progress, stops listening for incoming calls and closes all watchers.
func (c *Coordinator) Close() {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	c.closed = true

	var a *attempt
	if c.current != nil {
		a = c.detach(StateEnded)
	}
	listener := c.listener
	c.listener = nil

	c.notify()
	for id, watcher := range c.watchers {
		delete(c.watchers, id)
		close(watcher)
	}
	c.mutex.Unlock()

	if listener != nil {
		listener.Unsubscribe()
	}
	if a != nil {
		a.release()
		c.endRemote(context.Background(), a)
	}
}

// Bounds an operation by the negotiation timeout and cancels it when the attempt ends.
func (c *Coordinator) operationContext(ctx context.Context, a *attempt) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, c.config.NegotiationTimeout)
	stop := context.AfterFunc(a.ctx, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

// Fails the attempt if it is still the current one: the state goes back to idle, the error
// is recorded and everything acquired so far is released.
func (c *Coordinator) abort(ctx context.Context, a *attempt, kind Kind, op string, cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) && ctx.Err() != nil && a.ctx.Err() == nil {
		kind = KindTimeout
	}
	err := newError(kind, op, cause)

	c.mutex.Lock()
	if c.current != a {
		c.mutex.Unlock()
		a.release()
		return ErrAttemptCancelled
	}

	c.lastError = err
	c.metrics.Failed(string(kind))
	c.detach(StateIdle)
	c.notify()
	c.mutex.Unlock()

	a.logger.WithError(err).Warn("call attempt failed")
	a.telemetry.Fail(err)
	a.release()

	return err
}

// Fails an attempt from its loop, e.g. on a broken answer or a failed connection.
func (c *Coordinator) fail(a *attempt, err *Error, next State, endRemote bool) {
	c.mutex.Lock()
	if c.current != a {
		c.mutex.Unlock()
		return
	}

	c.lastError = err
	c.metrics.Failed(string(err.Kind))
	c.detach(next)
	c.notify()
	c.mutex.Unlock()

	a.logger.WithError(err).Warn("call attempt failed")
	a.telemetry.Fail(err)
	a.release()

	if endRemote {
		c.endRemote(context.Background(), a)
	}
}

func (c *Coordinator) connected(a *attempt) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.current != a || (c.state != StateOutgoing && c.state != StateIncoming) {
		return
	}

	a.stopRingTimer()

	c.setState(StateConnected)
	c.metrics.Connected(string(a.role), time.Since(a.startedAt))
	c.notify()

	a.logger.Info("call connected")
}

// The remote side ended the attempt. A call that was only ringing on our side goes back to idle.
func (c *Coordinator) remoteEnded(a *attempt) {
	c.mutex.Lock()
	if c.current != a {
		c.mutex.Unlock()
		return
	}

	next := StateEnded
	if c.state == StateIncoming {
		next = StateIdle
	}

	c.detach(next)
	c.notify()
	c.mutex.Unlock()

	a.logger.Info("call ended by the remote side")
	a.release()
}

func (c *Coordinator) addRemoteTrack(a *attempt, track *media.RemoteTrack) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.current != a {
		return
	}

	if c.remoteStream == nil {
		c.remoteStream = media.NewRemoteStream()
	}
	if c.remoteStream.Add(track) {
		a.telemetry.AddEvent("remote track received", attribute.String("kind", string(track.Kind())))
		c.notify()
	}
}

// Makes the stream part of the attempt. Returns false (with the stream stopped)
// if the attempt was ended in the meantime.
func (c *Coordinator) adoptStream(a *attempt, stream *media.LocalStream) bool {
	if !a.own(stream.Stop) {
		return false
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.current != a {
		return false
	}

	for _, track := range stream.AudioTracks() {
		track.SetEnabled(!c.audioMuted)
	}
	for _, track := range stream.VideoTracks() {
		track.SetEnabled(!c.videoMuted)
	}

	c.localStream = stream
	c.notify()

	return true
}

// Creates the negotiator of the attempt with the local stream attached. Returns a nil
// negotiator (and no error) if the attempt was ended in the meantime.
func (c *Coordinator) newNegotiator(a *attempt, stream *media.LocalStream) (Negotiator, error) {
	negotiator, err := c.peers.NewPeer(channel.NewSink(a.id, a.peerMessages), a.logger)
	if err != nil {
		return nil, err
	}
	if !a.own(negotiator.Close) {
		return nil, nil
	}

	if err := negotiator.AddLocalStream(stream); err != nil {
		return nil, err
	}

	return negotiator, nil
}

// Subscribes the attempt loop to the session document and to the candidates.
func (c *Coordinator) subscribe(ctx context.Context, a *attempt, withSession bool) error {
	if withSession {
		if err := c.subscribeSession(ctx, a); err != nil {
			return err
		}
	}

	sub, err := c.store.SubscribeCandidates(ctx, c.config.ConversationID, func(candidate session.IceCandidate) {
		a.post(candidateAppended{candidate: candidate})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to candidates: %w", err)
	}
	if !a.own(sub.Unsubscribe) {
		return ErrAttemptCancelled
	}

	return nil
}

func (c *Coordinator) subscribeSession(ctx context.Context, a *attempt) error {
	sub, err := c.store.SubscribeSession(ctx, c.config.ConversationID, func(doc *session.CallSession) {
		a.post(sessionChanged{session: doc})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to the session: %w", err)
	}
	if !a.own(sub.Unsubscribe) {
		return ErrAttemptCancelled
	}

	return nil
}

// Best-effort write of the terminal status of the attempt. Errors are logged only.
func (c *Coordinator) endRemote(ctx context.Context, a *attempt) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.StoreTimeout)
	defer cancel()

	err := c.store.UpdateSession(ctx, c.config.ConversationID, session.EndAttempt(a.id))
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrAttemptMismatch):
		// Nothing was published for this attempt.
	default:
		a.logger.WithError(err).Warn("failed to end the call session")
	}
}

func (c *Coordinator) armRingTimer(a *attempt) {
	if c.config.RingTimeout <= 0 {
		return
	}

	timer := time.AfterFunc(c.config.RingTimeout, func() { c.ringExpired(a) })
	if !a.own(func() { timer.Stop() }) {
		return
	}

	a.mutex.Lock()
	a.ringTimer = timer
	a.mutex.Unlock()
}

func (c *Coordinator) ringExpired(a *attempt) {
	c.mutex.Lock()
	if c.current != a {
		c.mutex.Unlock()
		return
	}

	switch {
	case c.state == StateOutgoing:
		err := newError(KindTimeout, "ring", ErrNoAnswer)
		c.lastError = err
		c.metrics.Failed(string(err.Kind))
		c.detach(StateEnded)
		c.notify()
		c.mutex.Unlock()

		a.logger.Info("call was not answered in time")
		a.telemetry.Fail(err)
		a.release()
		c.endRemote(context.Background(), a)
	case c.state == StateIncoming && !a.accepting:
		c.detach(StateIdle)
		c.notify()
		c.mutex.Unlock()

		a.logger.Info("incoming call was not accepted in time")
		a.release()
	default:
		c.mutex.Unlock()
	}
}

func (c *Coordinator) isCurrent(a *attempt) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.current == a
}

// Detaches the current attempt and moves to the given state. The caller must release the
// returned attempt once the mutex is unlocked. Must be called with the mutex held.
func (c *Coordinator) detach(next State) *attempt {
	a := c.current
	a.telemetry.SetAttributes(attribute.String("final_state", string(next)))
	c.current = nil
	c.localStream = nil
	c.remoteStream = nil
	c.setState(next)
	return a
}

// Must be called with the mutex held.
func (c *Coordinator) setState(next State) {
	if c.state == next {
		return
	}

	c.logger.WithFields(logrus.Fields{"from": c.state, "to": next}).Info("call state changed")
	c.metrics.StateChanged(string(c.state), string(next))
	c.state = next
}
