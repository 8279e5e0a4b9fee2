package call

import (
	"context"
	"sync"
	"time"

	"github.com/heartsync/callsig/pkg/channel"
	"github.com/heartsync/callsig/pkg/common"
	"github.com/heartsync/callsig/pkg/peer"
	"github.com/heartsync/callsig/pkg/session"
	"github.com/heartsync/callsig/pkg/telemetry"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/exp/slices"
)

const (
	eventBuffer       = 64
	peerMessageBuffer = 64
	publishQueueSize  = 64
)

// Events processed by the attempt loop.
type peerReady struct {
	negotiator Negotiator
	// The remote description is already set (the callee applied the offer).
	remoteSet bool
}

type sessionPublished struct{}

type sessionChanged struct {
	session *session.CallSession
}

type candidateAppended struct {
	candidate session.IceCandidate
}

// Everything that belongs to a single call attempt. Resources acquired for the attempt are
// registered with `own` and released together, exactly once, by `release`.
type attempt struct {
	id        string
	role      Role
	kind      session.MediaKind
	startedAt time.Time
	logger    *logrus.Entry
	telemetry *telemetry.Telemetry

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc

	events       chan interface{}
	peerMessages chan channel.Message[string, peer.MessageContent]
	publisher    *common.Worker[session.Candidate]

	mutex     sync.Mutex
	released  bool
	releases  []func()
	ringTimer *time.Timer
	// Guarded by the coordinator mutex.
	accepting bool

	// Owned by the loop goroutine.
	negotiator  Negotiator
	remoteSet   bool
	answered    bool
	published   bool
	unpublished []session.Candidate
	pending     []session.IceCandidate
	seen        map[uint64]struct{}
}

// Registers a release function. If the attempt has already been released, the function is
// run right away and false is returned: the caller must not use the resource anymore.
func (a *attempt) own(release func()) bool {
	a.mutex.Lock()
	if a.released {
		a.mutex.Unlock()
		release()
		return false
	}
	a.releases = append(a.releases, release)
	a.mutex.Unlock()
	return true
}

// Releases everything in reverse order of acquisition. Safe to call more than once.
func (a *attempt) release() {
	a.mutex.Lock()
	if a.released {
		a.mutex.Unlock()
		return
	}
	a.released = true
	releases := a.releases
	a.releases = nil
	a.mutex.Unlock()

	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
}

func (a *attempt) stopRingTimer() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.ringTimer != nil {
		a.ringTimer.Stop()
	}
}

// Hands an event to the loop unless the attempt is over.
func (a *attempt) post(event interface{}) {
	select {
	case a.events <- event:
	case <-a.ctx.Done():
	}
}

func (c *Coordinator) newAttempt(id string, role Role, kind session.MediaKind) *attempt {
	ctx, cancel := context.WithCancel(context.Background())

	a := &attempt{
		id:           id,
		role:         role,
		kind:         kind,
		startedAt:    time.Now(),
		logger:       c.logger.WithFields(logrus.Fields{"attempt_id": id, "role": role}),
		ctx:          ctx,
		cancel:       cancel,
		events:       make(chan interface{}, eventBuffer),
		peerMessages: make(chan channel.Message[string, peer.MessageContent], peerMessageBuffer),
		seen:         make(map[uint64]struct{}),
	}

	a.telemetry = telemetry.NewTelemetry(context.Background(), "call attempt",
		attribute.String("conversation_id", c.config.ConversationID),
		attribute.String("participant_id", c.config.LocalID),
		attribute.String("attempt_id", id),
		attribute.String("role", string(role)),
		attribute.String("media_kind", string(kind)),
	)

	a.publisher = common.StartWorker(common.WorkerConfig[session.Candidate]{
		ChannelSize: publishQueueSize,
		OnTask:      func(candidate session.Candidate) { c.publishCandidate(a, candidate) },
	})

	a.own(a.telemetry.End)
	a.own(cancel)
	a.own(a.publisher.Stop)

	c.metrics.AttemptStarted(string(role))
	go c.run(a)

	return a
}

// The attempt loop. Serializes everything that touches the negotiator once it is ready.
func (c *Coordinator) run(a *attempt) {
	for {
		select {
		case <-a.ctx.Done():
			return
		case event := <-a.events:
			c.handleEvent(a, event)
		case message := <-a.peerMessages:
			c.handlePeerMessage(a, message.Content)
		}
	}
}

func (c *Coordinator) handleEvent(a *attempt, event interface{}) {
	switch event := event.(type) {
	case peerReady:
		a.negotiator = event.negotiator
		if event.remoteSet {
			a.remoteSet = true
			c.flushCandidates(a)
		}
	case sessionPublished:
		a.published = true
		for _, candidate := range a.unpublished {
			c.queueCandidate(a, candidate)
		}
		a.unpublished = nil
	case sessionChanged:
		c.onSessionChanged(a, event.session)
	case candidateAppended:
		c.onRemoteCandidate(a, event.candidate)
	default:
		a.logger.Errorf("unknown event type: %T", event)
	}
}

func (c *Coordinator) handlePeerMessage(a *attempt, content peer.MessageContent) {
	switch msg := content.(type) {
	case peer.NewICECandidate:
		// Candidates can only be appended once the session document of the attempt exists.
		if !a.published {
			a.unpublished = append(a.unpublished, msg.Candidate)
			return
		}
		c.queueCandidate(a, msg.Candidate)
	case peer.ICEGatheringComplete:
		a.telemetry.AddEvent("ICE gathering complete")
	case peer.RemoteTrackReceived:
		c.addRemoteTrack(a, msg.Track)
	case peer.ConnectionStateChanged:
		a.telemetry.AddEvent("connection state changed", attribute.String("state", msg.State.String()))
		if msg.State == webrtc.PeerConnectionStateFailed {
			c.fail(a, newError(KindNegotiationFailed, "connect", ErrConnectionFailed), StateEnded, true)
		}
	default:
		a.logger.Errorf("unknown peer message type: %T", content)
	}
}

func (c *Coordinator) queueCandidate(a *attempt, candidate session.Candidate) {
	if err := a.publisher.Send(candidate); err != nil {
		a.logger.WithError(err).Warn("failed to queue local candidate")
	}
}

// Runs on the publisher worker.
func (c *Coordinator) publishCandidate(a *attempt, candidate session.Candidate) {
	ctx, cancel := context.WithTimeout(a.ctx, c.config.StoreTimeout)
	defer cancel()

	err := c.store.AppendCandidate(ctx, c.config.ConversationID, session.IceCandidate{
		AttemptID:         a.id,
		FromParticipantID: c.config.LocalID,
		Candidate:         candidate,
	})
	if err != nil {
		if a.ctx.Err() == nil {
			a.logger.WithError(err).Warn("failed to publish local candidate")
		}
		return
	}

	a.logger.WithField("candidate", candidate.Candidate).Debug("local candidate published")
}

func (c *Coordinator) onSessionChanged(a *attempt, doc *session.CallSession) {
	// Documents of other attempts (e.g. the previous, ended call) are irrelevant.
	if doc == nil || doc.AttemptID != a.id {
		return
	}

	if doc.Status == session.StatusEnded {
		a.telemetry.AddEvent("remote side ended the call")
		c.remoteEnded(a)
		return
	}

	if a.role != RoleCaller || doc.Answer == nil || a.answered || a.negotiator == nil {
		return
	}

	a.answered = true
	if err := a.negotiator.ApplyAnswer(*doc.Answer); err != nil {
		c.fail(a, newError(KindNegotiationFailed, "apply answer", err), StateIdle, true)
		return
	}

	a.telemetry.AddEvent("answer applied")
	a.remoteSet = true
	c.flushCandidates(a)
	c.connected(a)
}

func (c *Coordinator) onRemoteCandidate(a *attempt, candidate session.IceCandidate) {
	switch {
	case candidate.AttemptID != a.id:
		c.dropCandidate(a, candidate, "foreign_attempt")
		return
	case candidate.FromParticipantID == c.config.LocalID:
		c.dropCandidate(a, candidate, "own")
		return
	}

	if _, ok := a.seen[candidate.Sequence]; ok {
		c.dropCandidate(a, candidate, "duplicate")
		return
	}
	a.seen[candidate.Sequence] = struct{}{}

	// Remote candidates must not be applied before the remote description.
	if !a.remoteSet || a.negotiator == nil {
		a.pending = append(a.pending, candidate)
		c.metrics.RemoteCandidate("queued")
		return
	}

	c.applyCandidate(a, candidate)
}

func (c *Coordinator) flushCandidates(a *attempt) {
	if len(a.pending) == 0 {
		return
	}

	slices.SortFunc(a.pending, func(x, y session.IceCandidate) bool { return x.Sequence < y.Sequence })
	for _, candidate := range a.pending {
		c.applyCandidate(a, candidate)
	}
	a.pending = nil
}

func (c *Coordinator) applyCandidate(a *attempt, candidate session.IceCandidate) {
	logger := a.logger.WithFields(logrus.Fields{
		"candidate": candidate.Candidate.Candidate,
		"sequence":  candidate.Sequence,
	})

	if err := a.negotiator.AddRemoteCandidate(candidate.Candidate); err != nil {
		logger.WithError(err).Warn("failed to apply remote candidate")
		a.telemetry.AddError(err)
		c.metrics.RemoteCandidate("failed")
		return
	}

	logger.Debug("remote candidate applied")
	c.metrics.RemoteCandidate("applied")
}

func (c *Coordinator) dropCandidate(a *attempt, candidate session.IceCandidate, reason string) {
	a.logger.WithFields(logrus.Fields{
		"sequence": candidate.Sequence,
		"reason":   reason,
	}).Debug("remote candidate dropped")
	c.metrics.RemoteCandidate(reason)
}
