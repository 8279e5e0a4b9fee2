package call_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/heartsync/callsig/pkg/call"
	"github.com/heartsync/callsig/pkg/channel"
	"github.com/heartsync/callsig/pkg/media"
	"github.com/heartsync/callsig/pkg/peer"
	"github.com/heartsync/callsig/pkg/session"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

var errBadAnswer = errors.New("malformed answer")

// Negotiator that exchanges canned descriptions and reports a couple of local candidates
// tagged with the attempt id, so that leaks across attempts are visible.
type fakePeer struct {
	sink       *channel.Sink[string, peer.MessageContent]
	answerSDP  string
	mutex      sync.Mutex
	stream     *media.LocalStream
	remoteSet  bool
	answer     *session.Description
	candidates []session.Candidate
	violations int
	closed     bool
}

func (p *fakePeer) AddLocalStream(stream *media.LocalStream) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.stream = stream
	return nil
}

func (p *fakePeer) CreateOffer() (session.Description, error) {
	p.gather()
	return session.Description{Type: "offer", SDP: "offer-" + p.sink.Sender()}, nil
}

func (p *fakePeer) AcceptOffer(offer session.Description) (session.Description, error) {
	if offer.Type != "offer" {
		return session.Description{}, fmt.Errorf("unexpected description type %q", offer.Type)
	}

	p.mutex.Lock()
	p.remoteSet = true
	p.mutex.Unlock()

	p.gather()
	p.emitRemoteTrack()
	return session.Description{Type: "answer", SDP: p.answerSDP}, nil
}

func (p *fakePeer) ApplyAnswer(answer session.Description) error {
	if answer.SDP == "bad" {
		return errBadAnswer
	}

	p.mutex.Lock()
	p.remoteSet = true
	p.answer = &answer
	p.mutex.Unlock()

	p.emitRemoteTrack()
	return nil
}

func (p *fakePeer) AddRemoteCandidate(candidate session.Candidate) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.remoteSet {
		p.violations++
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePeer) Close() {
	p.mutex.Lock()
	p.closed = true
	p.mutex.Unlock()

	p.sink.Seal()
}

// Reports a failed connection, as ICE would after losing connectivity.
func (p *fakePeer) fail() {
	go p.sink.Send(peer.ConnectionStateChanged{State: webrtc.PeerConnectionStateFailed})
}

func (p *fakePeer) gather() {
	attemptID := p.sink.Sender()
	go func() {
		for i := 0; i < 2; i++ {
			mid := "0"
			candidate := session.Candidate{Candidate: fmt.Sprintf("candidate:%s:%d", attemptID, i), SDPMid: &mid}
			if p.sink.Send(peer.NewICECandidate{Candidate: candidate}) != nil {
				return
			}
		}
		_ = p.sink.Send(peer.ICEGatheringComplete{})
	}()
}

func (p *fakePeer) emitRemoteTrack() {
	track := media.NewRemoteTrack("remote-audio", "remote", media.TrackKindAudio, webrtc.MimeTypeOpus)
	go p.sink.Send(peer.RemoteTrackReceived{Track: track})
}

func (p *fakePeer) state() (candidates []session.Candidate, violations int, closed bool, answer *session.Description) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]session.Candidate(nil), p.candidates...), p.violations, p.closed, p.answer
}

type fakePeers struct {
	answerSDP string
	err       error
	mutex     sync.Mutex
	peers     []*fakePeer
}

func (f *fakePeers) NewPeer(sink *channel.Sink[string, peer.MessageContent], _ *logrus.Entry) (call.Negotiator, error) {
	if f.err != nil {
		return nil, f.err
	}

	answer := f.answerSDP
	if answer == "" {
		answer = "answer-" + sink.Sender()
	}

	p := &fakePeer{sink: sink, answerSDP: answer}

	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.peers = append(f.peers, p)

	return p, nil
}

func (f *fakePeers) count() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.peers)
}

func (f *fakePeers) last() *fakePeer {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// Synthetic media that can be made to fail or to hang until the attempt is cancelled.
type fakeMedia struct {
	synthetic media.SyntheticProvider
	err       error
	block     chan struct{}
	entered   chan struct{}
	// Keep blocking until `block` is closed even if the attempt is cancelled.
	ignoreCancel bool
	calls        atomic.Int32

	mutex   sync.Mutex
	streams []*media.LocalStream
}

func (m *fakeMedia) AcquireLocalMedia(ctx context.Context, kind session.MediaKind) (*media.LocalStream, error) {
	m.calls.Add(1)

	if m.entered != nil {
		select {
		case m.entered <- struct{}{}:
		default:
		}
	}

	if m.block != nil {
		if m.ignoreCancel {
			<-m.block
			ctx = context.Background()
		} else {
			select {
			case <-m.block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if m.err != nil {
		return nil, m.err
	}

	stream, err := m.synthetic.AcquireLocalMedia(ctx, kind)
	if err == nil {
		m.mutex.Lock()
		m.streams = append(m.streams, stream)
		m.mutex.Unlock()
	}
	return stream, err
}

func (m *fakeMedia) acquired() []*media.LocalStream {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]*media.LocalStream(nil), m.streams...)
}

// Store whose candidate subscriptions also deliver a candidate of an older attempt and
// every candidate twice, like a relay that neither resets nor deduplicates.
type leakyStore struct {
	session.Store
	stale session.IceCandidate
}

func (s *leakyStore) SubscribeCandidates(
	ctx context.Context,
	conversationID string,
	onAppend func(session.IceCandidate),
) (session.Subscription, error) {
	var once sync.Once

	return s.Store.SubscribeCandidates(ctx, conversationID, func(candidate session.IceCandidate) {
		once.Do(func() { onAppend(s.stale) })
		onAppend(candidate)
		onAppend(candidate)
	})
}

func candidatesOf(candidates []session.Candidate, attemptID string) (own, foreign int) {
	for _, candidate := range candidates {
		if strings.HasPrefix(candidate.Candidate, "candidate:"+attemptID+":") {
			own++
		} else {
			foreign++
		}
	}
	return own, foreign
}
