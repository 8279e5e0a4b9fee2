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

package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/heartsync/callsig/pkg/channel"
	"github.com/heartsync/callsig/pkg/media"
	"github.com/heartsync/callsig/pkg/session"
	"github.com/heartsync/callsig/pkg/webrtc_ext"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

var (
	ErrCantCreatePeerConnection  = errors.New("can't create peer connection")
	ErrCantAddTrack              = errors.New("can't add track")
	ErrCantCreateOffer           = errors.New("can't create offer")
	ErrCantCreateAnswer          = errors.New("can't create answer")
	ErrCantSetLocalDescription   = errors.New("can't set local description")
	ErrCantSetRemoteDescription  = errors.New("can't set remote description")
	ErrCantAddICECandidate       = errors.New("can't add ICE candidate")
	ErrUnexpectedDescriptionType = errors.New("unexpected session description type")
)

// A wrapped representation of the peer connection of one call attempt. The owner drives
// the negotiation via the public methods, and the peer informs the owner about the things
// happening inside of it by posting messages to the sink.
type Peer[ID comparable] struct {
	logger         *logrus.Entry
	peerConnection *webrtc.PeerConnection
	sink           *channel.Sink[ID, MessageContent]

	closeOnce sync.Once
	closed    chan struct{}
}

// Builds peers with a shared, pre-configured WebRTC API.
type Factory[ID comparable] struct {
	connections *webrtc_ext.PeerConnectionFactory
}

func NewFactory[ID comparable](connections *webrtc_ext.PeerConnectionFactory) *Factory[ID] {
	return &Factory[ID]{connections: connections}
}

func (f *Factory[ID]) NewPeer(sink *channel.Sink[ID, MessageContent], logger *logrus.Entry) (*Peer[ID], error) {
	peerConnection, err := f.connections.CreatePeerConnection()
	if err != nil {
		logger.WithError(err).Error("failed to create peer connection")
		return nil, fmt.Errorf("%w: %v", ErrCantCreatePeerConnection, err)
	}

	peer := &Peer[ID]{
		logger:         logger,
		peerConnection: peerConnection,
		sink:           sink,
		closed:         make(chan struct{}),
	}

	peerConnection.OnTrack(peer.onRtpTrackReceived)
	peerConnection.OnICECandidate(peer.onICECandidateGathered)
	peerConnection.OnICEConnectionStateChange(peer.onICEConnectionStateChanged)
	peerConnection.OnICEGatheringStateChange(peer.onICEGatheringStateChanged)
	peerConnection.OnConnectionStateChange(peer.onConnectionStateChanged)
	peerConnection.OnSignalingStateChange(peer.onSignalingStateChanged)

	return peer, nil
}

// Adds all tracks of the stream to the connection, so that they are sent to the remote peer.
func (p *Peer[ID]) AddLocalStream(stream *media.LocalStream) error {
	for _, track := range stream.Tracks() {
		sender, err := p.peerConnection.AddTrack(track.Track())
		if err != nil {
			p.logger.WithError(err).WithField("track_id", track.ID()).Error("failed to add track")
			return fmt.Errorf("%w: %v", ErrCantAddTrack, err)
		}

		go p.drainRTCP(sender)
	}

	return nil
}

// Creates an offer and sets it as the local description.
func (p *Peer[ID]) CreateOffer() (session.Description, error) {
	offer, err := p.peerConnection.CreateOffer(nil)
	if err != nil {
		p.logger.WithError(err).Error("failed to create offer")
		return session.Description{}, fmt.Errorf("%w: %v", ErrCantCreateOffer, err)
	}

	if err := p.peerConnection.SetLocalDescription(offer); err != nil {
		p.logger.WithError(err).Error("failed to set local description")
		return session.Description{}, fmt.Errorf("%w: %v", ErrCantSetLocalDescription, err)
	}

	return fromSessionDescription(offer), nil
}

// Applies the remote offer and generates an answer which becomes the local description.
func (p *Peer[ID]) AcceptOffer(offer session.Description) (session.Description, error) {
	remote, err := toSessionDescription(offer, webrtc.SDPTypeOffer)
	if err != nil {
		return session.Description{}, err
	}

	if err := p.peerConnection.SetRemoteDescription(remote); err != nil {
		p.logger.WithError(err).Error("failed to set remote description")
		return session.Description{}, fmt.Errorf("%w: %v", ErrCantSetRemoteDescription, err)
	}

	answer, err := p.peerConnection.CreateAnswer(nil)
	if err != nil {
		p.logger.WithError(err).Error("failed to create answer")
		return session.Description{}, fmt.Errorf("%w: %v", ErrCantCreateAnswer, err)
	}

	if err := p.peerConnection.SetLocalDescription(answer); err != nil {
		p.logger.WithError(err).Error("failed to set local description")
		return session.Description{}, fmt.Errorf("%w: %v", ErrCantSetLocalDescription, err)
	}

	return fromSessionDescription(answer), nil
}

// Applies the answer of the remote peer to our offer.
func (p *Peer[ID]) ApplyAnswer(answer session.Description) error {
	remote, err := toSessionDescription(answer, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}

	if err := p.peerConnection.SetRemoteDescription(remote); err != nil {
		p.logger.WithError(err).Error("failed to set remote description")
		return fmt.Errorf("%w: %v", ErrCantSetRemoteDescription, err)
	}

	return nil
}

// Applies a candidate of the remote peer. Must only be called once the remote description is set.
func (p *Peer[ID]) AddRemoteCandidate(candidate session.Candidate) error {
	err := p.peerConnection.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
	if err != nil {
		p.logger.WithError(err).Warn("failed to add ICE candidate")
		return fmt.Errorf("%w: %v", ErrCantAddICECandidate, err)
	}

	return nil
}

// Closes the peer connection. No messages are sent by the peer afterwards. Safe to call more than once.
func (p *Peer[ID]) Close() {
	p.closeOnce.Do(func() {
		// The owner is not interested in us anymore, so nobody reads the sink from now on.
		p.sink.Seal()
		close(p.closed)

		if err := p.peerConnection.Close(); err != nil {
			p.logger.WithError(err).Error("failed to close peer connection")
		}
	})
}

func toSessionDescription(description session.Description, expected webrtc.SDPType) (webrtc.SessionDescription, error) {
	if webrtc.NewSDPType(description.Type) != expected {
		return webrtc.SessionDescription{}, fmt.Errorf(
			"%w: got %q, expected %q", ErrUnexpectedDescriptionType, description.Type, expected,
		)
	}

	return webrtc.SessionDescription{Type: expected, SDP: description.SDP}, nil
}

func fromSessionDescription(description webrtc.SessionDescription) session.Description {
	return session.Description{Type: description.Type.String(), SDP: description.SDP}
}
