package peer

import (
	"errors"
	"io"

	"github.com/heartsync/callsig/pkg/media"
	"github.com/heartsync/callsig/pkg/session"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

const rtcpBufferSize = 1500

// Called once the first RTP packets of a new remote track arrive.
func (p *Peer[ID]) onRtpTrackReceived(remoteTrack *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	track := media.NewRemoteTrack(
		remoteTrack.ID(),
		remoteTrack.StreamID(),
		media.TrackKind(remoteTrack.Kind().String()),
		remoteTrack.Codec().MimeType,
	)

	logger := p.logger.WithFields(logrus.Fields{
		"track_id": track.ID(),
		"kind":     track.Kind(),
		"codec":    track.Codec(),
	})
	logger.Info("remote track received")

	// Ask for a key frame right away, so that the remote video shows up without waiting
	// for the next periodic one.
	if remoteTrack.Kind() == webrtc.RTPCodecTypeVideo {
		err := p.peerConnection.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(remoteTrack.SSRC())},
		})
		if err != nil {
			logger.WithError(err).Warn("failed to request a key frame")
		}
	}

	if err := p.sink.Send(RemoteTrackReceived{Track: track}); err != nil {
		return
	}

	go func() {
		for {
			packet, _, err := remoteTrack.ReadRTP()
			if err != nil {
				if errors.Is(err, io.EOF) {
					logger.Info("remote track closed")
				} else {
					select {
					case <-p.closed:
					default:
						logger.WithError(err).Warn("failed to read from remote track")
					}
				}
				return
			}

			record(track, packet)
		}
	}()
}

// The marker bit is set on the last packet of a video frame.
func record(track *media.RemoteTrack, packet *rtp.Packet) {
	track.AddPacket(packet.MarshalSize(), packet.Marker)
}

// Reads the RTCP addressed to a local track so that the interceptors can process it.
func (p *Peer[ID]) drainRTCP(sender *webrtc.RTPSender) {
	buffer := make([]byte, rtcpBufferSize)
	for {
		if _, _, err := sender.Read(buffer); err != nil {
			return
		}
	}
}

func (p *Peer[ID]) onICECandidateGathered(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		p.logger.Info("ICE candidate gathering finished")
		p.sink.Send(ICEGatheringComplete{})
		return
	}

	json := candidate.ToJSON()
	p.logger.WithField("candidate", json.Candidate).Debug("ICE candidate gathered")

	p.sink.Send(NewICECandidate{Candidate: session.Candidate{
		Candidate:        json.Candidate,
		SDPMid:           json.SDPMid,
		SDPMLineIndex:    json.SDPMLineIndex,
		UsernameFragment: json.UsernameFragment,
	}})
}

func (p *Peer[ID]) onICEConnectionStateChanged(state webrtc.ICEConnectionState) {
	p.logger.Debugf("ICE connection state changed: %v", state)
}

func (p *Peer[ID]) onICEGatheringStateChanged(state webrtc.ICEGathererState) {
	p.logger.Debugf("ICE gathering state changed: %v", state)
}

func (p *Peer[ID]) onSignalingStateChanged(state webrtc.SignalingState) {
	p.logger.Debugf("signaling state changed: %v", state)
}

func (p *Peer[ID]) onConnectionStateChanged(state webrtc.PeerConnectionState) {
	p.logger.Infof("connection state changed: %v", state)
	p.sink.Send(ConnectionStateChanged{State: state})
}
