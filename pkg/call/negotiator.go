package call

import (
	"github.com/heartsync/callsig/pkg/channel"
	"github.com/heartsync/callsig/pkg/media"
	"github.com/heartsync/callsig/pkg/peer"
	"github.com/heartsync/callsig/pkg/session"
	"github.com/sirupsen/logrus"
)

// The connectivity negotiation primitive of one call attempt. Events (local candidates,
// remote tracks, connection state) are reported through the sink the negotiator was built with.
type Negotiator interface {
	AddLocalStream(stream *media.LocalStream) error
	CreateOffer() (session.Description, error)
	AcceptOffer(offer session.Description) (session.Description, error)
	ApplyAnswer(answer session.Description) error
	AddRemoteCandidate(candidate session.Candidate) error
	Close()
}

type PeerFactory interface {
	NewPeer(sink *channel.Sink[string, peer.MessageContent], logger *logrus.Entry) (Negotiator, error)
}

// Negotiates with pion WebRTC peer connections.
func WebRTCPeers(factory *peer.Factory[string]) PeerFactory {
	return webrtcPeers{factory: factory}
}

type webrtcPeers struct {
	factory *peer.Factory[string]
}

func (w webrtcPeers) NewPeer(sink *channel.Sink[string, peer.MessageContent], logger *logrus.Entry) (Negotiator, error) {
	p, err := w.factory.NewPeer(sink, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}
