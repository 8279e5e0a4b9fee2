package peer

import (
	"github.com/heartsync/callsig/pkg/media"
	"github.com/heartsync/callsig/pkg/session"
	"github.com/pion/webrtc/v3"
)

// Anything the peer reports to its owner. The owner switches on the concrete type.
type MessageContent = interface{}

// A local candidate was gathered and should be published to the remote side.
type NewICECandidate struct {
	Candidate session.Candidate
}

type ICEGatheringComplete struct{}

type RemoteTrackReceived struct {
	Track *media.RemoteTrack
}

type ConnectionStateChanged struct {
	State webrtc.PeerConnectionState
}
