package control

import (
	"errors"
	"net/http"

	"github.com/heartsync/callsig/pkg/call"
)

// JSON rendering of a call snapshot.
type SnapshotView struct {
	State        string      `json:"state"`
	AttemptID    string      `json:"attemptId,omitempty"`
	Error        *ErrorView  `json:"error,omitempty"`
	AudioMuted   bool        `json:"audioMuted"`
	VideoMuted   bool        `json:"videoMuted"`
	LocalTracks  []TrackView `json:"localTracks"`
	RemoteTracks []TrackView `json:"remoteTracks"`
}

type ErrorView struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

type TrackView struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Codec   string `json:"codec"`
	Enabled *bool  `json:"enabled,omitempty"`
	Packets uint64 `json:"packets,omitempty"`
	Frames  uint64 `json:"frames,omitempty"`
}

func NewSnapshotView(snapshot call.Snapshot) SnapshotView {
	view := SnapshotView{
		State:        string(snapshot.State),
		AttemptID:    snapshot.AttemptID,
		Error:        NewErrorView(snapshot.LastError),
		AudioMuted:   snapshot.AudioMuted,
		VideoMuted:   snapshot.VideoMuted,
		LocalTracks:  []TrackView{},
		RemoteTracks: []TrackView{},
	}

	if snapshot.LocalStream != nil {
		for _, track := range snapshot.LocalStream.Tracks() {
			enabled := track.Enabled()
			view.LocalTracks = append(view.LocalTracks, TrackView{
				ID:      track.ID(),
				Kind:    string(track.Kind()),
				Codec:   track.Codec(),
				Enabled: &enabled,
			})
		}
	}

	if snapshot.RemoteStream != nil {
		for _, track := range snapshot.RemoteStream.Tracks() {
			view.RemoteTracks = append(view.RemoteTracks, TrackView{
				ID:      track.ID(),
				Kind:    string(track.Kind()),
				Codec:   track.Codec(),
				Packets: track.Packets(),
				Frames:  track.Frames(),
			})
		}
	}

	return view
}

func NewErrorView(err error) *ErrorView {
	if err == nil {
		return nil
	}

	view := &ErrorView{Message: err.Error()}
	if kind, ok := call.KindOf(err); ok {
		view.Kind = string(kind)
	}
	return view
}

// HTTP status of a failed operation.
func statusOf(err error) int {
	switch {
	case errors.Is(err, call.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, call.ErrAttemptCancelled):
		return http.StatusConflict
	}

	kind, _ := call.KindOf(err)
	switch kind {
	case call.KindPreconditionMissing:
		return http.StatusConflict
	case call.KindCaptureDenied:
		return http.StatusForbidden
	case call.KindTimeout:
		return http.StatusGatewayTimeout
	case call.KindSessionWriteFailed, call.KindNegotiationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
