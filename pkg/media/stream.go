package media

import (
	"sync"

	"golang.org/x/exp/slices"
)

// Tracks acquired together by a single capture request.
type LocalStream struct {
	id       string
	tracks   []*LocalTrack
	stopOnce sync.Once
}

func (s *LocalStream) ID() string {
	return s.id
}

func (s *LocalStream) Tracks() []*LocalTrack {
	return slices.Clone(s.tracks)
}

func (s *LocalStream) AudioTracks() []*LocalTrack {
	return s.byKind(TrackKindAudio)
}

func (s *LocalStream) VideoTracks() []*LocalTrack {
	return s.byKind(TrackKindVideo)
}

// Stops every track. Safe to call more than once.
func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		for _, track := range s.tracks {
			track.Stop()
		}
	})
}

func (s *LocalStream) byKind(kind TrackKind) []*LocalTrack {
	var tracks []*LocalTrack
	for _, track := range s.tracks {
		if track.kind == kind {
			tracks = append(tracks, track)
		}
	}
	return tracks
}

// Tracks received from the remote participant during one call attempt.
type RemoteStream struct {
	mutex  sync.Mutex
	tracks []*RemoteTrack
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

// Adds a track unless a track with the same ID is already known. Returns whether it was added.
func (s *RemoteStream) Add(track *RemoteTrack) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if slices.IndexFunc(s.tracks, func(t *RemoteTrack) bool { return t.id == track.id }) >= 0 {
		return false
	}

	s.tracks = append(s.tracks, track)
	return true
}

func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return slices.Clone(s.tracks)
}
