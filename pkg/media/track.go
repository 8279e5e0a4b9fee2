package media

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/sirupsen/logrus"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// An Opus frame that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const fallbackSampleDuration = 20 * time.Millisecond

// Produces the samples of a local track. Called from the track goroutine only.
type sampleSource interface {
	NextSample() (media.Sample, error)
	Close() error
}

// A locally captured track. Samples are paced by their duration and written to the
// underlying pion track, which fans them out to every peer connection it is added to.
type LocalTrack struct {
	kind    TrackKind
	track   *webrtc.TrackLocalStaticSample
	logger  *logrus.Entry
	enabled atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newLocalTrack(
	kind TrackKind,
	codec webrtc.RTPCodecCapability,
	streamID string,
	source sampleSource,
	logger *logrus.Entry,
) (*LocalTrack, error) {
	id := streamID + "-" + string(kind)

	track, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		source.Close()
		return nil, err
	}

	t := &LocalTrack{
		kind:   kind,
		track:  track,
		logger: logger.WithFields(logrus.Fields{"track_id": id, "kind": kind}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	t.enabled.Store(true)

	go t.run(source)

	return t, nil
}

func (t *LocalTrack) Kind() TrackKind {
	return t.kind
}

func (t *LocalTrack) ID() string {
	return t.track.ID()
}

func (t *LocalTrack) Codec() string {
	return t.track.Codec().MimeType
}

// The pion track to be added to a peer connection.
func (t *LocalTrack) Track() webrtc.TrackLocal {
	return t.track
}

// A disabled track keeps its clock running: audio sends silence, video sends nothing.
func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *LocalTrack) Enabled() bool {
	return t.enabled.Load()
}

func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Closed once the track stopped producing samples.
func (t *LocalTrack) Done() <-chan struct{} {
	return t.done
}

func (t *LocalTrack) run(source sampleSource) {
	defer close(t.done)
	defer func() {
		if err := source.Close(); err != nil {
			t.logger.WithError(err).Debug("failed to close media source")
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-timer.C:
		}

		sample, err := source.NextSample()
		if err != nil {
			t.logger.WithError(err).Error("media source failed")
			return
		}

		if sample.Duration <= 0 {
			sample.Duration = fallbackSampleDuration
		}
		timer.Reset(sample.Duration)

		if !t.enabled.Load() {
			if t.kind == TrackKindVideo {
				continue
			}
			sample.Data = opusSilence
		}

		if err := t.track.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			t.logger.WithError(err).Debug("failed to write sample")
		}
	}
}

// Description of a track received from the remote participant. The counters are fed by
// the peer connection's read loop.
type RemoteTrack struct {
	id       string
	streamID string
	kind     TrackKind
	codec    string

	packets atomic.Uint64
	bytes   atomic.Uint64
	frames  atomic.Uint64
}

func NewRemoteTrack(id, streamID string, kind TrackKind, codec string) *RemoteTrack {
	return &RemoteTrack{id: id, streamID: streamID, kind: kind, codec: codec}
}

func (t *RemoteTrack) ID() string { return t.id }
func (t *RemoteTrack) StreamID() string { return t.streamID }
func (t *RemoteTrack) Kind() TrackKind { return t.kind }
func (t *RemoteTrack) Codec() string { return t.codec }
func (t *RemoteTrack) Packets() uint64 { return t.packets.Load() }
func (t *RemoteTrack) Bytes() uint64 { return t.bytes.Load() }

// Only meaningful for video, where the last packet of each frame is marked.
func (t *RemoteTrack) Frames() uint64 { return t.frames.Load() }

func (t *RemoteTrack) AddPacket(size int, endOfFrame bool) {
	t.packets.Add(1)
	t.bytes.Add(uint64(size))
	if endOfFrame {
		t.frames.Add(1)
	}
}
