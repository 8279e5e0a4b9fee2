// Package media acquires local audio/video tracks and describes remote ones.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/heartsync/callsig/pkg/session"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

var (
	ErrCaptureDenied      = errors.New("media capture denied")
	ErrDeviceUnavailable  = errors.New("media device unavailable")
	ErrUnknownMediaSource = errors.New("unknown media source")
)

// Acquires the local tracks of a call: audio for voice calls, audio and video for video calls.
type Provider interface {
	AcquireLocalMedia(ctx context.Context, kind session.MediaKind) (*LocalStream, error)
}

func NewProvider(config Config) (Provider, error) {
	switch config.Source {
	case SourceSynthetic, "":
		return &SyntheticProvider{}, nil
	case SourceFile:
		return &FileProvider{AudioFile: config.AudioFile, VideoFile: config.VideoFile}, nil
	case SourceDisabled:
		return DenyingProvider{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMediaSource, config.Source)
	}
}

// Generates silence and a test pattern instead of capturing real devices.
type SyntheticProvider struct{}

func (p *SyntheticProvider) AcquireLocalMedia(ctx context.Context, kind session.MediaKind) (*LocalStream, error) {
	return buildStream(ctx, kind, "synthetic", func(track TrackKind) (sampleSource, webrtc.RTPCodecCapability, error) {
		if track == TrackKindAudio {
			return silenceSource{}, opusCodec, nil
		}
		return &patternSource{}, vp8Codec, nil
	})
}

// Plays an Ogg/Opus file as the microphone and an IVF file as the camera. A track without
// a configured file falls back to the synthetic source.
type FileProvider struct {
	AudioFile string
	VideoFile string
}

func (p *FileProvider) AcquireLocalMedia(ctx context.Context, kind session.MediaKind) (*LocalStream, error) {
	return buildStream(ctx, kind, "file", func(track TrackKind) (sampleSource, webrtc.RTPCodecCapability, error) {
		if track == TrackKindAudio {
			if p.AudioFile == "" {
				return silenceSource{}, opusCodec, nil
			}
			source, err := openOggSource(p.AudioFile)
			if err != nil {
				return nil, opusCodec, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
			}
			return source, opusCodec, nil
		}

		if p.VideoFile == "" {
			return &patternSource{}, vp8Codec, nil
		}
		source, err := openIVFSource(p.VideoFile)
		if err != nil {
			return nil, vp8Codec, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return source, source.codec, nil
	})
}

// Refuses every capture request, as a user who denied the permission would.
type DenyingProvider struct{}

func (DenyingProvider) AcquireLocalMedia(ctx context.Context, _ session.MediaKind) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrCaptureDenied
}

type sourceOpener func(TrackKind) (sampleSource, webrtc.RTPCodecCapability, error)

func buildStream(ctx context.Context, kind session.MediaKind, provider string, open sourceOpener) (*LocalStream, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid media kind %q", kind)
	}

	kinds := []TrackKind{TrackKindAudio}
	if kind == session.MediaKindVideo {
		kinds = append(kinds, TrackKindVideo)
	}

	stream := &LocalStream{id: uuid.NewString()}
	logger := logrus.WithFields(logrus.Fields{"provider": provider, "stream_id": stream.id})

	for _, trackKind := range kinds {
		if err := ctx.Err(); err != nil {
			stream.Stop()
			return nil, err
		}

		source, codec, err := open(trackKind)
		if err != nil {
			stream.Stop()
			return nil, err
		}

		track, err := newLocalTrack(trackKind, codec, stream.id, source, logger)
		if err != nil {
			stream.Stop()
			return nil, fmt.Errorf("failed to create %s track: %w", trackKind, err)
		}

		stream.tracks = append(stream.tracks, track)
	}

	logger.WithField("tracks", len(stream.tracks)).Debug("local media acquired")
	return stream, nil
}
