package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

const (
	syntheticAudioInterval = 20 * time.Millisecond
	syntheticVideoInterval = time.Second / 30
	syntheticFrameSize     = 1200
	opusClockRate          = 48000
)

var (
	opusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2}
	vp8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	vp9Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}
)

type silenceSource struct{}

func (silenceSource) NextSample() (media.Sample, error) {
	return media.Sample{Data: opusSilence, Duration: syntheticAudioInterval}, nil
}

func (silenceSource) Close() error { return nil }

// Opaque frames filled with a moving pattern. Not decodable video, but enough to keep
// the RTP flow (and thus the remote track) alive.
type patternSource struct {
	frame byte
}

func (s *patternSource) NextSample() (media.Sample, error) {
	data := make([]byte, syntheticFrameSize)
	for i := range data {
		data[i] = s.frame + byte(i)
	}
	s.frame++

	return media.Sample{Data: data, Duration: syntheticVideoInterval}, nil
}

func (s *patternSource) Close() error { return nil }

// Plays the pages of an Ogg/Opus file in a loop.
type oggSource struct {
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func openOggSource(path string) (*oggSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	source := &oggSource{file: file}
	if err := source.rewind(); err != nil {
		file.Close()
		return nil, err
	}

	return source, nil
}

func (s *oggSource) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	reader, _, err := oggreader.NewWith(s.file)
	if err != nil {
		return fmt.Errorf("invalid ogg file: %w", err)
	}

	s.reader = reader
	s.lastGranule = 0
	return nil
}

func (s *oggSource) NextSample() (media.Sample, error) {
	payload, header, err := s.reader.ParseNextPage()
	if errors.Is(err, io.EOF) {
		if err := s.rewind(); err != nil {
			return media.Sample{}, err
		}
		payload, header, err = s.reader.ParseNextPage()
	}
	if err != nil {
		return media.Sample{}, err
	}

	var duration time.Duration
	if header.GranulePosition > s.lastGranule {
		samples := header.GranulePosition - s.lastGranule
		duration = time.Duration(samples) * time.Second / opusClockRate
	}
	s.lastGranule = header.GranulePosition

	return media.Sample{Data: payload, Duration: duration}, nil
}

func (s *oggSource) Close() error {
	return s.file.Close()
}

// Plays the frames of an IVF (VP8/VP9) file in a loop.
type ivfSource struct {
	file     *os.File
	reader   *ivfreader.IVFReader
	interval time.Duration
	codec    webrtc.RTPCodecCapability
}

func openIVFSource(path string) (*ivfSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	source := &ivfSource{file: file}
	header, err := source.rewind()
	if err != nil {
		file.Close()
		return nil, err
	}

	switch header.FourCC {
	case "VP80":
		source.codec = vp8Codec
	case "VP90":
		source.codec = vp9Codec
	default:
		file.Close()
		return nil, fmt.Errorf("unsupported IVF codec %q", header.FourCC)
	}

	if header.TimebaseDenominator > 0 {
		source.interval = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	}

	return source, nil
}

func (s *ivfSource) rewind() (*ivfreader.IVFFileHeader, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	reader, header, err := ivfreader.NewWith(s.file)
	if err != nil {
		return nil, fmt.Errorf("invalid ivf file: %w", err)
	}

	s.reader = reader
	return header, nil
}

func (s *ivfSource) NextSample() (media.Sample, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if errors.Is(err, io.EOF) {
		if _, err := s.rewind(); err != nil {
			return media.Sample{}, err
		}
		frame, _, err = s.reader.ParseNextFrame()
	}
	if err != nil {
		return media.Sample{}, err
	}

	return media.Sample{Data: frame, Duration: s.interval}, nil
}

func (s *ivfSource) Close() error {
	return s.file.Close()
}
