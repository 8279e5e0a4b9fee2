package webrtc_ext

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// Creates Pion's WebRTC API with the default codecs (Opus, VP8, H264, ...) and the default
// RTP/RTCP interceptors (NACK, RTCP reports, TWCC).
func CreateWebRTCAPI(config Config) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	// An interceptor registry has to be created per API when the API is built manually.
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to set default interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	if config.PortMin != 0 {
		if err := settings.SetEphemeralUDPPortRange(config.PortMin, config.PortMax); err != nil {
			return nil, fmt.Errorf("failed to set port range: %w", err)
		}
	}
	if len(config.PublicIPs) > 0 {
		settings.SetNAT1To1IPs(config.PublicIPs, webrtc.ICECandidateTypeHost)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	), nil
}
