package webrtc_ext

import (
	"errors"
	"fmt"
	"strings"
)

var defaultICEServers = []ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
}

// Configuration of the WebRTC API used for the call's peer connection.
type Config struct {
	// STUN/TURN servers. The public Google STUN servers are used when empty.
	ICEServers []ICEServer `yaml:"iceServers"`
	// Range of local UDP ports used for ICE. Both zero means any port.
	PortMin uint16 `yaml:"portMin"`
	PortMax uint16 `yaml:"portMax"`
	// Public IP addresses announced as host candidates (1:1 NAT).
	PublicIPs []string `yaml:"ipAddresses"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

func (c Config) WithDefaults() Config {
	if len(c.ICEServers) == 0 {
		c.ICEServers = defaultICEServers
	}
	return c
}

func (c Config) Validate() error {
	if (c.PortMin == 0) != (c.PortMax == 0) || c.PortMin > c.PortMax {
		return fmt.Errorf("invalid port range %d-%d", c.PortMin, c.PortMax)
	}

	for _, server := range c.ICEServers {
		if len(server.URLs) == 0 {
			return errors.New("ICE server without URLs")
		}
		for _, url := range server.URLs {
			if !strings.HasPrefix(url, "stun:") && !strings.HasPrefix(url, "turn:") && !strings.HasPrefix(url, "turns:") {
				return fmt.Errorf("unsupported ICE server URL %q", url)
			}
		}
	}

	return nil
}
