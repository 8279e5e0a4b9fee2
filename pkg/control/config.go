package control

import (
	"errors"
	"net"
)

const DefaultAddr = "127.0.0.1:8090"

// Where the UI driver surface listens.
type Config struct {
	Addr string `yaml:"addr"`
}

func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	return c
}

func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return errors.New("control address must be host:port")
	}
	return nil
}
