package redis

import "time"

// Connection settings of the Redis session store.
type Config struct {
	// Address in the `host:port` form.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	// Redis database number.
	DB int `yaml:"db"`
	// Prefix prepended to all keys and channels.
	KeyPrefix   string        `yaml:"keyPrefix"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

const (
	defaultKeyPrefix   = "callsig"
	defaultDialTimeout = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	return c
}
