package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/heartsync/callsig/pkg/call"
	"github.com/heartsync/callsig/pkg/control"
	"github.com/heartsync/callsig/pkg/media"
	"github.com/heartsync/callsig/pkg/session/redis"
	"github.com/heartsync/callsig/pkg/telemetry"
	"github.com/heartsync/callsig/pkg/webrtc_ext"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Participant agent configuration.
type Config struct {
	// The call: conversation, participants and timeouts.
	Call call.Config `yaml:"call"`
	// Where call sessions are stored.
	Store Store `yaml:"store"`
	// ICE servers and the UDP port range.
	WebRTC webrtc_ext.Config `yaml:"webrtc"`
	// Where the local audio and video come from.
	Media media.Config `yaml:"media"`
	// The UI driver surface.
	Control control.Config `yaml:"control"`
	// Tracing, disabled unless an exporter is configured.
	Telemetry telemetry.Config `yaml:"telemetry"`
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
}

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

type Store struct {
	// `memory` (default) only connects participants of the same process.
	Backend Backend      `yaml:"backend"`
	Redis   redis.Config `yaml:"redis"`
}

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML). Returns an error if the config could
// not be loaded.
func LoadConfig(path string) (*Config, error) {
	config, err := LoadConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		return LoadConfigFromPath(path)
	}

	return config, nil
}

// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
var ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")

// Tries to load the config from environment variable (`CONFIG`).
func LoadConfigFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadConfigFromString(configEnv)
}

// Tries to load a config from the provided path.
func LoadConfigFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

// Load config from the provided string, apply the defaults and validate it.
func LoadConfigFromString(configString string) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config values: %w", err)
	}

	return &config, nil
}

func (c Config) WithDefaults() Config {
	c.Call = c.Call.WithDefaults()
	c.WebRTC = c.WebRTC.WithDefaults()
	c.Control = c.Control.WithDefaults()
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Media.Source == "" {
		c.Media.Source = media.SourceSynthetic
	}
	return c
}

func (c Config) Validate() error {
	if err := c.Call.Validate(); err != nil {
		return fmt.Errorf("call: %w", err)
	}
	if err := c.WebRTC.Validate(); err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}
	if err := c.Control.Validate(); err != nil {
		return fmt.Errorf("control: %w", err)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("store: redis address is missing")
		}
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}

	switch c.Media.Source {
	case media.SourceSynthetic, media.SourceDisabled:
	case media.SourceFile:
		if c.Media.AudioFile == "" && c.Media.VideoFile == "" {
			return errors.New("media: file source without any file")
		}
	default:
		return fmt.Errorf("media: %w: %q", media.ErrUnknownMediaSource, c.Media.Source)
	}

	if _, err := c.Level(); err != nil {
		return err
	}

	return nil
}

// The configured log level, info by default.
func (c Config) Level() (logrus.Level, error) {
	if c.LogLevel == "" {
		return logrus.InfoLevel, nil
	}

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("log: %w", err)
	}
	return level, nil
}
