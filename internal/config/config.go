package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCodec              = "vp9"
	DefaultBitrate            = 12_000_000
	MinBitrate                = 8_000_000
	DefaultGatheringTimeout   = 10 * time.Second
	DefaultMaxICERestarts     = 5
	DefaultMaxReconnectCycles = 3
	DefaultStatsInterval      = 2 * time.Second

	envPrefix = "WARUDO_"
)

// Config holds all application configuration
type Config struct {
	Log       Logging   `yaml:"log"`
	Media     Media     `yaml:"media"`
	ICE       ICE       `yaml:"ice"`
	Reconnect Reconnect `yaml:"reconnect"`
	Stats     Stats     `yaml:"stats"`
	Metrics   Metrics   `yaml:"metrics"`
	TURN      TURN      `yaml:"turn"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Media struct {
	Codec      string  `yaml:"codec"`
	Bitrate    float64 `yaml:"bitrate"`
	MinBitrate float64 `yaml:"min_bitrate"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type PortRange struct {
	Min uint16 `yaml:"min"`
	Max uint16 `yaml:"max"`
}

type ICE struct {
	Servers             []ICEServer   `yaml:"servers"`
	GatheringTimeout    time.Duration `yaml:"gathering_timeout"`
	DisconnectedTimeout time.Duration `yaml:"disconnected_timeout"`
	FailedTimeout       time.Duration `yaml:"failed_timeout"`
	KeepAliveInterval   time.Duration `yaml:"keepalive_interval"`
	PortRange           PortRange     `yaml:"port_range"`
	// RelayOnly restricts gathering to TURN candidates.
	RelayOnly bool `yaml:"relay_only"`
}

// Reconnect bounds both recovery tiers. The delay between ICE restarts and
// between failed rebuilds grows from BackoffInitial by BackoffMultiplier and
// holds at BackoffMax.
type Reconnect struct {
	MaxICERestarts     int           `yaml:"max_ice_restarts"`
	MaxReconnectCycles int           `yaml:"max_reconnect_cycles"`
	BackoffInitial     time.Duration `yaml:"backoff_initial"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	BackoffMultiplier  float64       `yaml:"backoff_multiplier"`
}

type Stats struct {
	Interval time.Duration `yaml:"interval"`
	History  int           `yaml:"history"`
}

type Metrics struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TURN struct {
	Enabled  bool   `yaml:"enabled"`
	Port     int    `yaml:"port"`
	Realm    string `yaml:"realm"`
	PublicIP string `yaml:"public_ip"`
	// Users is a comma separated list of user=password pairs.
	Users   string `yaml:"users"`
	Threads int    `yaml:"threads"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		Log: Logging{
			Level:  "info",
			Format: "console",
		},
		Media: Media{
			Codec:      DefaultCodec,
			Bitrate:    DefaultBitrate,
			MinBitrate: MinBitrate,
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
				{URLs: []string{"stun:stun.cloudflare.com:3478"}},
			},
			GatheringTimeout:    DefaultGatheringTimeout,
			DisconnectedTimeout: 5 * time.Second,
			FailedTimeout:       10 * time.Second,
			KeepAliveInterval:   2 * time.Second,
		},
		Reconnect: Reconnect{
			MaxICERestarts:     DefaultMaxICERestarts,
			MaxReconnectCycles: DefaultMaxReconnectCycles,
			BackoffInitial:     time.Second,
			BackoffMax:         16 * time.Second,
			BackoffMultiplier:  2,
		},
		Stats: Stats{
			Interval: DefaultStatsInterval,
			History:  150,
		},
		Metrics: Metrics{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
		TURN: TURN{
			Port:     3478,
			Realm:    "warudo-cam",
			PublicIP: "127.0.0.1",
			Users:    "warudo=warudo",
			Threads:  1,
		},
	}
}

// Load reads a YAML file over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(envPrefix + "CODEC"); v != "" {
		cfg.Media.Codec = v
	}
	if v := os.Getenv(envPrefix + "BITRATE"); v != "" {
		b, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sBITRATE %q: %w", envPrefix, v, err)
		}
		cfg.Media.Bitrate = b
	}
	if v := os.Getenv(envPrefix + "METRICS_ADDR"); v != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = v
	}
	return nil
}

// Validate reports every problem at once rather than stopping at the first.
func (c Config) Validate() error {
	var errs error

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.format %q is not one of console, json", c.Log.Format))
	}

	switch strings.ToLower(c.Media.Codec) {
	case "vp9", "h264":
	default:
		errs = multierr.Append(errs, fmt.Errorf("media.codec %q is not one of vp9, h264", c.Media.Codec))
	}
	if !(c.Media.MinBitrate > 0) || math.IsInf(c.Media.MinBitrate, 0) {
		errs = multierr.Append(errs, fmt.Errorf("media.min_bitrate must be a positive number"))
	}
	if !(c.Media.Bitrate > 0) || math.IsInf(c.Media.Bitrate, 0) {
		errs = multierr.Append(errs, fmt.Errorf("media.bitrate must be a positive number"))
	}

	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("ice.servers[%d] has no urls", i))
		}
		for _, raw := range s.URLs {
			u, err := stun.ParseURI(raw)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("ice.servers[%d] url %q: %w", i, raw, err))
				continue
			}
			if (u.Scheme == stun.SchemeTypeTURN || u.Scheme == stun.SchemeTypeTURNS) && (s.Username == "" || s.Credential == "") {
				errs = multierr.Append(errs, fmt.Errorf("ice.servers[%d] turn url %q requires username and credential", i, raw))
			}
		}
	}
	if c.ICE.GatheringTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("ice.gathering_timeout must be positive"))
	}
	if c.ICE.PortRange.Min > c.ICE.PortRange.Max {
		errs = multierr.Append(errs, fmt.Errorf("ice.port_range min %d exceeds max %d", c.ICE.PortRange.Min, c.ICE.PortRange.Max))
	}

	if c.Reconnect.MaxICERestarts < 0 {
		errs = multierr.Append(errs, fmt.Errorf("reconnect.max_ice_restarts must not be negative"))
	}
	if c.Reconnect.MaxReconnectCycles < 0 {
		errs = multierr.Append(errs, fmt.Errorf("reconnect.max_reconnect_cycles must not be negative"))
	}
	if c.Reconnect.BackoffInitial <= 0 || c.Reconnect.BackoffMax < c.Reconnect.BackoffInitial {
		errs = multierr.Append(errs, fmt.Errorf("reconnect backoff needs 0 < backoff_initial <= backoff_max"))
	}
	if c.Reconnect.BackoffMultiplier < 1 {
		errs = multierr.Append(errs, fmt.Errorf("reconnect.backoff_multiplier must be at least 1"))
	}

	if c.Stats.Interval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("stats.interval must be positive"))
	}
	if c.Stats.History <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("stats.history must be positive"))
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		errs = multierr.Append(errs, fmt.Errorf("metrics.listen_addr is required when metrics are enabled"))
	}

	if c.TURN.Enabled {
		if c.TURN.Port <= 0 || c.TURN.Port > 65535 {
			errs = multierr.Append(errs, fmt.Errorf("turn.port %d out of range", c.TURN.Port))
		}
		if c.TURN.Realm == "" {
			errs = multierr.Append(errs, fmt.Errorf("turn.realm is required"))
		}
		if c.TURN.Threads <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("turn.threads must be positive"))
		}
		if len(c.TURN.Credentials()) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("turn.users must contain at least one user=password pair"))
		}
	}

	return errs
}

// Credentials parses TURN.Users into a username to password map.
func (t TURN) Credentials() map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(t.Users, ",") {
		user, pass, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || user == "" || pass == "" {
			continue
		}
		out[user] = pass
	}
	return out
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
