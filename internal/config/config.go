package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile = "ASSIST_CONFIG_FILE"

	defaultListenAddr   = ":8082"
	defaultRelayURL     = "ws://127.0.0.1:8082/ws"
	defaultSettleDelay  = time.Second
	defaultPresenceTTL  = 30 * time.Second
	defaultSTUNServer   = "stun:stun.l.google.com:19302"
	defaultLogLevel     = "info"
	defaultWireFormat   = "json"
	hubMemory           = "memory"
	hubRedis            = "redis"
	defaultRedisAddress = "redis://localhost:6379"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Relay    RelayConfig    `yaml:"relay"`
	Endpoint EndpointConfig `yaml:"endpoint"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RelayConfig configures the signaling relay server.
type RelayConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	Hub            string        `yaml:"hub"`
	RedisURL       string        `yaml:"redis_url"`
	PresenceTTL    time.Duration `yaml:"presence_ttl"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// EndpointConfig configures a technician or client endpoint.
type EndpointConfig struct {
	RelayURL   string   `yaml:"relay_url"`
	ICEServers []string `yaml:"ice_servers"`
	// SettleDelay is how long the technician waits after its own presence
	// opens before dialing the client.
	SettleDelay time.Duration `yaml:"settle_delay"`
	SendAck     *bool         `yaml:"send_ack"`
	WireFormat  string        `yaml:"wire_format"`
}

type CaptureConfig struct {
	IVFPath string `yaml:"ivf_path"`
}

type PlaybackConfig struct {
	RecordDir string `yaml:"record_dir"`
}

func Default() Config {
	sendAck := true
	return Config{
		Log: LogConfig{Level: defaultLogLevel, Format: "text"},
		Relay: RelayConfig{
			ListenAddr:  defaultListenAddr,
			Hub:         hubMemory,
			RedisURL:    defaultRedisAddress,
			PresenceTTL: defaultPresenceTTL,
		},
		Endpoint: EndpointConfig{
			RelayURL:    defaultRelayURL,
			ICEServers:  []string{defaultSTUNServer},
			SettleDelay: defaultSettleDelay,
			SendAck:     &sendAck,
			WireFormat:  defaultWireFormat,
		},
	}
}

// Load reads path (or $ASSIST_CONFIG_FILE when path is empty) over the
// defaults and then applies environment overrides. A missing file is only
// an error when it was named explicitly.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv(EnvConfigFile))
		explicit = path != ""
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := env("ASSIST_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := env("ASSIST_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := env("ASSIST_LISTEN_ADDR"); v != "" {
		c.Relay.ListenAddr = v
	}
	if v := env("ASSIST_HUB"); v != "" {
		c.Relay.Hub = v
	}
	if v := env("REDIS_URL"); v != "" {
		c.Relay.RedisURL = v
	}
	if v := env("ALLOWED_ORIGINS"); v != "" {
		c.Relay.AllowedOrigins = splitList(v)
	}
	if v := env("ASSIST_RELAY_URL"); v != "" {
		c.Endpoint.RelayURL = v
	}
	if v := env("ASSIST_ICE_SERVERS"); v != "" {
		c.Endpoint.ICEServers = splitList(v)
	}
	if v := env("ASSIST_SETTLE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ASSIST_SETTLE_DELAY is invalid: %w", err)
		}
		c.Endpoint.SettleDelay = d
	}
	if v := env("ASSIST_SEND_ACK"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ASSIST_SEND_ACK is invalid: %w", err)
		}
		c.Endpoint.SendAck = &b
	}
	if v := env("ASSIST_WIRE_FORMAT"); v != "" {
		c.Endpoint.WireFormat = v
	}
	if v := env("ASSIST_CAPTURE_IVF"); v != "" {
		c.Capture.IVFPath = v
	}
	if v := env("ASSIST_RECORD_DIR"); v != "" {
		c.Playback.RecordDir = v
	}
	return nil
}

// AckEnabled reports whether the client acknowledges a new signaling channel.
func (c EndpointConfig) AckEnabled() bool {
	return c.SendAck == nil || *c.SendAck
}

// ValidateRelay checks the settings used by the relay server.
func (c Config) ValidateRelay() error {
	if strings.TrimSpace(c.Relay.ListenAddr) == "" {
		return fmt.Errorf("relay.listen_addr must not be empty")
	}
	switch c.Relay.Hub {
	case hubMemory:
	case hubRedis:
		if strings.TrimSpace(c.Relay.RedisURL) == "" {
			return fmt.Errorf("relay.redis_url is required for the redis hub")
		}
	default:
		return fmt.Errorf("relay.hub must be %q or %q, got %q", hubMemory, hubRedis, c.Relay.Hub)
	}
	if c.Relay.PresenceTTL <= 0 {
		return fmt.Errorf("relay.presence_ttl must be positive")
	}
	return nil
}

// ValidateEndpoint checks the settings used by a session endpoint.
func (c Config) ValidateEndpoint() error {
	parsed, err := url.Parse(strings.TrimSpace(c.Endpoint.RelayURL))
	if err != nil {
		return fmt.Errorf("endpoint.relay_url is invalid: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("endpoint.relay_url must use ws or wss")
	}
	if parsed.Host == "" {
		return fmt.Errorf("endpoint.relay_url must include a host")
	}
	if c.Endpoint.SettleDelay < 0 {
		return fmt.Errorf("endpoint.settle_delay must not be negative")
	}
	switch c.Endpoint.WireFormat {
	case "json", "cbor":
	default:
		return fmt.Errorf("endpoint.wire_format must be json or cbor, got %q", c.Endpoint.WireFormat)
	}
	return nil
}

// UsesRedis reports whether the relay should share presence through Redis.
func (c RelayConfig) UsesRedis() bool {
	return c.Hub == hubRedis
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
