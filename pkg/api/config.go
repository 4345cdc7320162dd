package api

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultConfigFile is looked up in the working directory
const DefaultConfigFile = "Wapod.toml"

// ServerConfig configures one HTTP mount
type ServerConfig struct {
	Address string `toml:"address"`
	// QueryPayloadLimit caps a pushed query body, in bytes
	QueryPayloadLimit int64 `toml:"query_payload_limit"`
	// ObjectSizeLimit caps one blob upload, in bytes
	ObjectSizeLimit int64 `toml:"object_size_limit"`
	// RateLimit caps requests per second, 0 disabling the limiter
	RateLimit float64 `toml:"rate_limit"`
	// RateBurst is the limiter burst size
	RateBurst int `toml:"rate_burst"`
}

// Config is the layered front-end configuration: built-in defaults,
// overridden by the TOML file, overridden by WAPOD_ADMIN_* and
// WAPOD_USER_* environment variables.
type Config struct {
	Admin ServerConfig `toml:"admin"`
	User  ServerConfig `toml:"user"`

	ObjectsDir string `toml:"objects_dir"`

	Workers        int    `toml:"workers"`
	MaxMemoryPages uint32 `toml:"max_memory_pages"`
	MaxInstances   int    `toml:"max_instances"`
	EpochTickMS    int    `toml:"epoch_tick_ms"`

	TCPAllow []string `toml:"tcp_allow"`
	TCPDeny  []string `toml:"tcp_deny"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() Config {
	return Config{
		Admin: ServerConfig{
			Address:           "127.0.0.1:8001",
			QueryPayloadLimit: 100 << 20,
			ObjectSizeLimit:   10 << 20,
		},
		User: ServerConfig{
			Address:           "0.0.0.0:8000",
			QueryPayloadLimit: 100 << 20,
			ObjectSizeLimit:   10 << 20,
			RateLimit:         100,
			RateBurst:         200,
		},
		ObjectsDir:     "objects",
		Workers:        1,
		MaxMemoryPages: 256,
		MaxInstances:   8,
		EpochTickMS:    100,
	}
}

// EpochTick converts the configured tick to a duration
func (c Config) EpochTick() time.Duration {
	if c.EpochTickMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.EpochTickMS) * time.Millisecond
}

// LoadConfig layers the TOML file (when present) and the environment
// over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultConfigFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// The file is optional
	default:
		return cfg, fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnv("WAPOD_ADMIN_", &cfg.Admin)
	applyEnv("WAPOD_USER_", &cfg.User)
	return cfg, nil
}

func applyEnv(prefix string, server *ServerConfig) {
	if v := os.Getenv(prefix + "ADDRESS"); v != "" {
		server.Address = v
	}
	if v := os.Getenv(prefix + "QUERY_PAYLOAD_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			server.QueryPayloadLimit = n
		}
	}
	if v := os.Getenv(prefix + "OBJECT_SIZE_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			server.ObjectSizeLimit = n
		}
	}
	if v := os.Getenv(prefix + "RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			server.RateLimit = f
		}
	}
}
