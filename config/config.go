package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	Uplink     UplinkConfig     `yaml:"uplink"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Diag       DiagConfig       `yaml:"diag"`
}

// ServerConfig locates the remote transcription service.
type ServerConfig struct {
	// BaseURL is the http(s) base address of the service. The websocket
	// endpoints are derived from it. MURMUR_SERVER_URL overrides it.
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// AudioConfig contains capture and segmentation parameters.
type AudioConfig struct {
	SampleRate      int           `yaml:"sample_rate"`
	Channels        int           `yaml:"channels"`
	SegmentInterval time.Duration `yaml:"segment_interval"`
	Format          string        `yaml:"format"`  // "flac" or "wav"
	Bitrate         int           `yaml:"bitrate"` // kbit/s hint, ignored by lossless formats
}

// UplinkConfig contains transport selection and retry parameters.
type UplinkConfig struct {
	Transport   string        `yaml:"transport"` // "stream" or "resume"
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

// TranscriptConfig contains the inbound transcript channel parameters.
type TranscriptConfig struct {
	Enabled           bool          `yaml:"enabled"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DiagConfig contains the optional local diagnostics HTTP server.
type DiagConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8000",
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Channels:        1,
			SegmentInterval: 10 * time.Second,
			Format:          "flac",
		},
		Uplink: UplinkConfig{
			Transport:   "stream",
			MaxAttempts: 5,
			BaseDelay:   time.Second,
		},
		Transcript: TranscriptConfig{
			Enabled:           true,
			HeartbeatInterval: 30 * time.Second,
		},
		Diag: DiagConfig{
			Enabled: false,
			Address: "localhost:9090",
		},
	}
}

// Load reads the configuration file, fills unset fields with defaults and
// applies environment overrides. A missing file is not an error: defaults
// plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadDotenv loads a .env file into the process environment. A missing file
// is ignored; callers load it before Load so MURMUR_* overrides apply.
func LoadDotenv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	godotenv.Load(paths...)
}

func (c *Config) applyEnv() {
	if s := os.Getenv("MURMUR_SERVER_URL"); s != "" {
		c.Server.BaseURL = s
	}
	if s := os.Getenv("MURMUR_API_KEY"); s != "" {
		c.Server.APIKey = s
	}
	if s := os.Getenv("MURMUR_TRANSPORT"); s != "" {
		c.Uplink.Transport = s
	}
	if s := os.Getenv("MURMUR_SEGMENT_INTERVAL_MS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			c.Audio.SegmentInterval = time.Duration(n) * time.Millisecond
		}
	}
}

// Validate performs validation of the configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Uplink.Validate(); err != nil {
		return fmt.Errorf("uplink config: %w", err)
	}
	if err := c.Transcript.Validate(); err != nil {
		return fmt.Errorf("transcript config: %w", err)
	}
	if err := c.Diag.Validate(); err != nil {
		return fmt.Errorf("diag config: %w", err)
	}
	return nil
}

func (s *ServerConfig) Validate() error {
	if s.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 {
		return fmt.Errorf("sample_rate must be at least 8000, got %d", a.SampleRate)
	}
	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono capture), got %d", a.Channels)
	}
	if a.SegmentInterval < time.Second {
		return fmt.Errorf("segment_interval must be at least 1s, got %v", a.SegmentInterval)
	}
	switch a.Format {
	case "flac", "wav":
	default:
		return fmt.Errorf("unknown audio format %q", a.Format)
	}
	if a.Bitrate < 0 {
		return fmt.Errorf("bitrate cannot be negative, got %d", a.Bitrate)
	}
	return nil
}

func (u *UplinkConfig) Validate() error {
	switch u.Transport {
	case "stream", "resume":
	default:
		return fmt.Errorf("transport must be \"stream\" or \"resume\", got %q", u.Transport)
	}
	if u.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", u.MaxAttempts)
	}
	if u.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive, got %v", u.BaseDelay)
	}
	return nil
}

func (t *TranscriptConfig) Validate() error {
	if t.Enabled && t.HeartbeatInterval < time.Second {
		return fmt.Errorf("heartbeat_interval must be at least 1s, got %v", t.HeartbeatInterval)
	}
	return nil
}

func (d *DiagConfig) Validate() error {
	if d.Enabled && d.Address == "" {
		return fmt.Errorf("address cannot be empty when diag is enabled")
	}
	return nil
}
