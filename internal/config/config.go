package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Audio   AudioConfig   `yaml:"audio"`
	VAD     VADConfig     `yaml:"vad"`
	Session SessionConfig `yaml:"session"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains HTTP/WebSocket server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Address        string   `yaml:"address"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AudioConfig contains audio stream parameters
type AudioConfig struct {
	SampleRate    int     `yaml:"sample_rate"`
	MinSeconds    float64 `yaml:"min_seconds"`    // silence-close threshold
	MaxSeconds    float64 `yaml:"max_seconds"`    // hard segment ceiling
	StreamTimeout int     `yaml:"stream_timeout"` // seconds of inactivity before session cleanup
}

// VADConfig contains voice activity estimation configuration
type VADConfig struct {
	VoiceFactor float64 `yaml:"voice_factor"`
	HistorySize int     `yaml:"history_size"`
	NoiseFloor  float64 `yaml:"noise_floor"`
}

// SessionConfig contains transcription session configuration
type SessionConfig struct {
	PartialInterval      float64  `yaml:"partial_interval"` // seconds between partial attempts
	IdleFlush            float64  `yaml:"idle_flush"`       // seconds without audio before a silence flush
	AllowNonLatin        bool     `yaml:"allow_non_latin"`
	HallucinationPhrases []string `yaml:"hallucination_phrases"`
}

// EngineConfig contains whisper-server backend configuration
type EngineConfig struct {
	DefaultModel    string `yaml:"default_model"`
	ModelsDir       string `yaml:"models_dir"`
	ServerBin       string `yaml:"server_bin"`
	BasePort        int    `yaml:"base_port"`
	PortRange       int    `yaml:"port_range"`
	Threads         int    `yaml:"threads"`
	StartupTimeout  int    `yaml:"startup_timeout"` // seconds
	RequestTimeout  int    `yaml:"request_timeout"` // seconds
	DownloadBaseURL string `yaml:"download_base_url"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Clamp ranges for session tunables. Out-of-range values are corrected
// rather than rejected so a stream never fails over a bad knob.
const (
	MinPartialInterval = 0.1
	MaxPartialInterval = 2.0
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets the environment override engine settings the way
// the transcription backend expects to be deployed.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WHISPER_MODEL_SIZE"); v != "" {
		c.Engine.DefaultModel = v
	}
	if v := os.Getenv("WHISPER_MODELS_DIR"); v != "" {
		c.Engine.ModelsDir = v
	}
	if v := os.Getenv("WHISPER_SERVER_BIN"); v != "" {
		c.Engine.ServerBin = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz for the stream protocol, got %d", a.SampleRate)
	}

	if a.MinSeconds <= 0 {
		return fmt.Errorf("min_seconds must be positive, got %f", a.MinSeconds)
	}

	if a.MaxSeconds <= a.MinSeconds {
		return fmt.Errorf("max_seconds (%f) must be greater than min_seconds (%f)",
			a.MaxSeconds, a.MinSeconds)
	}

	if a.StreamTimeout < 1 {
		return fmt.Errorf("stream_timeout must be at least 1 second, got %d", a.StreamTimeout)
	}

	return nil
}

// Validate validates VAD configuration, clamping tunables into range.
func (v *VADConfig) Validate() error {
	if v.VoiceFactor < 0.05 {
		v.VoiceFactor = 0.05
	}
	if v.VoiceFactor > 0.9 {
		v.VoiceFactor = 0.9
	}

	if v.HistorySize <= 0 {
		v.HistorySize = 50
	}

	if v.NoiseFloor <= 0 {
		v.NoiseFloor = 1e-5
	}

	return nil
}

// Validate validates session configuration, clamping tunables into range.
func (s *SessionConfig) Validate() error {
	if s.PartialInterval < MinPartialInterval {
		s.PartialInterval = MinPartialInterval
	}
	if s.PartialInterval > MaxPartialInterval {
		s.PartialInterval = MaxPartialInterval
	}

	if s.IdleFlush <= 0 {
		s.IdleFlush = 2.0
	}

	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	if e.DefaultModel == "" {
		e.DefaultModel = "large-v3"
	}

	if e.ModelsDir == "" {
		return fmt.Errorf("models_dir cannot be empty")
	}

	if e.ServerBin == "" {
		return fmt.Errorf("server_bin cannot be empty")
	}

	if e.BasePort < 1 || e.BasePort > 65535 {
		return fmt.Errorf("base_port must be between 1 and 65535, got %d", e.BasePort)
	}

	if e.PortRange <= 0 {
		e.PortRange = 100
	}

	if e.Threads <= 0 {
		e.Threads = 4
	}

	if e.StartupTimeout <= 0 {
		e.StartupTimeout = 6
	}

	if e.RequestTimeout <= 0 {
		e.RequestTimeout = 120
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetStreamTimeoutDuration returns the stream timeout as a time.Duration
func (a *AudioConfig) GetStreamTimeoutDuration() time.Duration {
	return time.Duration(a.StreamTimeout) * time.Second
}

// GetPartialInterval returns the partial attempt interval as a time.Duration
func (s *SessionConfig) GetPartialInterval() time.Duration {
	return time.Duration(s.PartialInterval * float64(time.Second))
}

// GetIdleFlush returns the idle flush window as a time.Duration
func (s *SessionConfig) GetIdleFlush() time.Duration {
	return time.Duration(s.IdleFlush * float64(time.Second))
}

// GetStartupTimeout returns the engine startup timeout as a time.Duration
func (e *EngineConfig) GetStartupTimeout() time.Duration {
	return time.Duration(e.StartupTimeout) * time.Second
}

// GetRequestTimeout returns the inference request timeout as a time.Duration
func (e *EngineConfig) GetRequestTimeout() time.Duration {
	return time.Duration(e.RequestTimeout) * time.Second
}
