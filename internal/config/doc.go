// Package config provides configuration loading and validation for the
// streaming transcription service. It handles YAML-based configuration with
// per-section validation: impossible values are rejected, while session and
// VAD tunables are clamped into their supported ranges.
package config
