package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"pcmout.dev/internal/audio"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// FileLoggingConfig represents file-based logging configuration
type FileLoggingConfig struct {
	Enabled    bool   `json:"enabled"`      // Whether file logging is enabled
	Filename   string `json:"filename"`     // Log file path (empty = XDG cache path)
	MaxSizeMB  int    `json:"max_size_mb"`  // Max file size in MB before rotation
	MaxBackups int    `json:"max_backups"`  // Max number of backup files to keep
	MaxAgeDays int    `json:"max_age_days"` // Max age in days before deletion
	Compress   bool   `json:"compress"`     // Whether to compress rotated files
}

// Config represents pcmout configuration
type Config struct {
	Backend       string             `json:"backend"`                // Backend id, or "auto"
	Device        string             `json:"device"`                 // Device id or name, empty = default device
	SampleRate    int                `json:"sample_rate"`            // Requested rate in Hz
	Channels      int                `json:"channels"`               // Requested channel count
	BitDepth      int                `json:"bit_depth"`              // Requested bits per sample
	Encoding      string             `json:"encoding"`               // signed, unsigned or float
	PeriodFrames  int                `json:"period_frames"`          // 0 = about 10 ms
	BufferPeriods int                `json:"buffer_periods"`         // Ring size in periods, 0 = default
	Volume        *float64           `json:"volume,omitempty"`       // Playback volume (0.0 to 1.0)
	WavOutput     string             `json:"wav_output"`             // Output path for the wavfile backend
	LogLevel      string             `json:"log_level"`              // Log level (debug, info, warn, error)
	FileLogging   *FileLoggingConfig `json:"file_logging,omitempty"` // File logging configuration
}

// VolumeOrDefault returns the configured volume, or full volume when unset
func (c *Config) VolumeOrDefault() float64 {
	if c.Volume == nil {
		return 1.0
	}
	return *c.Volume
}

// RequestedFormat builds the format to negotiate from the config
func (c *Config) RequestedFormat() (audio.SampleFormat, error) {
	enc, err := audio.ParseEncoding(c.Encoding)
	if err != nil {
		return audio.SampleFormat{}, err
	}
	f := audio.SampleFormat{Encoding: enc, BitDepth: c.BitDepth, Channels: c.Channels, SampleRate: c.SampleRate}
	if err := f.Validate(); err != nil {
		return audio.SampleFormat{}, err
	}
	return f, nil
}

// BackendID returns the configured backend, "auto" when empty
func (c *Config) BackendID() audio.BackendID {
	if c.Backend == "" {
		return audio.AutoBackend
	}
	return audio.BackendID(c.Backend)
}

// Backends are the ids a config may name
var Backends = []string{"auto", "malgo", "oto", "syscmd", "wavfile"}

var logLevels = []string{"debug", "info", "warn", "error"}

// ConfigManager handles loading, saving, and validating configuration
type ConfigManager struct {
	fs  afero.Fs
	xdg *XDGDirs
}

// NewConfigManager creates a configuration manager on the OS filesystem
func NewConfigManager() *ConfigManager {
	return NewConfigManagerWithFilesystem(afero.NewOsFs())
}

// NewConfigManagerWithFilesystem creates a configuration manager over fs
func NewConfigManagerWithFilesystem(fs afero.Fs) *ConfigManager {
	return &ConfigManager{fs: fs, xdg: NewXDGDirs(fs)}
}

// XDG returns the directory helper used by the manager
func (cm *ConfigManager) XDG() *XDGDirs {
	return cm.xdg
}

// GetDefaultConfig returns the default configuration
func (cm *ConfigManager) GetDefaultConfig() *Config {
	volume := 1.0
	return &Config{
		Backend:    string(audio.AutoBackend),
		SampleRate: 48000,
		Channels:   2,
		BitDepth:   16,
		Encoding:   "signed",
		Volume:     &volume,
		LogLevel:   "warn",
		FileLogging: &FileLoggingConfig{
			Enabled:    false,
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// LoadFromFile loads configuration from a specific file. Fields missing from
// the file keep their defaults.
func (cm *ConfigManager) LoadFromFile(filePath string) (*Config, error) {
	slog.Debug("loading config from file", "file_path", filePath)

	data, err := afero.ReadFile(cm.fs, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := cm.GetDefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		slog.Error("failed to parse config JSON", "file_path", filePath, "error", err)
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cm.ValidateConfig(config); err != nil {
		return nil, err
	}

	slog.Debug("config loaded successfully",
		"file_path", filePath,
		"backend", config.Backend,
		"device", config.Device)
	return config, nil
}

// SaveToFile saves configuration to a specific file
func (cm *ConfigManager) SaveToFile(config *Config, filePath string) error {
	if err := cm.ValidateConfig(config); err != nil {
		return fmt.Errorf("cannot save invalid config: %w", err)
	}

	dir := filepath.Dir(filePath)
	if err := cm.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := afero.WriteFile(cm.fs, filePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	slog.Info("config saved successfully", "file_path", filePath)
	return nil
}

// LoadConfig loads the first config file found on the XDG search path, or
// the defaults when there is none
func (cm *ConfigManager) LoadConfig() (*Config, error) {
	configPaths := cm.xdg.GetConfigPaths("config.json")

	for _, configPath := range configPaths {
		if _, err := cm.fs.Stat(configPath); err == nil {
			slog.Debug("found config file", "path", configPath)
			return cm.LoadFromFile(configPath)
		}
	}

	slog.Debug("no config file found, using defaults", "searched", len(configPaths))
	return cm.GetDefaultConfig(), nil
}

// ValidateConfig validates configuration values
func (cm *ConfigManager) ValidateConfig(config *Config) error {
	var problems []string

	if config.Volume != nil && (*config.Volume < 0.0 || *config.Volume > 1.0) {
		problems = append(problems, fmt.Sprintf("volume must be between 0.0 and 1.0, got %f", *config.Volume))
	}

	if config.LogLevel != "" && !slices.Contains(logLevels, config.LogLevel) {
		problems = append(problems, fmt.Sprintf("invalid log level '%s', must be one of: %s",
			config.LogLevel, strings.Join(logLevels, ", ")))
	}

	if !IsValidBackend(config.Backend) {
		problems = append(problems, fmt.Sprintf("invalid backend '%s', must be one of: %s",
			config.Backend, strings.Join(Backends, ", ")))
	}

	if _, err := config.RequestedFormat(); err != nil {
		problems = append(problems, fmt.Sprintf("invalid audio format: %v", err))
	}

	if config.PeriodFrames < 0 {
		problems = append(problems, fmt.Sprintf("period_frames must be >= 0, got %d", config.PeriodFrames))
	}
	if config.BufferPeriods < 0 {
		problems = append(problems, fmt.Sprintf("buffer_periods must be >= 0, got %d", config.BufferPeriods))
	}

	if fl := config.FileLogging; fl != nil {
		if fl.MaxSizeMB < 0 {
			problems = append(problems, fmt.Sprintf("file logging max_size_mb must be >= 0, got %d", fl.MaxSizeMB))
		}
		if fl.MaxBackups < 0 {
			problems = append(problems, fmt.Sprintf("file logging max_backups must be >= 0, got %d", fl.MaxBackups))
		}
		if fl.MaxAgeDays < 0 {
			problems = append(problems, fmt.Sprintf("file logging max_age_days must be >= 0, got %d", fl.MaxAgeDays))
		}
	}

	if len(problems) > 0 {
		errMsg := strings.Join(problems, "; ")
		slog.Error("config validation failed", "errors", errMsg)
		return fmt.Errorf("%w: %s", ErrInvalidConfig, errMsg)
	}
	return nil
}

// MergeConfigs merges two configurations, with the non-zero fields of
// override taking precedence
func (cm *ConfigManager) MergeConfigs(base, override *Config) *Config {
	merged := *base

	if override.Backend != "" {
		merged.Backend = override.Backend
	}
	if override.Device != "" {
		merged.Device = override.Device
	}
	if override.SampleRate != 0 {
		merged.SampleRate = override.SampleRate
	}
	if override.Channels != 0 {
		merged.Channels = override.Channels
	}
	if override.BitDepth != 0 {
		merged.BitDepth = override.BitDepth
	}
	if override.Encoding != "" {
		merged.Encoding = override.Encoding
	}
	if override.PeriodFrames != 0 {
		merged.PeriodFrames = override.PeriodFrames
	}
	if override.BufferPeriods != 0 {
		merged.BufferPeriods = override.BufferPeriods
	}
	if override.Volume != nil {
		v := *override.Volume
		merged.Volume = &v
	}
	if override.WavOutput != "" {
		merged.WavOutput = override.WavOutput
	}
	if override.LogLevel != "" {
		merged.LogLevel = override.LogLevel
	}
	if override.FileLogging != nil {
		fl := *override.FileLogging
		merged.FileLogging = &fl
	}
	return &merged
}

// ApplyEnvironmentOverrides applies PCMOUT_* environment variables to a copy
// of config. Unparseable values are logged and ignored.
func (cm *ConfigManager) ApplyEnvironmentOverrides(config *Config) *Config {
	result := *config

	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
			slog.Debug("applied override from environment", "variable", name, "value", v)
		}
	}
	num := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid environment variable", "variable", name, "value", v, "error", err)
			return
		}
		*dst = n
	}

	if backend := os.Getenv("PCMOUT_BACKEND"); backend != "" {
		if IsValidBackend(backend) {
			result.Backend = backend
		} else {
			slog.Warn("invalid PCMOUT_BACKEND environment variable", "value", backend)
		}
	}
	str("PCMOUT_DEVICE", &result.Device)
	num("PCMOUT_SAMPLE_RATE", &result.SampleRate)
	num("PCMOUT_CHANNELS", &result.Channels)
	num("PCMOUT_BIT_DEPTH", &result.BitDepth)
	str("PCMOUT_ENCODING", &result.Encoding)
	str("PCMOUT_LOG_LEVEL", &result.LogLevel)
	str("PCMOUT_WAV_OUTPUT", &result.WavOutput)

	if volStr := os.Getenv("PCMOUT_VOLUME"); volStr != "" {
		if vol, err := strconv.ParseFloat(volStr, 64); err == nil {
			result.Volume = &vol
		} else {
			slog.Warn("invalid PCMOUT_VOLUME environment variable", "value", volStr, "error", err)
		}
	}
	return &result
}

// ParseLogLevel converts a config log level into a slog.Level
func ParseLogLevel(logLevel string) (slog.Level, error) {
	switch strings.ToLower(logLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "", "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, fmt.Errorf("%w: log level '%s', must be one of: %s",
			ErrInvalidConfig, logLevel, strings.Join(logLevels, ", "))
	}
}

// ResolveLogFilePath resolves the log file path using the XDG cache
// directory when filename is empty
func (cm *ConfigManager) ResolveLogFilePath(filename string) string {
	if filename != "" {
		return filename
	}
	return filepath.Join(cm.xdg.GetCachePath("logs"), "pcmout.log")
}

// IsValidBackend checks if a backend id may appear in the config
func IsValidBackend(backend string) bool {
	return backend == "" || slices.Contains(Backends, backend)
}
