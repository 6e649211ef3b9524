// Package config provides configuration management for ShiftWatch
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the daemon.
type Config struct {
	// Camera settings
	Camera CameraConfig `mapstructure:"camera"`

	// Verification settings (hot-reloadable mid-session)
	Verification Settings `mapstructure:"verification"`

	// Storage settings
	Storage StorageConfig `mapstructure:"storage"`

	// Logging settings
	Logging LoggingConfig `mapstructure:"logging"`

	// Daemon settings
	Daemon DaemonConfig `mapstructure:"daemon"`
}

// CameraConfig holds camera-related configuration
type CameraConfig struct {
	Device      string `mapstructure:"device"`       // V4L2 device path (e.g., /dev/video0)
	Width       int    `mapstructure:"width"`        // Capture width
	Height      int    `mapstructure:"height"`       // Capture height
	FPS         int    `mapstructure:"fps"`          // Frames per second
	PixelFormat string `mapstructure:"pixel_format"` // V4L2 pixel format
}

// Settings are the verification parameters the engine reads at the start of
// every challenge cycle. They may change mid-session; the engine always
// fetches the current snapshot from the Provider and never caches one beyond
// a single cycle.
type Settings struct {
	// CAPTCHA cadence
	CaptchaIntervalSeconds int `mapstructure:"captcha_interval_seconds"` // time between challenge cycles
	CaptchaWarningSeconds  int `mapstructure:"captcha_warning_seconds"`  // warning lead before the challenge
	CaptchaTimeoutSeconds  int `mapstructure:"captcha_timeout_seconds"`  // unanswered challenge deadline
	CaptchaMaxAttempts     int `mapstructure:"captcha_max_attempts"`     // wrong answers before escalation
	CaptchaCooldownSeconds int `mapstructure:"captcha_cooldown_seconds"` // pause after a success before re-arming

	// Face re-verification cadence
	CaptchasBeforeFace int     `mapstructure:"captchas_before_face"` // success streak that unlocks a face check
	FaceWarningSeconds int     `mapstructure:"face_warning_seconds"`
	FaceTimeoutSeconds int     `mapstructure:"face_timeout_seconds"`
	SimilarityMinimum  float64 `mapstructure:"similarity_minimum"` // descriptor similarity threshold

	// Spoof gate
	MinSharpness          float64 `mapstructure:"min_sharpness"`
	MinContrast           float64 `mapstructure:"min_contrast"`
	MinColorfulness       float64 `mapstructure:"min_colorfulness"`
	MaxTexture            float64 `mapstructure:"max_texture"`
	MinBrightness         float64 `mapstructure:"min_brightness"`
	MaxBrightness         float64 `mapstructure:"max_brightness"`
	MinConfidence         float64 `mapstructure:"min_confidence"`
	SpoofFrameCount       int     `mapstructure:"spoof_frame_count"`
	SpoofFrameDelayMillis int     `mapstructure:"spoof_frame_delay_ms"`
	MaxConfidenceVariance float64 `mapstructure:"max_confidence_variance"`

	// Motion detector
	MotionMinScore     float64 `mapstructure:"motion_min_score"`
	MotionMaxScore     float64 `mapstructure:"motion_max_score"`
	MotionWindowMillis int     `mapstructure:"motion_window_ms"`
	MotionSampleMillis int     `mapstructure:"motion_sample_ms"`

	// Watchdog
	InactivityTimeoutSeconds int `mapstructure:"inactivity_timeout_seconds"`
	HeartbeatSeconds         int `mapstructure:"heartbeat_seconds"`
}

// StorageConfig holds data storage configuration
type StorageConfig struct {
	DataDir      string `mapstructure:"data_dir"`      // Directory for runtime data
	DatabasePath string `mapstructure:"database_path"` // SQLite database path
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `mapstructure:"level"` // Log level: debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path (empty = stdout)
}

// DaemonConfig holds daemon runtime configuration
type DaemonConfig struct {
	SocketPath string `mapstructure:"socket_path"` // Unix socket for the control protocol
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Camera: CameraConfig{
			Device:      "/dev/video0",
			Width:       640,
			Height:      480,
			FPS:         30,
			PixelFormat: "MJPEG",
		},
		Verification: DefaultSettings(),
		Storage: StorageConfig{
			DataDir:      "/var/lib/shiftwatch",
			DatabasePath: "/var/lib/shiftwatch/shiftwatch.db",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
		Daemon: DaemonConfig{
			SocketPath: "/var/run/shiftwatch/shiftwatch.sock",
		},
	}
}

// DefaultSettings returns the default verification settings.
func DefaultSettings() Settings {
	return Settings{
		CaptchaIntervalSeconds: 600,
		CaptchaWarningSeconds:  30,
		CaptchaTimeoutSeconds:  60,
		CaptchaMaxAttempts:     3,
		CaptchaCooldownSeconds: 2,

		CaptchasBeforeFace: 3,
		FaceWarningSeconds: 10,
		FaceTimeoutSeconds: 45,
		SimilarityMinimum:  0.8,

		MinSharpness:          80,
		MinContrast:           30,
		MinColorfulness:       15,
		MaxTexture:            0.25,
		MinBrightness:         40,
		MaxBrightness:         220,
		MinConfidence:         0.6,
		SpoofFrameCount:       3,
		SpoofFrameDelayMillis: 200,
		MaxConfidenceVariance: 0.05,

		MotionMinScore:     0.5,
		MotionMaxScore:     25,
		MotionWindowMillis: 2000,
		MotionSampleMillis: 200,

		InactivityTimeoutSeconds: 300,
		HeartbeatSeconds:         15,
	}
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("shiftwatch")
		v.AddConfigPath("/etc/shiftwatch/")
		v.AddConfigPath("$HOME/.shiftwatch")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SHIFTWATCH")
	v.AutomaticEnv()

	// Config file not found is OK, use defaults
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("error creating data directory: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	v := viper.New()
	v.Set("camera", c.Camera)
	v.Set("verification", c.Verification)
	v.Set("storage", c.Storage)
	v.Set("logging", c.Logging)
	v.Set("daemon", c.Daemon)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("error writing config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Camera.Device == "" {
		return fmt.Errorf("camera device cannot be empty")
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	return c.Verification.Validate()
}

// Validate checks the verification settings for internal consistency.
func (s Settings) Validate() error {
	if s.CaptchaIntervalSeconds <= 0 {
		return fmt.Errorf("captcha interval must be positive")
	}
	if s.CaptchaWarningSeconds < 0 || s.CaptchaWarningSeconds >= s.CaptchaIntervalSeconds {
		return fmt.Errorf("captcha warning window must fit inside the interval")
	}
	if s.CaptchaTimeoutSeconds <= 0 {
		return fmt.Errorf("captcha timeout must be positive")
	}
	if s.CaptchaMaxAttempts <= 0 {
		return fmt.Errorf("captcha max attempts must be positive")
	}
	if s.CaptchasBeforeFace <= 0 {
		return fmt.Errorf("captchas before face check must be positive")
	}
	if s.FaceTimeoutSeconds <= 0 {
		return fmt.Errorf("face timeout must be positive")
	}
	if s.SimilarityMinimum < 0 || s.SimilarityMinimum > 1 {
		return fmt.Errorf("similarity minimum must be between 0 and 1")
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		return fmt.Errorf("spoof confidence minimum must be between 0 and 1")
	}
	if s.MotionMinScore < 0 || s.MotionMaxScore <= s.MotionMinScore {
		return fmt.Errorf("motion bounds must satisfy 0 <= min < max")
	}
	if s.InactivityTimeoutSeconds <= 0 {
		return fmt.Errorf("inactivity timeout must be positive")
	}
	if s.HeartbeatSeconds <= 0 {
		return fmt.Errorf("heartbeat must be positive")
	}
	return nil
}

// Durations derived from the settings.

func (s Settings) CaptchaInterval() time.Duration {
	return time.Duration(s.CaptchaIntervalSeconds) * time.Second
}

func (s Settings) CaptchaWarning() time.Duration {
	return time.Duration(s.CaptchaWarningSeconds) * time.Second
}

func (s Settings) CaptchaTimeout() time.Duration {
	return time.Duration(s.CaptchaTimeoutSeconds) * time.Second
}

func (s Settings) CaptchaCooldown() time.Duration {
	return time.Duration(s.CaptchaCooldownSeconds) * time.Second
}

func (s Settings) FaceWarning() time.Duration {
	return time.Duration(s.FaceWarningSeconds) * time.Second
}

func (s Settings) FaceTimeout() time.Duration {
	return time.Duration(s.FaceTimeoutSeconds) * time.Second
}

func (s Settings) InactivityTimeout() time.Duration {
	return time.Duration(s.InactivityTimeoutSeconds) * time.Second
}

func (s Settings) Heartbeat() time.Duration {
	return time.Duration(s.HeartbeatSeconds) * time.Second
}
