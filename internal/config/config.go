// Package config loads process settings from MOSAIC_* environment variables
// and an optional mosaic.yaml, and the bootstrap file that pre-registers
// inputs, outputs, renderers and scenes at startup.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zsiec/mosaic/internal/health"
	"github.com/zsiec/mosaic/internal/media"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "MOSAIC"

// Config holds process settings.
type Config struct {
	APIPort    int    `mapstructure:"api_port"`
	H3Addr     string `mapstructure:"h3_addr"`
	SRTAddr    string `mapstructure:"srt_addr"`
	EgressAddr string `mapstructure:"egress_addr"`

	LoggerLevel  string `mapstructure:"logger_level"`
	LoggerFormat string `mapstructure:"logger_format"`

	OutputFramerate         string `mapstructure:"output_framerate"`
	StreamFallbackTimeoutMs int    `mapstructure:"stream_fallback_timeout_ms"`
	// StreamStallThresholdMs zero means a quarter of the fallback timeout.
	StreamStallThresholdMs int    `mapstructure:"stream_stall_threshold_ms"`
	QueueDepth             int    `mapstructure:"queue_depth"`
	AudioQueueDepth        int    `mapstructure:"audio_queue_depth"`
	MaxTextureDimension    int    `mapstructure:"max_texture_dimension"`
	FontFile               string `mapstructure:"font_file"`

	WebRendererEnable    bool   `mapstructure:"web_renderer_enable"`
	WebRendererGPUEnable bool   `mapstructure:"web_renderer_gpu_enable"`
	WebRendererEndpoint  string `mapstructure:"web_renderer_endpoint"`

	MQTTBroker string `mapstructure:"mqtt_broker"`
	MQTTTopic  string `mapstructure:"mqtt_topic"`

	BootstrapFile string `mapstructure:"bootstrap_file"`
}

var defaults = map[string]any{
	"api_port":                   8081,
	"h3_addr":                    ":4443",
	"srt_addr":                   ":6000",
	"egress_addr":                ":6001",
	"logger_level":               "info",
	"logger_format":              "json",
	"output_framerate":           "30/1",
	"stream_fallback_timeout_ms": 2000,
	"stream_stall_threshold_ms":  0,
	"queue_depth":                media.DefaultVideoQueueDepth,
	"audio_queue_depth":          media.DefaultAudioQueueDepth,
	"max_texture_dimension":      8192,
	"font_file":                  "",
	"web_renderer_enable":        false,
	"web_renderer_gpu_enable":    true,
	"web_renderer_endpoint":      "",
	"mqtt_broker":                "",
	"mqtt_topic":                 "mosaic/events",
	"bootstrap_file":             "",
}

// Load reads settings from the environment and, if present, a mosaic.yaml
// in the working directory or /etc/mosaic. file overrides the search.
func Load(file string) (*Config, error) {
	return load(viper.New(), file)
}

func load(v *viper.Viper, file string) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("mosaic")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mosaic")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("api_port %d out of range", c.APIPort)
	}
	if _, err := c.Framerate(); err != nil {
		return fmt.Errorf("output_framerate: %w", err)
	}
	if c.StreamFallbackTimeoutMs <= 0 {
		return fmt.Errorf("stream_fallback_timeout_ms must be positive, got %d", c.StreamFallbackTimeoutMs)
	}
	if c.StreamStallThresholdMs < 0 || c.StreamStallThresholdMs > c.StreamFallbackTimeoutMs {
		return fmt.Errorf("stream_stall_threshold_ms %d must be within [0, %d]", c.StreamStallThresholdMs, c.StreamFallbackTimeoutMs)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("queue_depth must be positive, got %d", c.QueueDepth)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LoggerFormat {
	case "json", "pretty", "compact":
	default:
		return fmt.Errorf("logger_format %q: want json, pretty or compact", c.LoggerFormat)
	}
	if c.WebRendererEnable && c.WebRendererEndpoint == "" {
		return errors.New("web_renderer_enable needs web_renderer_endpoint")
	}
	return nil
}

// APIAddr is the HTTP listen address.
func (c *Config) APIAddr() string { return fmt.Sprintf(":%d", c.APIPort) }

// Framerate parses OutputFramerate.
func (c *Config) Framerate() (media.Framerate, error) {
	return media.ParseFramerate(c.OutputFramerate)
}

// Health returns the tracker thresholds.
func (c *Config) Health() health.Config {
	timeout := time.Duration(c.StreamFallbackTimeoutMs) * time.Millisecond
	stall := time.Duration(c.StreamStallThresholdMs) * time.Millisecond
	if stall == 0 {
		stall = timeout / 4
	}
	return health.Config{Timeout: timeout, StallThreshold: stall}
}

// Level parses LoggerLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LoggerLevel)); err != nil {
		return 0, fmt.Errorf("logger_level %q: %w", c.LoggerLevel, err)
	}
	return lvl, nil
}
