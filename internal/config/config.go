// Package config loads reel's settings from an optional YAML file and
// REEL_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zsiec/reel/internal/clock"
	"github.com/zsiec/reel/internal/player"
)

// EnvPrefix prefixes every environment override, with "." in keys
// replaced by "_": REEL_PLAYER_TOLERANCE, REEL_LOG_LEVEL.
const EnvPrefix = "REEL"

// Config holds all configuration for the CLI.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Player  PlayerConfig  `mapstructure:"player"`
	Sink    SinkConfig    `mapstructure:"sink"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// PlayerConfig mirrors player.Config with clock settings as names.
type PlayerConfig struct {
	VideoFrames    int `mapstructure:"video_frames"`
	AudioFrames    int `mapstructure:"audio_frames"`
	SubtitleFrames int `mapstructure:"subtitle_frames"`
	MaxPackets     int `mapstructure:"max_packets"`
	MaxPacketBytes int `mapstructure:"max_packet_bytes"`

	Tolerance            time.Duration `mapstructure:"tolerance"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	MaxCorruptPackets    int           `mapstructure:"max_corrupt_packets"`

	ClockSource   string `mapstructure:"clock_source"`
	ClockFallback string `mapstructure:"clock_fallback"`

	IsolateStreamFailures bool `mapstructure:"isolate_stream_failures"`
	AllowFrameDrop        bool `mapstructure:"allow_frame_drop"`
	DisableAudio          bool `mapstructure:"disable_audio"`
	DisableVideo          bool `mapstructure:"disable_video"`
	DisableSubtitles      bool `mapstructure:"disable_subtitles"`
	Loop                  bool `mapstructure:"loop"`

	QueueTimeout time.Duration `mapstructure:"queue_timeout"`
	SinkTimeout  time.Duration `mapstructure:"sink_timeout"`
	CloseTimeout time.Duration `mapstructure:"close_timeout"`
	MaxRate      float64       `mapstructure:"max_rate"`
}

// SinkConfig selects where `reel play` delivers samples.
type SinkConfig struct {
	Kind        string `mapstructure:"kind"` // discard, record or quic
	Addr        string `mapstructure:"addr"`
	Fingerprint string `mapstructure:"fingerprint"`
	RecordLimit int    `mapstructure:"record_limit"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads path (YAML) when it is not empty, applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	d := player.DefaultConfig()
	v.SetDefault("player.video_frames", d.VideoFrames)
	v.SetDefault("player.audio_frames", d.AudioFrames)
	v.SetDefault("player.subtitle_frames", d.SubtitleFrames)
	v.SetDefault("player.max_packets", d.MaxPackets)
	v.SetDefault("player.max_packet_bytes", d.MaxPacketBytes)
	v.SetDefault("player.tolerance", d.Tolerance)
	v.SetDefault("player.max_consecutive_errors", d.MaxConsecutiveErrors)
	v.SetDefault("player.max_corrupt_packets", d.MaxCorruptPackets)
	v.SetDefault("player.clock_source", d.ClockSource.String())
	v.SetDefault("player.clock_fallback", d.ClockFallback.String())
	v.SetDefault("player.isolate_stream_failures", d.IsolateStreamFailures)
	v.SetDefault("player.allow_frame_drop", d.AllowFrameDrop)
	v.SetDefault("player.disable_audio", d.DisableAudio)
	v.SetDefault("player.disable_video", d.DisableVideo)
	v.SetDefault("player.disable_subtitles", d.DisableSubtitles)
	v.SetDefault("player.loop", d.Loop)
	v.SetDefault("player.queue_timeout", d.QueueTimeout)
	v.SetDefault("player.sink_timeout", d.SinkTimeout)
	v.SetDefault("player.close_timeout", d.CloseTimeout)
	v.SetDefault("player.max_rate", d.MaxRate)

	v.SetDefault("sink.kind", "discard")
	v.SetDefault("sink.addr", "")
	v.SetDefault("sink.fingerprint", "")
	v.SetDefault("sink.record_limit", 10000)

	v.SetDefault("metrics.addr", "")
}

// Validate checks the log settings, the sink kind and the player
// section.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	switch c.Sink.Kind {
	case "discard", "record":
	case "quic":
		if c.Sink.Addr == "" {
			errs = append(errs, errors.New("sink.addr is required for the quic sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("sink.kind must be discard, record or quic, got %q", c.Sink.Kind))
	}
	if _, err := c.PlayerConfig(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// PlayerConfig converts the player section to a validated player.Config.
func (c *Config) PlayerConfig() (player.Config, error) {
	p := c.Player
	mode, err := clock.ParseMode(p.ClockSource)
	if err != nil {
		return player.Config{}, err
	}
	fallback, err := clock.ParseFallback(p.ClockFallback)
	if err != nil {
		return player.Config{}, err
	}
	pc := player.Config{
		VideoFrames:           p.VideoFrames,
		AudioFrames:           p.AudioFrames,
		SubtitleFrames:        p.SubtitleFrames,
		MaxPackets:            p.MaxPackets,
		MaxPacketBytes:        p.MaxPacketBytes,
		Tolerance:             p.Tolerance,
		MaxConsecutiveErrors:  p.MaxConsecutiveErrors,
		MaxCorruptPackets:     p.MaxCorruptPackets,
		ClockSource:           mode,
		ClockFallback:         fallback,
		IsolateStreamFailures: p.IsolateStreamFailures,
		AllowFrameDrop:        p.AllowFrameDrop,
		DisableAudio:          p.DisableAudio,
		DisableVideo:          p.DisableVideo,
		DisableSubtitles:      p.DisableSubtitles,
		Loop:                  p.Loop,
		QueueTimeout:          p.QueueTimeout,
		SinkTimeout:           p.SinkTimeout,
		CloseTimeout:          p.CloseTimeout,
		MaxRate:               p.MaxRate,
	}
	return pc, pc.Validate()
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Logger builds the process logger. debug forces the debug level.
func (l LogConfig) Logger(w io.Writer, debug bool) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	if debug {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
