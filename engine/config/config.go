// Package config holds the typed, read-mostly configuration for the whole
// middleware. Sections and their recognized options are enumerated here;
// unknown YAML keys fail validation instead of being silently carried along.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root document. Load and Parse decode over Default(), so
// options the file omits keep their default values.
type Config struct {
	General     GeneralConfig     `yaml:"general" json:"general"`
	Network     NetworkConfig     `yaml:"network" json:"network"`
	Audio       AudioConfig       `yaml:"audio" json:"audio"`
	Video       VideoConfig       `yaml:"video" json:"video"`
	Motion      MotionConfig      `yaml:"motion" json:"motion"`
	LEDs        LEDConfig         `yaml:"leds" json:"leds"`
	AI          AIConfig          `yaml:"ai" json:"ai"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
}

type GeneralConfig struct {
	RobotName   string `yaml:"robot_name" json:"robot_name"`
	Environment string `yaml:"environment" json:"environment"` // development | production
	Debug       bool   `yaml:"debug" json:"debug"`
	DataDir     string `yaml:"data_dir" json:"data_dir"`
}

type NetworkConfig struct {
	Host           string     `yaml:"middleware_host" json:"middleware_host"`
	Port           int        `yaml:"middleware_port" json:"middleware_port"` // [1024..65535]
	AuthEnabled    bool       `yaml:"auth_enabled" json:"auth_enabled"`
	JWTSecret      string     `yaml:"jwt_secret" json:"jwt_secret"`
	TokenTTL       Duration   `yaml:"token_ttl" json:"token_ttl"`
	AllowedOrigins []string   `yaml:"allowed_origins" json:"allowed_origins"`
	MaxConnections int        `yaml:"max_connections" json:"max_connections"` // websocket connection cap
	RateLimit      RateConfig `yaml:"rate_limit" json:"rate_limit"`
}

type RateConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Algorithm   string `yaml:"algorithm" json:"algorithm"` // token_bucket | sliding_window | fixed_window | leaky_bucket
	GlobalLimit int    `yaml:"global_limit" json:"global_limit"`
	UserLimit   int    `yaml:"user_limit" json:"user_limit"`
	IPLimit     int    `yaml:"ip_limit" json:"ip_limit"`
	WindowSecs  int    `yaml:"window_seconds" json:"window_seconds"`
}

type AudioConfig struct {
	SampleRate int       `yaml:"sample_rate" json:"sample_rate"`
	Channels   int       `yaml:"channels" json:"channels"`
	Volume     int       `yaml:"volume" json:"volume"` // [0..100]
	TTS        TTSConfig `yaml:"tts" json:"tts"`
	ASR        ASRConfig `yaml:"asr" json:"asr"`
}

type TTSConfig struct {
	Engine string  `yaml:"engine" json:"engine"`
	Voice  string  `yaml:"voice" json:"voice"`
	Speed  float64 `yaml:"speed" json:"speed"` // [0.5..2.0]
}

type ASRConfig struct {
	Engine        string  `yaml:"engine" json:"engine"`
	Language      string  `yaml:"language" json:"language"`
	MinConfidence float64 `yaml:"confidence_min" json:"confidence_min"` // [0..1]
}

type VideoConfig struct {
	Device    string          `yaml:"device" json:"device"`
	Width     int             `yaml:"width" json:"width"`
	Height    int             `yaml:"height" json:"height"`
	FPS       int             `yaml:"fps" json:"fps"`
	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`
}

type StreamingConfig struct {
	Port    int    `yaml:"port" json:"port"`
	Quality string `yaml:"quality" json:"quality"` // low | medium | high
}

type MotionConfig struct {
	MaxVelocity float64      `yaml:"max_velocity" json:"max_velocity"` // [0.1..3.0]
	Safety      SafetyConfig `yaml:"safety" json:"safety"`
}

type SafetyConfig struct {
	MaxVelocity   float64 `yaml:"max_velocity" json:"max_velocity"`
	TimeoutFactor float64 `yaml:"timeout_factor" json:"timeout_factor"` // watchdog = factor * expected duration
}

type LEDConfig struct {
	Count          int     `yaml:"count" json:"count"`
	Brightness     float64 `yaml:"brightness" json:"brightness"` // [0..1]
	DefaultPattern string  `yaml:"default_pattern" json:"default_pattern"`
	ContextColors  bool    `yaml:"context_colors_enabled" json:"context_colors_enabled"`
	SampleRateHz   int     `yaml:"sample_rate_hz" json:"sample_rate_hz"` // >= 20
}

type AIConfig struct {
	Provider    string  `yaml:"provider" json:"provider"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Model       string  `yaml:"model" json:"model"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`  // debug | info | warn | error
	Format string `yaml:"format" json:"format"` // text | json
	File   string `yaml:"file" json:"file"`
}

type PerformanceConfig struct {
	FusionRateHz      int                `yaml:"fusion_rate_hz" json:"fusion_rate_hz"`
	SyncTolerance     Duration           `yaml:"sync_tolerance" json:"sync_tolerance"`
	HealthInterval    Duration           `yaml:"health_interval" json:"health_interval"`
	EventBuffer       int                `yaml:"event_buffer" json:"event_buffer"`
	QueueCapacity     int                `yaml:"queue_capacity" json:"queue_capacity"`
	WorkerDeadline    Duration           `yaml:"worker_deadline" json:"worker_deadline"`
	MetricsEnabled    bool               `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsBackend    string             `yaml:"metrics_backend" json:"metrics_backend"` // prometheus | otel | noop
	TracingEnabled    bool               `yaml:"tracing_enabled" json:"tracing_enabled"`
	TracingSampleRate float64            `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
	SensorWeights     map[string]float64 `yaml:"sensor_weights" json:"sensor_weights"`
}

// Duration wraps time.Duration with YAML string forms ("5s", "100ms").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// MarshalJSON renders durations in the same "5s" form the YAML uses.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the documented defaults for every section.
func Default() Config {
	return Config{
		General: GeneralConfig{RobotName: "g1", Environment: "development", DataDir: "data"},
		Network: NetworkConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			AuthEnabled:    true,
			TokenTTL:       Duration(time.Hour),
			MaxConnections: 64,
			RateLimit: RateConfig{
				Enabled:     true,
				Algorithm:   "sliding_window",
				GlobalLimit: 1000,
				UserLimit:   100,
				IPLimit:     60,
				WindowSecs:  60,
			},
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
			Volume:     70,
			TTS:        TTSConfig{Engine: "sim", Voice: "default", Speed: 1.0},
			ASR:        ASRConfig{Engine: "sim", Language: "en", MinConfidence: 0.5},
		},
		Video: VideoConfig{
			Device: "/dev/video0", Width: 1280, Height: 720, FPS: 30,
			Streaming: StreamingConfig{Port: 8554, Quality: "medium"},
		},
		Motion: MotionConfig{
			MaxVelocity: 1.0,
			Safety:      SafetyConfig{MaxVelocity: 1.0, TimeoutFactor: 2.0},
		},
		LEDs: LEDConfig{
			Count: 12, Brightness: 0.8, DefaultPattern: "breathing",
			ContextColors: true, SampleRateHz: 20,
		},
		AI:      AIConfig{Provider: "none", Temperature: 0.7},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Performance: PerformanceConfig{
			FusionRateHz:      100,
			SyncTolerance:     Duration(20 * time.Millisecond),
			HealthInterval:    Duration(5 * time.Second),
			EventBuffer:       256,
			QueueCapacity:     256,
			WorkerDeadline:    Duration(30 * time.Second),
			MetricsEnabled:    true,
			MetricsBackend:    "prometheus",
			TracingEnabled:    false,
			TracingSampleRate: 0.05,
			SensorWeights: map[string]float64{
				"imu": 0.4, "odometry": 0.3, "lidar": 0.2, "vision": 0.1,
			},
		},
	}
}

// Load reads path, decodes it strictly (unknown keys rejected) on top of the
// defaults, and validates the result.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes raw YAML over the defaults and validates.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every documented range.
func (c *Config) Validate() error {
	if c.Network.Port < 1024 || c.Network.Port > 65535 {
		return fmt.Errorf("network.middleware_port %d outside [1024, 65535]", c.Network.Port)
	}
	if c.Network.MaxConnections <= 0 {
		return fmt.Errorf("network.max_connections must be positive")
	}
	if c.Network.RateLimit.Enabled {
		switch c.Network.RateLimit.Algorithm {
		case "token_bucket", "sliding_window", "fixed_window", "leaky_bucket":
		default:
			return fmt.Errorf("network.rate_limit.algorithm %q unknown", c.Network.RateLimit.Algorithm)
		}
		if c.Network.RateLimit.WindowSecs <= 0 {
			return fmt.Errorf("network.rate_limit.window_seconds must be positive")
		}
	}
	if c.Audio.Volume < 0 || c.Audio.Volume > 100 {
		return fmt.Errorf("audio.volume %d outside [0, 100]", c.Audio.Volume)
	}
	if c.Audio.TTS.Speed < 0.5 || c.Audio.TTS.Speed > 2.0 {
		return fmt.Errorf("audio.tts.speed %.2f outside [0.5, 2.0]", c.Audio.TTS.Speed)
	}
	if c.Audio.ASR.MinConfidence < 0 || c.Audio.ASR.MinConfidence > 1 {
		return fmt.Errorf("audio.asr.confidence_min %.2f outside [0, 1]", c.Audio.ASR.MinConfidence)
	}
	if c.Motion.MaxVelocity < 0.1 || c.Motion.MaxVelocity > 3.0 {
		return fmt.Errorf("motion.max_velocity %.2f outside [0.1, 3.0]", c.Motion.MaxVelocity)
	}
	if c.Motion.Safety.TimeoutFactor < 1.0 {
		return fmt.Errorf("motion.safety.timeout_factor %.2f below 1.0", c.Motion.Safety.TimeoutFactor)
	}
	if c.LEDs.Brightness < 0 || c.LEDs.Brightness > 1 {
		return fmt.Errorf("leds.brightness %.2f outside [0, 1]", c.LEDs.Brightness)
	}
	if c.LEDs.SampleRateHz < 20 {
		return fmt.Errorf("leds.sample_rate_hz %d below minimum 20", c.LEDs.SampleRateHz)
	}
	if c.Video.FPS <= 0 || c.Video.FPS > 120 {
		return fmt.Errorf("video.fps %d outside (0, 120]", c.Video.FPS)
	}
	if c.Performance.FusionRateHz <= 0 || c.Performance.FusionRateHz > 1000 {
		return fmt.Errorf("performance.fusion_rate_hz %d outside (0, 1000]", c.Performance.FusionRateHz)
	}
	switch c.Performance.MetricsBackend {
	case "", "prometheus", "otel", "noop":
	default:
		return fmt.Errorf("performance.metrics_backend %q unknown", c.Performance.MetricsBackend)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q unknown", c.Logging.Level)
	}
	return nil
}

// Marshal renders the config back to YAML.
func (c *Config) Marshal() ([]byte, error) { return yaml.Marshal(c) }

// Section returns one named section for the config API; the bool reports
// whether the name is known.
func (c *Config) Section(name string) (any, bool) {
	switch name {
	case "general":
		return c.General, true
	case "network":
		return c.Network, true
	case "audio":
		return c.Audio, true
	case "video":
		return c.Video, true
	case "motion":
		return c.Motion, true
	case "leds":
		return c.LEDs, true
	case "ai":
		return c.AI, true
	case "logging":
		return c.Logging, true
	case "performance":
		return c.Performance, true
	default:
		return nil, false
	}
}

// UpdateSection decodes raw YAML strictly into the named section, validates
// the resulting document and applies it. The update is atomic: on any error
// the config is unchanged.
func (c *Config) UpdateSection(name string, raw []byte) error {
	next := *c
	var target any
	switch name {
	case "general":
		target = &next.General
	case "network":
		target = &next.Network
	case "audio":
		target = &next.Audio
	case "video":
		target = &next.Video
	case "motion":
		target = &next.Motion
	case "leds":
		target = &next.LEDs
	case "ai":
		target = &next.AI
	case "logging":
		target = &next.Logging
	case "performance":
		target = &next.Performance
	default:
		return fmt.Errorf("unknown config section %q", name)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("decode section %s: %w", name, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}
