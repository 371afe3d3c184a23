// Package config loads and persists LoopCam settings. Values come from
// defaults, the YAML config file, LOOPCAM_* environment variables and bound
// command-line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/bryanchriswhite/LoopCam/internal/frame"
	"github.com/bryanchriswhite/LoopCam/internal/logger"
	"github.com/bryanchriswhite/LoopCam/internal/transform"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. LOOPCAM_PIPELINE_FPS
const EnvPrefix = "LOOPCAM"

// Valid enum values
var (
	SourceTypes  = []string{"pattern", "sequence", "camera", "screen", "window", "mailbox"}
	SinkTypes    = []string{"v4l2", "mjpeg", "window", "png"}
	PixelFormats = []string{"rgba", "yuv420p"}
	Patterns     = []string{"bars", "gradient", "checker", "solid"}
)

// Config represents the application configuration
type Config struct {
	LogLevel   string          `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty  bool            `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	ServerPort int             `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	Pipeline   PipelineConfig  `json:"pipeline" yaml:"pipeline" mapstructure:"pipeline"`
	Source     SourceConfig    `json:"source" yaml:"source" mapstructure:"source"`
	Sink       SinkConfig      `json:"sink" yaml:"sink" mapstructure:"sink"`
	Transform  TransformConfig `json:"transform" yaml:"transform" mapstructure:"transform"`
	Overlay    OverlayConfig   `json:"overlay" yaml:"overlay" mapstructure:"overlay"`
}

// PipelineConfig holds the output geometry and tick rate
type PipelineConfig struct {
	Width  int `json:"width" yaml:"width" mapstructure:"width"`
	Height int `json:"height" yaml:"height" mapstructure:"height"`
	FPS    int `json:"fps" yaml:"fps" mapstructure:"fps"`
	// Background is a hex colour cleared into every target buffer; empty
	// leaves buffers uncleared.
	Background string `json:"background" yaml:"background" mapstructure:"background"`
}

// SourceConfig selects and configures the frame source
type SourceConfig struct {
	Type           string   `json:"type" yaml:"type" mapstructure:"type"`
	Device         string   `json:"device" yaml:"device" mapstructure:"device"`
	Pattern        string   `json:"pattern" yaml:"pattern" mapstructure:"pattern"`
	Color          string   `json:"color" yaml:"color" mapstructure:"color"`
	Colors         []string `json:"colors" yaml:"colors" mapstructure:"colors"`
	Loop           bool     `json:"loop" yaml:"loop" mapstructure:"loop"`
	X              int      `json:"x" yaml:"x" mapstructure:"x"`
	Y              int      `json:"y" yaml:"y" mapstructure:"y"`
	Window         string   `json:"window" yaml:"window" mapstructure:"window"` // title/class regex, or "focused"
	Fallback       string   `json:"fallback" yaml:"fallback" mapstructure:"fallback"` // pattern used once the source is lost
	FrameTimeoutMS int      `json:"frame_timeout_ms" yaml:"frame_timeout_ms" mapstructure:"frame_timeout_ms"`
}

// SinkConfig selects and configures the output device
type SinkConfig struct {
	Type         string `json:"type" yaml:"type" mapstructure:"type"`
	Target       string `json:"target" yaml:"target" mapstructure:"target"`
	PixelFormat  string `json:"pixel_format" yaml:"pixel_format" mapstructure:"pixel_format"`
	FlipVertical bool   `json:"flip_vertical" yaml:"flip_vertical" mapstructure:"flip_vertical"`
	FFmpegPath   string `json:"ffmpeg_path" yaml:"ffmpeg_path" mapstructure:"ffmpeg_path"`
	Quality      int    `json:"quality" yaml:"quality" mapstructure:"quality"` // JPEG quality for mjpeg
}

// TransformConfig selects the initial transform and its parameters
type TransformConfig struct {
	Builtin    string                 `json:"builtin" yaml:"builtin" mapstructure:"builtin"`
	ScriptPath string                 `json:"script_path" yaml:"script_path" mapstructure:"script_path"`
	Watch      bool                   `json:"watch" yaml:"watch" mapstructure:"watch"`
	Params     map[string]interface{} `json:"params" yaml:"params" mapstructure:"params"`
}

// OverlayConfig represents overlay configuration
type OverlayConfig struct {
	Enabled bool                     `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Layers  []map[string]interface{} `json:"layers" yaml:"layers" mapstructure:"layers"`
}

// Manager handles configuration
type Manager struct {
	configPath string
	v          *viper.Viper
	config     *Config
	mu         sync.RWMutex
}

// DefaultConfigPath returns $HOME/.config/loopcam/config.yaml
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "loopcam", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty. A missing
// file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m := &Manager{
		configPath: path,
		v:          v,
	}

	log := logger.WithComponent("config")

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}

		log.Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		if err := m.Reload(); err != nil {
			return nil, err
		}
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else if err := m.Reload(); err != nil {
		return nil, err
	}

	log.Info().
		Str("path", m.configPath).
		Str("source", m.config.Source.Type).
		Str("sink", m.config.Sink.Type).
		Msg("Config loaded")

	return m, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", true)
	v.SetDefault("server_port", 8080)

	v.SetDefault("pipeline.width", 1280)
	v.SetDefault("pipeline.height", 720)
	v.SetDefault("pipeline.fps", 30)
	v.SetDefault("pipeline.background", "#000000")

	v.SetDefault("source.type", "pattern")
	v.SetDefault("source.device", "/dev/video0")
	v.SetDefault("source.pattern", "bars")
	v.SetDefault("source.color", "")
	v.SetDefault("source.colors", []string{})
	v.SetDefault("source.loop", true)
	v.SetDefault("source.x", 0)
	v.SetDefault("source.y", 0)
	v.SetDefault("source.window", "focused")
	v.SetDefault("source.fallback", "")
	v.SetDefault("source.frame_timeout_ms", 2000)

	v.SetDefault("sink.type", "mjpeg")
	v.SetDefault("sink.target", "")
	v.SetDefault("sink.pixel_format", "yuv420p")
	v.SetDefault("sink.flip_vertical", false)
	v.SetDefault("sink.ffmpeg_path", "ffmpeg")
	v.SetDefault("sink.quality", 85)

	v.SetDefault("transform.builtin", "feedback")
	v.SetDefault("transform.script_path", "")
	v.SetDefault("transform.watch", true)
	v.SetDefault("transform.params", map[string]interface{}{"mix": 0.85})

	v.SetDefault("overlay.enabled", true)
	v.SetDefault("overlay.layers", []map[string]interface{}{
		{"id": "rings", "type": "rings", "z": 0},
	})
}

// Defaults returns the default configuration
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("invalid config defaults: %v", err))
	}
	normalize(&cfg)
	return &cfg
}

// Reload re-reads values from viper (file, env and bound flags) and
// validates them
func (m *Manager) Reload() error {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	normalize(&cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}

	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

func normalize(cfg *Config) {
	if cfg.Source.Colors == nil {
		cfg.Source.Colors = []string{}
	}
	if cfg.Transform.Params == nil {
		cfg.Transform.Params = map[string]interface{}{}
	}
	if cfg.Overlay.Layers == nil {
		cfg.Overlay.Layers = []map[string]interface{}{}
	}
}

// Validate checks geometry and enum values
func (c *Config) Validate() error {
	var errs []error

	if !logger.IsValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid log_level %q (valid: %s)", c.LogLevel, strings.Join(logger.Levels, ", ")))
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid server_port %d", c.ServerPort))
	}

	p := c.Pipeline
	if p.Width <= 0 || p.Height <= 0 {
		errs = append(errs, fmt.Errorf("invalid pipeline geometry %dx%d", p.Width, p.Height))
	}
	if p.FPS <= 0 || p.FPS > 240 {
		errs = append(errs, fmt.Errorf("invalid pipeline fps %d", p.FPS))
	}
	if p.Background != "" {
		if _, err := frame.ParseColor(p.Background); err != nil {
			errs = append(errs, fmt.Errorf("invalid pipeline background: %w", err))
		}
	}

	if !oneOf(c.Source.Type, SourceTypes) {
		errs = append(errs, fmt.Errorf("invalid source type %q (valid: %s)", c.Source.Type, strings.Join(SourceTypes, ", ")))
	}
	if c.Source.Pattern != "" && !oneOf(c.Source.Pattern, Patterns) {
		errs = append(errs, fmt.Errorf("invalid source pattern %q", c.Source.Pattern))
	}
	if c.Source.Type == "window" && c.Source.Window != "focused" {
		if _, err := regexp.Compile(c.Source.Window); err != nil {
			errs = append(errs, fmt.Errorf("invalid source window pattern: %w", err))
		}
	}
	if c.Source.Fallback != "" && !oneOf(c.Source.Fallback, Patterns) {
		errs = append(errs, fmt.Errorf("invalid source fallback %q (must be a pattern)", c.Source.Fallback))
	}

	if !oneOf(c.Sink.Type, SinkTypes) {
		errs = append(errs, fmt.Errorf("invalid sink type %q (valid: %s)", c.Sink.Type, strings.Join(SinkTypes, ", ")))
	}
	if !oneOf(c.Sink.PixelFormat, PixelFormats) {
		errs = append(errs, fmt.Errorf("invalid sink pixel_format %q", c.Sink.PixelFormat))
	}
	if c.Sink.Quality < 0 || c.Sink.Quality > 100 {
		errs = append(errs, fmt.Errorf("invalid sink quality %d", c.Sink.Quality))
	}

	if c.Transform.Builtin != "" && !oneOf(c.Transform.Builtin, transform.BuiltinNames()) {
		errs = append(errs, fmt.Errorf("invalid transform builtin %q (valid: %s)",
			c.Transform.Builtin, strings.Join(transform.BuiltinNames(), ", ")))
	}
	if _, err := c.Transform.ParamValues(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ParamValues converts the configured transform parameters
func (t TransformConfig) ParamValues() (transform.Params, error) {
	params := make(transform.Params, len(t.Params))
	for name, raw := range t.Params {
		v, err := transform.ValueFrom(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid transform param %q: %w", name, err)
		}
		params[name] = v
	}
	return params, nil
}

func oneOf(s string, valid []string) bool {
	for _, v := range valid {
		if s == v {
			return true
		}
	}
	return false
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	return &cfg
}

// GetViper exposes the backing viper instance for flag binding
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// Value returns the effective value of a dotted key, e.g. "pipeline.fps"
func (m *Manager) Value(key string) (interface{}, bool) {
	if !m.v.IsSet(key) {
		return nil, false
	}
	return m.v.Get(key), true
}

// Set updates a dotted key, validates the result and saves it
func (m *Manager) Set(key string, value interface{}) error {
	key = strings.ToLower(key)
	if !m.v.IsSet(key) {
		return fmt.Errorf("unknown config key: %s", key)
	}

	old := m.v.Get(key)
	m.v.Set(key, value)
	if err := m.Reload(); err != nil {
		m.v.Set(key, old)
		return err
	}
	return m.Save()
}

// Override sets a dotted key for this process only; the file is not
// written. Command-line flags use it.
func (m *Manager) Override(key string, value interface{}) error {
	key = strings.ToLower(key)
	if !m.v.IsSet(key) {
		return fmt.Errorf("unknown config key: %s", key)
	}

	old := m.v.Get(key)
	m.v.Set(key, value)
	if err := m.Reload(); err != nil {
		m.v.Set(key, old)
		return err
	}
	return nil
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	log := logger.WithComponent("config")
	log.Debug().Str("path", m.configPath).Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		log.Error().Err(err).Str("path", m.configPath).Msg("Failed to write config")
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// GetConfigPath returns the path of the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
