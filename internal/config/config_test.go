package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestNewManagerCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loopcam", "config.yaml")

	m, err := NewManager(path)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, path, m.GetConfigPath())

	cfg := m.Get()
	assert.Equal(t, 1280, cfg.Pipeline.Width)
	assert.Equal(t, 720, cfg.Pipeline.Height)
	assert.Equal(t, "pattern", cfg.Source.Type)
	assert.Equal(t, "feedback", cfg.Transform.Builtin)
	require.Len(t, cfg.Overlay.Layers, 1)
	assert.Equal(t, "rings", cfg.Overlay.Layers[0]["type"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk Config
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	assert.Equal(t, cfg.Pipeline, onDisk.Pipeline)
}

func TestManagerSetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	require.NoError(t, m.Set("pipeline.fps", "24"))
	require.NoError(t, m.Set("sink.type", "png"))
	assert.Equal(t, 24, m.Get().Pipeline.FPS)

	assert.Error(t, m.Set("sink.type", "vhs"))
	assert.Equal(t, "png", m.Get().Sink.Type, "rejected value is rolled back")
	assert.Error(t, m.Set("no.such.key", "1"))

	reloaded, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, 24, reloaded.Get().Pipeline.FPS)
	assert.Equal(t, "png", reloaded.Get().Sink.Type)

	v, ok := reloaded.Value("pipeline.fps")
	require.True(t, ok)
	assert.EqualValues(t, 24, v)
}

func TestOverrideIsNotPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	require.NoError(t, m.Override("server_port", 9090))
	assert.Equal(t, 9090, m.Get().ServerPort)
	assert.Error(t, m.Override("pipeline.width", 0))
	assert.Equal(t, 1280, m.Get().Pipeline.Width)

	reloaded, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, reloaded.Get().ServerPort)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("LOOPCAM_PIPELINE_WIDTH", "320")
	t.Setenv("LOOPCAM_SOURCE_TYPE", "sequence")

	m, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 320, m.Get().Pipeline.Width)
	assert.Equal(t, "sequence", m.Get().Source.Type)
}

func TestNewManagerRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  width: -5\n"), 0644))

	_, err := NewManager(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "no background", mutate: func(c *Config) { c.Pipeline.Background = "" }},
		{name: "zero width", mutate: func(c *Config) { c.Pipeline.Width = 0 }, wantErr: true},
		{name: "fps", mutate: func(c *Config) { c.Pipeline.FPS = 0 }, wantErr: true},
		{name: "background", mutate: func(c *Config) { c.Pipeline.Background = "purple" }, wantErr: true},
		{name: "source", mutate: func(c *Config) { c.Source.Type = "tape" }, wantErr: true},
		{name: "window", mutate: func(c *Config) { c.Source.Type = "window" }},
		{name: "window pattern", mutate: func(c *Config) { c.Source.Type, c.Source.Window = "window", "(term" }, wantErr: true},
		{name: "fallback", mutate: func(c *Config) { c.Source.Fallback = "camera" }, wantErr: true},
		{name: "sink", mutate: func(c *Config) { c.Sink.Type = "hdmi" }, wantErr: true},
		{name: "pixel format", mutate: func(c *Config) { c.Sink.PixelFormat = "nv12" }, wantErr: true},
		{name: "builtin", mutate: func(c *Config) { c.Transform.Builtin = "sepia" }, wantErr: true},
		{name: "param", mutate: func(c *Config) { c.Transform.Params["mix"] = "lots" }, wantErr: true},
		{name: "vector param", mutate: func(c *Config) { c.Transform.Params["offset"] = []interface{}{1, 2} }},
		{name: "log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParamValues(t *testing.T) {
	tc := TransformConfig{Params: map[string]interface{}{"mix": 0.5, "offset": []interface{}{1.0, -1.0}}}
	params, err := tc.ParamValues()
	require.NoError(t, err)
	assert.Equal(t, 0.5, params.Float("mix", 0))
	assert.Equal(t, [2]float64{1, -1}, params.Vec2("offset", [2]float64{}))
}
