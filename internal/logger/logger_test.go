package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))

	assert.True(t, IsValidLevel("error"))
	assert.False(t, IsValidLevel("verbose"))
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("info", false, &buf)
	defer Init("info", false)

	WithComponent("pipeline").Info().Uint64("tick", 3).Msg("Tick")
	WithComponent("pipeline").Debug().Msg("filtered")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "only the info entry is written")
	assert.Equal(t, "pipeline", entry["component"])
	assert.Equal(t, "Tick", entry["message"])
	assert.Equal(t, 3.0, entry["tick"])
}
