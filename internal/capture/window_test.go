package capture

import (
	"context"
	"image"
	"regexp"
	"testing"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWindowIDs(t *testing.T) {
	ids := parseWindowIDs([]byte{0x01, 0x00, 0x40, 0x02, 0xff, 0xff, 0xff, 0x00, 0x07})
	assert.Equal(t, []xproto.Window{0x02400001, 0x00ffffff}, ids, "trailing partial ID is ignored")
	assert.Empty(t, parseWindowIDs(nil))
}

func TestParseWMClass(t *testing.T) {
	assert.Equal(t, "Firefox", parseWMClass("Navigator\x00Firefox\x00"))
	assert.Equal(t, "xterm", parseWMClass("xterm\x00\x00"))
	assert.Equal(t, "", parseWMClass(""))
}

func TestMatchWindow(t *testing.T) {
	windows := []WindowInfo{
		{ID: 1, Title: "", Class: "", Width: 100, Height: 100},
		{ID: 2, Title: "Editor", Class: "Code", Width: 0, Height: 0},
		{ID: 3, Title: "notes.txt - Editor", Class: "Code", Width: 800, Height: 600},
		{ID: 4, Title: "Terminal", Class: "kitty", Width: 640, Height: 480},
	}

	w, ok := matchWindow(windows, regexp.MustCompile("Editor"))
	require.True(t, ok)
	assert.Equal(t, uint32(3), w.ID, "zero-sized windows are skipped")

	w, ok = matchWindow(windows, regexp.MustCompile("^kitty$"))
	require.True(t, ok)
	assert.Equal(t, uint32(4), w.ID, "class matches too")

	_, ok = matchWindow(windows, regexp.MustCompile("browser"))
	assert.False(t, ok)
}

func TestClipRect(t *testing.T) {
	assert.Equal(t, image.Rect(10, 20, 110, 70), clipRect(10, 20, 100, 50, 1920, 1080))
	assert.Equal(t, image.Rect(0, 0, 50, 40), clipRect(-50, -10, 100, 50, 1920, 1080))
	assert.Equal(t, image.Rect(1900, 1060, 1920, 1080), clipRect(1900, 1060, 100, 50, 1920, 1080))
	assert.True(t, clipRect(2000, 0, 100, 50, 1920, 1080).Empty())
}

func TestWindowSourceRequiresStart(t *testing.T) {
	s, err := NewWindowSource(FocusedWindow)
	require.NoError(t, err)

	_, err = s.NextFrame(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	_, ok := s.Current()
	assert.False(t, ok)
}
