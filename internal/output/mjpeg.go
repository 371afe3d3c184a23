package output

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/LoopCam/internal/logger"
)

// MJPEGSink streams frames as Motion JPEG over HTTP. The sink outlives its
// sessions so the HTTP handlers can be mounted once at startup.
type MJPEGSink struct {
	quality int

	frameMu    sync.RWMutex
	latest     []byte
	lastUpdate time.Time

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	frameCount atomic.Uint64
}

// NewMJPEGSink creates an MJPEG sink encoding at the given JPEG quality
func NewMJPEGSink(quality int) *MJPEGSink {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &MJPEGSink{
		quality: quality,
		clients: make(map[chan []byte]struct{}),
	}
}

// Name returns the sink type name
func (m *MJPEGSink) Name() string {
	return "mjpeg"
}

// Open starts a session broadcasting to connected clients
func (m *MJPEGSink) Open(cfg Config) (Session, error) {
	if err := cfg.Validate(PixelFormatRGBA); err != nil {
		return nil, err
	}
	return NewSession(cfg, &mjpegDevice{sink: m}), nil
}

// Clients returns the number of connected viewers
func (m *MJPEGSink) Clients() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// Frames returns how many frames have been encoded
func (m *MJPEGSink) Frames() uint64 {
	return m.frameCount.Load()
}

// Latest returns the most recent JPEG and when it was encoded
func (m *MJPEGSink) Latest() ([]byte, time.Time) {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()
	return m.latest, m.lastUpdate
}

func (m *MJPEGSink) broadcast(img *image.RGBA) error {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: m.quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.frameMu.Lock()
	m.latest = jpegData
	m.lastUpdate = time.Now()
	m.frameMu.Unlock()

	m.frameCount.Add(1)

	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
			// Slow client, skip this frame
		}
	}
	m.clientsMu.RUnlock()
	return nil
}

func (m *MJPEGSink) disconnectAll() {
	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()
}

// StreamHandler serves the multipart MJPEG stream. Mount at /stream.
func (m *MJPEGSink) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithComponent("mjpeg")

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		frameChan := make(chan []byte, 2)

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()

		log.Info().Int("clients", clientCount).Msg("MJPEG client connected")

		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, frameChan)
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Int("clients", clientCount).Msg("MJPEG client disconnected")
		}()

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
					return
				}
				if _, err := w.Write(jpegData); err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
					return
				}
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
		}
	}
}

// SnapshotHandler serves the latest frame as a single JPEG
func (m *MJPEGSink) SnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, _ := m.Latest()
		if data == nil {
			http.Error(w, "no frame yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

// ViewerHandler serves a bare page showing the stream full-window
func (m *MJPEGSink) ViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, viewerHTML)
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>LoopCam</title>
    <style>
        html, body { margin: 0; height: 100%; background: #000; }
        img { width: 100%; height: 100%; object-fit: contain; display: block; }
    </style>
</head>
<body>
    <img src="/stream" alt="LoopCam stream">
</body>
</html>
`

// mjpegDevice is a session's handle on the shared sink
type mjpegDevice struct {
	sink *MJPEGSink
}

func (d *mjpegDevice) Name() string {
	return "mjpeg"
}

func (d *mjpegDevice) WriteFrame(img *image.RGBA) error {
	return d.sink.broadcast(img)
}

func (d *mjpegDevice) Close() error {
	d.sink.disconnectAll()
	return nil
}
