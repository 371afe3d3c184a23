package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/LoopCam/internal/frame"
	"github.com/bryanchriswhite/LoopCam/internal/logger"
	framebuffer "github.com/jonoton/go-framebuffer"
	"github.com/rs/zerolog"
)

const defaultFrameTimeout = 2 * time.Second

// CameraSource captures a V4L2 device through a gst-launch-1.0 subprocess.
// The subprocess writes raw RGBA frames already scaled to the output
// geometry to stdout. Frames are re-timed to the pipeline rate, duplicating
// or interpolating when the camera delivers fewer frames than requested.
type CameraSource struct {
	device  string
	width   int
	height  int
	fps     int
	timeout time.Duration
	command string // gst-launch binary or a shell snippet standing in for it

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	retimer  *framebuffer.Buffer[*frame.Frame]
	cancel   context.CancelFunc
	latest   *frame.Frame
	gen      uint64 // bumped for every re-timed frame
	taken    uint64 // gen of the last frame returned by NextFrame
	notify   chan struct{}
	exited   chan struct{}
	readDone chan struct{}
	drainWg  sync.WaitGroup
	running  bool
	stopped  bool
}

// NewCameraSource creates a camera source for device (e.g. /dev/video0)
func NewCameraSource(device string, width, height, fps int, timeout time.Duration) *CameraSource {
	if device == "" {
		device = "/dev/video0"
	}
	if fps <= 0 {
		fps = 30
	}
	if timeout <= 0 {
		timeout = defaultFrameTimeout
	}
	return &CameraSource{
		device:  device,
		width:   width,
		height:  height,
		fps:     fps,
		timeout: timeout,
		command: "gst-launch-1.0",
	}
}

// Name returns the source name
func (c *CameraSource) Name() string {
	return "camera:" + c.device
}

// Pipeline returns the gst-launch pipeline description
func (c *CameraSource) Pipeline() string {
	return fmt.Sprintf(
		"v4l2src device=%s do-timestamp=true ! "+
			"videoconvert ! "+
			"videoscale ! "+
			"video/x-raw,format=RGBA,width=%d,height=%d ! "+
			"fdsink fd=1 sync=false",
		c.device, c.width, c.height,
	)
}

// Start launches the capture subprocess
func (c *CameraSource) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("camera source already running")
	}
	if c.stopped {
		return fmt.Errorf("%s: cannot restart: %w", c.Name(), ErrSourceUnavailable)
	}

	log := logger.WithComponent("capture")
	pipelineStr := c.Pipeline()
	log.Debug().Str("pipeline", pipelineStr).Msg("Starting gst-launch subprocess")

	// sh -c parses the pipeline string with its ! separators
	c.cmd = exec.Command("sh", "-c", c.command+" -q "+pipelineStr)

	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	c.stdout = stdout

	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	c.stderr = stderr

	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start gst-launch: %w: %w", err, ErrSourceUnavailable)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	frameTime := time.Second / time.Duration(c.fps)
	c.retimer = framebuffer.NewBuffer[*frame.Frame](ctx, uint(c.fps),
		framebuffer.WithStaleFrameTolerance[*frame.Frame](2*frameTime),
		framebuffer.WithLogger[*frame.Frame](retimeLogger{log: *logger.WithComponent("capture")}),
	)

	c.notify = make(chan struct{}, 1)
	c.exited = make(chan struct{})
	c.readDone = make(chan struct{})
	c.running = true

	go c.readFrames()
	go c.logStderr()
	c.drainWg.Add(1)
	go c.drain()

	log.Info().
		Str("device", c.device).
		Int("width", c.width).
		Int("height", c.height).
		Int("pid", c.cmd.Process.Pid).
		Msg("Camera capture started")
	return nil
}

// readFrames reads raw RGBA frames from stdout into the re-timer
func (c *CameraSource) readFrames() {
	defer close(c.readDone)
	defer close(c.exited)

	log := logger.WithComponent("capture")
	frameSize := c.width * c.height * 4
	reader := bufio.NewReaderSize(c.stdout, frameSize*2)

	var seq uint64
	for {
		img := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
		n, err := io.ReadFull(reader, img.Pix)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				log.Info().Int("bytes_read", n).Msg("Capture subprocess closed its output")
			} else {
				log.Warn().Err(err).Int("bytes_read", n).Msg("Error reading frame")
			}
			return
		}

		c.retimer.AddFrame(frame.New(img, seq))
		seq++
	}
}

// drain keeps the most recent re-timed frame for NextFrame
func (c *CameraSource) drain() {
	defer c.drainWg.Done()
	for f := range c.retimer.Frames() {
		c.mu.Lock()
		c.latest = f
		c.gen++
		c.mu.Unlock()

		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

// logStderr logs the subprocess's diagnostics
func (c *CameraSource) logStderr() {
	log := logger.WithComponent("capture")
	scanner := bufio.NewScanner(c.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("gst", line).Msg("GStreamer output")
		}
	}
}

// NextFrame waits up to the frame timeout for a frame newer than the last
// one returned. It returns nil, nil if none arrives in time and
// ErrSourceUnavailable once the subprocess has exited.
func (c *CameraSource) NextFrame(ctx context.Context) (*frame.Frame, error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: not running: %w", c.Name(), ErrSourceUnavailable)
	}
	notify, exited := c.notify, c.exited
	c.mu.Unlock()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if c.latest != nil && c.gen != c.taken {
			c.taken = c.gen
			f := c.latest
			c.mu.Unlock()
			return f, nil
		}
		c.mu.Unlock()

		select {
		case <-exited:
			return nil, fmt.Errorf("%s: capture subprocess exited: %w", c.Name(), ErrSourceUnavailable)
		default:
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-exited:
		case <-notify:
		case <-timer.C:
			logger.WithComponent("capture").Debug().
				Dur("timeout", c.timeout).
				Msg("No camera frame this tick")
			return nil, nil
		}
	}
}

// Stop kills the subprocess and releases the re-timer
func (c *CameraSource) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.stopped = true
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.stopped = true
	cmd, stdout := c.cmd, c.stdout
	c.mu.Unlock()

	log := logger.WithComponent("capture")

	if cmd.Process != nil {
		log.Debug().Int("pid", cmd.Process.Pid).Msg("Killing capture subprocess")
		cmd.Process.Kill()
	}

	// children of sh may briefly keep stdout open
	select {
	case <-c.readDone:
	case <-time.After(2 * time.Second):
		stdout.Close()
		<-c.readDone
	}
	cmd.Wait()

	c.retimer.Close()
	c.cancel()
	c.drainWg.Wait()

	m := c.retimer.Metrics()
	log.Info().
		Uint64("frames_in", m.FramesIn).
		Uint64("frames_out", m.FramesOut).
		Uint64("dropped", m.FramesDropped).
		Uint64("duplicated", m.FramesDuplicated).
		Uint64("interpolated", m.FramesInterpolated).
		Msg("Camera capture stopped")
	return nil
}

// retimeLogger routes re-timer diagnostics to zerolog
type retimeLogger struct {
	log zerolog.Logger
}

func (l retimeLogger) Debugf(format string, args ...any) { l.log.Debug().Msgf(format, args...) }
func (l retimeLogger) Infof(format string, args ...any)  { l.log.Debug().Msgf(format, args...) }
func (l retimeLogger) Errorf(format string, args ...any) { l.log.Error().Msgf(format, args...) }
