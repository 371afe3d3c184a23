package output

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/bryanchriswhite/LoopCam/internal/logger"
)

// FFmpegSink feeds raw RGBA frames to an ffmpeg process writing to a
// v4l2loopback device, which applications then see as a webcam.
type FFmpegSink struct {
	path string
}

// NewFFmpegSink creates a v4l2 sink using the ffmpeg binary at path
func NewFFmpegSink(path string) *FFmpegSink {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegSink{path: path}
}

// Name returns the sink type name
func (s *FFmpegSink) Name() string {
	return "v4l2"
}

// Args returns the ffmpeg arguments for cfg
func (s *FFmpegSink) Args(cfg Config) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", strconv.Itoa(cfg.FPS),
		"-i", "-",
		"-pix_fmt", cfg.PixelFormat,
		"-f", "v4l2",
		cfg.Target,
	}
}

// Open checks the device exists and starts ffmpeg
func (s *FFmpegSink) Open(cfg Config) (Session, error) {
	if err := cfg.Validate(PixelFormatRGBA, PixelFormatYUV420P); err != nil {
		return nil, err
	}
	if cfg.Target == "" {
		return nil, fmt.Errorf("%w: no v4l2 device configured", ErrSinkConfiguration)
	}
	if _, err := os.Stat(cfg.Target); err != nil {
		return nil, fmt.Errorf("%w: device %s: %w", ErrSinkConfiguration, cfg.Target, err)
	}
	bin, err := exec.LookPath(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSinkConfiguration, err)
	}

	cmd := exec.Command(bin, s.Args(cfg)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create stdin pipe: %w", ErrSinkConfiguration, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create stderr pipe: %w", ErrSinkConfiguration, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start ffmpeg: %w", ErrSinkConfiguration, err)
	}

	logger.WithComponent("ffmpeg").Info().
		Int("pid", cmd.Process.Pid).
		Str("device", cfg.Target).
		Msg("ffmpeg started")

	d := &ffmpegDevice{
		cmd:    cmd,
		stdin:  stdin,
		exited: make(chan struct{}),
	}
	go d.wait(stderr)

	return NewSession(cfg, d), nil
}

type ffmpegDevice struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	exited  chan struct{}
	exitErr error

	closeOnce sync.Once
	closeErr  error
}

func (d *ffmpegDevice) Name() string {
	return "ffmpeg"
}

// wait drains stderr to the log and reaps the process
func (d *ffmpegDevice) wait(stderr io.Reader) {
	log := logger.WithComponent("ffmpeg")
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Warn().Msg(scanner.Text())
	}
	d.exitErr = d.cmd.Wait()
	close(d.exited)

	log.Debug().Err(d.exitErr).Msg("ffmpeg exited")
}

func (d *ffmpegDevice) WriteFrame(img *image.RGBA) error {
	select {
	case <-d.exited:
		return fmt.Errorf("ffmpeg exited: %v", d.exitErr)
	default:
	}

	b := img.Bounds()
	rowLen := b.Dx() * 4
	if img.Stride == rowLen {
		_, err := d.stdin.Write(img.Pix[:rowLen*b.Dy()])
		return err
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		i := img.PixOffset(b.Min.X, y)
		if _, err := d.stdin.Write(img.Pix[i : i+rowLen]); err != nil {
			return err
		}
	}
	return nil
}

// Close ends the stream and gives ffmpeg a moment to flush before killing it
func (d *ffmpegDevice) Close() error {
	d.closeOnce.Do(func() {
		d.stdin.Close()

		select {
		case <-d.exited:
		case <-time.After(3 * time.Second):
			d.cmd.Process.Kill()
			<-d.exited
		}

		var exitErr *exec.ExitError
		if d.exitErr != nil && !errors.As(d.exitErr, &exitErr) {
			d.closeErr = d.exitErr
		}
	})
	return d.closeErr
}
