package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/LoopCam/internal/api"
	"github.com/bryanchriswhite/LoopCam/internal/logger"
	"github.com/bryanchriswhite/LoopCam/internal/pipeline"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the compositing pipeline and control API",
	Long: `Run the compositing loop at the configured frame rate, publishing to the
configured sink, with the HTTP control API alongside.

Transform parameters, the active transform and overlay layers can be
changed while running through the API; a watched script file is reloaded
on save.`,
	Example: `  # Start with the configured source and sink
  loopcam serve

  # Feed a v4l2loopback device from the webcam
  loopcam serve --source camera --device /dev/video0 --sink v4l2 --target /dev/video10

  # Preview a test pattern in the browser at http://localhost:8080/viewer
  loopcam serve --source pattern --sink mjpeg

  # Run the focused window through the feedback effect
  loopcam serve --source window --window focused --transform feedback

  # Live-edit a transform script
  loopcam serve --script ./effect.expr`,
	RunE: runServe,
}

// pipelineFlags are shared by serve and render
var pipelineFlags = []flagOverride{
	{flag: "source", key: "source.type"},
	{flag: "device", key: "source.device"},
	{flag: "pattern", key: "source.pattern"},
	{flag: "window", key: "source.window"},
	{flag: "width", key: "pipeline.width"},
	{flag: "height", key: "pipeline.height"},
	{flag: "fps", key: "pipeline.fps"},
	{flag: "background", key: "pipeline.background"},
	{flag: "transform", key: "transform.builtin"},
	{flag: "script", key: "transform.script_path"},
}

func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().String("source", "", "frame source (pattern, sequence, camera, screen, window)")
	cmd.Flags().String("device", "", "camera device for the camera source")
	cmd.Flags().String("window", "", "title or class regex for the window source, or \"focused\"")
	cmd.Flags().String("pattern", "", "test pattern (bars, gradient, checker, solid)")
	cmd.Flags().Int("width", 0, "output width")
	cmd.Flags().Int("height", 0, "output height")
	cmd.Flags().Int("fps", 0, "frames per second")
	cmd.Flags().String("background", "", "background colour, e.g. #000000")
	cmd.Flags().String("transform", "", "built-in transform")
	cmd.Flags().String("script", "", "transform script file")
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addPipelineFlags(serveCmd)
	serveCmd.Flags().String("sink", "", "output sink (v4l2, mjpeg, window, png)")
	serveCmd.Flags().String("target", "", "sink target (v4l2 device, window size or directory)")
}

func runServe(cmd *cobra.Command, args []string) error {
	overrides := append([]flagOverride{
		{flag: "sink", key: "sink.type"},
		{flag: "target", key: "sink.target"},
	}, pipelineFlags...)

	configMgr, err := loadConfig(cmd, overrides...)
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	log := logger.WithComponent("serve")

	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	assembly, err := pipeline.Assemble(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	if err := assembly.Start(); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer assembly.Close()

	server := api.NewServer(assembly, configMgr)
	go func() {
		if err := server.Start(cfg.ServerPort); err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Int("port", cfg.ServerPort).
		Str("sink", cfg.Sink.Type).
		Int("fps", cfg.Pipeline.FPS).
		Msg("LoopCam is running, press Ctrl+C to stop")

	runErr := assembly.Loop.Run(ctx, pipeline.NewTickerScheduler(cfg.Pipeline.FPS))

	log.Info().Msg("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Err(err).Msg("HTTP server shutdown failed")
	}

	return runErr
}
