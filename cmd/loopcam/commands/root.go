package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/LoopCam/internal/config"
	"github.com/bryanchriswhite/LoopCam/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "loopcam",
		Short: "LoopCam - live feedback effects for a virtual camera",
		Long: `LoopCam composites a video source through a feedback shader and
procedural overlays, and publishes the result as a virtual camera.

Features:
  • Camera, screen, window, test-pattern and fixed-sequence sources
  • Double-buffered feedback with built-in and scripted transforms
  • Hot-reloading transform scripts
  • Animated overlay layers
  • v4l2loopback, MJPEG, X11 preview and PNG outputs
  • REST and WebSocket control API`,
		SilenceUsage: true,
	}
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/loopcam/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// flagOverride maps a command flag to the config key it overrides
type flagOverride struct {
	flag string
	key  string
}

// loadConfig opens the config file, applies flags the user set and
// initialises logging from the result
func loadConfig(cmd *cobra.Command, overrides ...flagOverride) (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	for _, key := range []string{"server_port", "log_level"} {
		if !viper.IsSet(key) {
			continue
		}
		value := viper.Get(key)
		if s, ok := value.(string); ok && s == "" {
			continue
		}
		if n, ok := value.(int); ok && n == 0 {
			continue
		}
		if err := configMgr.Override(key, value); err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", key, err)
		}
	}

	for _, o := range overrides {
		f := cmd.Flags().Lookup(o.flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := configMgr.Override(o.key, f.Value.String()); err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", o.flag, err)
		}
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return configMgr, nil
}
