package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bryanchriswhite/LoopCam/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage LoopCam configuration",
	Long:  `View and manage LoopCam configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current LoopCam configuration, including environment overrides.`,
	Example: `  # Show configuration as YAML (default)
  loopcam config show

  # Show configuration as JSON
  loopcam config show --format json`,
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Long: `Set a configuration value by its dotted key. The whole configuration is
validated before it is saved; an invalid value leaves the file unchanged.`,
	Example: `  # Set server port
  loopcam config set server_port 9090

  # Publish to a v4l2loopback device
  loopcam config set sink.type v4l2
  loopcam config set sink.target /dev/video10

  # Feedback strength
  loopcam config set transform.params.mix 0.9`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get a configuration value",
	Long:  `Get a configuration value by its dotted key.`,
	Example: `  # Get output geometry
  loopcam config get pipeline.width
  loopcam config get pipeline.height`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Long:  `Display the path to the configuration file.`,
	RunE:  runConfigPath,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file",
	Long: `Load the configuration file with environment overrides applied and
report every invalid value. Exits non-zero when the file is invalid.`,
	RunE: runConfigValidate,
}

var formatFlag string

// openConfig loads the file named by --config without touching logging
func openConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return configMgr, nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configValidateCmd)

	configShowCmd.Flags().StringVarP(&formatFlag, "format", "f", "yaml", "output format (yaml or json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configMgr, err := openConfig()
	if err != nil {
		return err
	}

	cfg := configMgr.Get()

	switch formatFlag {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(cfg)
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", formatFlag)
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	configMgr, err := openConfig()
	if err != nil {
		return err
	}

	if err := configMgr.Set(key, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	fmt.Printf("✅ Configuration updated: %s = %s\n", key, value)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	configMgr, err := openConfig()
	if err != nil {
		return err
	}

	value, ok := configMgr.Value(key)
	if !ok {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	fmt.Println(value)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configMgr, err := openConfig()
	if err != nil {
		return err
	}

	fmt.Println(configMgr.GetConfigPath())
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configMgr, err := openConfig()
	if err != nil {
		return err
	}

	cfg := configMgr.Get()
	fmt.Printf("%s is valid\n", configMgr.GetConfigPath())
	fmt.Printf("  pipeline: %dx%d @ %d fps\n", cfg.Pipeline.Width, cfg.Pipeline.Height, cfg.Pipeline.FPS)
	fmt.Printf("  source:   %s\n", cfg.Source.Type)
	fmt.Printf("  sink:     %s %s\n", cfg.Sink.Type, cfg.Sink.Target)
	if cfg.Transform.ScriptPath != "" {
		fmt.Printf("  script:   %s (watch=%t)\n", cfg.Transform.ScriptPath, cfg.Transform.Watch)
	} else {
		fmt.Printf("  builtin:  %s\n", cfg.Transform.Builtin)
	}
	return nil
}
