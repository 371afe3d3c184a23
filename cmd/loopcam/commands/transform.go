package commands

import (
	"fmt"
	"image"

	"github.com/bryanchriswhite/LoopCam/internal/capture"
	"github.com/bryanchriswhite/LoopCam/internal/transform"
	"github.com/spf13/cobra"
)

var transformCmd = &cobra.Command{
	Use:   "transform",
	Short: "Inspect transforms",
	Long:  `List built-in transforms and check transform scripts.`,
}

var transformListCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in transforms",
	RunE:  runTransformList,
}

var transformCheckCmd = &cobra.Command{
	Use:   "check FILE",
	Short: "Compile a transform script and run it on a test frame",
	Long: `Compile a transform script and run it once over a small test pattern, so
both syntax errors and runtime errors (wrong result shape, bad sampler
arguments) show up before the script is loaded into a running pipeline.`,
	Example: `  loopcam transform check ./effect.expr`,
	Args:    cobra.ExactArgs(1),
	RunE:    runTransformCheck,
}

func init() {
	rootCmd.AddCommand(transformCmd)
	transformCmd.AddCommand(transformListCmd)
	transformCmd.AddCommand(transformCheckCmd)
}

func runTransformList(cmd *cobra.Command, args []string) error {
	for _, name := range transform.BuiltinNames() {
		fmt.Println(name)
	}
	return nil
}

func runTransformCheck(cmd *cobra.Command, args []string) error {
	t, err := transform.LoadScriptFile(args[0])
	if err != nil {
		return err
	}

	const w, h = 32, 18
	pattern, err := capture.NewPatternSource(capture.PatternBars, w, h)
	if err != nil {
		return err
	}
	src := pattern.FrameAt(0).Image()
	prev := pattern.FrameAt(1).Image()

	dst := image.NewRGBA(src.Bounds())
	in := transform.Input{
		Source:   src,
		Previous: prev,
		Params: transform.Params{
			transform.ParamTime: transform.Scalar(1),
			transform.ParamTick: transform.Scalar(30),
		},
	}
	if err := transform.Run(t, dst, in); err != nil {
		return err
	}

	fmt.Printf("✅ %s compiles and runs\n", t.Name())
	return nil
}
