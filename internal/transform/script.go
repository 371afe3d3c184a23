package transform

import (
	"fmt"
	"image"
	"math"
	"runtime"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ScriptTransform evaluates a user expression once per output pixel.
//
// Variables: x, y (pixels), u, v (0..1), width, height, time, tick,
// src and prev (rgba at the pixel, 0..1), p (scalar parameters) and
// pv (vector parameters). Functions: sin, cos, tan, atan2, sqrt, pow,
// fract, clamp, mix, smoothstep, length, sample_src(dx, dy) and
// sample_prev(dx, dy).
//
// The result is a grey level, [r, g, b] or [r, g, b, a], each in 0..1.
type ScriptTransform struct {
	name    string
	source  string
	program *vm.Program
}

// CompileScript compiles source into a transform. Syntax errors and
// references to unknown variables fail here rather than at run time.
func CompileScript(name, source string) (*ScriptTransform, error) {
	opts := append([]expr.Option{expr.Env(newScriptEnv())}, scriptFunctions()...)
	program, err := expr.Compile(source, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script %s: %w", name, err)
	}
	return &ScriptTransform{name: name, source: source, program: program}, nil
}

// Name returns the script name (usually its file name)
func (s *ScriptTransform) Name() string { return s.name }

// Kind returns KindScript
func (s *ScriptTransform) Kind() Kind { return KindScript }

// Source returns the script text
func (s *ScriptTransform) Source() string { return s.source }

// Apply evaluates the script over dst in horizontal bands, one VM per band
func (s *ScriptTransform) Apply(dst *image.RGBA, in Input) error {
	b := dst.Bounds()
	workers := runtime.GOMAXPROCS(0)
	if workers > b.Dy() {
		workers = b.Dy()
	}
	if workers < 1 {
		return nil
	}

	scalars := make(map[string]float64, len(in.Params))
	vectors := make(map[string][]float64, len(in.Params))
	for k, v := range in.Params {
		scalars[k] = v.Float()
		vectors[k] = v.Components()
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	band := (b.Dy() + workers - 1) / workers
	for y0 := b.Min.Y; y0 < b.Max.Y; y0 += band {
		y1 := y0 + band
		if y1 > b.Max.Y {
			y1 = b.Max.Y
		}
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			if err := s.runBand(dst, in, scalars, vectors, y0, y1); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(y0, y1)
	}
	wg.Wait()
	return firstErr
}

type pixelCursor struct {
	x, y int
}

func (s *ScriptTransform) runBand(dst *image.RGBA, in Input, scalars map[string]float64, vectors map[string][]float64, y0, y1 int) error {
	b := dst.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	cur := &pixelCursor{}

	env := newScriptEnv()
	env["width"] = w
	env["height"] = h
	env["time"] = in.Params.Float(ParamTime, 0)
	env["tick"] = in.Params.Float(ParamTick, 0)
	env["p"] = scalars
	env["pv"] = vectors
	env["sample_src"] = func(args ...any) any { return sampleAt(in.Source, cur, args) }
	env["sample_prev"] = func(args ...any) any { return sampleAt(in.Previous, cur, args) }

	src := make([]float64, 4)
	prev := make([]float64, 4)
	var machine vm.VM

	for y := y0; y < y1; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			cur.x, cur.y = x, y
			readPixel(in.Source, x, y, src)
			readPixel(in.Previous, x, y, prev)
			env["x"] = float64(x - b.Min.X)
			env["y"] = float64(y - b.Min.Y)
			env["u"] = (float64(x-b.Min.X) + 0.5) / w
			env["v"] = (float64(y-b.Min.Y) + 0.5) / h
			env["src"] = src
			env["prev"] = prev

			out, err := machine.Run(s.program, env)
			if err != nil {
				return fmt.Errorf("%w: %s at (%d,%d): %v", ErrTransformRuntime, s.name, x, y, err)
			}
			if err := writePixel(dst, x, y, out); err != nil {
				return fmt.Errorf("%w: %s at (%d,%d): %v", ErrTransformRuntime, s.name, x, y, err)
			}
		}
	}
	return nil
}

func newScriptEnv() map[string]any {
	return map[string]any{
		"x":           0.0,
		"y":           0.0,
		"u":           0.0,
		"v":           0.0,
		"width":       0.0,
		"height":      0.0,
		"time":        0.0,
		"tick":        0.0,
		"src":         []float64{0, 0, 0, 0},
		"prev":        []float64{0, 0, 0, 0},
		"p":           map[string]float64{},
		"pv":          map[string][]float64{},
		"sample_src":  func(args ...any) any { return nil },
		"sample_prev": func(args ...any) any { return nil },
	}
}

func readPixel(img *image.RGBA, x, y int, out []float64) {
	i := img.PixOffset(x, y)
	out[0] = float64(img.Pix[i]) / 255
	out[1] = float64(img.Pix[i+1]) / 255
	out[2] = float64(img.Pix[i+2]) / 255
	out[3] = float64(img.Pix[i+3]) / 255
}

func sampleAt(img *image.RGBA, cur *pixelCursor, args []any) any {
	var dx, dy float64
	if len(args) > 0 {
		dx, _ = toFloat(args[0])
	}
	if len(args) > 1 {
		dy, _ = toFloat(args[1])
	}
	b := img.Bounds()
	x := clampInt(cur.x+int(math.Round(dx)), b.Min.X, b.Max.X-1)
	y := clampInt(cur.y+int(math.Round(dy)), b.Min.Y, b.Max.Y-1)
	out := make([]float64, 4)
	readPixel(img, x, y, out)
	return out
}

func writePixel(dst *image.RGBA, x, y int, out any) error {
	var r, g, b, a float64
	switch val := out.(type) {
	case []any:
		comps := make([]float64, len(val))
		for i, item := range val {
			f, ok := toFloat(item)
			if !ok {
				return fmt.Errorf("component %d is %T, want number", i, item)
			}
			comps[i] = f
		}
		return writeComponents(dst, x, y, comps)
	case []float64:
		return writeComponents(dst, x, y, val)
	default:
		f, ok := toFloat(out)
		if !ok {
			return fmt.Errorf("script returned %T, want number or list", out)
		}
		r, g, b, a = f, f, f, 1
	}
	setPixel(dst, x, y, r, g, b, a)
	return nil
}

func writeComponents(dst *image.RGBA, x, y int, c []float64) error {
	switch len(c) {
	case 3:
		setPixel(dst, x, y, c[0], c[1], c[2], 1)
	case 4:
		setPixel(dst, x, y, c[0], c[1], c[2], c[3])
	default:
		return fmt.Errorf("script returned %d components, want 3 or 4", len(c))
	}
	return nil
}

func setPixel(dst *image.RGBA, x, y int, r, g, b, a float64) {
	i := dst.PixOffset(x, y)
	dst.Pix[i] = to8(r)
	dst.Pix[i+1] = to8(g)
	dst.Pix[i+2] = to8(b)
	dst.Pix[i+3] = to8(a)
}

func to8(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	return uint8(math.Round(clamp01(v) * 255))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint8:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// scriptFunctions are registered untyped so integer literals are accepted
// wherever a float is expected.
func scriptFunctions() []expr.Option {
	unary := func(name string, fn func(float64) float64) expr.Option {
		return expr.Function(name, func(params ...any) (any, error) {
			args, err := floatArgs(name, params, 1)
			if err != nil {
				return nil, err
			}
			return fn(args[0]), nil
		})
	}
	binary := func(name string, fn func(a, b float64) float64) expr.Option {
		return expr.Function(name, func(params ...any) (any, error) {
			args, err := floatArgs(name, params, 2)
			if err != nil {
				return nil, err
			}
			return fn(args[0], args[1]), nil
		})
	}
	ternary := func(name string, fn func(a, b, c float64) float64) expr.Option {
		return expr.Function(name, func(params ...any) (any, error) {
			args, err := floatArgs(name, params, 3)
			if err != nil {
				return nil, err
			}
			return fn(args[0], args[1], args[2]), nil
		})
	}

	return []expr.Option{
		unary("sin", math.Sin),
		unary("cos", math.Cos),
		unary("tan", math.Tan),
		unary("sqrt", math.Sqrt),
		unary("fract", func(v float64) float64 { return v - math.Floor(v) }),
		binary("atan2", math.Atan2),
		binary("pow", math.Pow),
		binary("length", math.Hypot),
		ternary("clamp", func(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }),
		ternary("mix", func(a, b, t float64) float64 { return a + (b-a)*t }),
		ternary("smoothstep", Smoothstep),
	}
}

func floatArgs(name string, params []any, n int) ([]float64, error) {
	if len(params) != n {
		return nil, fmt.Errorf("%s expects %d arguments, got %d", name, n, len(params))
	}
	out := make([]float64, n)
	for i, p := range params {
		f, ok := toFloat(p)
		if !ok {
			return nil, fmt.Errorf("%s argument %d is %T, want number", name, i+1, p)
		}
		out[i] = f
	}
	return out, nil
}

// Smoothstep is the GLSL smoothstep; edge0 may be greater than edge1
func Smoothstep(edge0, edge1, x float64) float64 {
	if edge0 == edge1 {
		if x < edge0 {
			return 0
		}
		return 1
	}
	t := clamp01((x - edge0) / (edge1 - edge0))
	return t * t * (3 - 2*t)
}
