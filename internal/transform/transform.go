// Package transform defines the per-pixel compositing step ("the shader"):
// the Transform interface, built-in transforms, expression-script transforms,
// the hot-swappable Slot and the per-tick parameter set.
package transform

import (
	"errors"
	"fmt"
	"image"
)

// ErrTransformRuntime marks a transform that failed while producing a frame.
// The compositor recovers from it by substituting the passthrough transform.
var ErrTransformRuntime = errors.New("transform runtime error")

// Kind tags the transform variant
type Kind string

const (
	KindBuiltin Kind = "builtin"
	KindScript  Kind = "script"
)

// Input is everything a transform may read. Source and Previous share the
// destination's geometry and must not be modified.
type Input struct {
	Source   *image.RGBA
	Previous *image.RGBA
	Params   Params
}

// Transform writes one output frame into dst from its inputs. It must be a
// pure function of (Source, Previous, Params).
type Transform interface {
	Name() string
	Kind() Kind
	Apply(dst *image.RGBA, in Input) error
}

// Run applies t and converts both errors and panics into ErrTransformRuntime
func Run(t Transform, dst *image.RGBA, in Input) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrTransformRuntime, t.Name(), r)
		}
	}()

	if err := checkGeometry(dst, in); err != nil {
		return err
	}
	if err := t.Apply(dst, in); err != nil {
		if errors.Is(err, ErrTransformRuntime) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrTransformRuntime, t.Name(), err)
	}
	return nil
}

func checkGeometry(dst *image.RGBA, in Input) error {
	if in.Source == nil || in.Previous == nil {
		return fmt.Errorf("%w: missing input image", ErrTransformRuntime)
	}
	if in.Source.Bounds() != dst.Bounds() || in.Previous.Bounds() != dst.Bounds() {
		return fmt.Errorf("%w: input geometry %v/%v does not match target %v",
			ErrTransformRuntime, in.Source.Bounds(), in.Previous.Bounds(), dst.Bounds())
	}
	return nil
}
