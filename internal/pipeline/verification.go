package pipeline

import (
	"math"

	"github.com/fxnlabs/clhost/pkg/ocl"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
)

const (
	absTolerance = 1e-4
	relTolerance = 1e-6

	// maxExactInt is the largest magnitude below which float32 holds every
	// integer exactly.
	maxExactInt = 1 << 24
)

// Expected is the value a seed element holds after n applications of addend.
func Expected(seed, addend float32, n int) float32 {
	return seed + addend*float32(n)
}

// Verify checks that observed equals seed after n additions of addend. The
// first diverging element is reported as an *ocl.VerificationError tagged
// with iteration. Integral seeds and addends must match exactly while the
// result stays within float32's exact integer range; other values are
// compared within a tolerance.
func Verify(iteration int, seed, observed []float32, addend float32, n int) error {
	if len(seed) != len(observed) {
		return &ocl.VerificationError{Iteration: iteration, Index: -1, Expected: len(seed), Observed: len(observed)}
	}
	for i, v := range observed {
		want := Expected(seed[i], addend, n)
		if !matches(v, want, exact(seed[i], addend, want)) {
			return &ocl.VerificationError{Iteration: iteration, Index: i, Expected: want, Observed: v}
		}
	}
	return nil
}

func exact(seed, addend, want float32) bool {
	return isInt(seed) && isInt(addend) && math.Abs(float64(want)) <= maxExactInt
}

func isInt(v float32) bool {
	f := float64(v)
	return f == math.Trunc(f)
}

func matches(observed, want float32, exact bool) bool {
	if exact {
		return observed == want
	}
	return scalar.EqualWithinAbsOrRel(float64(observed), float64(want), absTolerance, relTolerance)
}

// Stats summarizes a result buffer.
type Stats struct {
	Min  float64
	Max  float64
	Mean float64
}

// Summarize computes Stats over values. An empty slice yields zero Stats.
func Summarize(values []float32) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	wide := make([]float64, len(values))
	for i, v := range values {
		wide[i] = float64(v)
	}
	return Stats{
		Min:  floats.Min(wide),
		Max:  floats.Max(wide),
		Mean: floats.Sum(wide) / float64(len(wide)),
	}
}
