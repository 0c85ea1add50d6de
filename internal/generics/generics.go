// Package generics implements generic data structure functions missing from the stdlib.
package generics

import (
	"golang.org/x/exp/constraints"
)

// SliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func SliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// ConvertSlice converts between numeric slice types, e.g. []float64 to []float32.
func ConvertSlice[Out, In constraints.Integer | constraints.Float](in []In) []Out {
	return SliceMap(in, func(e In) Out { return Out(e) })
}

// ArgMax returns the index of the largest value in values, or -1 if it is empty.
// Ties are resolved to the lowest index.
func ArgMax[T constraints.Ordered](values []T) int {
	if len(values) == 0 {
		return -1
	}
	best := 0
	for ii, v := range values[1:] {
		if v > values[best] {
			best = ii + 1
		}
	}
	return best
}

// MovingAverage updates average with newValue, where count is the number of values seen so far,
// including newValue.
//
// While count is small it behaves like a plain mean, so the first values are not biased
// towards zero.
func MovingAverage[T constraints.Float](average, newValue, decay T, count int) T {
	if count <= 0 {
		return newValue
	}
	decay = min(1-1/T(count), decay)
	return average*decay + (1-decay)*newValue
}
