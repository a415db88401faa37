// Copyright 2021 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wiggle normalizes per-base coverage ("wiggle") arrays to a fixed
// resolution and encodes them in the underscore-joined text form stored in
// coverage files and in the junction/wiggle cache.
package wiggle

import (
	"strconv"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
)

// DefaultResolution is the canonical number of values kept per event.
const DefaultResolution = 2000

// Downsample reduces raw to target values.
//
// If len(raw) <= target (or target <= 0), raw is returned as is; shorter arrays
// are never padded or upsampled. Otherwise raw is treated as a
// piecewise-constant signal and each output value is the mean of the signal
// over one of target equal-width bins. Bin edges generally fall between input
// positions; the partial contributions are obtained by linear interpolation of
// the cumulative coverage, so the result follows the local mean instead of
// aliasing like plain striding would. The output has exactly target values and
// is a pure function of its inputs.
func Downsample(raw []float64, target int) []float64 {
	if target <= 0 || len(raw) <= target {
		return raw
	}
	n := len(raw)
	xs := make([]float64, n+1)
	for i := range xs {
		xs[i] = float64(i)
	}
	// cum[i] is the total coverage over raw[:i].
	cum := make([]float64, n+1)
	floats.CumSum(cum[1:], raw)

	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, cum); err != nil {
		log.Panicf("wiggle.Downsample: fit %d values: %v", n, err)
	}
	width := float64(n) / float64(target)
	out := make([]float64, target)
	prev := 0.0
	for i := range out {
		edge := float64(i+1) * width
		if i == target-1 {
			edge = float64(n)
		}
		c := pl.Predict(edge)
		v := (c - prev) / width
		if v < 0 {
			// Rounding noise on flat stretches.
			v = 0
		}
		out[i] = v
		prev = c
	}
	return out
}

// Zeros returns a coverage array of n zeros, the representation of a region
// without any aligned reads.
func Zeros(n int) []float64 {
	if n < 0 {
		n = 0
	}
	return make([]float64, n)
}

// Format encodes values as decimal numbers joined by '_'. Values are printed
// with float32 precision, which is plenty for display and keeps files small.
func Format(values []float64) string {
	var b strings.Builder
	buf := make([]byte, 0, 24)
	for i, v := range values {
		if i > 0 {
			b.WriteByte('_')
		}
		buf = strconv.AppendFloat(buf[:0], v, 'f', -1, 32)
		b.Write(buf)
	}
	return b.String()
}

// Parse decodes a string produced by Format. An empty string yields an empty
// array.
func Parse(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []float64{}, nil
	}
	parts := strings.Split(s, "_")
	values := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "wiggle.Parse: value %d", i)
		}
		values[i] = v
	}
	return values, nil
}
