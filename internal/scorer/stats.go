package scorer

import (
	"math"
	"sort"
)

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// pearson returns the correlation of xs and ys. ok is false when either
// series has zero variance or the lengths differ.
func pearson(xs, ys []float64) (float64, bool) {
	if len(xs) != len(ys) || len(xs) < 2 {
		return 0, false
	}
	mx, my := mean(xs), mean(ys)
	var sxy, sxx, syy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0, false
	}
	r := sxy / math.Sqrt(sxx*syy)
	if math.IsNaN(r) {
		return 0, false
	}
	return math.Max(-1, math.Min(1, r)), true
}

// quantile returns the q-th quantile of xs using linear interpolation
// between closest ranks.
func quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	if q <= 0 {
		return s[0]
	}
	if q >= 1 {
		return s[len(s)-1]
	}
	pos := q * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return s[lo] + (s[hi]-s[lo])*frac
}

// robustScale clips xs to [p_lower, p_upper] and rescales to [0,1]. When
// the interval is degenerate every value maps to neutral.
func robustScale(xs []float64, lower, upper, neutral float64) []float64 {
	out := make([]float64, len(xs))
	lo, hi := quantile(xs, lower), quantile(xs, upper)
	if hi <= lo {
		for i := range out {
			out[i] = neutral
		}
		return out
	}
	for i, x := range xs {
		x = math.Max(lo, math.Min(hi, x))
		out[i] = (x - lo) / (hi - lo)
	}
	return out
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
