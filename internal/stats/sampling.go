package stats

import (
	"math"
	"math/rand"
)

// SampleBeta draws from Beta(alpha, beta) using the gamma-ratio
// construction: X ~ Gamma(alpha, 1), Y ~ Gamma(beta, 1), X/(X+Y).
// This avoids a specialized beta sampler and is numerically stable for
// the integer-plus-one shape parameters used by the selector.
func SampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	x := SampleGamma(rng, alpha)
	y := SampleGamma(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// SampleGamma draws from Gamma(shape, 1) using the Marsaglia–Tsang
// squeeze method (ACM TOMS 26(3), 2000). Shapes below 1 are handled by
// the standard boost: Gamma(a) = Gamma(a+1) * U^(1/a).
func SampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return SampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)

	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1.0 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v

		u := rng.Float64()
		if u < 1.0-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v
		}
	}
}
