package stats

import "math"

// PosteriorMean is the expected conversion probability under a
// Beta(successes+1, failures+1) posterior, i.e. a Beta-Bernoulli model
// with a uniform prior.
func PosteriorMean(successes, failures int) float64 {
	return float64(successes+1) / float64(successes+failures+2)
}

// EmpiricalRate is the raw observed conversion rate, 0 when no samples.
func EmpiricalRate(successes, failures int) float64 {
	total := successes + failures
	if total == 0 {
		return 0
	}
	return float64(successes) / float64(total)
}

// TopTwoGap returns the difference between the two largest values.
// With fewer than two values there is no meaningful gap and the result
// is +Inf, so no gap threshold can ever be satisfied.
func TopTwoGap(values []float64) float64 {
	if len(values) < 2 {
		return math.Inf(1)
	}

	best, second := math.Inf(-1), math.Inf(-1)
	for _, v := range values {
		if v > best {
			second = best
			best = v
		} else if v > second {
			second = v
		}
	}
	return best - second
}

// CredibleInterval approximates the central credible interval of a
// Beta(successes+1, failures+1) posterior using a normal approximation
// around the posterior mean. It's accurate enough for dashboards; exact
// quantiles would need an incomplete beta inverse.
func CredibleInterval(successes, failures int, confidence float64) (lower, upper float64) {
	n := float64(successes + failures + 2)
	mean := PosteriorMean(successes, failures)

	z := zScore(confidence)
	spread := z * math.Sqrt(mean*(1-mean)/(n+1))

	lower = mean - spread
	upper = mean + spread

	// Clamp to [0, 1]
	if lower < 0 {
		lower = 0
	}
	if upper > 1 {
		upper = 1
	}
	return lower, upper
}

// zScore returns the two-sided z-score for common confidence levels.
func zScore(confidence float64) float64 {
	switch {
	case confidence >= 0.99:
		return 2.576
	case confidence >= 0.95:
		return 1.96
	case confidence >= 0.90:
		return 1.645
	case confidence >= 0.80:
		return 1.28
	default:
		return 1.0
	}
}
