package scheduler

// OptimalConcurrency is the per-batch worker count for n items: small batches
// run fully parallel, medium batches get more workers, and very large batches
// are throttled to spare the proxy core's own connection limits.
func OptimalConcurrency(n int) int {
	switch {
	case n <= 0:
		return 0
	case n <= 10:
		return n
	case n <= 50:
		return 15
	case n <= 200:
		return 25
	case n <= 500:
		return 20
	default:
		return 15
	}
}

// EffectiveConcurrency is min(hint, n, OptimalConcurrency(n)). A hint <= 0 is
// treated as no hint.
func EffectiveConcurrency(hint, n int) int {
	c := min(OptimalConcurrency(n), n)
	if hint > 0 && hint < c {
		c = hint
	}
	return c
}
