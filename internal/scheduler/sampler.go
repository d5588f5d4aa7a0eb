package scheduler

import (
	"math"
	"math/rand"
	"sort"
)

// cumulative is a prefix-sum table over non-negative weights. Sampling is a
// binary search for a uniform draw over the total. Non-finite weights count
// as zero.
type cumulative []float64

func newCumulative(weights []float64) cumulative {
	c := make(cumulative, len(weights))
	var sum float64
	for i, w := range weights {
		if w > 0 && !math.IsInf(w, 1) {
			sum += w
		}
		c[i] = sum
	}
	return c
}

// pick returns an index with probability proportional to its weight, or -1
// when every weight is zero. Entries with equal weight are ordered as given,
// so a seeded source yields a reproducible sequence.
func (c cumulative) pick(rng *rand.Rand) int {
	if len(c) == 0 || c[len(c)-1] <= 0 {
		return -1
	}
	x := rng.Float64() * c[len(c)-1]
	i := sort.Search(len(c), func(i int) bool { return c[i] > x })
	if i == len(c) {
		i = len(c) - 1
	}
	return i
}
