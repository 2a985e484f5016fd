package search

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// ExpectedImprovement 是最大化问题的 EI：
// E[max(0, f(x) - best - xi)]，f(x) ~ N(mu, sigma²)。
func ExpectedImprovement(mu, sigma, best, xi float64) float64 {
	imp := mu - best - xi
	if sigma <= 1e-12 {
		return math.Max(0, imp)
	}
	z := imp / sigma
	return imp*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
}
