package search

import (
	"math"
	"math/rand/v2"
)

// newRand 返回以 seed 初始化的 PCG 生成器，同一 seed 的提议序列完全一致。
func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// LatinHypercube 在 [0,1]^dim 中生成 n 个拉丁超立方采样点：
// 每一维被等分为 n 段，每段恰好有一个点。
func LatinHypercube(rng *rand.Rand, n, dim int) [][]float64 {
	pts := make([][]float64, n)
	for i := range pts {
		pts[i] = make([]float64, dim)
	}
	for j := 0; j < dim; j++ {
		perm := rng.Perm(n)
		for i := 0; i < n; i++ {
			pts[i][j] = (float64(perm[i]) + rng.Float64()) / float64(n)
		}
	}
	return pts
}

// UniformPoints 生成 n 个均匀随机点。
func UniformPoints(rng *rand.Rand, n, dim int) [][]float64 {
	pts := make([][]float64, n)
	for i := range pts {
		pts[i] = make([]float64, dim)
		for j := range pts[i] {
			pts[i][j] = rng.Float64()
		}
	}
	return pts
}

// perturb 在 x 附近做高斯扰动（截到 [0,1]），用于在当前最优附近补充候选。
func perturb(rng *rand.Rand, x []float64, scale float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Min(1, math.Max(0, v+rng.NormFloat64()*scale))
	}
	return out
}

func distance(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s)
}
