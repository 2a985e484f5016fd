package search

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// 超参数网格：长度尺度（单位超立方体中）与观测噪声（标准化后的方差）。
var (
	gpLengthScales = []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.2, 2.0}
	gpNoises       = []float64{1e-6, 1e-4, 1e-2, 1e-1}
)

var errSingularKernel = errors.New("gp: kernel matrix is not positive definite")

// GP 是 Matern 5/2 核的高斯过程回归，目标值内部标准化。
type GP struct {
	x           [][]float64
	mean, std   float64
	lengthScale float64
	noise       float64
	chol        mat.Cholesky
	alpha       *mat.VecDense
	logML       float64
}

func matern52(r float64) float64 {
	s := math.Sqrt(5) * r
	return (1 + s + s*s/3) * math.Exp(-s)
}

func (g *GP) kernel(a, b []float64) float64 {
	return matern52(distance(a, b) / g.lengthScale)
}

// FitGP 在超参数网格上选边际似然最大的组合。
func FitGP(x [][]float64, y []float64) (*GP, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, errors.New("gp: need matching non-empty x and y")
	}
	var best *GP
	for _, ls := range gpLengthScales {
		for _, noise := range gpNoises {
			g, err := fitFixed(x, y, ls, noise)
			if err != nil {
				continue
			}
			if best == nil || g.logML > best.logML {
				best = g
			}
		}
	}
	if best == nil {
		return nil, errSingularKernel
	}
	return best, nil
}

func fitFixed(x [][]float64, y []float64, lengthScale, noise float64) (*GP, error) {
	n := len(x)
	mean, std := stat.MeanStdDev(y, nil)
	if !(std > 1e-12) {
		std = 1
	}
	g := &GP{x: x, mean: mean, std: std, lengthScale: lengthScale, noise: noise}

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := g.kernel(x[i], x[j])
			if i == j {
				v += noise
			}
			k.SetSym(i, j, v)
		}
	}
	if ok := g.chol.Factorize(k); !ok {
		return nil, errSingularKernel
	}

	ys := mat.NewVecDense(n, nil)
	for i, v := range y {
		ys.SetVec(i, (v-mean)/std)
	}
	g.alpha = mat.NewVecDense(n, nil)
	if err := g.chol.SolveVecTo(g.alpha, ys); err != nil {
		return nil, err
	}
	// log p(y) = -1/2 yᵀα - 1/2 log|K| - n/2 log 2π
	g.logML = -0.5*mat.Dot(ys, g.alpha) - 0.5*g.chol.LogDet() - float64(n)/2*math.Log(2*math.Pi)
	return g, nil
}

// Predict 返回 x 处的后验均值与标准差（原始尺度）。
func (g *GP) Predict(x []float64) (float64, float64) {
	n := len(g.x)
	ks := mat.NewVecDense(n, nil)
	for i, xi := range g.x {
		ks.SetVec(i, g.kernel(x, xi))
	}
	mu := mat.Dot(ks, g.alpha)

	v := mat.NewVecDense(n, nil)
	variance := 1.0
	if err := g.chol.SolveVecTo(v, ks); err == nil {
		variance = 1 - mat.Dot(ks, v)
	}
	if variance < 1e-12 {
		variance = 1e-12
	}
	return g.mean + mu*g.std, math.Sqrt(variance) * g.std
}
