// Package search 是黑盒参数搜索：取值域描述、贝叶斯/随机/网格优化器，
// 以及 提议 -> 评估 -> 更新 的试验控制器。
package search

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/pkg/conv"
	"github.com/rushteam/recalltune/pkg/dsl"
)

// Kind 参数类型
type Kind string

const (
	KindInteger     Kind = "integer"
	KindReal        Kind = "real"
	KindCategorical Kind = "categorical"
)

// Param 是一个可调参数的取值域。
type Param struct {
	Name    string   `yaml:"name" json:"name"`
	Kind    Kind     `yaml:"type" json:"type"`
	Low     float64  `yaml:"low,omitempty" json:"low,omitempty"`
	High    float64  `yaml:"high,omitempty" json:"high,omitempty"`
	Choices []string `yaml:"choices,omitempty" json:"choices,omitempty"`
	Log     bool     `yaml:"log,omitempty" json:"log,omitempty"` // 在对数尺度上采样（仅数值）
}

// Domain 是有序的参数取值域，加上可选的 CEL 约束表达式。
//
//	params:
//	  - {name: covisit_window, type: integer, low: 2, high: 8}
//	  - {name: tau_days, type: real, low: 7, high: 30, log: true}
//	constraints:
//	  - cand_per_recent <= top_per_item
type Domain struct {
	Params      []Param  `yaml:"params" json:"params"`
	Constraints []string `yaml:"constraints,omitempty" json:"constraints,omitempty"`

	exprs []*dsl.Expr
}

// ParseDomain 解析并校验 YAML 描述。
func ParseDomain(data []byte) (*Domain, error) {
	var d Domain
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, core.InvalidInput(core.ModuleSearch, "parse domain: "+err.Error())
	}
	if err := d.Init(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadDomain 从文件加载取值域。
func LoadDomain(path string) (*Domain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read domain: %w", err)
	}
	return ParseDomain(data)
}

// DefaultDomain 是召回链路参数的默认搜索范围。
func DefaultDomain() *Domain {
	d := &Domain{
		Params: []Param{
			{Name: "covisit_window", Kind: KindInteger, Low: 2, High: 8},
			{Name: "top_per_item", Kind: KindInteger, Low: 100, High: 400},
			{Name: "recent_k", Kind: KindInteger, Low: 3, High: 15},
			{Name: "cand_per_recent", Kind: KindInteger, Low: 20, High: 80},
			{Name: "tau_days", Kind: KindReal, Low: 7, High: 30},
			{Name: "user_top_cates", Kind: KindInteger, Low: 2, High: 6},
			{Name: "user_top_stores", Kind: KindInteger, Low: 2, High: 6},
			{Name: "per_cate_pool", Kind: KindInteger, Low: 40, High: 150},
			{Name: "per_store_pool", Kind: KindInteger, Low: 30, High: 120},
			{Name: "pop_pool", Kind: KindInteger, Low: 1000, High: 4000},
			{Name: "recall_cap", Kind: KindInteger, Low: 300, High: 1200},
		},
	}
	if err := d.Init(); err != nil {
		panic(err)
	}
	return d
}

// Init 校验参数定义并编译约束。手工构造 Domain 后必须调用。
func (d *Domain) Init() error {
	if len(d.Params) == 0 {
		return core.InvalidInput(core.ModuleSearch, "domain has no parameters")
	}
	vars := make(map[string]dsl.VarKind, len(d.Params))
	for _, p := range d.Params {
		if p.Name == "" {
			return core.InvalidInput(core.ModuleSearch, "parameter without name")
		}
		if _, dup := vars[p.Name]; dup {
			return core.InvalidInput(core.ModuleSearch, fmt.Sprintf("duplicate parameter %s", p.Name))
		}
		switch p.Kind {
		case KindInteger, KindReal:
			if !(p.Low <= p.High) {
				return core.InvalidInput(core.ModuleSearch, fmt.Sprintf("parameter %s: low %v > high %v", p.Name, p.Low, p.High))
			}
			if p.Kind == KindInteger && (p.Low != math.Trunc(p.Low) || p.High != math.Trunc(p.High)) {
				return core.InvalidInput(core.ModuleSearch, fmt.Sprintf("parameter %s: integer bounds must be whole numbers", p.Name))
			}
			if p.Log && p.Low <= 0 {
				return core.InvalidInput(core.ModuleSearch, fmt.Sprintf("parameter %s: log scale needs low > 0", p.Name))
			}
			if p.Kind == KindInteger {
				vars[p.Name] = dsl.VarInt
			} else {
				vars[p.Name] = dsl.VarDouble
			}
		case KindCategorical:
			if len(p.Choices) == 0 {
				return core.InvalidInput(core.ModuleSearch, fmt.Sprintf("parameter %s: no choices", p.Name))
			}
			vars[p.Name] = dsl.VarString
		default:
			return core.InvalidInput(core.ModuleSearch, fmt.Sprintf("parameter %s: unknown type %q", p.Name, p.Kind))
		}
	}
	d.exprs = d.exprs[:0]
	for _, c := range d.Constraints {
		e, err := dsl.Compile(c, vars)
		if err != nil {
			return core.InvalidInput(core.ModuleSearch, "constraint: "+err.Error())
		}
		d.exprs = append(d.exprs, e)
	}
	return nil
}

// Dim 维度
func (d *Domain) Dim() int { return len(d.Params) }

// Names 参数名，按声明顺序。
func (d *Domain) Names() []string {
	out := make([]string, len(d.Params))
	for i, p := range d.Params {
		out[i] = p.Name
	}
	return out
}

// Param 按名称查找参数。
func (d *Domain) Param(name string) (Param, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

func outOfDomain(format string, args ...any) error {
	return core.NewDomainError(core.ModuleSearch, core.ErrorCodeOutOfDomain, fmt.Sprintf(format, args...))
}

// Validate 检查 ps 是否在取值域内并满足全部约束，失败返回 OUT_OF_DOMAIN。
// ps 中多余的参数（固定参数）不做检查。
func (d *Domain) Validate(ps core.ParameterSet) error {
	values := make(map[string]any, len(d.Params))
	for _, p := range d.Params {
		v, ok := ps[p.Name]
		if !ok {
			return outOfDomain("parameter %s missing", p.Name)
		}
		switch p.Kind {
		case KindInteger:
			f, ok := conv.ToFloat64(v)
			if !ok || f != math.Trunc(f) {
				return outOfDomain("parameter %s: %v is not an integer", p.Name, v)
			}
			if f < p.Low || f > p.High {
				return outOfDomain("parameter %s: %v not in [%v, %v]", p.Name, v, p.Low, p.High)
			}
		case KindReal:
			f, ok := conv.ToFloat64(v)
			if !ok || math.IsNaN(f) {
				return outOfDomain("parameter %s: %v is not a number", p.Name, v)
			}
			if f < p.Low || f > p.High {
				return outOfDomain("parameter %s: %v not in [%v, %v]", p.Name, v, p.Low, p.High)
			}
		case KindCategorical:
			s, ok := conv.ToString(v)
			if !ok || !slices.Contains(p.Choices, s) {
				return outOfDomain("parameter %s: %v not in %v", p.Name, v, p.Choices)
			}
		}
		values[p.Name] = v
	}
	for _, e := range d.exprs {
		ok, err := e.Evaluate(values)
		if err != nil {
			return outOfDomain("constraint %s: %v", e, err)
		}
		if !ok {
			return outOfDomain("constraint %s violated", e)
		}
	}
	return nil
}

// Decode 把单位超立方体中的点映射为参数。x 的分量会被截到 [0,1]。
func (d *Domain) Decode(x []float64) core.ParameterSet {
	ps := make(core.ParameterSet, len(d.Params))
	for i, p := range d.Params {
		u := math.Min(1, math.Max(0, x[i]))
		switch p.Kind {
		case KindCategorical:
			idx := min(int(u*float64(len(p.Choices))), len(p.Choices)-1)
			ps[p.Name] = p.Choices[idx]
		case KindInteger:
			v := math.Round(p.fromUnit(u))
			ps[p.Name] = int(math.Min(p.High, math.Max(p.Low, v)))
		default:
			ps[p.Name] = math.Min(p.High, math.Max(p.Low, p.fromUnit(u)))
		}
	}
	return ps
}

// Encode 是 Decode 的逆映射；类别取所在区间的中点。
func (d *Domain) Encode(ps core.ParameterSet) []float64 {
	x := make([]float64, len(d.Params))
	for i, p := range d.Params {
		switch p.Kind {
		case KindCategorical:
			s, _ := conv.ToString(ps[p.Name])
			idx := max(slices.Index(p.Choices, s), 0)
			x[i] = (float64(idx) + 0.5) / float64(len(p.Choices))
		default:
			f, _ := conv.ToFloat64(ps[p.Name])
			x[i] = p.toUnit(f)
		}
	}
	return x
}

func (p Param) fromUnit(u float64) float64 {
	if p.Log {
		lo, hi := math.Log(p.Low), math.Log(p.High)
		return math.Exp(lo + u*(hi-lo))
	}
	return p.Low + u*(p.High-p.Low)
}

func (p Param) toUnit(v float64) float64 {
	if p.High == p.Low {
		return 0.5
	}
	var u float64
	if p.Log {
		lo, hi := math.Log(p.Low), math.Log(p.High)
		u = (math.Log(v) - lo) / (hi - lo)
	} else {
		u = (v - p.Low) / (p.High - p.Low)
	}
	return math.Min(1, math.Max(0, u))
}

// Random 返回一个满足约束的随机点；attempts 次都不满足时返回 false。
func (d *Domain) Random(rng *rand.Rand, attempts int) (core.ParameterSet, bool) {
	x := make([]float64, d.Dim())
	for a := 0; a < attempts; a++ {
		for i := range x {
			x[i] = rng.Float64()
		}
		ps := d.Decode(x)
		if d.Validate(ps) == nil {
			return ps, true
		}
	}
	return nil, false
}

// Narrow 以 center 为中心把每个数值参数收窄到原范围的 fraction，越界时整体平移；
// 类别参数固定为 center 的取值，keepCategorical 时保留全部选项。约束原样保留。
func (d *Domain) Narrow(center core.ParameterSet, fraction float64, keepCategorical bool) (*Domain, error) {
	if !(fraction > 0 && fraction <= 1) {
		return nil, core.InvalidInput(core.ModuleSearch, fmt.Sprintf("narrow fraction must be in (0,1], got %v", fraction))
	}
	if err := d.Validate(center); err != nil {
		return nil, fmt.Errorf("narrow center: %w", err)
	}
	out := &Domain{Constraints: slices.Clone(d.Constraints)}
	for _, p := range d.Params {
		np := p
		np.Choices = slices.Clone(p.Choices)
		switch p.Kind {
		case KindCategorical:
			if !keepCategorical {
				s, _ := conv.ToString(center[p.Name])
				np.Choices = []string{s}
			}
		default:
			c, _ := conv.ToFloat64(center[p.Name])
			lo, hi := p.Low, p.High
			if p.Log {
				lo, hi, c = math.Log(lo), math.Log(hi), math.Log(c)
			}
			width := (hi - lo) * fraction
			nlo, nhi := c-width/2, c+width/2
			if nlo < lo {
				nlo, nhi = lo, lo+width
			}
			if nhi > hi {
				nlo, nhi = hi-width, hi
			}
			if p.Log {
				nlo, nhi = math.Exp(nlo), math.Exp(nhi)
			}
			np.Low, np.High = math.Max(p.Low, nlo), math.Min(p.High, nhi)
			if p.Kind == KindInteger {
				np.Low, np.High = math.Floor(np.Low), math.Ceil(np.High)
			}
		}
		out.Params = append(out.Params, np)
	}
	if err := out.Init(); err != nil {
		return nil, err
	}
	return out, nil
}
