package core

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rushteam/recalltune/pkg/conv"
)

// ParameterSet 是一组命名参数。取值来自 YAML/JSON 或优化器，
// 因此数值可能是 int、int64 或 float64，统一通过 Int/Float/String 读取。
type ParameterSet map[string]any

// Clone 返回浅拷贝。
func (p ParameterSet) Clone() ParameterSet {
	out := make(ParameterSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// With 返回覆盖了 other 中同名参数的新集合。
func (p ParameterSet) With(other ParameterSet) ParameterSet {
	out := p.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Int 读取整数参数；缺失时返回 def，类型不符返回错误。
func (p ParameterSet) Int(name string, def int) (int, error) {
	v, ok := p[name]
	if !ok {
		return def, nil
	}
	n, ok := conv.ToInt(v)
	if !ok {
		return 0, InvalidInput(ModuleSearch, fmt.Sprintf("parameter %s: %v is not an integer", name, v))
	}
	return n, nil
}

// Float 读取实数参数。
func (p ParameterSet) Float(name string, def float64) (float64, error) {
	v, ok := p[name]
	if !ok {
		return def, nil
	}
	f, ok := conv.ToFloat64(v)
	if !ok {
		return 0, InvalidInput(ModuleSearch, fmt.Sprintf("parameter %s: %v is not a number", name, v))
	}
	return f, nil
}

// String 读取类别参数。
func (p ParameterSet) String(name string, def string) (string, error) {
	v, ok := p[name]
	if !ok {
		return def, nil
	}
	s, ok := conv.ToString(v)
	if !ok {
		return "", InvalidInput(ModuleSearch, fmt.Sprintf("parameter %s: %v is not a string", name, v))
	}
	return s, nil
}

// Keys 返回排序后的参数名。
func (p ParameterSet) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Canonical 返回只包含 names 的确定性文本表示，用作 checkpoint key 的一部分。
// names 为空时包含全部参数。
func (p ParameterSet) Canonical(names ...string) string {
	if len(names) == 0 {
		names = p.Keys()
	} else {
		names = append([]string(nil), names...)
		sort.Strings(names)
	}
	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		v, ok := p[k]
		if !ok {
			b.WriteString("<nil>")
			continue
		}
		if f, ok := conv.ToFloat64(v); ok {
			b.WriteString(conv.FormatNumber(f))
			continue
		}
		fmt.Fprint(&b, v)
	}
	return b.String()
}
