package dsl

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/rushteam/recalltune/pkg/conv"
)

// VarKind 是表达式变量的类型。
type VarKind int

const (
	VarInt VarKind = iota
	VarDouble
	VarString
)

func (k VarKind) celType() *cel.Type {
	switch k {
	case VarInt:
		return cel.IntType
	case VarDouble:
		return cel.DoubleType
	default:
		return cel.StringType
	}
}

// Expr 是编译好的参数约束表达式，使用 CEL (Common Expression Language)。
// 编译后的程序线程安全，可被并发试验复用。
//
// 每个参数名都是一个顶层变量：
//   - 数值：cand_per_recent <= top_per_item
//   - 混合：tau_days > 1.0 || recent_k >= 3 （int 与 double 可以直接比较）
//   - 类别：mode == "fast" && recall_cap <= 800
type Expr struct {
	source string
	vars   map[string]VarKind
	prg    cel.Program
}

// Compile 编译表达式，表达式必须返回 bool。
func Compile(expr string, vars map[string]VarKind) (*Expr, error) {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, name := range names {
		opts = append(opts, cel.Variable(name, vars[name].celType()))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression %q must return bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return &Expr{source: expr, vars: vars, prg: prg}, nil
}

func (e *Expr) String() string { return e.source }

// Evaluate 用 values 执行表达式。缺少变量或类型不符时返回错误。
func (e *Expr) Evaluate(values map[string]any) (bool, error) {
	input := make(map[string]any, len(e.vars))
	for name, kind := range e.vars {
		v, ok := values[name]
		if !ok {
			return false, fmt.Errorf("eval %q: missing variable %s", e.source, name)
		}
		cv, err := coerce(kind, v)
		if err != nil {
			return false, fmt.Errorf("eval %q: variable %s: %w", e.source, name, err)
		}
		input[name] = cv
	}

	out, _, err := e.prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", e.source, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: expression must return boolean, got %T", e.source, out.Value())
	}
	return result, nil
}

func coerce(kind VarKind, v any) (any, error) {
	switch kind {
	case VarInt:
		n, ok := conv.ToInt(v)
		if !ok {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		return int64(n), nil
	case VarDouble:
		f, ok := conv.ToFloat64(v)
		if !ok {
			return nil, fmt.Errorf("%v is not a number", v)
		}
		return f, nil
	default:
		s, ok := conv.ToString(v)
		if !ok {
			return nil, fmt.Errorf("%v is not a string", v)
		}
		return s, nil
	}
}
