package dsl

import "testing"

func TestExpr_Evaluate(t *testing.T) {
	vars := map[string]VarKind{
		"top_per_item":    VarInt,
		"cand_per_recent": VarInt,
		"tau_days":        VarDouble,
		"mode":            VarString,
	}
	tests := []struct {
		name   string
		expr   string
		values map[string]any
		want   bool
	}{
		{"int compare true", "cand_per_recent <= top_per_item",
			map[string]any{"top_per_item": 100, "cand_per_recent": 40, "tau_days": 7.0, "mode": "a"}, true},
		{"int compare false", "cand_per_recent <= top_per_item",
			map[string]any{"top_per_item": 10, "cand_per_recent": 40, "tau_days": 7.0, "mode": "a"}, false},
		{"cross type", "tau_days > top_per_item",
			map[string]any{"top_per_item": 5, "cand_per_recent": 1, "tau_days": 7.5, "mode": "a"}, true},
		{"float as int", "top_per_item == 100",
			map[string]any{"top_per_item": 100.0, "cand_per_recent": 1, "tau_days": 1.0, "mode": "a"}, true},
		{"categorical", `mode == "fast" && tau_days < 10.0`,
			map[string]any{"top_per_item": 1, "cand_per_recent": 1, "tau_days": 3.0, "mode": "fast"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Compile(tt.expr, vars)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			got, err := e.Evaluate(tt.values)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tt.want {
				t.Errorf("%s = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	vars := map[string]VarKind{"a": VarInt}
	for _, expr := range []string{"a +", "a + 1", "unknown > 1"} {
		if _, err := Compile(expr, vars); err == nil {
			t.Errorf("Compile(%q) should fail", expr)
		}
	}
}

func TestExpr_MissingVariable(t *testing.T) {
	e, err := Compile("a > 1", map[string]VarKind{"a": VarInt})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Evaluate(map[string]any{}); err == nil {
		t.Error("expected error for missing variable")
	}
	if _, err := e.Evaluate(map[string]any{"a": "x"}); err == nil {
		t.Error("expected error for non-numeric value")
	}
}
