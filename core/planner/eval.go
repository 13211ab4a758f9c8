package planner

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EvalCondition evaluates a step condition against the accumulated step
// results and reports its truthiness. Conditions that fail to evaluate
// count as false, so a malformed condition skips its step instead of
// crashing the run.
func EvalCondition(expr string, results map[string]any) bool {
	val, err := evalExpr(expr, results)
	if err != nil {
		return false
	}
	return truthy(val)
}

// evalExpr evaluates a small expression language:
//   - literals: numbers, booleans, quoted strings
//   - dot paths over the results map, rooted at step ids: check.approved
//   - comparisons: == != > < >= <=
//   - unary ! negation
//   - length(x)
func evalExpr(expr string, ctx map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty expression")
	}

	if strings.HasPrefix(expr, "!") {
		val, err := evalExpr(expr[1:], ctx)
		if err != nil {
			return nil, err
		}
		return !truthy(val), nil
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if idx := strings.Index(expr, op); idx >= 0 {
			left, err := evalExpr(expr[:idx], ctx)
			if err != nil {
				return nil, err
			}
			right, err := evalExpr(expr[idx+len(op):], ctx)
			if err != nil {
				return nil, err
			}
			return compare(left, right, op), nil
		}
	}

	if arg, ok := strings.CutPrefix(expr, "length("); ok && strings.HasSuffix(arg, ")") {
		val, err := evalExpr(strings.TrimSuffix(arg, ")"), ctx)
		if err != nil {
			return nil, err
		}
		switch v := val.(type) {
		case []any:
			return len(v), nil
		case string:
			return len(v), nil
		case map[string]any:
			return len(v), nil
		default:
			return 0, nil
		}
	}

	if len(expr) >= 2 {
		if (expr[0] == '\'' && expr[len(expr)-1] == '\'') || (expr[0] == '"' && expr[len(expr)-1] == '"') {
			return expr[1 : len(expr)-1], nil
		}
	}
	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if n, err := strconv.ParseFloat(expr, 64); err == nil {
		return n, nil
	}

	return resolvePath(expr, ctx), nil
}

func resolvePath(path string, ctx map[string]any) any {
	var cur any = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func compare(a, b any, op string) bool {
	switch av := a.(type) {
	case float64:
		return cmpFloat(av, toFloat(b), op)
	case int:
		return cmpFloat(float64(av), toFloat(b), op)
	case string:
		if bs, ok := b.(string); ok {
			return cmpOrdered(av, bs, op)
		}
	}
	switch op {
	case "==":
		return fmt.Sprint(a) == fmt.Sprint(b)
	case "!=":
		return fmt.Sprint(a) != fmt.Sprint(b)
	default:
		return false
	}
}

func cmpFloat(a, b float64, op string) bool {
	return cmpOrdered(a, b, op)
}

func cmpOrdered[T float64 | string](a, b T, op string) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	default:
		return false
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return 0
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}
