package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Conditional evaluates a branch or loop-continue expression against the
// current variable bindings. The engine resolves conditions itself; it never
// trusts a client's requested branch.
type Conditional interface {
	Evaluate(bindings map[string]any) (bool, error)
}

// ParseCondition compiles a simple comparison expression. Supported forms:
//
//	true | false
//	name            (truthiness of the binding)
//	!name
//	name OP value   with OP one of == != < <= > >=
//
// where value is a number, a quoted string, a boolean literal, or another
// binding name.
func ParseCondition(expr string) (Conditional, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return literalCondition(true), nil
	}

	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if idx := strings.Index(expr, op); idx > 0 {
			lhs := strings.TrimSpace(expr[:idx])
			rhs := strings.TrimSpace(expr[idx+len(op):])

			if lhs == "" || rhs == "" {
				return nil, fmt.Errorf("malformed condition %q", expr)
			}

			return &comparison{lhs: lhs, op: op, rhs: rhs}, nil
		}
	}

	switch expr {
	case "true":
		return literalCondition(true), nil
	case "false":
		return literalCondition(false), nil
	}

	if negated := strings.HasPrefix(expr, "!"); negated {
		return &truthiness{name: strings.TrimSpace(expr[1:]), negate: true}, nil
	}

	return &truthiness{name: expr}, nil
}

type literalCondition bool

func (l literalCondition) Evaluate(map[string]any) (bool, error) {
	return bool(l), nil
}

type truthiness struct {
	name   string
	negate bool
}

func (t *truthiness) Evaluate(bindings map[string]any) (bool, error) {
	v, ok := bindings[t.name]
	if !ok {
		return t.negate, nil
	}

	truthy, err := Truthy(v)
	if err != nil {
		return false, fmt.Errorf("binding %q: %w", t.name, err)
	}

	if t.negate {
		return !truthy, nil
	}

	return truthy, nil
}

type comparison struct {
	lhs string
	op  string
	rhs string
}

func (c *comparison) Evaluate(bindings map[string]any) (bool, error) {
	lhs, ok := bindings[c.lhs]
	if !ok {
		return false, fmt.Errorf("unbound variable %q in condition", c.lhs)
	}

	rhs := resolveOperand(c.rhs, bindings)

	if ln, lok := toFloat(lhs); lok {
		if rn, rok := toFloat(rhs); rok {
			return compareFloats(ln, c.op, rn)
		}
	}

	ls := fmt.Sprintf("%v", lhs)
	rs := fmt.Sprintf("%v", rhs)

	switch c.op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", c.op)
	}
}

func compareFloats(l float64, op string, r float64) (bool, error) {
	switch op {
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	case "<":
		return l < r, nil
	case "<=":
		return l <= r, nil
	case ">":
		return l > r, nil
	case ">=":
		return l >= r, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

func resolveOperand(raw string, bindings map[string]any) any {
	if strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`) && len(raw) >= 2 {
		return raw[1 : len(raw)-1]
	}

	if raw == "true" {
		return true
	}

	if raw == "false" {
		return false
	}

	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}

	if v, ok := bindings[raw]; ok {
		return v
	}

	return raw
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)

		return f, err == nil
	default:
		return 0, false
	}
}

// Truthy coerces a bound value to a boolean.
func Truthy(v any) (bool, error) {
	if v == nil {
		return false, nil
	}

	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		if t == "" {
			return false, nil
		}

		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, fmt.Errorf("cannot convert string %q to boolean: %w", t, err)
		}

		return b, nil
	case int:
		return t != 0, nil
	case int64:
		return t != 0, nil
	case float64:
		return t != 0, nil
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", v)
	}
}
