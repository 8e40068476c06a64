package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// Evaluator defines the interface for evaluating edge conditions against an
// instance payload.
type Evaluator interface {
	Evaluate(condition string, payload map[string]interface{}) (bool, error)
}

// CondEvaluator implements the closed condition micro-language:
//
//	payload.<key> <op> <literal>
//
// with op one of <=, <, >, >=, ==, !=. When both sides parse as numbers the
// comparison is numeric; otherwise only == and != apply, as string comparison
// with surrounding quotes stripped from the literal. The grammar is
// deliberately not Turing-complete and performs no code execution.
//
// Evaluation is fail-closed: an empty condition is true, and an unknown key,
// unparseable literal, or unsupported form is false. The error return is a
// diagnostic only; callers must still treat the boolean as authoritative.
type CondEvaluator struct{}

// NewCondEvaluator creates a new CondEvaluator.
func NewCondEvaluator() *CondEvaluator {
	return &CondEvaluator{}
}

// Evaluate evaluates the condition against the payload.
func (e *CondEvaluator) Evaluate(condition string, payload map[string]interface{}) (bool, error) {
	cond := strings.TrimSpace(condition)
	if cond == "" {
		return true, nil
	}

	parts := strings.Fields(cond)
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "payload.") {
		return false, fmt.Errorf("unsupported condition format: %q", condition)
	}
	key := strings.TrimPrefix(parts[0], "payload.")
	op := parts[1]
	literal := parts[2]

	switch op {
	case "<=", "<", ">", ">=", "==", "!=":
	default:
		return false, fmt.Errorf("unsupported operator %q in condition %q", op, condition)
	}

	value, ok := payload[key]
	if !ok || value == nil {
		return false, nil
	}

	if lhs, numeric := toFloat(value); numeric {
		if rhs, err := strconv.ParseFloat(literal, 64); err == nil {
			return compareNumeric(lhs, op, rhs), nil
		}
	}

	// Fall back to string comparison; only equality operators make sense here.
	rhs := strings.Trim(literal, `'"`)
	lhs := fmt.Sprintf("%v", value)
	switch op {
	case "==":
		return lhs == rhs, nil
	case "!=":
		return lhs != rhs, nil
	}
	return false, fmt.Errorf("operator %q not supported for non-numeric values in condition %q", op, condition)
}

func compareNumeric(lhs float64, op string, rhs float64) bool {
	switch op {
	case "<=":
		return lhs <= rhs
	case "<":
		return lhs < rhs
	case ">":
		return lhs > rhs
	case ">=":
		return lhs >= rhs
	case "==":
		return lhs == rhs
	case "!=":
		return lhs != rhs
	}
	return false
}

// toFloat widens the usual JSON payload value types to float64. Numeric
// strings count as numbers so that form-submitted values compare correctly.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
