package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Interpolate replaces {{var}} placeholders from the variable map. Missing
// variables resolve to the empty string, never an error, so half-filled
// contact data degrades messages instead of breaking flows.
func Interpolate(template string, vars map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := vars[name]
		if !ok || v == nil {
			return ""
		}
		return toString(v)
	})
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

var comparisonRe = regexp.MustCompile(`^\s*(.+?)\s*(==|!=|>=|<=|>|<|contains)\s*(.+?)\s*$`)

// EvaluateCondition evaluates the legacy boolean-expression form against the
// variable map. Supported shapes: `left OP right` with ==, !=, >, <, >=, <=
// and contains, or a bare variable name checked for truthiness. Operands are
// variable names, quoted strings, numbers or booleans. No code execution of
// any kind.
func EvaluateCondition(expr string, vars map[string]any) bool {
	m := comparisonRe.FindStringSubmatch(expr)
	if m == nil {
		return isTruthy(resolveOperand(expr, vars))
	}
	return Compare(resolveOperand(m[1], vars), m[2], resolveOperand(m[3], vars))
}

// Compare applies the structured operator form used by conditionNode.
func Compare(left any, op string, right any) bool {
	switch op {
	case "==":
		return toString(left) == toString(right)
	case "!=":
		return toString(left) != toString(right)
	case "contains":
		return strings.Contains(
			strings.ToLower(toString(left)),
			strings.ToLower(toString(right)),
		)
	case ">", "<", ">=", "<=":
		ln, lok := toNumber(left)
		rn, rok := toNumber(right)
		if !lok || !rok {
			return false
		}
		switch op {
		case ">":
			return ln > rn
		case "<":
			return ln < rn
		case ">=":
			return ln >= rn
		default:
			return ln <= rn
		}
	}
	return false
}

// resolveOperand turns an expression token into a value: quoted string,
// number, boolean, or a variable lookup (missing variables resolve to nil).
func resolveOperand(token string, vars map[string]any) any {
	token = strings.TrimSpace(token)

	if len(token) >= 2 {
		if (token[0] == '\'' && token[len(token)-1] == '\'') ||
			(token[0] == '"' && token[len(token)-1] == '"') {
			return token[1 : len(token)-1]
		}
	}
	if n, err := strconv.ParseFloat(token, 64); err == nil {
		return n
	}
	if token == "true" {
		return true
	}
	if token == "false" {
		return false
	}
	if v, ok := vars[token]; ok {
		return v
	}
	return nil
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

// EvaluateValue resolves a save_variable expression: comparisons yield a
// boolean, anything else is treated as a template and interpolated.
func EvaluateValue(expr string, vars map[string]any) any {
	if comparisonRe.MatchString(expr) {
		return EvaluateCondition(expr, vars)
	}
	if v := resolveOperand(expr, vars); v != nil && !strings.Contains(expr, "{{") {
		return v
	}
	return Interpolate(expr, vars)
}
