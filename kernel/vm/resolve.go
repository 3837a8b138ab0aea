package vm

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// interpolation matches the textual substitution form `{$.path}`. It is
// substitution only — no arithmetic, no conditionals (spec §9).
var interpolation = regexp.MustCompile(`\{(\$\.[^}]+)\}`)

// resolveValue implements the expression language of spec §4.3: a bare
// `$.path` string resolves to a JSON-pointer-style lookup into memory;
// a string containing `{$.path}` has each such span substituted as text;
// maps and lists are walked recursively; anything else passes through.
func resolveValue(pointer any, memory map[string]any) any {
	switch v := pointer.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, vv := range v {
			out[k] = resolveValue(vv, memory)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, vv := range v {
			out[i] = resolveValue(vv, memory)
		}
		return out
	case string:
		if strings.HasPrefix(v, "$.") {
			return resolvePath(v[2:], memory)
		}
		if strings.Contains(v, "{") && strings.Contains(v, "$.") {
			return interpolation.ReplaceAllStringFunc(v, func(match string) string {
				expr := interpolation.FindStringSubmatch(match)[1]
				resolved := resolveValue(expr, memory)
				if resolved == nil {
					return ""
				}
				return stringify(resolved)
			})
		}
		return v
	default:
		return pointer
	}
}

// resolvePath walks a dot-split path through memory. Numeric segments index
// into lists; a missing key or out-of-range index yields nil rather than an
// error — per spec, "unresolved paths yield null".
func resolvePath(path string, memory map[string]any) any {
	segments := strings.Split(path, ".")
	var cur any = memory
	for _, seg := range segments {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			cur = v[idx]
		default:
			return nil
		}
	}
	return cur
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return anyToString(t)
	}
}

// mapInputs applies resolveValue across a node's whole input/output map.
//
// resolveValue never fails — an unresolvable path yields nil rather than an
// error — so mapInputs cannot itself produce the `mapping_error` STRESSED
// state spec §7 reserves for a malformed input mapping; the original
// Python resolver can raise mid-evaluation, this one cannot. A node wired
// to a bad path simply sees nil downstream instead of stressing the state.
// That is a deliberate simplification, not an oversight.
func mapInputs(nodeInputs map[string]any, memory map[string]any) map[string]any {
	out := make(map[string]any, len(nodeInputs))
	for k, ref := range nodeInputs {
		out[k] = resolveValue(ref, memory)
	}
	return out
}

// evaluateCondition implements the truth table of spec §4.3.1.
func evaluateCondition(cond *EdgeCondition, memory map[string]any) bool {
	actual := resolveValue(cond.Path, memory)
	expected := cond.Value

	switch cond.Op {
	case OpEq:
		return looseEqual(actual, expected)
	case OpNeq:
		return !looseEqual(actual, expected)
	case OpGt:
		ord, ok := compare(actual, expected)
		return ok && ord > 0
	case OpLt:
		ord, ok := compare(actual, expected)
		return ok && ord < 0
	case OpEmpty:
		return isEmpty(actual)
	case OpContains:
		return containsValue(actual, expected)
	default:
		return false
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case float64:
		return t == 0
	case int:
		return t == 0
	case bool:
		return !t
	default:
		return false
	}
}

// containsValue mirrors the reference's `value in resolve(path)`, falsy on
// any shape mismatch instead of erroring.
func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		_, present := h[s]
		return present
	default:
		return false
	}
}

func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

// compare returns (-1/0/1, true) when a and b are both orderable (numeric or
// string); otherwise (_, false) — a type mismatch is falsy for gt/lt.
func compare(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func anyToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		// Composite values (maps/lists) ending up inside an interpolated
		// string are not defined by the expression language; fall back to
		// Go's default formatting rather than erroring.
		return fmt.Sprintf("%v", t)
	}
}
