package wizard

import (
	"sort"
	"strconv"
	"strings"
)

// ParseSelectionExpr evaluates an indexed selection expression against a
// list of max items:
//
//	expression := "all" | token ("," token)*
//	token      := integer | integer "-" integer
//
// Indices are 1-based, ranges inclusive. Zero, reversed ranges, and
// out-of-range indices are rejected. The result is ascending and
// duplicate-free, which preserves discovery order.
func ParseSelectionExpr(expr string, max int) ([]int, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "all" {
		out := make([]int, max)
		for i := range out {
			out[i] = i + 1
		}
		return out, nil
	}
	if trimmed == "" {
		return nil, validationErr("$.selection_expr", "invalid_type", "empty selection expression")
	}
	seen := map[int]bool{}
	for _, token := range strings.Split(trimmed, ",") {
		token = strings.TrimSpace(token)
		lo, hi, err := parseToken(token, max)
		if err != nil {
			return nil, err
		}
		for i := lo; i <= hi; i++ {
			seen[i] = true
		}
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

func parseToken(token string, max int) (int, int, error) {
	if lo, hi, ok := strings.Cut(token, "-"); ok {
		a, err := parseIndex(lo, max)
		if err != nil {
			return 0, 0, err
		}
		b, err := parseIndex(hi, max)
		if err != nil {
			return 0, 0, err
		}
		if b < a {
			return 0, 0, validationErr("$.selection_expr", "invalid_range", "reversed range "+token)
		}
		return a, b, nil
	}
	n, err := parseIndex(token, max)
	if err != nil {
		return 0, 0, err
	}
	return n, n, nil
}

func parseIndex(s string, max int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, validationErr("$.selection_expr", "invalid_type", "not an integer: "+s)
	}
	if n < 1 {
		return 0, validationErr("$.selection_expr", "invalid_range", "indices are 1-based")
	}
	if n > max {
		return 0, validationErr("$.selection_expr", "out_of_range", "index "+s+" exceeds item count")
	}
	return n, nil
}
