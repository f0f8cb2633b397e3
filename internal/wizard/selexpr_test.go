package wizard

import (
	"reflect"
	"testing"
)

func TestParseSelectionExpr(t *testing.T) {
	cases := []struct {
		expr string
		max  int
		want []int
	}{
		{"all", 4, []int{1, 2, 3, 4}},
		{"all", 0, []int{}},
		{"1,3,5-8", 8, []int{1, 3, 5, 6, 7, 8}},
		{"2-4,6", 6, []int{2, 3, 4, 6}},
		{"3,1,1", 3, []int{1, 3}},
		{" 2 , 4 ", 4, []int{2, 4}},
	}
	for _, tc := range cases {
		got, err := ParseSelectionExpr(tc.expr, tc.max)
		if err != nil {
			t.Fatalf("parse(%q, %d): %v", tc.expr, tc.max, err)
		}
		if len(got) == 0 && len(tc.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("parse(%q, %d) = %v, want %v", tc.expr, tc.max, got, tc.want)
		}
	}
}

func TestParseSelectionExprRejects(t *testing.T) {
	bad := []struct {
		expr string
		max  int
	}{
		{"0", 5},
		{"2-1", 5},
		{"6", 5},
		{"", 5},
		{"1,,3", 5},
		{"a-b", 5},
		{"1-2-3", 5},
	}
	for _, tc := range bad {
		if _, err := ParseSelectionExpr(tc.expr, tc.max); err == nil {
			t.Fatalf("parse(%q, %d) accepted", tc.expr, tc.max)
		}
	}
}
