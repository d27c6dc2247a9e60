package query_test

import (
	"testing"

	"github.com/bobboyms/docengine/pkg/query"
	"github.com/bobboyms/docengine/pkg/types"
)

func TestConstructors_SetOperatorAndOperands(t *testing.T) {
	cases := []struct {
		name string
		cond *query.ScanCondition
		op   query.ScanOperator
	}{
		{"equal", query.Equal(types.IntKey(10)), query.OpEqual},
		{"not_equal", query.NotEqual(types.IntKey(10)), query.OpNotEqual},
		{"greater_than", query.GreaterThan(types.IntKey(10)), query.OpGreaterThan},
		{"greater_or_equal", query.GreaterOrEqual(types.IntKey(10)), query.OpGreaterOrEqual},
		{"less_than", query.LessThan(types.IntKey(10)), query.OpLessThan},
		{"less_or_equal", query.LessOrEqual(types.IntKey(10)), query.OpLessOrEqual},
		{"between", query.Between(types.IntKey(10), types.IntKey(20)), query.OpBetween},
		{"has_prefix", query.HasPrefix(types.NewCompoundKey(types.VarcharKey("a"))), query.OpPrefix},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.cond.Operator != tc.op {
				t.Fatalf("expected operator %v, got %v", tc.op, tc.cond.Operator)
			}
			if tc.cond.Value == nil {
				t.Fatal("expected Value to be set")
			}
		})
	}
	b := query.Between(types.IntKey(10), types.IntKey(20))
	if b.ValueEnd.Compare(types.IntKey(20)) != 0 {
		t.Fatalf("expected ValueEnd 20, got %v", b.ValueEnd)
	}
}

func TestMatches_AllOperators(t *testing.T) {
	cases := []struct {
		name string
		cond *query.ScanCondition
		key  types.Comparable
		want bool
	}{
		{"equal_hit", query.Equal(types.IntKey(10)), types.IntKey(10), true},
		{"equal_miss", query.Equal(types.IntKey(10)), types.IntKey(11), false},
		{"not_equal_hit", query.NotEqual(types.IntKey(10)), types.IntKey(11), true},
		{"not_equal_miss", query.NotEqual(types.IntKey(10)), types.IntKey(10), false},
		{"gt_hit", query.GreaterThan(types.IntKey(10)), types.IntKey(11), true},
		{"gt_boundary", query.GreaterThan(types.IntKey(10)), types.IntKey(10), false},
		{"ge_boundary", query.GreaterOrEqual(types.IntKey(10)), types.IntKey(10), true},
		{"ge_miss", query.GreaterOrEqual(types.IntKey(10)), types.IntKey(9), false},
		{"lt_hit", query.LessThan(types.IntKey(10)), types.IntKey(9), true},
		{"lt_boundary", query.LessThan(types.IntKey(10)), types.IntKey(10), false},
		{"le_boundary", query.LessOrEqual(types.IntKey(10)), types.IntKey(10), true},
		{"le_miss", query.LessOrEqual(types.IntKey(10)), types.IntKey(11), false},
		{"between_low_edge", query.Between(types.IntKey(10), types.IntKey(20)), types.IntKey(10), true},
		{"between_high_edge", query.Between(types.IntKey(10), types.IntKey(20)), types.IntKey(20), true},
		{"between_inside", query.Between(types.IntKey(10), types.IntKey(20)), types.IntKey(15), true},
		{"between_below", query.Between(types.IntKey(10), types.IntKey(20)), types.IntKey(9), false},
		{"between_above", query.Between(types.IntKey(10), types.IntKey(20)), types.IntKey(21), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cond.Matches(tc.key); got != tc.want {
				t.Fatalf("Matches(%v) = %v, want %v", tc.key, got, tc.want)
			}
		})
	}
}

func TestMatches_VarcharAndFloatKeys(t *testing.T) {
	between := query.Between(types.VarcharKey("apple"), types.VarcharKey("cherry"))
	if !between.Matches(types.VarcharKey("banana")) {
		t.Fatal("expected banana inside [apple, cherry]")
	}
	if between.Matches(types.VarcharKey("date")) {
		t.Fatal("expected date outside [apple, cherry]")
	}

	gt := query.GreaterThan(types.FloatKey(3.14))
	if gt.Matches(types.FloatKey(3.14)) {
		t.Fatal("expected 3.14 excluded by a strict bound")
	}
	if !gt.Matches(types.FloatKey(4.0)) {
		t.Fatal("expected 4.0 to match > 3.14")
	}
}

func TestHasPrefix_MatchesLeadingFields(t *testing.T) {
	cond := query.HasPrefix(types.NewCompoundKey(types.VarcharKey("a")))

	hit := types.NewCompoundKey(types.VarcharKey("a"), types.VarcharKey("x@y"))
	if !cond.Matches(hit) {
		t.Fatalf("expected %v to match prefix (a)", hit)
	}
	miss := types.NewCompoundKey(types.VarcharKey("b"), types.VarcharKey("x@y"))
	if cond.Matches(miss) {
		t.Fatalf("expected %v not to match prefix (a)", miss)
	}
	// A bare prefix-length key is its own prefix.
	if !cond.Matches(types.NewCompoundKey(types.VarcharKey("a"))) {
		t.Fatal("expected (a) to match prefix (a)")
	}
}

func TestHasPrefix_NonCompoundKeyNeverMatches(t *testing.T) {
	cond := query.HasPrefix(types.NewCompoundKey(types.VarcharKey("a")))
	if cond.Matches(types.VarcharKey("a")) {
		t.Fatal("plain keys must not match a prefix condition")
	}
	if cond.ShouldContinue(types.VarcharKey("a")) {
		t.Fatal("a scan over plain keys should stop immediately")
	}
}

func TestGetStartKey_BoundedOperatorsSeek(t *testing.T) {
	bounded := []*query.ScanCondition{
		query.Equal(types.IntKey(10)),
		query.GreaterThan(types.IntKey(10)),
		query.GreaterOrEqual(types.IntKey(10)),
		query.Between(types.IntKey(10), types.IntKey(20)),
		query.HasPrefix(types.NewCompoundKey(types.VarcharKey("a"))),
	}
	for _, cond := range bounded {
		if !cond.ShouldSeek() {
			t.Fatalf("operator %v should seek", cond.Operator)
		}
		if cond.GetStartKey() == nil {
			t.Fatalf("operator %v should expose a start key", cond.Operator)
		}
	}

	unbounded := []*query.ScanCondition{
		query.NotEqual(types.IntKey(10)),
		query.LessThan(types.IntKey(10)),
		query.LessOrEqual(types.IntKey(10)),
	}
	for _, cond := range unbounded {
		if cond.ShouldSeek() {
			t.Fatalf("operator %v must scan from the leftmost leaf", cond.Operator)
		}
		if cond.GetStartKey() != nil {
			t.Fatalf("operator %v should have no start key", cond.Operator)
		}
	}
}

func TestShouldContinue_StopsPastUpperBound(t *testing.T) {
	cases := []struct {
		name string
		cond *query.ScanCondition
		key  types.Comparable
		want bool
	}{
		{"equal_at", query.Equal(types.IntKey(10)), types.IntKey(10), true},
		{"equal_past", query.Equal(types.IntKey(10)), types.IntKey(11), false},
		{"lt_below", query.LessThan(types.IntKey(10)), types.IntKey(9), true},
		{"lt_at", query.LessThan(types.IntKey(10)), types.IntKey(10), false},
		{"le_at", query.LessOrEqual(types.IntKey(10)), types.IntKey(10), true},
		{"le_past", query.LessOrEqual(types.IntKey(10)), types.IntKey(11), false},
		{"between_inside", query.Between(types.IntKey(10), types.IntKey(20)), types.IntKey(15), true},
		{"between_past_end", query.Between(types.IntKey(10), types.IntKey(20)), types.IntKey(21), false},
		{"gt_never_stops", query.GreaterThan(types.IntKey(10)), types.IntKey(1000), true},
		{"ne_never_stops", query.NotEqual(types.IntKey(10)), types.IntKey(1000), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cond.ShouldContinue(tc.key); got != tc.want {
				t.Fatalf("ShouldContinue(%v) = %v, want %v", tc.key, got, tc.want)
			}
		})
	}
}

func TestShouldContinue_PrefixStopsAfterRange(t *testing.T) {
	cond := query.HasPrefix(types.NewCompoundKey(types.VarcharKey("a")))

	inside := types.NewCompoundKey(types.VarcharKey("a"), types.VarcharKey("z"))
	if !cond.ShouldContinue(inside) {
		t.Fatal("expected scan to continue while still inside prefix (a)")
	}
	past := types.NewCompoundKey(types.VarcharKey("b"), types.VarcharKey("a"))
	if cond.ShouldContinue(past) {
		t.Fatal("expected scan to stop once keys sort past prefix (a)")
	}
}

// Simulates the leaf-link walk pkg/engine.Scan performs: ascending keys,
// stop at ShouldContinue, collect Matches.
func TestScanLoop_PrefixOverCompoundIndexKeys(t *testing.T) {
	keys := []types.CompoundKey{
		types.NewCompoundKey(types.VarcharKey("a"), types.VarcharKey("p@x")),
		types.NewCompoundKey(types.VarcharKey("a"), types.VarcharKey("q@x")),
		types.NewCompoundKey(types.VarcharKey("b"), types.VarcharKey("p@x")),
		types.NewCompoundKey(types.VarcharKey("c"), types.VarcharKey("p@x")),
	}
	cond := query.HasPrefix(types.NewCompoundKey(types.VarcharKey("a")))

	var matched int
	for _, k := range keys {
		if !cond.ShouldContinue(k) {
			break
		}
		if cond.Matches(k) {
			matched++
		}
	}
	if matched != 2 {
		t.Fatalf("expected 2 keys under tenant a, got %d", matched)
	}
}
