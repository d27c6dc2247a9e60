// Package query models the predicates an index scan evaluates while it
// walks a B-tree's leaf chain. A ScanCondition both filters keys
// (Matches) and bounds the walk: ShouldSeek/GetStartKey pick where the
// descent lands, ShouldContinue decides when following leaf links stops.
// Point, range, and compound-prefix lookups all share one scan loop this
// way.
package query

import (
	"github.com/bobboyms/docengine/pkg/types"
)

type ScanOperator int

const (
	OpEqual          ScanOperator = iota // =
	OpNotEqual                           // !=
	OpGreaterThan                        // >
	OpGreaterOrEqual                     // >=
	OpLessThan                           // <
	OpLessOrEqual                        // <=
	OpBetween                            // start <= key <= end
	OpPrefix                             // compound key starts with a fixed tuple
)

// ScanCondition is one predicate over index keys. Value holds the single
// operand (or the lower bound for OpBetween, or the fixed tuple for
// OpPrefix); ValueEnd is OpBetween's upper bound and nil otherwise.
type ScanCondition struct {
	Operator ScanOperator
	Value    types.Comparable
	ValueEnd types.Comparable
}

func Equal(value types.Comparable) *ScanCondition {
	return &ScanCondition{Operator: OpEqual, Value: value}
}

func NotEqual(value types.Comparable) *ScanCondition {
	return &ScanCondition{Operator: OpNotEqual, Value: value}
}

func GreaterThan(value types.Comparable) *ScanCondition {
	return &ScanCondition{Operator: OpGreaterThan, Value: value}
}

func GreaterOrEqual(value types.Comparable) *ScanCondition {
	return &ScanCondition{Operator: OpGreaterOrEqual, Value: value}
}

func LessThan(value types.Comparable) *ScanCondition {
	return &ScanCondition{Operator: OpLessThan, Value: value}
}

func LessOrEqual(value types.Comparable) *ScanCondition {
	return &ScanCondition{Operator: OpLessOrEqual, Value: value}
}

func Between(start, end types.Comparable) *ScanCondition {
	return &ScanCondition{Operator: OpBetween, Value: start, ValueEnd: end}
}

// HasPrefix matches every compound key whose leading fields equal
// prefix: on an index over (tenant, email), HasPrefix((tenant)) selects
// one tenant's whole range. Only meaningful against a compound index;
// plain keys never match.
func HasPrefix(prefix types.CompoundKey) *ScanCondition {
	return &ScanCondition{Operator: OpPrefix, Value: prefix}
}

// prefixOf truncates key to the condition's prefix arity, or reports
// false when key is not a compound key at all.
func (sc *ScanCondition) prefixOf(key types.Comparable) (types.CompoundKey, types.CompoundKey, bool) {
	ck, ok := key.(types.CompoundKey)
	if !ok {
		return types.CompoundKey{}, types.CompoundKey{}, false
	}
	pf := sc.Value.(types.CompoundKey)
	return ck.Prefix(len(pf.Fields)), pf, true
}

// Matches reports whether key satisfies the condition.
func (sc *ScanCondition) Matches(key types.Comparable) bool {
	if sc.Operator == OpPrefix {
		head, pf, ok := sc.prefixOf(key)
		return ok && head.Compare(pf) == 0
	}

	c := key.Compare(sc.Value)
	switch sc.Operator {
	case OpEqual:
		return c == 0
	case OpNotEqual:
		return c != 0
	case OpGreaterThan:
		return c > 0
	case OpGreaterOrEqual:
		return c >= 0
	case OpLessThan:
		return c < 0
	case OpLessOrEqual:
		return c <= 0
	case OpBetween:
		return c >= 0 && key.Compare(sc.ValueEnd) <= 0
	default:
		return false
	}
}

// GetStartKey returns the key the scan should descend to before walking
// leaf links, or nil when the operator gives no lower bound. A shorter
// compound tuple sorts before every extension of itself, so the prefix
// tuple itself is a correct seek target for OpPrefix.
func (sc *ScanCondition) GetStartKey() types.Comparable {
	if sc.ShouldSeek() {
		return sc.Value
	}
	return nil
}

// ShouldSeek reports whether the operator bounds the scan from below;
// !=, < and <= have to start from the leftmost leaf.
func (sc *ScanCondition) ShouldSeek() bool {
	switch sc.Operator {
	case OpEqual, OpGreaterThan, OpGreaterOrEqual, OpBetween, OpPrefix:
		return true
	default:
		return false
	}
}

// ShouldContinue reports whether the walk should keep following leaf
// links after seeing key. Keys arrive in ascending order, so once key
// passes the condition's upper bound nothing further can match.
func (sc *ScanCondition) ShouldContinue(key types.Comparable) bool {
	switch sc.Operator {
	case OpEqual:
		return key.Compare(sc.Value) <= 0
	case OpLessThan:
		return key.Compare(sc.Value) < 0
	case OpLessOrEqual:
		return key.Compare(sc.Value) <= 0
	case OpBetween:
		return key.Compare(sc.ValueEnd) <= 0
	case OpPrefix:
		head, pf, ok := sc.prefixOf(key)
		return ok && head.Compare(pf) <= 0
	default:
		// >, >= and != stay open to the right.
		return true
	}
}
