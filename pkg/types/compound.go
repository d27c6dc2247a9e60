package types

import "strings"

// NullKey represents the absence of a value for a field in a compound key.
// Null sorts before every non-null value, in both plain and compound keys.
type NullKey struct{}

func (NullKey) Compare(other Comparable) int {
	if _, ok := other.(NullKey); ok {
		return 0
	}
	return -1
}

func (NullKey) String() string { return "null" }

// CompoundKey is a fixed-arity tuple of Comparable values compared
// field-by-field, left to right. When every compared field is equal, the
// shorter tuple sorts first. A NullKey (or nil) field sorts before every
// non-null field value, whichever side of the comparison it is on.
type CompoundKey struct {
	Fields []Comparable
}

func NewCompoundKey(fields ...Comparable) CompoundKey {
	return CompoundKey{Fields: fields}
}

func (k CompoundKey) Compare(other Comparable) int {
	o, ok := other.(CompoundKey)
	if !ok {
		panic("CompoundKey.Compare: other is not a CompoundKey")
	}

	n := len(k.Fields)
	if len(o.Fields) < n {
		n = len(o.Fields)
	}

	for i := 0; i < n; i++ {
		a, b := k.Fields[i], o.Fields[i]
		if a == nil {
			a = NullKey{}
		}
		if b == nil {
			b = NullKey{}
		}
		_, aNull := a.(NullKey)
		_, bNull := b.(NullKey)
		switch {
		case aNull && bNull:
			continue
		case aNull:
			return -1
		case bNull:
			return 1
		}
		if c := a.Compare(b); c != 0 {
			return c
		}
	}

	switch {
	case len(k.Fields) < len(o.Fields):
		return -1
	case len(k.Fields) > len(o.Fields):
		return 1
	default:
		return 0
	}
}

func (k CompoundKey) String() string {
	parts := make([]string, len(k.Fields))
	for i, f := range k.Fields {
		if f == nil {
			parts[i] = "null"
			continue
		}
		if s, ok := f.(interface{ String() string }); ok {
			parts[i] = s.String()
		} else {
			parts[i] = "?"
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Prefix returns a CompoundKey truncated to the first n fields, used to
// build the (start, end) bounds of a prefix range scan — e.g. scanning
// from (a, min) to (a, max) for a fixed first field.
func (k CompoundKey) Prefix(n int) CompoundKey {
	if n > len(k.Fields) {
		n = len(k.Fields)
	}
	cp := make([]Comparable, n)
	copy(cp, k.Fields[:n])
	return CompoundKey{Fields: cp}
}
