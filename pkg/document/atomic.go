package document

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/bobboyms/docengine/pkg/dberrors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Op is one step of an atomic update: Increment, Push, PushMany, Pull,
// PullMany, Set, Unset. UpdateMultiple
// applies a slice of Ops to one document as a single all-or-nothing unit.
type Op struct {
	Kind  OpKind
	Path  string
	Value interface{}
	// Values is used by PushMany/PullMany in place of Value.
	Values []interface{}
}

type OpKind int

const (
	OpIncrement OpKind = iota
	OpPush
	OpPushMany
	OpPull
	OpPullMany
	OpSet
	OpUnset
)

func Increment(path string, delta interface{}) Op { return Op{Kind: OpIncrement, Path: path, Value: delta} }
func Push(path string, value interface{}) Op      { return Op{Kind: OpPush, Path: path, Value: value} }
func PushMany(path string, values []interface{}) Op {
	return Op{Kind: OpPushMany, Path: path, Values: values}
}
func Pull(path string, value interface{}) Op { return Op{Kind: OpPull, Path: path, Value: value} }
func PullMany(path string, values []interface{}) Op {
	return Op{Kind: OpPullMany, Path: path, Values: values}
}
func Set(path string, value interface{}) Op { return Op{Kind: OpSet, Path: path, Value: value} }
func Unset(path string) Op                  { return Op{Kind: OpUnset, Path: path} }

// Apply runs a single Op against doc's fields in place. Errors returned
// are *dberrors.AtomicUpdateError, identifying the offending path/op.
func (d *Document) Apply(collection string, op Op) error {
	switch op.Kind {
	case OpIncrement:
		return d.applyIncrement(collection, op)
	case OpPush:
		return d.applyPush(collection, op.Path, []interface{}{op.Value})
	case OpPushMany:
		return d.applyPush(collection, op.Path, op.Values)
	case OpPull:
		return d.applyPull(collection, op.Path, []interface{}{op.Value})
	case OpPullMany:
		return d.applyPull(collection, op.Path, op.Values)
	case OpSet:
		d.SetPath(op.Path, op.Value)
		return nil
	case OpUnset:
		d.UnsetPath(op.Path)
		return nil
	default:
		return &dberrors.AtomicUpdateError{Collection: collection, ID: d.ID, Path: op.Path, Op: "unknown", Reason: "unrecognized operator"}
	}
}

func (d *Document) applyIncrement(collection string, op Op) error {
	delta, ok := toFloat(op.Value)
	if !ok {
		return &dberrors.AtomicUpdateError{Collection: collection, ID: d.ID, Path: op.Path, Op: "increment", Reason: "delta is not numeric"}
	}
	cur, existed := d.GetPath(op.Path)
	base := 0.0
	if existed {
		b, ok := toFloat(cur)
		if !ok {
			return &dberrors.AtomicUpdateError{Collection: collection, ID: d.ID, Path: op.Path, Op: "increment", Reason: "existing field is not numeric"}
		}
		base = b
	}
	result := base + delta
	// Preserve integer-ness when both operands were whole numbers, so
	// repeated increments don't silently turn an int counter into a float.
	if isWholeNumber(op.Value) && (!existed || isWholeNumber(cur)) && result == math.Trunc(result) {
		d.SetPath(op.Path, int64(result))
	} else {
		d.SetPath(op.Path, result)
	}
	return nil
}

func (d *Document) applyPush(collection, path string, values []interface{}) error {
	cur, existed := d.GetPath(path)
	var arr []interface{}
	if existed {
		a, ok := toSlice(cur)
		if !ok {
			return &dberrors.AtomicUpdateError{Collection: collection, ID: d.ID, Path: path, Op: "push", Reason: "existing field is not an array"}
		}
		arr = a
	}
	arr = append(arr, values...)
	d.SetPath(path, arr)
	return nil
}

func (d *Document) applyPull(collection, path string, values []interface{}) error {
	cur, existed := d.GetPath(path)
	if !existed {
		return nil
	}
	arr, ok := toSlice(cur)
	if !ok {
		return &dberrors.AtomicUpdateError{Collection: collection, ID: d.ID, Path: path, Op: "pull", Reason: "existing field is not an array"}
	}
	out := arr[:0:0]
	for _, elem := range arr {
		matched := false
		for _, target := range values {
			if deepEqual(elem, target) {
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, elem)
		}
	}
	d.SetPath(path, out)
	return nil
}

// UpdateMultiple applies every Op to a clone of doc; if any step fails,
// the original document is returned unmodified, so the batch is
// all-or-nothing.
func UpdateMultiple(doc *Document, collection string, ops []Op) (*Document, error) {
	staged := doc.Clone()
	for _, op := range ops {
		if err := staged.Apply(collection, op); err != nil {
			return doc, err
		}
	}
	staged.UpdatedAt = time.Now().UTC()
	staged.Version = doc.Version + 1
	return staged, nil
}

// UpdateMultiple applies a batch of Ops to the document identified by id,
// all-or-nothing, and writes the result back under the per-document
// latch.
func (c *Collection) UpdateMultiple(id string, ops []Op) (*Document, error) {
	l := c.latch(id)
	l.Lock()
	defer l.Unlock()

	c.mu.Lock()
	existing, ok := c.docs[id]
	c.mu.Unlock()
	if !ok {
		return nil, dberrors.NewNotFound("document " + id + " not found in " + c.name)
	}

	updated, err := UpdateMultiple(existing, c.name, ops)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.docs[id] = updated
	c.mu.Unlock()
	return updated.Clone(), nil
}

// toFloat coerces integers, floats, and numeric strings to float64 for
// Increment.
func toFloat(v interface{}) (float64, bool) {
	switch vv := v.(type) {
	case int:
		return float64(vv), true
	case int32:
		return float64(vv), true
	case int64:
		return float64(vv), true
	case float32:
		return float64(vv), true
	case float64:
		return vv, true
	case string:
		f, err := strconv.ParseFloat(vv, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func isWholeNumber(v interface{}) bool {
	switch v.(type) {
	case int, int32, int64:
		return true
	default:
		return false
	}
}

func toSlice(v interface{}) ([]interface{}, bool) {
	switch vv := v.(type) {
	case []interface{}:
		return vv, true
	case bson.A:
		return []interface{}(vv), true
	default:
		return nil, false
	}
}

// deepEqual compares two field values the way Pull needs to: numeric
// values within a small epsilon (so `3` matches `3.0`), everything else
// by structural or string-rendered equality.
func deepEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return math.Abs(af-bf) < 1e-4
		}
	}
	if fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b) {
		return true
	}
	return false
}
