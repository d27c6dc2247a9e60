package document

import (
	"fmt"
	"time"

	"github.com/bobboyms/docengine/pkg/types"
)

// ToComparable maps a Go native field value to the types.Comparable the
// B-tree index needs, operating on already-decoded values rather than a
// raw bson.D.
func ToComparable(v interface{}) (types.Comparable, bool) {
	switch vv := v.(type) {
	case nil:
		return types.NullKey{}, true
	case int:
		return types.IntKey(vv), true
	case int32:
		return types.IntKey(vv), true
	case int64:
		return types.IntKey(vv), true
	case float32:
		return types.FloatKey(vv), true
	case float64:
		return types.FloatKey(vv), true
	case string:
		return types.VarcharKey(vv), true
	case bool:
		return types.BoolKey(vv), true
	case time.Time:
		return types.DateKey(vv), true
	default:
		// Unrecognized type (e.g. a nested document or a driver-specific
		// wrapper type): fall back to its string rendering.
		return types.VarcharKey(fmt.Sprintf("%v", vv)), true
	}
}
