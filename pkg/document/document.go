// Package document implements the in-memory document collection and its
// atomic field operators. A Document's Fields map is a self-describing
// bag of Go native values that round-trips through
// go.mongodb.org/mongo-driver/v2/bson for WAL payloads and heap version
// records.
package document

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Document is one record in a Collection. Fields holds arbitrary nested
// data; ExpiresAt, when set, is the TTL service's eviction deadline.
type Document struct {
	ID        string
	Fields    bson.M
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   uint64
	ExpiresAt *time.Time
}

// GenerateID mints a time-ordered document ID for callers that insert
// without supplying their own.
func GenerateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func New(id string, fields bson.M) *Document {
	now := time.Now().UTC()
	return &Document{ID: id, Fields: cloneValue(fields).(bson.M), CreatedAt: now, UpdatedAt: now, Version: 1}
}

// Clone deep-copies the document so atomic operators can stage mutations
// on a private copy and write it back only once every step succeeds.
func (d *Document) Clone() *Document {
	cp := *d
	cp.Fields = cloneValue(d.Fields).(bson.M)
	if d.ExpiresAt != nil {
		t := *d.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

func cloneValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case bson.M:
		out := make(bson.M, len(vv))
		for k, val := range vv {
			out[k] = cloneValue(val)
		}
		return out
	case map[string]interface{}:
		out := make(bson.M, len(vv))
		for k, val := range vv {
			out[k] = cloneValue(val)
		}
		return out
	case bson.A:
		out := make(bson.A, len(vv))
		for i, val := range vv {
			out[i] = cloneValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, val := range vv {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// splitPath splits a dot-separated field path.
func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// GetPath reads a dot-separated field path, returning (nil, false) if any
// segment is missing along the way.
func (d *Document) GetPath(path string) (interface{}, bool) {
	segs := splitPath(path)
	var cur interface{} = d.Fields
	for _, seg := range segs {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// SetPath writes value at path, auto-creating intermediate maps.
func (d *Document) SetPath(path string, value interface{}) {
	segs := splitPath(path)
	m := d.Fields
	for i, seg := range segs {
		if i == len(segs)-1 {
			m[seg] = value
			return
		}
		next, ok := asMap(m[seg])
		if !ok {
			next = bson.M{}
			m[seg] = next
		}
		m = next
	}
}

// UnsetPath removes the field at path; a no-op if the path does not
// resolve.
func (d *Document) UnsetPath(path string) {
	segs := splitPath(path)
	m := d.Fields
	for i, seg := range segs {
		if i == len(segs)-1 {
			delete(m, seg)
			return
		}
		next, ok := asMap(m[seg])
		if !ok {
			return
		}
		m = next
	}
}

func asMap(v interface{}) (bson.M, bool) {
	switch vv := v.(type) {
	case bson.M:
		return vv, true
	case map[string]interface{}:
		return bson.M(vv), true
	default:
		return nil, false
	}
}
