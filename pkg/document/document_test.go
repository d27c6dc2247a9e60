package document

import (
	"testing"

	"github.com/bobboyms/docengine/pkg/dberrors"
)

func TestGenerateID_ProducesDistinctTimeOrderedIDs(t *testing.T) {
	a := GenerateID()
	b := GenerateID()
	if a == b {
		t.Fatal("expected distinct generated IDs")
	}
	if len(a) == 0 {
		t.Fatal("expected a non-empty generated ID")
	}
}

func TestCollection_InsertGetDelete(t *testing.T) {
	c := NewCollection("users")

	if _, err := c.Insert("u1", map[string]interface{}{"name": "ana", "age": int64(30)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := c.Insert("u1", map[string]interface{}{"name": "dup"}); !dberrors.Is(err, dberrors.AlreadyExists) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}

	doc, ok := c.Get("u1")
	if !ok {
		t.Fatal("expected u1 to exist")
	}
	if doc.Fields["name"] != "ana" {
		t.Fatalf("unexpected name: %v", doc.Fields["name"])
	}

	if !c.Delete("u1") {
		t.Fatal("expected delete to report existing doc")
	}
	if c.Exists("u1") {
		t.Fatal("expected u1 to be gone")
	}
}

func TestDocument_GetSetUnsetPath(t *testing.T) {
	doc := New("d1", map[string]interface{}{"profile": map[string]interface{}{"city": "SP"}})

	v, ok := doc.GetPath("profile.city")
	if !ok || v != "SP" {
		t.Fatalf("expected SP, got %v %v", v, ok)
	}

	doc.SetPath("profile.zip", "01000-000")
	v, ok = doc.GetPath("profile.zip")
	if !ok || v != "01000-000" {
		t.Fatalf("expected zip to be set, got %v %v", v, ok)
	}

	doc.UnsetPath("profile.city")
	if _, ok := doc.GetPath("profile.city"); ok {
		t.Fatal("expected profile.city to be gone")
	}

	if _, ok := doc.GetPath("missing.deeply.nested"); ok {
		t.Fatal("expected missing path lookup to fail cleanly")
	}
}

func TestAtomic_Increment(t *testing.T) {
	c := NewCollection("counters")
	c.Insert("c1", map[string]interface{}{"hits": int64(10)})

	updated, err := c.UpdateMultiple("c1", []Op{Increment("hits", int64(5))})
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if updated.Fields["hits"] != int64(15) {
		t.Fatalf("expected 15, got %v (%T)", updated.Fields["hits"], updated.Fields["hits"])
	}
}

func TestAtomic_PushAndPull(t *testing.T) {
	c := NewCollection("posts")
	c.Insert("p1", map[string]interface{}{"tags": []interface{}{"go"}})

	updated, err := c.UpdateMultiple("p1", []Op{
		PushMany("tags", []interface{}{"db", "wal"}),
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	tags := updated.Fields["tags"].([]interface{})
	if len(tags) != 3 {
		t.Fatalf("expected 3 tags, got %v", tags)
	}

	updated, err = c.UpdateMultiple("p1", []Op{Pull("tags", "db")})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	tags = updated.Fields["tags"].([]interface{})
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags after pull, got %v", tags)
	}
	for _, tag := range tags {
		if tag == "db" {
			t.Fatal("expected db to be pulled")
		}
	}
}

func TestAtomic_UpdateMultiple_AllOrNothing(t *testing.T) {
	c := NewCollection("accounts")
	c.Insert("a1", map[string]interface{}{"balance": int64(100), "history": []interface{}{}})

	_, err := c.UpdateMultiple("a1", []Op{
		Increment("balance", int64(-50)),
		Increment("balance", "not-a-number"), // fails
	})
	if err == nil {
		t.Fatal("expected second op to fail the whole batch")
	}

	doc, _ := c.Get("a1")
	if doc.Fields["balance"] != int64(100) {
		t.Fatalf("expected balance unchanged at 100, got %v", doc.Fields["balance"])
	}
}

func TestAtomic_Set_NotFound(t *testing.T) {
	c := NewCollection("things")
	_, err := c.UpdateMultiple("missing", []Op{Set("x", 1)})
	if !dberrors.Is(err, dberrors.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
