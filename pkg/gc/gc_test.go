package gc

import (
	"errors"
	"testing"
	"time"
)

func TestRun_ReclaimsOnlyEntriesPastRetention(t *testing.T) {
	var reclaimed []string
	c := New(func(t Tombstone) (int64, error) {
		reclaimed = append(reclaimed, t.ID)
		return 100, nil
	}, Options{RetentionPeriod: time.Hour, MaxTombstonesPerRun: 10})

	now := time.Now().UTC()
	c.Mark(Tombstone{Collection: "docs", ID: "old", DeletedAt: now.Add(-2 * time.Hour)})
	c.Mark(Tombstone{Collection: "docs", ID: "new", DeletedAt: now})

	c.Run(now)

	if len(reclaimed) != 1 || reclaimed[0] != "old" {
		t.Fatalf("expected only 'old' reclaimed, got %v", reclaimed)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected 1 tombstone still pending, got %d", c.Pending())
	}
	stats := c.Stats()
	if stats.Reclaimed != 1 || stats.BytesFreed != 100 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRun_BoundedByMaxTombstonesPerRun(t *testing.T) {
	var count int
	c := New(func(t Tombstone) (int64, error) {
		count++
		return 1, nil
	}, Options{RetentionPeriod: 0, MaxTombstonesPerRun: 2})

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		c.Mark(Tombstone{Collection: "docs", ID: "d", DeletedAt: now.Add(-time.Minute)})
	}

	c.Run(now)

	if count != 2 {
		t.Fatalf("expected exactly 2 reclaimed this run, got %d", count)
	}
	if c.Pending() != 3 {
		t.Fatalf("expected 3 left pending, got %d", c.Pending())
	}
}

func TestRun_FailuresAreCountedAndDontStopThePass(t *testing.T) {
	c := New(func(t Tombstone) (int64, error) {
		if t.ID == "bad" {
			return 0, errors.New("disk error")
		}
		return 10, nil
	}, Options{RetentionPeriod: 0, MaxTombstonesPerRun: 10})

	now := time.Now().UTC()
	c.Mark(Tombstone{Collection: "docs", ID: "bad", DeletedAt: now})
	c.Mark(Tombstone{Collection: "docs", ID: "good", DeletedAt: now})

	c.Run(now)

	stats := c.Stats()
	if stats.Failed != 1 || stats.Reclaimed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected both tombstones consumed despite one failure, got %d pending", c.Pending())
	}
}
