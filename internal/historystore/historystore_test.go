package historystore

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.sqlite")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndReadLoadingSnapshots(t *testing.T) {
	s := openTestStore(t)

	if err := s.RecordLoadingSnapshot(-60, 5, 1, 0.25); err != nil {
		t.Fatalf("RecordLoadingSnapshot: %v", err)
	}
	if err := s.RecordLoadingSnapshot(120, 3, 0, 0); err != nil {
		t.Fatalf("RecordLoadingSnapshot: %v", err)
	}

	rows, err := s.RecentLoadingSnapshots(10)
	if err != nil {
		t.Fatalf("RecentLoadingSnapshots: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	// Most recent first.
	if rows[0].SignedInterval != 120 {
		t.Errorf("rows[0].SignedInterval = %d, want 120", rows[0].SignedInterval)
	}
	if rows[1].HostSchemeCount != 5 {
		t.Errorf("rows[1].HostSchemeCount = %d, want 5", rows[1].HostSchemeCount)
	}
}

func TestRecordStatusTransition(t *testing.T) {
	s := openTestStore(t)

	if err := s.RecordStatusTransition("ACTIVE"); err != nil {
		t.Fatalf("RecordStatusTransition: %v", err)
	}
	if err := s.RecordStatusTransition("INACTIVE"); err != nil {
		t.Fatalf("RecordStatusTransition: %v", err)
	}
}

func TestRecentLoadingSnapshotsRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		if err := s.RecordLoadingSnapshot(int64(i), i, 0, 0); err != nil {
			t.Fatalf("RecordLoadingSnapshot: %v", err)
		}
	}
	rows, err := s.RecentLoadingSnapshots(2)
	if err != nil {
		t.Fatalf("RecentLoadingSnapshots: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
}
