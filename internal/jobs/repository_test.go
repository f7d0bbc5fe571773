package jobs

import (
	"database/sql"
	"errors"
	"reflect"
	"testing"

	"cloudpico-ota/internal/migrate"
	"cloudpico-ota/internal/ota"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Fatalf("close db: %v", closeErr)
		}
	})
	if _, err := migrate.Run(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

var testJob = ota.Job{
	ID:     "job-1",
	Stream: "fw",
	File:   ota.File{ID: 2, Size: 2500, Path: "app.bin"},
}

func TestSaveAndGet(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	if err := repo.Save(testJob, 1024); err != nil {
		t.Fatalf("Save: %v", err)
	}
	rec, err := repo.Get("job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Job != testJob {
		t.Errorf("Job = %+v, want %+v", rec.Job, testJob)
	}
	if rec.Status != ota.StatusQueued {
		t.Errorf("Status = %q, want %q", rec.Status, ota.StatusQueued)
	}
	if rec.Total != 3 || rec.Received != 0 {
		t.Errorf("Received/Total = %d/%d, want 0/3", rec.Received, rec.Total)
	}
	if rec.UpdatedAt.IsZero() {
		t.Error("UpdatedAt is zero")
	}
}

func TestGet_NotFound(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	if _, err := repo.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(nope) error = %v, want %v", err, ErrNotFound)
	}
	if err := repo.SetStatus("nope", ota.StatusFailed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetStatus(nope) error = %v, want %v", err, ErrNotFound)
	}
}

func TestSave_KeepsStatusOnResave(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	if err := repo.Save(testJob, 1024); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.SetStatus(testJob.ID, ota.StatusInProgress); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := repo.Save(testJob, 1024); err != nil {
		t.Fatalf("re-Save: %v", err)
	}
	rec, err := repo.Get(testJob.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != ota.StatusInProgress {
		t.Errorf("Status = %q, want %q", rec.Status, ota.StatusInProgress)
	}

	if err := repo.Save(testJob, 0); err == nil {
		t.Error("Save with zero block size error = nil, want non-nil")
	}
	if err := repo.SetStatus(testJob.ID, ota.JobStatus("DONE")); err == nil {
		t.Error("SetStatus(DONE) error = nil, want non-nil")
	}
}

func TestMarkBlock(t *testing.T) {
	repo := NewRepository(setupTestDB(t))
	if err := repo.Save(testJob, 1024); err != nil {
		t.Fatalf("Save: %v", err)
	}

	for _, tc := range []struct {
		index uint32
		isNew bool
	}{
		{index: 2, isNew: true},
		{index: 0, isNew: true},
		{index: 2, isNew: false},
	} {
		got, err := repo.MarkBlock(testJob.ID, tc.index)
		if err != nil {
			t.Fatalf("MarkBlock(%d): %v", tc.index, err)
		}
		if got != tc.isNew {
			t.Errorf("MarkBlock(%d) = %v, want %v", tc.index, got, tc.isNew)
		}
	}

	blocks, err := repo.Blocks(testJob.ID)
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	if want := []uint32{0, 2}; !reflect.DeepEqual(blocks, want) {
		t.Errorf("Blocks = %v, want %v", blocks, want)
	}

	rec, err := repo.Get(testJob.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Received != 2 {
		t.Errorf("Received = %d, want 2", rec.Received)
	}
}

func TestActiveAndList(t *testing.T) {
	repo := NewRepository(setupTestDB(t))

	if _, ok, err := repo.Active(); err != nil || ok {
		t.Fatalf("Active() on empty db = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	done := testJob
	done.ID = "job-0"
	if err := repo.Save(done, 1024); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.SetStatus(done.ID, ota.StatusSucceeded); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := repo.Save(testJob, 1024); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec, ok, err := repo.Active()
	if err != nil || !ok {
		t.Fatalf("Active() = (_, %v, %v), want (_, true, nil)", ok, err)
	}
	if rec.JobID != testJob.ID {
		t.Errorf("Active().JobID = %q, want %q", rec.JobID, testJob.ID)
	}

	all, err := repo.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List returned %d records, want 2", len(all))
	}
}
