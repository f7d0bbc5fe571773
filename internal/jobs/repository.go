package jobs

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloudpico-ota/internal/ota"
)

//go:embed sql/upsert-job.sql
var upsertJobSQL string

//go:embed sql/select-jobs.sql
var selectJobsSQL string

//go:embed sql/update-status.sql
var updateStatusSQL string

//go:embed sql/insert-block.sql
var insertBlockSQL string

//go:embed sql/get-blocks.sql
var getBlocksSQL string

var ErrNotFound = errors.New("job not found")

// Record is a persisted job and its download progress.
type Record struct {
	Job       ota.Job       `json:"-"`
	JobID     string        `json:"job_id"`
	Stream    string        `json:"stream"`
	FileID    uint32        `json:"file_id"`
	FileSize  uint32        `json:"file_size"`
	BlockSize uint32        `json:"block_size"`
	Status    ota.JobStatus `json:"status"`
	Received  uint32        `json:"blocks_received"`
	Total     uint32        `json:"blocks_total"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type Repository interface {
	Save(job ota.Job, blockSize uint32) error
	Get(jobID string) (Record, error)
	List() ([]Record, error)
	// Active returns the most recently touched QUEUED or IN_PROGRESS job.
	Active() (Record, bool, error)
	SetStatus(jobID string, status ota.JobStatus) error
	// MarkBlock records a received block and reports whether it was new.
	MarkBlock(jobID string, index uint32) (bool, error)
	Blocks(jobID string) ([]uint32, error)
}

type repositoryImpl struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) Save(job ota.Job, blockSize uint32) error {
	if blockSize == 0 {
		return fmt.Errorf("save job %q: block size is zero", job.ID)
	}
	_, err := r.db.Exec(upsertJobSQL,
		job.ID, job.Stream, job.File.ID, job.File.Size, job.File.Path, blockSize)
	if err != nil {
		return fmt.Errorf("save job %q: %w", job.ID, err)
	}
	return nil
}

func (r *repositoryImpl) Get(jobID string) (Record, error) {
	row := r.db.QueryRow(selectJobsSQL+" WHERE j.job_id = ?", jobID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, jobID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get job %q: %w", jobID, err)
	}
	return rec, nil
}

func (r *repositoryImpl) List() ([]Record, error) {
	rows, err := r.db.Query(selectJobsSQL + " ORDER BY j.updated_at DESC, j.rowid DESC")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close jobs rows", "error", err)
		}
	}()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repositoryImpl) Active() (Record, bool, error) {
	row := r.db.QueryRow(selectJobsSQL+" WHERE j.status IN (?, ?) ORDER BY j.updated_at DESC, j.rowid DESC LIMIT 1",
		string(ota.StatusQueued), string(ota.StatusInProgress))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get active job: %w", err)
	}
	return rec, true, nil
}

func (r *repositoryImpl) SetStatus(jobID string, status ota.JobStatus) error {
	if !status.Valid() {
		return fmt.Errorf("set status %q: %w", status, ota.ErrInvalidField)
	}
	res, err := r.db.Exec(updateStatusSQL, string(status), jobID)
	if err != nil {
		return fmt.Errorf("set status of %q: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, jobID)
	}
	return nil
}

func (r *repositoryImpl) MarkBlock(jobID string, index uint32) (bool, error) {
	res, err := r.db.Exec(insertBlockSQL, jobID, index)
	if err != nil {
		return false, fmt.Errorf("mark block %d of %q: %w", index, jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *repositoryImpl) Blocks(jobID string) ([]uint32, error) {
	rows, err := r.db.Query(getBlocksSQL, jobID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close blocks rows", "error", err)
		}
	}()
	var out []uint32
	for rows.Next() {
		var i uint32
		if err := rows.Scan(&i); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var rec Record
	var status, ts string
	if err := s.Scan(&rec.JobID, &rec.Stream, &rec.FileID, &rec.FileSize, &rec.Job.File.Path,
		&rec.BlockSize, &status, &ts, &rec.Received); err != nil {
		return Record{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Record{}, fmt.Errorf("parse updated_at %q: %w", ts, err)
	}
	rec.UpdatedAt = t
	rec.Status = ota.JobStatus(status)
	rec.Job.ID = rec.JobID
	rec.Job.Stream = rec.Stream
	rec.Job.File.ID = rec.FileID
	rec.Job.File.Size = rec.FileSize
	rec.Total = rec.Job.File.BlockCount(rec.BlockSize)
	return rec, nil
}
