package agent

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloudpico-ota/internal/ota"
)

// Image receives the blocks of one downloaded file.
type Image interface {
	io.WriterAt
	io.Closer
}

type ImageStore interface {
	Open(job ota.Job) (Image, error)
}

// FileStore keeps images as <dir>/<job id>-<file name>.
type FileStore struct {
	Dir string
}

func (s FileStore) Open(job ota.Job) (Image, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	f, err := os.OpenFile(s.Path(job), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	if err := f.Truncate(int64(job.File.Size)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("size image: %w", err)
	}
	return f, nil
}

// Path returns where the image of job is written.
func (s FileStore) Path(job ota.Job) string {
	name := filepath.Base(job.File.Path)
	if name == "." || name == string(filepath.Separator) {
		name = fmt.Sprintf("file-%d.bin", job.File.ID)
	}
	return filepath.Join(s.Dir, job.ID+"-"+name)
}
