package ota

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrInvalidJob   = errors.New("ota: invalid job document")
	ErrInvalidBlock = errors.New("ota: invalid data block")
)

// Job is the part of a job execution an OTA client acts on.
type Job struct {
	ID     string
	Stream string
	File   File
}

// File describes the image delivered over the job's stream.
type File struct {
	ID   uint32 `json:"fileid"`
	Size uint32 `json:"filesize"`
	Path string `json:"filepath"`
}

type jobNotification struct {
	Execution *struct {
		JobID       string `json:"jobId"`
		JobDocument struct {
			OTA *struct {
				Stream string `json:"streamname"`
				Files  []File `json:"files"`
			} `json:"afr_ota"`
		} `json:"jobDocument"`
	} `json:"execution"`
}

// ParseJobDocument decodes a notify-next or $next/get response. A message
// without an execution means no job is pending and yields (Job{}, false, nil).
func ParseJobDocument(payload []byte) (Job, bool, error) {
	var n jobNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Job{}, false, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if n.Execution == nil {
		return Job{}, false, nil
	}

	ex := n.Execution
	if ex.JobDocument.OTA == nil {
		return Job{}, false, fmt.Errorf("%w: job %q has no afr_ota section", ErrInvalidJob, ex.JobID)
	}
	doc := ex.JobDocument.OTA

	job := Job{ID: ex.JobID, Stream: doc.Stream}
	if err := validPart("job id", job.ID); err != nil {
		return Job{}, false, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := validPart("stream", job.Stream); err != nil {
		return Job{}, false, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if len(doc.Files) == 0 {
		return Job{}, false, fmt.Errorf("%w: job %q lists no files", ErrInvalidJob, job.ID)
	}
	job.File = doc.Files[0]
	if job.File.Size == 0 {
		return Job{}, false, fmt.Errorf("%w: job %q file %d is empty", ErrInvalidJob, job.ID, job.File.ID)
	}
	if strings.Contains(job.File.Path, "..") {
		return Job{}, false, fmt.Errorf("%w: file path %q escapes the image dir", ErrInvalidJob, job.File.Path)
	}
	return job, true, nil
}

// BlockCount returns how many blocks of blockSize bytes cover the file.
func (f File) BlockCount(blockSize uint32) uint32 {
	if blockSize == 0 {
		return 0
	}
	return uint32((uint64(f.Size) + uint64(blockSize) - 1) / uint64(blockSize))
}

// BlockLen returns the expected length of block index; the last block may be short.
func (f File) BlockLen(index, blockSize uint32) uint32 {
	start := uint64(index) * uint64(blockSize)
	if start >= uint64(f.Size) {
		return 0
	}
	return uint32(min(uint64(blockSize), uint64(f.Size)-start))
}

// Block is one decoded stream data message.
type Block struct {
	FileID uint32
	Index  uint32
	Data   []byte
}

type dataBlock struct {
	FileID  *int64 `json:"f"`
	Index   *int64 `json:"i"`
	Length  *int64 `json:"l"`
	Payload string `json:"p"`
}

// ParseDataBlock decodes {"f":file,"i":index,"l":length,"p":"<base64>"}.
func ParseDataBlock(payload []byte) (Block, error) {
	var d dataBlock
	if err := json.Unmarshal(payload, &d); err != nil {
		return Block{}, fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	if d.FileID == nil || d.Index == nil || d.Length == nil {
		return Block{}, fmt.Errorf("%w: missing f, i or l", ErrInvalidBlock)
	}
	if !fitsUint32(*d.FileID) || !fitsUint32(*d.Index) || !fitsUint32(*d.Length) {
		return Block{}, fmt.Errorf("%w: field out of uint32 range", ErrInvalidBlock)
	}
	data, err := base64.StdEncoding.DecodeString(d.Payload)
	if err != nil {
		return Block{}, fmt.Errorf("%w: payload: %v", ErrInvalidBlock, err)
	}
	if int64(len(data)) != *d.Length {
		return Block{}, fmt.Errorf("%w: length %d, payload has %d bytes", ErrInvalidBlock, *d.Length, len(data))
	}
	return Block{
		FileID: uint32(*d.FileID),
		Index:  uint32(*d.Index),
		Data:   data,
	}, nil
}

func fitsUint32(v int64) bool {
	return v >= 0 && v <= math.MaxUint32
}
