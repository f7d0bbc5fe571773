// Package agent drives one OTA download at a time: it takes job documents,
// requests stream blocks in windows, writes them to the image and reports
// progress on the job update topic.
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"cloudpico-ota/internal/jobs"
	"cloudpico-ota/internal/metrics"
	"cloudpico-ota/internal/ota"
	"cloudpico-ota/internal/strbuild"
)

// Publisher sends one MQTT message. Implementations must not retain payload.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Options struct {
	ThingName      string
	BlockSize      uint32
	WindowBlocks   uint32
	StatusInterval uint32
	// Version is the running firmware version reported as updatedBy.
	Version  uint32
	HexUpper bool
	// NewToken returns the client token of a stream request session.
	NewToken func() string
}

var ErrNoActiveJob = errors.New("agent: no active job")

type Agent struct {
	opts       Options
	pub        Publisher
	repo       jobs.Repository
	images     ImageStore
	metrics    *metrics.Metrics
	logger     *slog.Logger
	versionEnc strbuild.Encoder

	mu       sync.Mutex
	dl       *download
	topicBuf [ota.TopicMaxLen]byte
	msgBuf   [ota.StatusMaxLen]byte
}

type download struct {
	job      ota.Job
	total    uint32
	have     []bool
	count    uint32
	winStart uint32
	winEnd   uint32
	image    Image
	token    string
}

func New(opts Options, pub Publisher, repo jobs.Repository, images ImageStore, m *metrics.Metrics, logger *slog.Logger) *Agent {
	if opts.NewToken == nil {
		opts.NewToken = uuid.NewString
	}
	if opts.StatusInterval == 0 {
		opts.StatusInterval = 1
	}
	if opts.WindowBlocks == 0 {
		opts.WindowBlocks = 1
	}
	return &Agent{
		opts:    opts,
		pub:     pub,
		repo:    repo,
		images:  images,
		metrics: m,
		logger:  logger,
		versionEnc: strbuild.NewEncoder(strbuild.Options{
			Base:   strbuild.Hex,
			Prefix: true,
			Upper:  opts.HexUpper,
		}),
	}
}

// RequestNextJob asks the job service for the pending execution; the answer
// arrives like a notify-next message.
func (a *Agent) RequestNextJob() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := ota.GetNextTopic(a.topicBuf[:], a.opts.ThingName)
	if err != nil {
		a.encodeFailed("topic", err)
		return err
	}
	return a.publish(string(a.topicBuf[:n]), []byte("{}"))
}

// Resume continues the download recorded as active in the job store, if any.
// It is a no-op while a download is already running in this process, so a
// broker reconnect keeps the open image and the current request session.
func (a *Agent) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dl != nil {
		a.logger.Debug("download already running", "job_id", a.dl.job.ID, "received", a.dl.count, "total", a.dl.total)
		return nil
	}

	rec, ok, err := a.repo.Active()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if rec.BlockSize != a.opts.BlockSize {
		a.logger.Warn("block size changed since job was saved",
			"job_id", rec.JobID, "saved", rec.BlockSize, "configured", a.opts.BlockSize)
		a.dl = &download{job: rec.Job}
		a.failLocked("block size changed")
		return nil
	}

	blocks, err := a.repo.Blocks(rec.JobID)
	if err != nil {
		return err
	}
	a.logger.Info("resuming download", "job_id", rec.JobID, "received", len(blocks), "total", rec.Total)
	return a.startLocked(rec.Job, blocks)
}

// HandleJob processes a notify-next or $next/get accepted message.
func (a *Agent) HandleJob(payload []byte) error {
	job, ok, err := ota.ParseJobDocument(payload)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !ok {
		a.logger.Debug("no pending job")
		return nil
	}
	if a.dl != nil {
		if a.dl.job.ID == job.ID {
			a.logger.Debug("job already in progress", "job_id", job.ID)
			return nil
		}
		a.logger.Warn("job superseded", "job_id", a.dl.job.ID, "by", job.ID)
		a.failLocked("superseded")
	}
	return a.startLocked(job, nil)
}

func (a *Agent) startLocked(job ota.Job, received []uint32) error {
	total := job.File.BlockCount(a.opts.BlockSize)
	if total == 0 {
		return fmt.Errorf("job %q: no blocks to download", job.ID)
	}

	if err := a.repo.Save(job, a.opts.BlockSize); err != nil {
		return err
	}
	if err := a.repo.SetStatus(job.ID, ota.StatusInProgress); err != nil {
		return err
	}

	img, err := a.images.Open(job)
	if err != nil {
		a.dl = &download{job: job}
		a.failLocked("image open failed")
		return err
	}

	dl := &download{
		job:   job,
		total: total,
		have:  make([]bool, total),
		image: img,
		token: a.opts.NewToken(),
	}
	for _, i := range received {
		if i < total && !dl.have[i] {
			dl.have[i] = true
			dl.count++
		}
	}
	a.dl = dl
	a.setProgress()

	a.logger.Info("download started",
		"job_id", job.ID,
		"stream", job.Stream,
		"file_id", job.File.ID,
		"file_size", job.File.Size,
		"blocks", total,
		"resumed_blocks", dl.count,
	)

	if dl.count == total {
		return a.finishLocked()
	}
	if err := a.publishProgress(); err != nil {
		return err
	}
	return a.requestWindow()
}

// HandleBlock processes one stream data message.
func (a *Agent) HandleBlock(payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	dl := a.dl
	if dl == nil {
		a.metrics.BlocksRejected.Inc()
		return ErrNoActiveJob
	}

	blk, err := ota.ParseDataBlock(payload)
	if err != nil {
		a.metrics.BlocksRejected.Inc()
		return err
	}
	if blk.FileID != dl.job.File.ID {
		a.metrics.BlocksRejected.Inc()
		return fmt.Errorf("%w: file %d, job %q streams file %d", ota.ErrInvalidBlock, blk.FileID, dl.job.ID, dl.job.File.ID)
	}
	if blk.Index >= dl.total {
		a.metrics.BlocksRejected.Inc()
		return fmt.Errorf("%w: block %d of %d", ota.ErrInvalidBlock, blk.Index, dl.total)
	}
	if want := dl.job.File.BlockLen(blk.Index, a.opts.BlockSize); uint32(len(blk.Data)) != want {
		a.metrics.BlocksRejected.Inc()
		return fmt.Errorf("%w: block %d has %d bytes, want %d", ota.ErrInvalidBlock, blk.Index, len(blk.Data), want)
	}
	if dl.have[blk.Index] {
		a.metrics.BlocksDuplicate.Inc()
		return nil
	}

	off := int64(blk.Index) * int64(a.opts.BlockSize)
	if _, err := dl.image.WriteAt(blk.Data, off); err != nil {
		a.failLocked("image write failed")
		return fmt.Errorf("write block %d: %w", blk.Index, err)
	}
	if _, err := a.repo.MarkBlock(dl.job.ID, blk.Index); err != nil {
		return err
	}
	dl.have[blk.Index] = true
	dl.count++
	a.metrics.BlocksReceived.Inc()
	a.setProgress()

	a.logger.Debug("block received", "job_id", dl.job.ID, "index", blk.Index, "received", dl.count, "total", dl.total)

	if dl.count == dl.total {
		return a.finishLocked()
	}
	if dl.count%a.opts.StatusInterval == 0 {
		if err := a.publishProgress(); err != nil {
			a.logger.Warn("progress status not published", "job_id", dl.job.ID, "error", err)
		}
	}
	if a.windowDone() {
		return a.requestWindow()
	}
	return nil
}

// RetryWindow re-requests the blocks of the current window still missing.
// Callers use it when the stream goes quiet.
func (a *Agent) RetryWindow() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dl == nil {
		return nil
	}
	return a.requestWindow()
}

// Progress reports the active job and its block counts.
func (a *Agent) Progress() (jobID string, received, total uint32, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dl == nil {
		return "", 0, 0, false
	}
	return a.dl.job.ID, a.dl.count, a.dl.total, true
}

// ActiveStream returns the stream of the running download.
func (a *Agent) ActiveStream() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dl == nil {
		return "", false
	}
	return a.dl.job.Stream, true
}

func (a *Agent) windowDone() bool {
	for i := a.dl.winStart; i < a.dl.winEnd; i++ {
		if !a.dl.have[i] {
			return false
		}
	}
	return true
}

// requestWindow asks for up to WindowBlocks blocks from the first missing one.
func (a *Agent) requestWindow() error {
	dl := a.dl
	first := uint32(0)
	for first < dl.total && dl.have[first] {
		first++
	}
	if first == dl.total {
		return nil
	}
	count := min(a.opts.WindowBlocks, dl.total-first)
	dl.winStart, dl.winEnd = first, first+count

	tn, err := ota.StreamGetTopic(a.topicBuf[:], a.opts.ThingName, dl.job.Stream)
	if err != nil {
		a.encodeFailed("topic", err)
		return err
	}
	pn, err := ota.BlockRequest(a.msgBuf[:], dl.token, dl.job.File.ID, a.opts.BlockSize, first, count)
	if err != nil {
		a.encodeFailed("block_request", err)
		return err
	}
	a.logger.Debug("requesting blocks", "job_id", dl.job.ID, "offset", first, "count", count)
	return a.publish(string(a.topicBuf[:tn]), a.msgBuf[:pn])
}

func (a *Agent) publishProgress() error {
	dl := a.dl
	tn, err := ota.JobUpdateTopic(a.topicBuf[:], a.opts.ThingName, dl.job.ID)
	if err != nil {
		a.encodeFailed("topic", err)
		return err
	}
	pn, err := ota.InProgressStatus(a.msgBuf[:], dl.count, dl.total)
	if err != nil {
		a.encodeFailed("status", err)
		return err
	}
	if err := a.publish(string(a.topicBuf[:tn]), a.msgBuf[:pn]); err != nil {
		return err
	}
	a.metrics.StatusPublished.WithLabelValues(string(ota.StatusInProgress)).Inc()
	return nil
}

func (a *Agent) finishLocked() error {
	dl := a.dl
	a.dl = nil
	if err := dl.image.Close(); err != nil {
		dl.image = nil
		a.dl = dl
		a.failLocked("image close failed")
		return err
	}
	if err := a.repo.SetStatus(dl.job.ID, ota.StatusSucceeded); err != nil {
		return err
	}
	a.logger.Info("download complete", "job_id", dl.job.ID, "blocks", dl.total)
	return a.publishFinal(dl.job.ID, ota.StatusSucceeded, "accepted")
}

// failLocked abandons the current download and reports it as FAILED.
func (a *Agent) failLocked(reason string) {
	dl := a.dl
	a.dl = nil
	a.metrics.DownloadProgress.Set(0)
	if dl.image != nil {
		if err := dl.image.Close(); err != nil {
			a.logger.Warn("image close", "job_id", dl.job.ID, "error", err)
		}
	}
	if err := a.repo.SetStatus(dl.job.ID, ota.StatusFailed); err != nil {
		a.logger.Error("store failed status", "job_id", dl.job.ID, "error", err)
	}
	if err := a.publishFinal(dl.job.ID, ota.StatusFailed, reason); err != nil {
		a.logger.Error("publish failed status", "job_id", dl.job.ID, "error", err)
	}
}

func (a *Agent) publishFinal(jobID string, status ota.JobStatus, reason string) error {
	tn, err := ota.JobUpdateTopic(a.topicBuf[:], a.opts.ThingName, jobID)
	if err != nil {
		a.encodeFailed("topic", err)
		return err
	}
	pn, err := ota.FinalStatusWith(a.msgBuf[:], a.versionEnc, status, reason, a.opts.Version)
	if err != nil {
		a.encodeFailed("status", err)
		return err
	}
	if err := a.publish(string(a.topicBuf[:tn]), a.msgBuf[:pn]); err != nil {
		return err
	}
	a.metrics.StatusPublished.WithLabelValues(string(status)).Inc()
	return nil
}

func (a *Agent) publish(topic string, payload []byte) error {
	if err := a.pub.Publish(topic, payload); err != nil {
		a.metrics.PublishFailures.Inc()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// encodeFailed counts messages that overflowed their buffer. Invalid topic
// parts and payload fields are configuration errors and are only returned.
func (a *Agent) encodeFailed(kind string, err error) {
	if errors.Is(err, strbuild.ErrCapacityExceeded) {
		a.metrics.EncodeFailures.WithLabelValues(kind).Inc()
	}
}

func (a *Agent) setProgress() {
	if a.dl == nil || a.dl.total == 0 {
		a.metrics.DownloadProgress.Set(0)
		return
	}
	a.metrics.DownloadProgress.Set(float64(a.dl.count) / float64(a.dl.total))
}
