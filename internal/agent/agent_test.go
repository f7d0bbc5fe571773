package agent

import (
	"bytes"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"cloudpico-ota/internal/jobs"
	"cloudpico-ota/internal/metrics"
	"cloudpico-ota/internal/migrate"
	"cloudpico-ota/internal/ota"
	"cloudpico-ota/internal/strbuild"

	_ "github.com/mattn/go-sqlite3"
)

type message struct {
	topic   string
	payload string
}

type fakePublisher struct {
	msgs []message
	err  error
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, message{topic: topic, payload: string(payload)})
	return nil
}

func (p *fakePublisher) take() []message {
	out := p.msgs
	p.msgs = nil
	return out
}

type failingStore struct{}

func (failingStore) Open(ota.Job) (Image, error) { return nil, errors.New("disk full") }

// countingStore opens real files and counts image opens and closes.
type countingStore struct {
	FileStore
	closeErr error
	opens    int
	closes   int
}

func (s *countingStore) Open(job ota.Job) (Image, error) {
	img, err := s.FileStore.Open(job)
	if err != nil {
		return nil, err
	}
	s.opens++
	return &countedImage{Image: img, store: s}, nil
}

type countedImage struct {
	Image
	store *countingStore
}

func (i *countedImage) Close() error {
	i.store.closes++
	if err := i.Image.Close(); err != nil {
		return err
	}
	return i.store.closeErr
}

type fixture struct {
	agent   *Agent
	pub     *fakePublisher
	repo    jobs.Repository
	store   FileStore
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, images ImageStore) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	if _, err := migrate.Run(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := &fixture{
		pub:     &fakePublisher{},
		repo:    jobs.NewRepository(db),
		store:   FileStore{Dir: t.TempDir()},
		metrics: metrics.New(),
	}
	if images == nil {
		images = f.store
	}
	f.agent = New(Options{
		ThingName:      "pico",
		BlockSize:      1024,
		WindowBlocks:   2,
		StatusInterval: 2,
		Version:        0x01020003,
		NewToken:       func() string { return "tok" },
	}, f.pub, f.repo, images, f.metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func jobPayload(id string, size uint32) []byte {
	return fmt.Appendf(nil, `{"execution":{"jobId":%q,"jobDocument":{"afr_ota":{"streamname":"fw","files":[{"fileid":3,"filesize":%d,"filepath":"app.bin"}]}}}}`, id, size)
}

func blockPayload(file, index uint32, data []byte) []byte {
	return fmt.Appendf(nil, `{"f":%d,"i":%d,"l":%d,"p":%q}`, file, index, len(data), base64.StdEncoding.EncodeToString(data))
}

func assertMessages(t *testing.T, got []message, want ...message) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("published %d messages %+v, want %d %+v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

const (
	updateTopic = "$aws/things/pico/jobs/job-1/update"
	getTopic    = "$aws/things/pico/streams/fw/get/json"
)

func TestAgent_Download(t *testing.T) {
	f := newFixture(t, nil)
	image := make([]byte, 2500)
	for i := range image {
		image[i] = byte(i)
	}

	if err := f.agent.HandleJob(jobPayload("job-1", 2500)); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}
	assertMessages(t, f.pub.take(),
		message{updateTopic, `{"status":"IN_PROGRESS","statusDetails":{"receive":"0/3"}}`},
		message{getTopic, `{"c":"tok","f":3,"l":1024,"o":0,"n":2}`},
	)

	if err := f.agent.HandleBlock(blockPayload(3, 0, image[:1024])); err != nil {
		t.Fatalf("HandleBlock(0): %v", err)
	}
	assertMessages(t, f.pub.take())

	if err := f.agent.HandleBlock(blockPayload(3, 1, image[1024:2048])); err != nil {
		t.Fatalf("HandleBlock(1): %v", err)
	}
	assertMessages(t, f.pub.take(),
		message{updateTopic, `{"status":"IN_PROGRESS","statusDetails":{"receive":"2/3"}}`},
		message{getTopic, `{"c":"tok","f":3,"l":1024,"o":2,"n":1}`},
	)

	if err := f.agent.HandleBlock(blockPayload(3, 1, image[1024:2048])); err != nil {
		t.Fatalf("HandleBlock(1) duplicate: %v", err)
	}
	assertMessages(t, f.pub.take())
	if got := testutil.ToFloat64(f.metrics.BlocksDuplicate); got != 1 {
		t.Errorf("BlocksDuplicate = %v, want 1", got)
	}

	if jobID, received, total, ok := f.agent.Progress(); !ok || jobID != "job-1" || received != 2 || total != 3 {
		t.Errorf("Progress() = (%q, %d, %d, %v), want (job-1, 2, 3, true)", jobID, received, total, ok)
	}

	if err := f.agent.HandleBlock(blockPayload(3, 2, image[2048:])); err != nil {
		t.Fatalf("HandleBlock(2): %v", err)
	}
	assertMessages(t, f.pub.take(),
		message{updateTopic, `{"status":"SUCCEEDED","statusDetails":{"reason":"accepted","updatedBy":"0x1020003"}}`},
	)

	got, err := os.ReadFile(f.store.Path(ota.Job{ID: "job-1", File: ota.File{Path: "app.bin"}}))
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if !bytes.Equal(got, image) {
		t.Error("written image differs from the streamed blocks")
	}

	rec, err := f.repo.Get("job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != ota.StatusSucceeded || rec.Received != 3 {
		t.Errorf("record = %s %d/%d, want SUCCEEDED 3/3", rec.Status, rec.Received, rec.Total)
	}
	if _, _, _, ok := f.agent.Progress(); ok {
		t.Error("Progress() reports an active job after completion")
	}
	if got := testutil.ToFloat64(f.metrics.BlocksReceived); got != 3 {
		t.Errorf("BlocksReceived = %v, want 3", got)
	}
	if got := testutil.ToFloat64(f.metrics.StatusPublished.WithLabelValues("SUCCEEDED")); got != 1 {
		t.Errorf("StatusPublished{SUCCEEDED} = %v, want 1", got)
	}
}

func TestAgent_RejectsBadBlocks(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.agent.HandleBlock(blockPayload(3, 0, []byte{1})); !errors.Is(err, ErrNoActiveJob) {
		t.Fatalf("HandleBlock without job error = %v, want %v", err, ErrNoActiveJob)
	}
	if err := f.agent.HandleJob(jobPayload("job-1", 2500)); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}
	f.pub.take()

	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "other file", payload: blockPayload(4, 0, make([]byte, 1024))},
		{name: "index past end", payload: blockPayload(3, 3, make([]byte, 1024))},
		{name: "short block", payload: blockPayload(3, 0, make([]byte, 10))},
		{name: "long last block", payload: blockPayload(3, 2, make([]byte, 1024))},
		{name: "garbage", payload: []byte(`nope`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.agent.HandleBlock(tt.payload); !errors.Is(err, ota.ErrInvalidBlock) {
				t.Errorf("HandleBlock error = %v, want %v", err, ota.ErrInvalidBlock)
			}
		})
	}
	if got := testutil.ToFloat64(f.metrics.BlocksRejected); got != float64(len(tests)+1) {
		t.Errorf("BlocksRejected = %v, want %d", got, len(tests)+1)
	}
	assertMessages(t, f.pub.take())
}

func TestAgent_SameJobTwice(t *testing.T) {
	f := newFixture(t, nil)
	for range 2 {
		if err := f.agent.HandleJob(jobPayload("job-1", 100)); err != nil {
			t.Fatalf("HandleJob: %v", err)
		}
	}
	if got := len(f.pub.take()); got != 2 {
		t.Errorf("published %d messages, want 2", got)
	}
}

func TestAgent_SupersededJob(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.agent.HandleJob(jobPayload("job-1", 100)); err != nil {
		t.Fatalf("HandleJob(job-1): %v", err)
	}
	f.pub.take()

	if err := f.agent.HandleJob(jobPayload("job-2", 100)); err != nil {
		t.Fatalf("HandleJob(job-2): %v", err)
	}
	assertMessages(t, f.pub.take(),
		message{updateTopic, `{"status":"FAILED","statusDetails":{"reason":"superseded","updatedBy":"0x1020003"}}`},
		message{"$aws/things/pico/jobs/job-2/update", `{"status":"IN_PROGRESS","statusDetails":{"receive":"0/1"}}`},
		message{getTopic, `{"c":"tok","f":3,"l":1024,"o":0,"n":1}`},
	)

	rec, err := f.repo.Get("job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != ota.StatusFailed {
		t.Errorf("job-1 status = %s, want FAILED", rec.Status)
	}
}

func TestAgent_NoPendingJob(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.agent.HandleJob([]byte(`{"timestamp":1}`)); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}
	assertMessages(t, f.pub.take())
}

func TestAgent_ImageOpenFails(t *testing.T) {
	f := newFixture(t, failingStore{})
	if err := f.agent.HandleJob(jobPayload("job-1", 100)); err == nil {
		t.Fatal("HandleJob error = nil, want non-nil")
	}
	assertMessages(t, f.pub.take(),
		message{updateTopic, `{"status":"FAILED","statusDetails":{"reason":"image open failed","updatedBy":"0x1020003"}}`},
	)
}

func TestAgent_Resume(t *testing.T) {
	f := newFixture(t, nil)
	job := ota.Job{ID: "job-1", Stream: "fw", File: ota.File{ID: 3, Size: 2500, Path: "app.bin"}}
	if err := f.repo.Save(job, 1024); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := f.repo.MarkBlock(job.ID, 0); err != nil {
		t.Fatalf("MarkBlock: %v", err)
	}

	if err := f.agent.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	assertMessages(t, f.pub.take(),
		message{updateTopic, `{"status":"IN_PROGRESS","statusDetails":{"receive":"1/3"}}`},
		message{getTopic, `{"c":"tok","f":3,"l":1024,"o":1,"n":2}`},
	)

	if err := f.agent.RetryWindow(); err != nil {
		t.Fatalf("RetryWindow: %v", err)
	}
	assertMessages(t, f.pub.take(),
		message{getTopic, `{"c":"tok","f":3,"l":1024,"o":1,"n":2}`},
	)
	if stream, ok := f.agent.ActiveStream(); !ok || stream != "fw" {
		t.Errorf("ActiveStream() = (%q, %v), want (fw, true)", stream, ok)
	}
}

func TestAgent_ResumeNothing(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.agent.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	assertMessages(t, f.pub.take())
}

func TestAgent_RequestNextJob(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.agent.RequestNextJob(); err != nil {
		t.Fatalf("RequestNextJob: %v", err)
	}
	assertMessages(t, f.pub.take(), message{"$aws/things/pico/jobs/$next/get", "{}"})

	f.pub.err = errors.New("offline")
	if err := f.agent.RequestNextJob(); err == nil {
		t.Fatal("RequestNextJob error = nil, want non-nil")
	}
	if got := testutil.ToFloat64(f.metrics.PublishFailures); got != 1 {
		t.Errorf("PublishFailures = %v, want 1", got)
	}
}

func TestAgent_ResumeWhileDownloading(t *testing.T) {
	store := &countingStore{FileStore: FileStore{Dir: t.TempDir()}}
	f := newFixture(t, store)
	image := make([]byte, 2500)

	if err := f.agent.HandleJob(jobPayload("job-1", 2500)); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}
	if err := f.agent.HandleBlock(blockPayload(3, 0, image[:1024])); err != nil {
		t.Fatalf("HandleBlock(0): %v", err)
	}
	f.pub.take()

	// A reconnect runs Resume again while job-1 is still downloading.
	if err := f.agent.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	assertMessages(t, f.pub.take())
	if store.opens != 1 || store.closes != 0 {
		t.Fatalf("opens=%d closes=%d after Resume, want 1 and 0", store.opens, store.closes)
	}
	if jobID, received, total, ok := f.agent.Progress(); !ok || jobID != "job-1" || received != 1 || total != 3 {
		t.Errorf("Progress() = (%q, %d, %d, %v), want (job-1, 1, 3, true)", jobID, received, total, ok)
	}

	for i := uint32(1); i < 3; i++ {
		data := image[i*1024 : min((i+1)*1024, 2500)]
		if err := f.agent.HandleBlock(blockPayload(3, i, data)); err != nil {
			t.Fatalf("HandleBlock(%d): %v", i, err)
		}
	}
	if store.opens != 1 || store.closes != 1 {
		t.Errorf("opens=%d closes=%d after completion, want 1 and 1", store.opens, store.closes)
	}
}

func TestAgent_ImageCloseFails(t *testing.T) {
	store := &countingStore{FileStore: FileStore{Dir: t.TempDir()}, closeErr: errors.New("flush failed")}
	f := newFixture(t, store)

	if err := f.agent.HandleJob(jobPayload("job-1", 100)); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}
	f.pub.take()

	if err := f.agent.HandleBlock(blockPayload(3, 0, make([]byte, 100))); err == nil {
		t.Fatal("HandleBlock error = nil, want close error")
	}
	assertMessages(t, f.pub.take(),
		message{updateTopic, `{"status":"FAILED","statusDetails":{"reason":"image close failed","updatedBy":"0x1020003"}}`},
	)
	if store.closes != 1 {
		t.Errorf("image closed %d times, want 1", store.closes)
	}
	rec, err := f.repo.Get("job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != ota.StatusFailed {
		t.Errorf("job-1 status = %s, want FAILED", rec.Status)
	}
}

func TestAgent_EncodeFailures(t *testing.T) {
	tests := []struct {
		name    string
		thing   string
		wantErr error
		want    float64
	}{
		{name: "invalid thing name", thing: "bad/thing", wantErr: ota.ErrInvalidTopicPart, want: 0},
		{name: "topic overflow", thing: strings.Repeat("x", ota.TopicMaxLen), wantErr: strbuild.ErrCapacityExceeded, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.agent.opts.ThingName = tt.thing

			if err := f.agent.RequestNextJob(); !errors.Is(err, tt.wantErr) {
				t.Fatalf("RequestNextJob error = %v, want %v", err, tt.wantErr)
			}
			if got := testutil.ToFloat64(f.metrics.EncodeFailures.WithLabelValues("topic")); got != tt.want {
				t.Errorf("EncodeFailures{topic} = %v, want %v", got, tt.want)
			}
			assertMessages(t, f.pub.take())
		})
	}
}
