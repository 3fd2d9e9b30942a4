package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"media-ingest-pipeline/internal/config"
	"media-ingest-pipeline/internal/models"
	"media-ingest-pipeline/internal/registry"
	"media-ingest-pipeline/internal/storage"
)

type fakeRegistry struct {
	assets   map[string]models.Asset
	jobs     map[string]models.Job
	audits   []string
	leaseErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		assets: make(map[string]models.Asset),
		jobs:   make(map[string]models.Job),
	}
}

func (f *fakeRegistry) GetAsset(_ context.Context, id string) (models.Asset, error) {
	a, ok := f.assets[id]
	if !ok {
		return models.Asset{}, registry.ErrNotFound
	}
	return a, nil
}

func (f *fakeRegistry) GetJob(_ context.Context, id string) (models.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, registry.ErrNotFound
	}
	return j, nil
}

func (f *fakeRegistry) LeaseJob(_ context.Context, id, workerID string, expiresAt time.Time) (models.Job, error) {
	if f.leaseErr != nil {
		return models.Job{}, f.leaseErr
	}
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, registry.ErrNotFound
	}
	j.Status = models.JobLeased
	j.Attempt++
	j.LeaseOwner = &workerID
	j.LeaseExpiresAt = &expiresAt
	f.jobs[id] = j
	return j, nil
}

func (f *fakeRegistry) MarkProcessing(_ context.Context, assetID string) error {
	a := f.assets[assetID]
	a.Status = models.StatusProcessing
	f.assets[assetID] = a
	return nil
}

func (f *fakeRegistry) SetVariantsReady(_ context.Context, assetID string, variants map[string]models.Variant) error {
	a := f.assets[assetID]
	a.Status = models.StatusReady
	a.Variants = variants
	a.LastError = nil
	f.assets[assetID] = a
	return nil
}

func (f *fakeRegistry) MarkAssetFailed(_ context.Context, assetID, reason string) error {
	a := f.assets[assetID]
	a.Status = models.StatusFailed
	a.LastError = &reason
	f.assets[assetID] = a
	return nil
}

func (f *fakeRegistry) RescheduleJob(_ context.Context, id string, nextRun time.Time, lastErr string) error {
	j := f.jobs[id]
	j.Status = models.JobQueued
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	j.NextRunAt = nextRun
	j.LastError = &lastErr
	f.jobs[id] = j
	return nil
}

func (f *fakeRegistry) DeadLetterJob(_ context.Context, id, lastErr string) error {
	j := f.jobs[id]
	j.Status = models.JobDeadLetter
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	j.LastError = &lastErr
	f.jobs[id] = j
	return nil
}

func (f *fakeRegistry) DeleteJob(_ context.Context, id string) error {
	delete(f.jobs, id)
	return nil
}

func (f *fakeRegistry) ReleaseLease(_ context.Context, id string) error {
	j := f.jobs[id]
	j.Status = models.JobQueued
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	f.jobs[id] = j
	return nil
}

func (f *fakeRegistry) AppendAudit(_ context.Context, _, event, _ string) error {
	f.audits = append(f.audits, event)
	return nil
}

type fakeQueue struct {
	scheduled map[string]time.Time
	acked     []string
	released  []string
	dlq       []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{scheduled: make(map[string]time.Time)}
}

func (f *fakeQueue) Claim(context.Context, string) (string, error) { return "", nil }
func (f *fakeQueue) RenewLease(context.Context, string, string, time.Duration) error {
	return nil
}
func (f *fakeQueue) Ack(_ context.Context, jobID string) error {
	f.acked = append(f.acked, jobID)
	return nil
}
func (f *fakeQueue) Release(_ context.Context, jobID string) error {
	f.released = append(f.released, jobID)
	return nil
}
func (f *fakeQueue) Schedule(_ context.Context, jobID string, runAt time.Time) error {
	f.scheduled[jobID] = runAt
	return nil
}
func (f *fakeQueue) PromoteScheduled(context.Context, time.Time, int64) (int, error) {
	return 0, nil
}
func (f *fakeQueue) RequeueExpired(context.Context, time.Time, int64) ([]string, error) {
	return nil, nil
}
func (f *fakeQueue) DLQPush(_ context.Context, jobID string) error {
	f.dlq = append(f.dlq, jobID)
	return nil
}
func (f *fakeQueue) ReadyDepth(context.Context) (int64, error) { return 0, nil }

type fakeStore struct {
	objects  map[string][]byte
	fetchErr error
	puts     map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte), puts: make(map[string][]byte)}
}

func (f *fakeStore) FetchObject(_ context.Context, key string) ([]byte, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, &storage.StoreError{Op: "get", Key: key, NotFound: true, Err: errors.New("no such key")}
	}
	return data, nil
}

func (f *fakeStore) PutObject(_ context.Context, key string, body []byte, _ string) error {
	f.puts[key] = body
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Variants:           []config.VariantSpec{{Label: "thumb", MaxDim: 10}, {Label: "medium", MaxDim: 40}},
		MaxAttempts:        5,
		LeaseDuration:      30 * time.Second,
		BackoffInitial:     2 * time.Second,
		BackoffMax:         time.Minute,
		WorkerPollInterval: time.Millisecond,
		ScheduledBatchSize: 100,
	}
}

func seed(reg *fakeRegistry, store *fakeStore, data []byte, maxAttempts int) {
	reg.assets["a1"] = models.Asset{
		ID:          "a1",
		OwnerID:     "u1",
		OriginalKey: "u1/a1/original",
		ContentType: "image/png",
		Status:      models.StatusQueued,
	}
	reg.jobs["j1"] = models.Job{
		ID:          "j1",
		AssetID:     "a1",
		Status:      models.JobQueued,
		MaxAttempts: maxAttempts,
		NextRunAt:   time.Now(),
	}
	if data != nil {
		store.objects["u1/a1/original"] = data
	}
}

func TestHandleClaimSuccess(t *testing.T) {
	reg := newFakeRegistry()
	q := newFakeQueue()
	store := newFakeStore()
	seed(reg, store, encodePNG(t, 100, 50), 5)

	p := NewProcessor(testConfig(), q, reg, store, "worker-a")
	p.handleClaim(context.Background(), "j1")

	asset := reg.assets["a1"]
	if asset.Status != models.StatusReady {
		t.Fatalf("expected asset ready, got %s", asset.Status)
	}
	thumb, ok := asset.Variants["thumb"]
	if !ok {
		t.Fatal("thumb variant missing")
	}
	if thumb.Key != "u1/a1/thumb" {
		t.Fatalf("variant key must be deterministic, got %q", thumb.Key)
	}
	if thumb.Width != 10 || thumb.Height != 5 {
		t.Fatalf("unexpected thumb dimensions %dx%d", thumb.Width, thumb.Height)
	}
	if _, ok := store.puts["u1/a1/medium"]; !ok {
		t.Fatal("medium variant not stored")
	}
	if _, exists := reg.jobs["j1"]; exists {
		t.Fatal("job must be deleted on terminal success")
	}
	if len(q.acked) != 1 || q.acked[0] != "j1" {
		t.Fatalf("job not acked: %v", q.acked)
	}
}

func TestDecodeFailureIsTerminal(t *testing.T) {
	reg := newFakeRegistry()
	q := newFakeQueue()
	store := newFakeStore()
	seed(reg, store, []byte("definitely not an image"), 5)

	p := NewProcessor(testConfig(), q, reg, store, "worker-a")
	p.handleClaim(context.Background(), "j1")

	job := reg.jobs["j1"]
	if job.Status != models.JobDeadLetter {
		t.Fatalf("expected dead-lettered job, got %s", job.Status)
	}
	if job.Attempt != 1 {
		t.Fatalf("permanent failure must not retry, attempts=%d", job.Attempt)
	}
	asset := reg.assets["a1"]
	if asset.Status != models.StatusFailed {
		t.Fatalf("expected failed asset, got %s", asset.Status)
	}
	if asset.LastError == nil || *asset.LastError != "decode_error" {
		t.Fatalf("unexpected last error: %v", asset.LastError)
	}
	if len(q.scheduled) != 0 {
		t.Fatalf("permanent failure must not be rescheduled: %v", q.scheduled)
	}
	if len(q.dlq) != 1 {
		t.Fatalf("job not pushed to dlq: %v", q.dlq)
	}
}

func TestMissingSourceIsTerminal(t *testing.T) {
	reg := newFakeRegistry()
	q := newFakeQueue()
	store := newFakeStore()
	seed(reg, store, nil, 5)

	p := NewProcessor(testConfig(), q, reg, store, "worker-a")
	p.handleClaim(context.Background(), "j1")

	asset := reg.assets["a1"]
	if asset.Status != models.StatusFailed {
		t.Fatalf("expected failed asset, got %s", asset.Status)
	}
	if asset.LastError == nil || *asset.LastError != "source_missing" {
		t.Fatalf("unexpected last error: %v", asset.LastError)
	}
	if reg.jobs["j1"].Attempt != 1 {
		t.Fatalf("missing source must not retry, attempts=%d", reg.jobs["j1"].Attempt)
	}
}

func TestTransientFailureRetriesThenDeadLetters(t *testing.T) {
	reg := newFakeRegistry()
	q := newFakeQueue()
	store := newFakeStore()
	seed(reg, store, nil, 3)
	store.fetchErr = &storage.StoreError{Op: "get", Key: "u1/a1/original", Transient: true, Err: errors.New("503")}

	p := NewProcessor(testConfig(), q, reg, store, "worker-a")

	ctx := context.Background()
	p.handleClaim(ctx, "j1")

	job := reg.jobs["j1"]
	if job.Status != models.JobQueued {
		t.Fatalf("first transient failure should requeue, got %s", job.Status)
	}
	if job.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", job.Attempt)
	}
	if runAt, ok := q.scheduled["j1"]; !ok || !runAt.After(time.Now()) {
		t.Fatalf("retry must be scheduled in the future, got %v", q.scheduled)
	}

	p.handleClaim(ctx, "j1")
	p.handleClaim(ctx, "j1")

	job = reg.jobs["j1"]
	if job.Status != models.JobDeadLetter {
		t.Fatalf("expected dead letter after max attempts, got %s", job.Status)
	}
	if job.Attempt != 3 {
		t.Fatalf("attempt counter should reach exactly max attempts, got %d", job.Attempt)
	}
	if len(q.dlq) != 1 {
		t.Fatalf("expected one dlq entry, got %v", q.dlq)
	}
	asset := reg.assets["a1"]
	if asset.Status != models.StatusFailed || asset.LastError == nil || *asset.LastError != "store_error" {
		t.Fatalf("asset should fail with store_error, got %s %v", asset.Status, asset.LastError)
	}
}

func TestRegistryOutageKeepsClaimInFlight(t *testing.T) {
	reg := newFakeRegistry()
	q := newFakeQueue()
	store := newFakeStore()
	seed(reg, store, encodePNG(t, 100, 50), 5)
	reg.leaseErr = errors.New("connection refused")

	p := NewProcessor(testConfig(), q, reg, store, "worker-a")
	p.handleClaim(context.Background(), "j1")

	// The job must stay in flight so the lease-expiry sweep can requeue it.
	// Acking here would drop it forever.
	if len(q.acked) != 0 {
		t.Fatalf("transient lease failure must not ack, got %v", q.acked)
	}
	if len(q.scheduled) != 0 || len(q.dlq) != 0 {
		t.Fatalf("job must be left untouched, scheduled=%v dlq=%v", q.scheduled, q.dlq)
	}
	job := reg.jobs["j1"]
	if job.Status != models.JobQueued || job.Attempt != 0 {
		t.Fatalf("job row must be unchanged, got status=%s attempt=%d", job.Status, job.Attempt)
	}
}

func TestVanishedJobRowDropsClaim(t *testing.T) {
	reg := newFakeRegistry()
	q := newFakeQueue()
	store := newFakeStore()
	// No job row seeded: the row was deleted after a concurrent success.

	p := NewProcessor(testConfig(), q, reg, store, "worker-a")
	p.handleClaim(context.Background(), "j1")

	if len(q.acked) != 1 || q.acked[0] != "j1" {
		t.Fatalf("claim for a deleted row must be acked, got %v", q.acked)
	}
	if len(q.released) != 0 || len(q.dlq) != 0 {
		t.Fatalf("deleted row must not be requeued, released=%v dlq=%v", q.released, q.dlq)
	}
}

func TestShutdownReleasesClaim(t *testing.T) {
	reg := newFakeRegistry()
	q := newFakeQueue()
	store := newFakeStore()
	seed(reg, store, nil, 5)
	store.fetchErr = context.Canceled

	p := NewProcessor(testConfig(), q, reg, store, "worker-a")
	p.handleClaim(context.Background(), "j1")

	if len(q.released) != 1 || q.released[0] != "j1" {
		t.Fatalf("interrupted job must be released to ready, got %v", q.released)
	}
	if len(q.acked) != 0 || len(q.scheduled) != 0 || len(q.dlq) != 0 {
		t.Fatalf("release must be the only disposition, acked=%v scheduled=%v dlq=%v", q.acked, q.scheduled, q.dlq)
	}
	job := reg.jobs["j1"]
	if job.Status != models.JobQueued || job.LeaseOwner != nil {
		t.Fatalf("lease must be cleared, got status=%s owner=%v", job.Status, job.LeaseOwner)
	}
	if reg.assets["a1"].Status == models.StatusFailed {
		t.Fatal("shutdown must not fail the asset")
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := 2 * time.Second
	max := time.Minute

	for attempt := 1; attempt <= 6; attempt++ {
		got := backoffWithJitter(base, max, attempt)
		if got < base/2 {
			t.Fatalf("attempt %d: backoff %s below half the base", attempt, got)
		}
		if got > max {
			t.Fatalf("attempt %d: backoff %s exceeds cap", attempt, got)
		}
	}

	// The exponential schedule should grow until the cap dominates.
	lowBound := func(attempt int) time.Duration {
		exp := time.Duration(float64(base) * float64(int64(1)<<uint(attempt-1)))
		if exp > max {
			exp = max
		}
		return exp / 2
	}
	if lowBound(4) <= lowBound(1) {
		t.Fatal("schedule lower bound must grow with attempts")
	}
}
