package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"media-ingest-pipeline/internal/config"
	"media-ingest-pipeline/internal/media"
	"media-ingest-pipeline/internal/models"
	"media-ingest-pipeline/internal/queue"
	"media-ingest-pipeline/internal/registry"
	"media-ingest-pipeline/internal/storage"
	"media-ingest-pipeline/internal/telemetry"
)

// Registry is the slice of the asset registry the worker needs.
type Registry interface {
	GetAsset(ctx context.Context, id string) (models.Asset, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	LeaseJob(ctx context.Context, id, workerID string, expiresAt time.Time) (models.Job, error)
	MarkProcessing(ctx context.Context, assetID string) error
	SetVariantsReady(ctx context.Context, assetID string, variants map[string]models.Variant) error
	MarkAssetFailed(ctx context.Context, assetID, reason string) error
	RescheduleJob(ctx context.Context, id string, nextRun time.Time, lastErr string) error
	DeadLetterJob(ctx context.Context, id, lastErr string) error
	DeleteJob(ctx context.Context, id string) error
	ReleaseLease(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, assetID, event, detail string) error
}

// JobQueue is the claim/lease contract the worker consumes.
type JobQueue interface {
	Claim(ctx context.Context, workerID string) (string, error)
	RenewLease(ctx context.Context, jobID, workerID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	Release(ctx context.Context, jobID string) error
	Schedule(ctx context.Context, jobID string, runAt time.Time) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DLQPush(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// ObjectStore is the server-side slice of the store client.
type ObjectStore interface {
	FetchObject(ctx context.Context, key string) ([]byte, error)
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
}

// Processor drives the thumbnail worker loop: claim a job, fetch the
// original, render variants, store them, and settle the asset. It is safe to
// run several instances; the queue lease is the only synchronization.
type Processor struct {
	cfg      config.Config
	queue    JobQueue
	registry Registry
	store    ObjectStore
	workerID string
}

// NewProcessor creates a worker with a stable ID for lease tracking.
func NewProcessor(cfg config.Config, q JobQueue, reg Registry, store ObjectStore, workerID string) *Processor {
	return &Processor{cfg: cfg, queue: q, registry: reg, store: store, workerID: workerID}
}

// Run polls the queue until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.sweep(ctx)

		jobID, err := p.queue.Claim(ctx, p.workerID)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		p.handleClaim(ctx, jobID)
	}
}

// sweep promotes due retries and reclaims expired leases before each claim.
func (p *Processor) sweep(ctx context.Context) {
	_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
	if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		for _, id := range reclaimed {
			_ = p.registry.ReleaseLease(ctx, id)
			if job, err := p.registry.GetJob(ctx, id); err == nil {
				_ = p.registry.AppendAudit(ctx, job.AssetID, "lease_expired", "job="+id)
			}
		}
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (p *Processor) handleClaim(ctx context.Context, jobID string) {
	job, err := p.registry.LeaseJob(ctx, jobID, p.workerID, time.Now().Add(p.cfg.LeaseDuration))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			// Row gone; drop the claim so it doesn't spin.
			_ = p.queue.Ack(ctx, jobID)
			return
		}
		// Registry hiccup. Leave the claim in flight; once the lease
		// deadline passes, the sweep puts it back on the ready list.
		log.Printf("job %s: lease failed, leaving in flight: %v", jobID, err)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	_ = p.registry.MarkProcessing(ctx, job.AssetID)

	// Renew while transforming so slow jobs outlive the lease.
	renewCtx, stopRenew := context.WithCancel(ctx)
	go p.renewLoop(renewCtx, jobID)
	variants, err := p.processJob(ctx, job)
	stopRenew()

	if err == nil {
		_ = p.registry.SetVariantsReady(ctx, job.AssetID, variants)
		_ = p.registry.DeleteJob(ctx, job.ID)
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.registry.AppendAudit(ctx, job.AssetID, "ready", fmt.Sprintf("variants=%d attempt=%d", len(variants), job.Attempt))
		telemetry.WorkerSuccess.Inc()
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Shutdown interrupted the transform; this is not the job's fault.
		p.releaseClaim(job)
		return
	}

	if isPermanent(err) || job.Attempt >= job.MaxAttempts {
		_ = p.registry.DeadLetterJob(ctx, job.ID, err.Error())
		_ = p.registry.MarkAssetFailed(ctx, job.AssetID, failureReason(err))
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.queue.DLQPush(ctx, job.ID)
		_ = p.registry.AppendAudit(ctx, job.AssetID, "dead_letter", err.Error())
		telemetry.WorkerDeadLetter.Inc()
		log.Printf("job %s dead-lettered after attempt %d: %v", job.ID, job.Attempt, err)
		return
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, job.Attempt)
	nextRun := time.Now().Add(backoff)
	_ = p.registry.RescheduleJob(ctx, job.ID, nextRun, err.Error())
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.queue.Schedule(ctx, job.ID, nextRun)
	_ = p.registry.AppendAudit(ctx, job.AssetID, "retry_scheduled", fmt.Sprintf("next_run=%s attempt=%d", nextRun.UTC().Format(time.RFC3339), job.Attempt))
	telemetry.WorkerRetries.Inc()
}

// releaseClaim hands an interrupted job straight back to the ready list so
// another worker picks it up without waiting out the lease. Runs on a fresh
// context because the loop's context is already cancelled.
func (p *Processor) releaseClaim(job models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.registry.ReleaseLease(ctx, job.ID)
	_ = p.queue.Release(ctx, job.ID)
	_ = p.registry.AppendAudit(ctx, job.AssetID, "released", "job="+job.ID)
	log.Printf("job %s released on shutdown", job.ID)
}

// processJob runs the transform pipeline for one leased job and returns the
// variant map on success.
func (p *Processor) processJob(ctx context.Context, job models.Job) (map[string]models.Variant, error) {
	asset, err := p.registry.GetAsset(ctx, job.AssetID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, permanent("asset_missing", err)
		}
		return nil, err
	}

	data, err := p.store.FetchObject(ctx, asset.OriginalKey)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, permanent("source_missing", err)
		}
		return nil, err
	}

	img, format, err := decodeSource(data)
	if err != nil {
		return nil, permanent("decode_error", err)
	}

	rendered, err := renderVariants(img, format, p.cfg.Variants)
	if err != nil {
		return nil, permanent("decode_error", err)
	}

	variants := make(map[string]models.Variant, len(rendered))
	for _, rv := range rendered {
		// Deterministic keys: a retry overwrites any partial result.
		key := media.ObjectKey(asset.OwnerID, asset.ID, rv.Label)
		if err := p.store.PutObject(ctx, key, rv.Data, rv.ContentType); err != nil {
			return nil, err
		}
		variants[rv.Label] = models.Variant{Key: key, Width: rv.Width, Height: rv.Height}
	}
	return variants, nil
}

func (p *Processor) renewLoop(ctx context.Context, jobID string) {
	interval := p.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.RenewLease(ctx, jobID, p.workerID, p.cfg.LeaseDuration); err != nil {
				if errors.Is(err, queue.ErrLeaseLost) {
					log.Printf("job %s: lease reclaimed, abandoning renewal", jobID)
				}
				return
			}
		}
	}
}

// permanentError marks a failure that must never retry.
type permanentError struct {
	reason string
	err    error
}

func (e *permanentError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(reason string, err error) error {
	return &permanentError{reason: reason, err: err}
}

func isPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	var se *storage.StoreError
	if errors.As(err, &se) {
		return !se.Transient
	}
	return false
}

// failureReason yields the short reason recorded on the asset.
func failureReason(err error) string {
	var pe *permanentError
	if errors.As(err, &pe) {
		return pe.reason
	}
	var se *storage.StoreError
	if errors.As(err, &se) {
		return "store_error"
	}
	return err.Error()
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
