package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"media-ingest-pipeline/internal/config"
	"media-ingest-pipeline/internal/models"
	"media-ingest-pipeline/internal/registry"
	"media-ingest-pipeline/internal/storage"
)

// Registry is the slice of the asset registry the API process needs.
type Registry interface {
	CreateAsset(ctx context.Context, a models.Asset) error
	GetAsset(ctx context.Context, id string) (models.Asset, error)
	EnqueueIfPending(ctx context.Context, assetID string, maxAttempts int) (models.Job, bool, error)
	ActiveJobForAsset(ctx context.Context, assetID string) (models.Job, bool, error)
	AppendAudit(ctx context.Context, assetID, event, detail string) error
}

// URLSigner issues signed upload/download capabilities.
type URLSigner interface {
	IssuePutURL(ctx context.Context, key, contentType string, expiresIn time.Duration) (storage.PresignedPut, error)
	IssueGetURL(ctx context.Context, key string, expiresIn time.Duration, downloadName string) (string, error)
}

// Enqueuer makes a job claimable.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, runAt time.Time) error
	Contains(ctx context.Context, jobID string) (bool, error)
}

// Service is the ingestion core behind the file endpoints: it hands out
// signed URLs, records pending assets, and turns client completion signals
// into exactly one thumbnail job per asset. It never touches object bytes.
type Service struct {
	cfg      config.Config
	registry Registry
	signer   URLSigner
	queue    Enqueuer
}

// NewService wires the ingestion core.
func NewService(cfg config.Config, reg Registry, signer URLSigner, q Enqueuer) *Service {
	return &Service{cfg: cfg, registry: reg, signer: signer, queue: q}
}

// UploadGrant is the result of a presign-put request.
type UploadGrant struct {
	AssetID         string            `json:"asset_id"`
	URL             string            `json:"url"`
	RequiredHeaders map[string]string `json:"required_headers"`
	Key             string            `json:"key"`
}

// ObjectKey builds the canonical store key "<ownerID>/<assetID>/<part>".
// Namespacing by owner and id prevents collisions and allows
// authorization-by-prefix at the bucket policy level.
func ObjectKey(ownerID, assetID, part string) string {
	return fmt.Sprintf("%s/%s/%s", ownerID, assetID, part)
}

// RequestUpload validates the declared content type, records a pending asset,
// and hands out a signed PUT capability. Nothing is written to the store here.
func (s *Service) RequestUpload(ctx context.Context, ownerID, contentType string) (UploadGrant, error) {
	if !s.contentTypeAllowed(contentType) {
		return UploadGrant{}, fmt.Errorf("%w: %q", ErrInvalidContentType, contentType)
	}

	assetID := uuid.New().String()
	key := ObjectKey(ownerID, assetID, "original")

	if err := s.registry.CreateAsset(ctx, models.Asset{
		ID:          assetID,
		OwnerID:     ownerID,
		OriginalKey: key,
		ContentType: contentType,
	}); err != nil {
		return UploadGrant{}, fmt.Errorf("record pending asset: %w", err)
	}

	put, err := s.signer.IssuePutURL(ctx, key, contentType, s.cfg.PutURLTTL)
	if err != nil {
		return UploadGrant{}, fmt.Errorf("issue upload url: %w", err)
	}

	_ = s.registry.AppendAudit(ctx, assetID, "presigned", "owner="+ownerID)

	return UploadGrant{
		AssetID:         assetID,
		URL:             put.URL,
		RequiredHeaders: put.RequiredHeaders,
		Key:             key,
	}, nil
}

// RequestDownload resolves a signed GET URL for the original or a named
// variant. downloadName, when set, forces a browser save-as filename.
func (s *Service) RequestDownload(ctx context.Context, assetID, variant, downloadName string) (string, error) {
	asset, err := s.registry.GetAsset(ctx, assetID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return "", ErrUnknownAsset
		}
		return "", err
	}

	key := asset.OriginalKey
	if variant != "" {
		v, ok := asset.Variants[variant]
		if !ok {
			if asset.Status != models.StatusReady {
				return "", ErrNotReady
			}
			return "", fmt.Errorf("%w: %q", ErrVariantNotFound, variant)
		}
		key = v.Key
	} else if asset.Status == models.StatusPendingUpload {
		// No object exists until the client finished its PUT.
		return "", ErrNotReady
	}

	return s.signer.IssueGetURL(ctx, key, s.cfg.GetURLTTL, downloadName)
}

// NotifyUploaded records a client-reported upload completion and enqueues the
// thumbnail job. Idempotent: duplicates and concurrent retries observe the
// asset already past pending_upload and succeed without a second job. The
// object itself is not verified here; the worker treats a missing source as a
// permanent failure on its first fetch.
func (s *Service) NotifyUploaded(ctx context.Context, assetID string) error {
	asset, err := s.registry.GetAsset(ctx, assetID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return ErrUnknownAsset
		}
		return err
	}
	if asset.Status != models.StatusPendingUpload {
		// A duplicate or retried completion call. The job row normally made
		// it to Redis the first time, but a crash between the commit and the
		// push leaves a queued row no worker will ever see; reconcile it.
		if asset.Status == models.StatusQueued {
			return s.restoreMissedJob(ctx, assetID)
		}
		return nil
	}

	job, created, err := s.registry.EnqueueIfPending(ctx, assetID, s.cfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	if !created {
		// Lost the race to a concurrent completion call.
		return nil
	}

	if err := s.queue.Enqueue(ctx, job.ID, job.NextRunAt); err != nil {
		_ = s.registry.AppendAudit(ctx, assetID, "enqueue_failed", err.Error())
		return fmt.Errorf("enqueue job: %w", err)
	}
	_ = s.registry.AppendAudit(ctx, assetID, "enqueued", "job="+job.ID)
	return nil
}

// restoreMissedJob re-pushes a durable queued job that is absent from Redis,
// so a completion retry heals the gap left by a failed push.
func (s *Service) restoreMissedJob(ctx context.Context, assetID string) error {
	job, ok, err := s.registry.ActiveJobForAsset(ctx, assetID)
	if err != nil {
		return fmt.Errorf("lookup active job: %w", err)
	}
	if !ok || job.Status != models.JobQueued || job.LeaseOwner != nil {
		return nil
	}

	tracked, err := s.queue.Contains(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("check queue membership: %w", err)
	}
	if tracked {
		return nil
	}

	if err := s.queue.Enqueue(ctx, job.ID, job.NextRunAt); err != nil {
		_ = s.registry.AppendAudit(ctx, assetID, "enqueue_failed", err.Error())
		return fmt.Errorf("enqueue job: %w", err)
	}
	_ = s.registry.AppendAudit(ctx, assetID, "requeued", "job="+job.ID)
	return nil
}

// GetAsset exposes asset status for the query path.
func (s *Service) GetAsset(ctx context.Context, assetID string) (models.Asset, error) {
	asset, err := s.registry.GetAsset(ctx, assetID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return models.Asset{}, ErrUnknownAsset
		}
		return models.Asset{}, err
	}
	return asset, nil
}

func (s *Service) contentTypeAllowed(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, allowed := range s.cfg.AllowedContentTypes {
		if ct == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}
