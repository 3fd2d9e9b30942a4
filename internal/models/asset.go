package models

import (
	"time"
)

// Asset lifecycle states persisted in Postgres.
const (
	StatusPendingUpload = "pending_upload"
	StatusUploaded      = "uploaded"
	StatusQueued        = "queued"
	StatusProcessing    = "processing"
	StatusReady         = "ready"
	StatusFailed        = "failed"
)

// Job states. A job that finishes successfully is deleted, so there is no
// terminal success status.
const (
	JobQueued     = "queued"
	JobLeased     = "leased"
	JobDeadLetter = "dead_lettered"
)

// Variant is one derived rendition of an original, keyed in Asset.Variants
// by its size label.
type Variant struct {
	Key    string `json:"key"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Asset is the durable record of one uploaded media object.
type Asset struct {
	ID          string             `json:"id"`
	OwnerID     string             `json:"owner_id"`
	OriginalKey string             `json:"original_key"`
	ContentType string             `json:"content_type"`
	Status      string             `json:"status"`
	Variants    map[string]Variant `json:"variants"`
	LastError   *string            `json:"last_error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Job is a claimable work item referencing an asset that needs thumbnails.
// At most one non-terminal job exists per asset.
type Job struct {
	ID             string     `json:"id"`
	AssetID        string     `json:"asset_id"`
	Status         string     `json:"status"`
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"max_attempts"`
	LeaseOwner     *string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	NextRunAt      time.Time  `json:"next_run_at"`
	LastError      *string    `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	AssetID  string    `json:"asset_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
