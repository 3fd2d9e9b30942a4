package media

import "errors"

// Client-facing failures. The HTTP layer maps these to 4xx responses; none of
// them is ever queued or retried.
var (
	ErrInvalidContentType = errors.New("media: content type not allowed")
	ErrUnknownAsset       = errors.New("media: unknown asset")
	ErrNotReady           = errors.New("media: asset not ready")
	ErrVariantNotFound    = errors.New("media: variant not found")
)
