package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"media-ingest-pipeline/internal/config"
	"media-ingest-pipeline/internal/media"
	"media-ingest-pipeline/internal/queue"
	"media-ingest-pipeline/internal/ratelimit"
	"media-ingest-pipeline/internal/telemetry"
)

// Server wires the thin HTTP surface over the ingestion core. All real logic
// lives in the media service; handlers only decode, delegate, and map errors.
type Server struct {
	cfg     config.Config
	media   *media.Service
	queue   *queue.RedisQueue
	limiter *ratelimit.OwnerQuota
}

// New constructs the API server.
func New(cfg config.Config, svc *media.Service, q *queue.RedisQueue, limiter *ratelimit.OwnerQuota) *Server {
	return &Server{cfg: cfg, media: svc, queue: q, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/files/presign-put", s.handlePresignPut)
	r.Get("/api/files/presign-get", s.handlePresignGet)
	r.Post("/api/files/complete", s.handleComplete)
	r.Get("/api/files/{assetID}", s.handleGetAsset)
	r.Get("/api/admin/dlq", s.handleDLQ)
	return r
}

type presignPutRequest struct {
	ContentType string `json:"content_type"`
}

func (s *Server) handlePresignPut(w http.ResponseWriter, r *http.Request) {
	var req presignPutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	owner := ownerFromRequest(r)

	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), owner)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	grant, err := s.media.RequestUpload(r.Context(), owner, req.ContentType)
	if err != nil {
		writeError(w, err)
		return
	}
	telemetry.PresignCounter.Inc()
	writeJSON(w, http.StatusOK, grant)
}

func (s *Server) handlePresignGet(w http.ResponseWriter, r *http.Request) {
	assetID := r.URL.Query().Get("assetId")
	if assetID == "" {
		http.Error(w, "assetId is required", http.StatusBadRequest)
		return
	}
	url, err := s.media.RequestDownload(r.Context(), assetID,
		r.URL.Query().Get("variant"), r.URL.Query().Get("downloadName"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

type completeRequest struct {
	AssetID string `json:"asset_id"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.AssetID == "" {
		http.Error(w, "asset_id is required", http.StatusBadRequest)
		return
	}
	if err := s.media.NotifyUploaded(r.Context(), req.AssetID); err != nil {
		writeError(w, err)
		return
	}
	telemetry.CompleteCounter.Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.media.GetAsset(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// handleDLQ returns dead-lettered job IDs for inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ownerFromRequest stands in for real authentication, which lives outside
// this service.
func ownerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Owner-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, media.ErrInvalidContentType):
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
	case errors.Is(err, media.ErrUnknownAsset), errors.Is(err, media.ErrVariantNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, media.ErrNotReady):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
