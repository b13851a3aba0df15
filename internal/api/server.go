package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"bulk-transfer-engine/internal/config"
	"bulk-transfer-engine/internal/filestore"
	"bulk-transfer-engine/internal/jobs"
	"bulk-transfer-engine/internal/logging"
	"bulk-transfer-engine/internal/models"
	"bulk-transfer-engine/internal/ratelimit"
	"bulk-transfer-engine/internal/telemetry"
)

// Limiter throttles submissions per owner.
type Limiter interface {
	Allow(ctx context.Context, owner string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the job API.
type Server struct {
	cfg     config.Config
	jobs    *jobs.Service
	files   filestore.Store
	limiter Limiter
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, svc *jobs.Service, files filestore.Store, limiter Limiter) *Server {
	return &Server{
		cfg:     cfg,
		jobs:    svc,
		files:   files,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.AccessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/uploads", s.handleUpload)

	r.Route("/imports", func(r chi.Router) {
		r.With(s.rateLimited).Post("/", s.handleSubmitImport)
		r.Get("/{id}", s.handleImportStatus)
		r.Post("/{id}/cancel", s.handleCancelImport)
	})
	r.Route("/exports", func(r chi.Router) {
		r.With(s.rateLimited).Post("/", s.handleSubmitExport)
		r.Get("/{id}", s.handleExportStatus)
		r.Get("/{id}/download", s.handleDownload)
	})
	return r
}

type uploadResponse struct {
	SourceFile models.FileRef `json:"source_file"`
}

// handleUpload stores the raw request body as a source file.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	name := path.Base(strings.TrimSpace(r.URL.Query().Get("name")))
	if name == "" || name == "." || name == "/" {
		name = "source.csv"
	}
	key := fmt.Sprintf("uploads/%s/%s", uuid.New().String(), name)

	body := r.Body
	if s.cfg.UploadMaxBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxBytes)
	}
	counter := &countingReader{r: body}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/csv"
	}
	ref, err := s.files.Put(r.Context(), key, counter, contentType)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{SourceFile: models.FileRef{Key: ref, Size: counter.n}})
}

func (s *Server) handleSubmitImport(w http.ResponseWriter, r *http.Request) {
	var req jobs.ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := s.jobs.SubmitImport(r.Context(), ownerFromRequest(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.ImportStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.CancelImport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleSubmitExport(w http.ResponseWriter, r *http.Request) {
	var req jobs.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := s.jobs.SubmitExport(r.Context(), ownerFromRequest(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleExportStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.ExportStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	dl, err := s.jobs.DownloadExport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.FileName))
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(dl.Data)
}

// rateLimited applies the per-owner token bucket to submissions.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), ownerFromRequest(r))
		if err != nil {
			logging.FromContext(r.Context()).Error("rate limit check failed", "error", err)
			writeError(w, r, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, r, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, models.ErrNotReady), errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, models.ErrJobFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInvalidRequest),
		errors.Is(err, models.ErrUnknownOperator),
		errors.Is(err, models.ErrUnsupportedFormat):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request failed", "error", err)
		writeError(w, r, status, "internal error")
		return
	}
	writeError(w, r, status, err.Error())
}

func ownerFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-User-ID")); v != "" {
		return v
	}
	return "anonymous"
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
