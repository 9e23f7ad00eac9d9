package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/audioextract/internal/auth"
	"github.com/maauso/audioextract/internal/gateway"
	"github.com/maauso/audioextract/internal/queue"
	"github.com/maauso/audioextract/internal/storage"
)

// DefaultMaxUploadBytes caps request bodies on /upload.
const DefaultMaxUploadBytes int64 = 512 << 20

// multipartMemory is how much of a multipart body is kept in memory before
// spilling files to disk.
const multipartMemory = 32 << 20

// Check is a named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service        *gateway.Service
	validator      *validator.Validate
	logger         *slog.Logger
	maxUploadBytes int64
	checks         []Check
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithMaxUploadBytes caps the size of upload request bodies.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// WithReadinessChecks sets the probes run by /readyz.
func WithReadinessChecks(checks ...Check) HandlerOption {
	return func(h *Handlers) {
		h.checks = append(h.checks, checks...)
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *gateway.Service, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:        service,
		validator:      validator.New(),
		logger:         logger,
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /healthz requests.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready handles GET /readyz requests by probing every dependency.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	for _, c := range h.checks {
		if err := c.Probe(ctx); err != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.String("error", err.Error()),
			)
			resp.Checks[c.Name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, resp)
}

// Upload handles POST /upload requests.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	src := &multipartSource{r: r}
	defer src.cleanup()

	videoID, err := h.service.Ingest(r.Context(), r.Header.Get("Authorization"), src)
	if err != nil {
		h.writeServiceError(w, err, "upload", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, UploadResponse{
		Status:      "queued",
		VideoBlobID: videoID,
	})
}

// Download handles GET /download?fid= requests.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	req := DownloadRequest{FID: r.URL.Query().Get("fid")}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "fid is required", "MISSING_FID")
		return
	}

	obj, err := h.service.Retrieve(r.Context(), r.Header.Get("Authorization"), req.FID)
	if err != nil {
		h.writeServiceError(w, err, "download", http.StatusInternalServerError)
		return
	}
	defer func() { _ = obj.Body.Close() }()

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", obj.ID+".mp3"))
	if obj.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, obj.Body); err != nil {
		h.logger.Error("download interrupted",
			slog.String("derived_blob_id", obj.ID),
			slog.String("error", err.Error()),
		)
		// The status is already sent. Aborting resets the connection (or
		// stream) so the client cannot mistake a short body for the file.
		panic(http.ErrAbortHandler)
	}
}

// Login handles POST /login requests with HTTP Basic credentials.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="audioextract"`)
		writeError(w, http.StatusUnauthorized, "missing credentials", "UNAUTHORIZED")
		return
	}

	token, err := h.service.Login(r.Context(), username, password)
	if err != nil {
		h.writeServiceError(w, err, "login", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token})
}

// writeServiceError maps gateway errors onto HTTP statuses. storageStatus is
// used for storage outages, which differ between upload and download.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error, op string, storageStatus int) {
	var maxBytes *http.MaxBytesError

	switch {
	case errors.Is(err, auth.ErrServiceUnavailable):
		h.logger.Error(op+": auth service unavailable", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "authentication service unavailable", "AUTH_UNAVAILABLE")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "not authenticated", "UNAUTHORIZED")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, "not authorized", "FORBIDDEN")
	case errors.As(err, &maxBytes):
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("upload exceeds %d bytes", maxBytes.Limit), "PAYLOAD_TOO_LARGE")
	case errors.Is(err, gateway.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "file not found", "NOT_FOUND")
	case errors.Is(err, storage.ErrUnavailable):
		h.logger.Error(op+": storage unavailable", slog.String("error", err.Error()))
		writeError(w, storageStatus, "storage unavailable", "STORAGE_UNAVAILABLE")
	case errors.Is(err, queue.ErrUnavailable):
		h.logger.Error(op+": queue unavailable", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "failed to queue video for processing", "QUEUE_UNAVAILABLE")
	default:
		h.logger.Error(op+" failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
	}
}

// multipartSource parses the request body lazily, after authorization.
type multipartSource struct {
	r *http.Request
}

// Files returns every file part of the form, whatever its field name.
func (s *multipartSource) Files() ([]gateway.File, error) {
	if err := s.r.ParseMultipartForm(multipartMemory); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, gateway.ErrNoFile
		}
		return nil, fmt.Errorf("%w: %w", gateway.ErrBadRequest, err)
	}

	fields := make([]string, 0, len(s.r.MultipartForm.File))
	for field := range s.r.MultipartForm.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var files []gateway.File
	for _, field := range fields {
		for _, fh := range s.r.MultipartForm.File[field] {
			files = append(files, gateway.File{
				Name: fh.Filename,
				Open: func() (io.ReadCloser, error) { return fh.Open() },
			})
		}
	}
	return files, nil
}

func (s *multipartSource) cleanup() {
	if s.r.MultipartForm != nil {
		_ = s.r.MultipartForm.RemoveAll()
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
