package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/trunov/mp3hub/internal/auth"
	"github.com/trunov/mp3hub/internal/config"
	"github.com/trunov/mp3hub/internal/entities"
	"github.com/trunov/mp3hub/internal/metrics"
	use_case "github.com/trunov/mp3hub/internal/use-case"
)

type UseCase interface {
	Upload(ctx context.Context, claims entities.Claims, files []use_case.Upload) (string, error)
	Download(ctx context.Context, claims entities.Claims, fid string) (use_case.Download, error)
}

type Handler struct {
	useCase UseCase
	auth    auth.Authenticator
	cfg     *config.Config
	logger  *zap.Logger
}

func New(useCase UseCase, a auth.Authenticator, cfg *config.Config, logger *zap.Logger) *Handler {
	return &Handler{
		useCase: useCase,
		auth:    a,
		cfg:     cfg,
		logger:  logger,
	}
}

type claimsKey struct{}

func ClaimsFromContext(ctx context.Context) (entities.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(entities.Claims)
	return c, ok
}

// Authenticate validates the bearer token with the auth service before the
// request reaches any handler that touches storage or the queue.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.auth.Validate(r.Context(), auth.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				h.logger.Error("token validation failed", zap.Error(err))
				writeJSONError(w, "auth service unavailable", status)
				return
			}
			writeJSONError(w, err.Error(), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok {
		writeJSONError(w, "missing credentials", http.StatusUnauthorized)
		return
	}

	token, err := h.auth.Login(r.Context(), email, password)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("login failed", zap.Error(err))
		}
		writeJSONError(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(token))
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	defer func() { metrics.Uploads.WithLabelValues(strconv.Itoa(status)).Inc() }()

	// refuse before reading a body we would throw away
	claims, _ := ClaimsFromContext(r.Context())
	if !claims.Admin {
		status = http.StatusUnauthorized
		writeJSONError(w, use_case.ErrUnauthorized.Error(), status)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Upload.MaxRequestBodyMB<<20)

	maxMultipartMem := h.cfg.Upload.MaxMultipartMemoryMB
	if err := r.ParseMultipartForm(maxMultipartMem << 20); err != nil {
		status = writeMultipartError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	var uploads []use_case.Upload
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				status = http.StatusBadRequest
				writeJSONError(w, fmt.Sprintf("cannot read %s: %v", fh.Filename, err), status)
				return
			}
			defer func(f multipart.File) { _ = f.Close() }(f)
			uploads = append(uploads, use_case.Upload{Name: fh.Filename, Body: f})
		}
	}

	videoFID, err := h.useCase.Upload(r.Context(), claims, uploads)
	if err != nil {
		status = statusFor(err)
		h.writeError(w, err, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(UploadResponse{VideoFID: videoFID})
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	defer func() { metrics.Downloads.WithLabelValues(strconv.Itoa(status)).Inc() }()

	claims, _ := ClaimsFromContext(r.Context())
	d, err := h.useCase.Download(r.Context(), claims, r.URL.Query().Get("fid"))
	if err != nil {
		status = statusFor(err)
		h.writeError(w, err, status)
		return
	}

	w.Header().Set("Content-Type", d.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(d.Data)))
	_, _ = w.Write(d.Data)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// writeError hides internal details from the client and logs them instead.
func (h *Handler) writeError(w http.ResponseWriter, err error, status int) {
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		writeJSONError(w, "internal server error", status)
		return
	}
	writeJSONError(w, err.Error(), status)
}
