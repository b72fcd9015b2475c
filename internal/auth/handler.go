package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/trunov/mp3hub/internal/entities"
)

// Authenticator is what the gateway needs from the auth service. Both
// *Service and *Client implement it.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (string, error)
	Validate(ctx context.Context, token string) (entities.Claims, error)
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

const (
	reasonMissing = "missing"
	reasonInvalid = "invalid"
	reasonExpired = "expired"
)

func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return reasonMissing
	case errors.Is(err, ErrExpiredToken):
		return reasonExpired
	default:
		return reasonInvalid
	}
}

func errForReason(reason string) error {
	switch reason {
	case reasonMissing:
		return ErrMissingToken
	case reasonExpired:
		return ErrExpiredToken
	default:
		return ErrInvalidToken
	}
}

// BearerToken returns the token of an "Authorization: Bearer <token>" header.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

type Handler struct {
	auth   Authenticator
	logger *zap.Logger
}

func NewHandler(a Authenticator, logger *zap.Logger) *Handler {
	return &Handler{auth: a, logger: logger}
}

func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/login", h.Login)
	r.Post("/validate", h.Validate)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	return r
}

// Login takes HTTP basic credentials and answers with the bare token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok {
		writeError(w, http.StatusUnauthorized, errorBody{Error: "missing credentials"})
		return
	}

	token, err := h.auth.Login(r.Context(), email, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, errorBody{Error: "invalid credentials"})
			return
		}
		h.logger.Error("login failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(token))
}

func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	claims, err := h.auth.Validate(r.Context(), BearerToken(r.Header.Get("Authorization")))
	if err != nil {
		writeError(w, http.StatusUnauthorized, errorBody{Error: "not authorized", Reason: reasonOf(err)})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(claims)
}

func writeError(w http.ResponseWriter, code int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
