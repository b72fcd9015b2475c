package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/trunov/mp3hub/internal/auth"
	"github.com/trunov/mp3hub/internal/blob"
	use_case "github.com/trunov/mp3hub/internal/use-case"
)

type APIError struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

func writeMultipartError(w http.ResponseWriter, err error) int {
	var tooLarge *http.MaxBytesError
	msg := strings.ToLower(err.Error())

	switch {
	case errors.As(err, &tooLarge), strings.Contains(msg, "too large"):
		writeJSONError(w, "uploaded file exceeds maximum allowed size", http.StatusRequestEntityTooLarge)
		return http.StatusRequestEntityTooLarge

	case strings.Contains(msg, "content-type isn't multipart/form-data"):
		writeJSONError(w, "invalid content type, expected multipart/form-data", http.StatusBadRequest)

	default:
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	}
	return http.StatusBadRequest
}

// statusFor maps use case and auth errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, use_case.ErrUnauthorized),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, use_case.ErrBadFileCount), errors.Is(err, use_case.ErrMissingParam),
		errors.Is(err, use_case.ErrEmptyFile):
		return http.StatusBadRequest
	case errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(APIError{
		Error: message,
		Code:  code,
	})
}
