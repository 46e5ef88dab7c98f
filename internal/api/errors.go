package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/p-arndt/faasd/internal/faasimage"
	"github.com/p-arndt/faasd/internal/registry"
)

// Error codes returned in API responses.
const (
	ErrCodeNotFound       = "DEPLOYMENT_NOT_FOUND"
	ErrCodeAlreadyExists  = "DEPLOYMENT_EXISTS"
	ErrCodeInvalidImage   = "INVALID_IMAGE"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// APIError is a structured error response.
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// writeAPIError maps a known sentinel error to its documented HTTP status
// and writes a structured JSON body.
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr APIError
	statusCode := http.StatusInternalServerError

	switch {
	case errors.Is(err, registry.ErrNotFound):
		apiErr = APIError{Code: ErrCodeNotFound, Message: err.Error()}
		statusCode = http.StatusNotFound

	case errors.Is(err, registry.ErrAlreadyExists):
		apiErr = APIError{Code: ErrCodeAlreadyExists, Message: err.Error()}
		statusCode = http.StatusConflict

	case errors.Is(err, faasimage.ErrInvalidImage), errors.Is(err, faasimage.ErrConflict):
		apiErr = APIError{Code: ErrCodeInvalidImage, Message: err.Error()}
		statusCode = http.StatusBadRequest

	default:
		apiErr = APIError{Code: ErrCodeInternalError, Message: err.Error()}
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErr)
}

func writeValidationError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{Code: ErrCodeInvalidRequest, Message: message})
}
