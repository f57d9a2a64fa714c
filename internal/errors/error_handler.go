package errors

import (
	"encoding/json"
	"net/http"

	"github.com/devrev/twinengine/internal/middleware"
	"go.uber.org/zap"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode ErrorCode              `json:"error_code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Handler writes engine errors as JSON HTTP responses.
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a new error handler.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		logger: logger,
	}
}

// HandleError processes an error and writes an appropriate HTTP response.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetRequestID(r.Context())

	ee, ok := AsEngineError(err)
	if !ok {
		h.logger.Error("Unclassified error",
			zap.Error(err),
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
		)
		h.WriteErrorResponse(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error", requestID, nil)
		return
	}

	if ee.Code == ErrCodeConflict {
		w.Header().Set("Retry-After", "1")
	}

	message := ee.Message
	if ee.Code == ErrCodeStorageFailure || ee.Code == ErrCodeInternal {
		h.logger.Error("Request failed",
			zap.Error(err),
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
		)
	}

	h.WriteErrorResponse(w, ee.HTTPStatus(), ee.Code, message, requestID, ee.Details)
}

// WriteErrorResponse writes a formatted error response to the HTTP response writer.
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, statusCode int, errorCode ErrorCode, message string, requestID string, details map[string]interface{}) {
	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", string(errorCode)),
		zap.String("message", message),
		zap.String("request_id", requestID),
	)

	if len(details) == 0 {
		details = nil
	}

	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
		Details:   details,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// WriteValidationError writes a validation error response.
func (h *Handler) WriteValidationError(w http.ResponseWriter, message string, requestID string) {
	h.WriteErrorResponse(w, http.StatusBadRequest, ErrCodeInvalidArgument, message, requestID, nil)
}

// WriteNotFound writes a 404 for unknown routes.
func (h *Handler) WriteNotFound(w http.ResponseWriter, message string, requestID string) {
	h.WriteErrorResponse(w, http.StatusNotFound, ErrCodeNotFound, message, requestID, nil)
}

// WriteMethodNotAllowed writes a 405 response.
func (h *Handler) WriteMethodNotAllowed(w http.ResponseWriter, requestID string) {
	h.WriteErrorResponse(w, http.StatusMethodNotAllowed, ErrCodeInvalidArgument, "method not allowed", requestID, nil)
}
