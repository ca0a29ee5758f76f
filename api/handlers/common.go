// Package handlers implements the REST and WebSocket surface of the crew
// execution engine: run submission and cancellation, human-input delivery,
// execution inspection, live progress streams, and health probes.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
)

// ErrorCode classifies API failures for clients.
type ErrorCode string

const (
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeConflict       ErrorCode = "CONFLICT"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// Response is the uniform API envelope.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo carries the machine-readable failure detail.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// WriteJSON writes data as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess wraps data in the success envelope.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError writes the failure envelope with the given status.
func WriteError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	WriteJSON(w, status, Response{
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: message},
		Timestamp: time.Now(),
	})
}

// WriteDomainError maps crew sentinel errors onto HTTP statuses. Unknown
// errors become 500 with the error text withheld from the client.
func WriteDomainError(w http.ResponseWriter, err error, logger *zap.Logger) {
	switch {
	case errors.Is(err, crew.ErrExecutionNotFound), errors.Is(err, crew.ErrCrewNotFound):
		WriteError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, crew.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, CodeConflict, err.Error())
	default:
		if logger != nil {
			logger.Error("request failed", zap.Error(err))
		}
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

// DecodeJSONBody decodes a strict JSON request body into dst. On failure it
// writes the 400 response itself and returns the error.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		err := errors.New("request body is empty")
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return err
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body")
		return err
	}
	return nil
}

// ResponseWriter wraps http.ResponseWriter to capture the status code for
// logging and tracing middleware.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter wraps w with a 200 default.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
