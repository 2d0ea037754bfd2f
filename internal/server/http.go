package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/alecthomas/errors"
	"github.com/dyninc/qstring"

	"github.com/bdougie/tablevis/internal/browser"
	"github.com/bdougie/tablevis/internal/frames"
	"github.com/bdougie/tablevis/internal/plot"
	"github.com/bdougie/tablevis/internal/storage"
	"github.com/bdougie/tablevis/internal/table"
)

// An APIError is an error that is also a http.Handler used to encode the error.
type APIError interface {
	error
	http.Handler
}

// APIErrorf returns an error encoded as a JSON body in the form {"error": <msg>, "code": <code>}.
func APIErrorf(code int, format string, args ...any) APIError {
	return apiError{
		code: code,
		err:  errors.Errorf(format, args...),
	}
}

type apiError struct {
	code int
	err  error
}

func (a apiError) Error() string { return fmt.Sprintf("%d: %s", a.code, a.err) }
func (a apiError) Unwrap() error { return a.err }

func (a apiError) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(a.code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": a.err.Error(), "code": strconv.Itoa(a.code)}) //nolint
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, frames.ErrUnknownFrame),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, table.ErrUnknownColumn),
		errors.Is(err, plot.ErrUnknownPalette),
		errors.Is(err, browser.ErrInvalidMode),
		errors.Is(err, browser.ErrNotDirectory),
		errors.Is(err, browser.ErrNothingSelected),
		errors.Is(err, browser.ErrUnknownEntry):
		return http.StatusBadRequest
	case errors.Is(err, browser.ErrNoAccess),
		errors.Is(err, browser.ErrOutsideRoot):
		return http.StatusForbidden
	case errors.Is(err, plot.ErrNoPoints):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decodeQuery decodes the query parameters of r into T.
func decodeQuery[T any](r *http.Request) (T, error) {
	var result T
	if err := qstring.Unmarshal(r.URL.Query(), &result); err != nil {
		return result, APIErrorf(http.StatusBadRequest, "failed to decode query parameters: %w", err)
	}
	return result, nil
}

// encodeError writes the JSON error body for err.
func encodeError(logger *slog.Logger, w http.ResponseWriter, r *http.Request, err error) {
	var handler APIError
	if !errors.As(err, &handler) {
		handler = apiError{code: statusFor(err), err: err}
	}
	var ae apiError
	if errors.As(handler, &ae) && ae.code >= http.StatusInternalServerError {
		logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		logger.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	handler.ServeHTTP(w, r)
}

// encodeResponse encodes data as JSON, or the error when outErr is set.
func encodeResponse(logger *slog.Logger, w http.ResponseWriter, r *http.Request, data any, outErr error) {
	if outErr != nil {
		encodeError(logger, w, r, outErr)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack is required by the websocket upgrade.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
		}()
		next.ServeHTTP(rec, r)
	})
}
