package server

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/dptrain/pkg/constants"
	"github.com/inferloop/dptrain/pkg/errors"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// loggingMiddleware logs HTTP requests and records them in the metrics
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrappedWriter := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrappedWriter, r)

		duration := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, routeTemplate(r), strconv.Itoa(wrappedWriter.statusCode), duration)

		s.logger.WithFields(logrus.Fields{
			"method":         r.Method,
			"path":           r.URL.Path,
			"query":          r.URL.RawQuery,
			"status":         wrappedWriter.statusCode,
			"duration_ms":    duration.Milliseconds(),
			"remote_addr":    getClientIP(r),
			"user_agent":     r.UserAgent(),
			"request_id":     getRequestID(r),
			"content_length": r.ContentLength,
		}).Info("HTTP request")
	})
}

// recoveryMiddleware recovers from panics and returns 500 error
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.WithFields(logrus.Fields{
					"error":      err,
					"path":       r.URL.Path,
					"method":     r.Method,
					"request_id": getRequestID(r),
					"stack":      string(debug.Stack()),
				}).Error("Panic recovered")

				writeError(w, r, errors.NewInternalError("Internal server error"))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware adds a unique request ID to each request
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(constants.HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set(constants.HeaderRequestID, requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestSizeLimitMiddleware limits the size of request bodies
func (s *Server) requestSizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > s.config.MaxRequestSize {
			s.logger.WithFields(logrus.Fields{
				"content_length": r.ContentLength,
				"max_size":       s.config.MaxRequestSize,
				"path":           r.URL.Path,
				"request_id":     getRequestID(r),
			}).Warn("Request body too large")

			appErr := errors.NewAppError(errors.ErrorTypeValidation, errors.CodeRequestTooLarge,
				"Request body too large").WithContext("max_size", s.config.MaxRequestSize)
			appErr.HTTPStatus = http.StatusRequestEntityTooLarge
			writeError(w, r, appErr)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(statusCode int) {
	if !rw.written {
		rw.statusCode = statusCode
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Write ensures WriteHeader is called
func (rw *responseWriter) Write(data []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(data)
}

// routeTemplate returns the matched route pattern so metrics labels stay bounded
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// getClientIP extracts the client IP address from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get(constants.HeaderForwardedFor); xff != "" {
		// X-Forwarded-For can contain multiple IPs, take the first one
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if realIP := r.Header.Get(constants.HeaderRealIP); realIP != "" {
		return realIP
	}

	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}

	return ip
}

// getRequestID extracts the request ID from the context
func getRequestID(r *http.Request) string {
	if requestID, ok := r.Context().Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}
