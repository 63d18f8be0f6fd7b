package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxRequestIDLength = 128

// withRequestID keeps a caller supplied X-Request-ID when it is sane and
// mints a UUID otherwise. The id lands where chi's GetReqID looks for it.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get(middleware.RequestIDHeader))
		if reqID == "" || len(reqID) > maxRequestIDLength {
			reqID = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := statusOf(ww)
		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = s.requestLog(r).Error()
		case status >= http.StatusBadRequest:
			event = s.requestLog(r).Warn()
		default:
			event = s.requestLog(r).Info()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", routeLabel(r)).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Str("remote", r.RemoteAddr).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) requestLog(r *http.Request) *zerolog.Logger {
	logger := s.log.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
	return &logger
}
