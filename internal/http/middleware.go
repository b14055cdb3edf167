package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-sync/internal/observability"
)

const requestIDHeader = "X-Request-ID"

type scopeKey struct{}

// scope is what the facade knows about a request once its route matched.
type scope struct {
	requestID string
	route     string
	rideID    string
	logger    *slog.Logger
}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.rideScope)
}

// rideScope tags each request with an id and the ride it addresses, records
// its outcome and turns a handler panic into a 500.
func (s *Server) rideScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc := s.newScope(r)
		w.Header().Set(requestIDHeader, sc.requestID)
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		defer func() {
			took := time.Since(start)
			if rec.hijacked {
				observability.WSStreams.Dec()
			}
			if p := recover(); p != nil {
				observability.RequestsTotal.WithLabelValues(sc.route, "panic").Inc()
				sc.logger.Error("panic_recovered", "error", p, "duration_ms", took.Milliseconds())
				if rec.status == 0 {
					writeError(rec, http.StatusInternalServerError, "internal error")
				}
				return
			}
			observability.RequestsTotal.WithLabelValues(sc.route, rec.outcome()).Inc()
			if rec.hijacked {
				sc.logger.Info("ws_stream_closed", "duration_ms", took.Milliseconds())
				return
			}
			observability.RequestDuration.WithLabelValues(sc.route).Observe(took.Seconds())
			sc.logger.Info("http_request", "status", rec.code(), "duration_ms", took.Milliseconds())
		}()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), scopeKey{}, sc)))
	})
}

func (s *Server) newScope(r *http.Request) *scope {
	sc := &scope{requestID: r.Header.Get(requestIDHeader), route: r.URL.Path}
	if sc.requestID == "" {
		sc.requestID = uuid.NewString()
	}
	if cur := mux.CurrentRoute(r); cur != nil {
		if tmpl, err := cur.GetPathTemplate(); err == nil {
			sc.route = tmpl
		}
	}
	attrs := []any{"request_id", sc.requestID, "method", r.Method, "route", sc.route}
	// {id} names a subscription on the subscription routes
	if strings.Contains(sc.route, "/rides/{id}") {
		sc.rideID = mux.Vars(r)["id"]
		attrs = append(attrs, "ride_id", sc.rideID)
	}
	sc.logger = s.logger.With(attrs...)
	return sc
}

// log returns the logger scoped to r, or the server logger outside a
// matched route.
func (s *Server) log(r *http.Request) *slog.Logger {
	if sc, ok := r.Context().Value(scopeKey{}).(*scope); ok {
		return sc.logger
	}
	return s.logger
}

type statusRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Hijack hands the connection to the websocket upgrader and counts the stream.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err != nil {
		return nil, nil, err
	}
	w.status = http.StatusSwitchingProtocols
	w.hijacked = true
	observability.WSStreams.Inc()
	return conn, rw, nil
}

func (w *statusRecorder) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusRecorder) outcome() string {
	switch c := w.code(); {
	case w.hijacked:
		return "stream"
	case c >= 500:
		return "server_error"
	case c >= 400:
		return "client_error"
	default:
		return "ok"
	}
}
