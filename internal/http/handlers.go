package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-sync/internal/backend"
	"github.com/example/ride-sync/internal/cache"
	"github.com/example/ride-sync/internal/cancellation"
	"github.com/example/ride-sync/internal/dispatch"
	"github.com/example/ride-sync/internal/fare"
	"github.com/example/ride-sync/internal/lifecycle"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/otp"
	"github.com/example/ride-sync/internal/schedule"
	"github.com/example/ride-sync/internal/storage"
	"github.com/example/ride-sync/internal/tracker"
)

// Deps are the components the facade exposes. Cache, Journal, Locations
// and WS are optional.
type Deps struct {
	// Context bounds every coordinator started through the facade.
	Context   context.Context
	Registry  *tracker.Registry
	Estimator *fare.Estimator
	Verifier  *otp.Verifier
	Canceller *cancellation.Manager
	Schedule  *schedule.Engine
	Locations backend.LocationSearcher
	Cache     cache.SnapshotCache
	Journal   storage.Journal
	WS        *dispatch.WSRegistry
	Logger    *slog.Logger
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router

	subsMu sync.Mutex
	subs   map[string]models.RecurringSubscription
}

func NewServer(d Deps) *Server {
	if d.Context == nil {
		d.Context = context.Background()
	}
	if d.Estimator == nil {
		d.Estimator = fare.NewEstimator(models.RateCard{})
	}
	s := &Server{Deps: d, logger: logging.OrDefault(d.Logger), mux: mux.NewRouter(), subs: make(map[string]models.RecurringSubscription)}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides/{id}/track", s.handleTrack).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/otp", s.handleOTP).Methods(http.MethodPost)
	api.HandleFunc("/cancellation/reasons", s.handleReasons).Methods(http.MethodGet)
	api.HandleFunc("/cancellation/quote", s.handleQuote).Methods(http.MethodPost)
	api.HandleFunc("/estimate", s.handleEstimate).Methods(http.MethodPost)
	api.HandleFunc("/locations", s.handleLocations).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions", s.handleSubscribe).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions/{id}/cancel", s.handleCancelSubscription).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/rides/{id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type rideView struct {
	Snapshot models.RideSnapshot `json:"snapshot"`
	Estimate *fare.Estimate      `json:"estimate,omitempty"`
	Tracking bool                `json:"tracking"`
}

func (s *Server) view(snap models.RideSnapshot, tracking bool) rideView {
	v := rideView{Snapshot: snap, Tracking: tracking}
	// until the fare is fixed the rider sees an estimate
	if snap.Fare == nil && snap.Status != "" {
		est := s.Estimator.ForSnapshot(snap)
		v.Estimate = &est
	}
	return v
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, started := s.Registry.Track(s.Context, models.RideSnapshot{ID: id})
	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"ride_id": id, "started": started, "snapshot": c.Snapshot()})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if c, ok := s.Registry.Get(id); ok {
		writeJSON(w, http.StatusOK, s.view(c.Snapshot(), true))
		return
	}
	if s.Cache != nil {
		snap, ok, err := s.Cache.Get(r.Context(), id)
		if err != nil {
			s.log(r).Warn("cache_read_failed", "error", err)
		}
		if ok {
			writeJSON(w, http.StatusOK, s.view(snap, false))
			return
		}
	}
	writeError(w, http.StatusNotFound, "ride is not tracked")
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		writeError(w, http.StatusNotImplemented, "no journal configured")
		return
	}
	hist, err := s.Journal.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if hist == nil {
		hist = []storage.TransitionRecord{}
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) tracked(w http.ResponseWriter, r *http.Request) (*tracker.Coordinator, bool) {
	c, ok := s.Registry.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "ride is not tracked")
	}
	return c, ok
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var sel cancellation.Selection
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, ok := s.tracked(w, r)
	if !ok {
		return
	}
	res, err := s.Canceller.Cancel(r.Context(), c, sel)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReasons(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"fee":        s.Canceller.Fee,
		"currency":   s.Canceller.Currency,
		"categories": cancellation.Taxonomy(),
	})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var sel cancellation.Selection
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := s.Canceller.Quote(sel)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type otpRequest struct {
	Code  string   `json:"code"`
	Cells []string `json:"cells"`
}

func (s *Server) handleOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	code := req.Code
	if len(req.Cells) > 0 {
		var err error
		if code, err = otp.AssembleCells(req.Cells); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}
	c, ok := s.tracked(w, r)
	if !ok {
		return
	}
	res, err := s.Verifier.Submit(r.Context(), c, code)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type estimateRequest struct {
	Pickup      models.Location   `json:"pickup"`
	Drop        models.Location   `json:"drop"`
	PickupQuery string            `json:"pickup_query,omitempty"`
	DropQuery   string            `json:"drop_query,omitempty"`
	Driver      *models.DriverRef `json:"driver,omitempty"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Pickup = s.resolve(r.Context(), req.Pickup, req.PickupQuery)
	req.Drop = s.resolve(r.Context(), req.Drop, req.DropQuery)
	writeJSON(w, http.StatusOK, s.Estimator.Estimate(req.Pickup, req.Drop, req.Driver))
}

// resolve fills in a location from free-text search. Lookup failures leave
// loc as it is; the estimator degrades to its heuristic.
func (s *Server) resolve(ctx context.Context, loc models.Location, query string) models.Location {
	if query == "" || s.Locations == nil || loc.Coord != nil {
		return loc
	}
	found, err := s.Locations.SearchLocations(ctx, query, 1)
	if err != nil || len(found) == 0 {
		if err != nil {
			s.logger.Warn("location_lookup_failed", "query", query, "error", err)
		}
		return loc
	}
	return found[0]
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	if s.Locations == nil {
		writeError(w, http.StatusNotImplemented, "location search not configured")
		return
	}
	q := r.URL.Query().Get("search")
	limit := 5
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	found, err := s.Locations.SearchLocations(r.Context(), q, limit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if found == nil {
		found = []models.Location{}
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var sub models.RecurringSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.Schedule.Subscribe(r.Context(), sub)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.subsMu.Lock()
	s.subs[created.ID] = created
	s.subsMu.Unlock()

	resp := map[string]any{"subscription": created}
	if next, ok := schedule.NextPickup(created, time.Now()); ok {
		resp["next_pickup"] = next
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.subsMu.Lock()
	sub, ok := s.subs[id]
	s.subsMu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown subscription")
		return
	}
	out, err := s.Schedule.Cancel(r.Context(), sub)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.subsMu.Lock()
	s.subs[id] = out
	s.subsMu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

var upgrader = websocket.Upgrader{}

// handleWS streams updates for one ride to a screen. The current snapshot
// is sent first so a late-joining screen renders immediately.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.WS == nil {
		writeError(w, http.StatusNotImplemented, "websocket updates not configured")
		return
	}
	id := mux.Vars(r)["id"]
	c, ok := s.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "ride is not tracked")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(r).Warn("ws_upgrade_failed", "error", err)
		return
	}
	session := s.WS.Add(id, conn)
	defer s.WS.Remove(id, session)

	if snap := c.Snapshot(); snap.Status != "" {
		if err := session.Send(tracker.Update{Snapshot: snap, Intents: []lifecycle.Intent{}}); err != nil {
			_ = session.Close()
			return
		}
	}
	// the client never sends anything meaningful; reading detects close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, otp.ErrInvalidCode),
		errors.Is(err, cancellation.ErrUnknownReason),
		errors.Is(err, cancellation.ErrFreeTextRequired):
		return http.StatusBadRequest
	case errors.Is(err, schedule.ErrEmptyDays),
		errors.Is(err, schedule.ErrInvalidWeekday),
		errors.Is(err, schedule.ErrInvertedRange),
		errors.Is(err, schedule.ErrStartInPast),
		errors.Is(err, otp.ErrCodeRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, otp.ErrLockedOut):
		return http.StatusTooManyRequests
	case errors.Is(err, otp.ErrNotAwaitingStart),
		errors.Is(err, lifecycle.ErrTerminal),
		errors.Is(err, lifecycle.ErrIllegalTransition),
		errors.Is(err, schedule.ErrNotCancellable),
		errors.Is(err, tracker.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, cancellation.ErrCancelFailed), backend.IsTransient(err):
		return http.StatusBadGateway
	default:
		var se *backend.StatusError
		if errors.As(err, &se) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
