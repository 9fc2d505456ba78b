package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tuscanstay/internal/availability"
	"tuscanstay/internal/config"
	"tuscanstay/internal/httpx"
	"tuscanstay/internal/ics"
	appLog "tuscanstay/internal/log"
	"tuscanstay/internal/model"
)

// AvailabilityService is the part of availability.Service the API uses.
type AvailabilityService interface {
	Get(ctx context.Context, apartmentID string) (model.Availability, error)
	CheckStay(ctx context.Context, apartmentID string, stay model.StayRange) (availability.StayCheck, error)
	RefreshAll(ctx context.Context) error
}

// PriceResolver resolves a nightly price; it never fails.
type PriceResolver interface {
	Resolve(ctx context.Context, apartmentID string, stay *model.StayRange) model.PricingResult
}

// Deps are the collaborators the API is built from. Metrics and
// Telemetry are optional.
type Deps struct {
	Catalog      *config.Catalog
	Availability AvailabilityService
	Prices       PriceResolver
	Metrics      http.Handler
	Telemetry    *httpx.Telemetry
}

// Server exposes availability and pricing to the booking frontend.
type Server struct {
	cfg    *config.Config
	deps   Deps
	router *mux.Router
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: mux.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// RouteName labels a request by its matched route template.
func RouteName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func (s *Server) registerRoutes() {
	r := s.router
	if s.deps.Telemetry != nil {
		r.Use(s.deps.Telemetry.Middleware)
	}
	r.Use(httpx.RequestLogger(appLog.Logger()), httpx.Recovery(appLog.Logger()))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/apartments", s.handleApartments).Methods(http.MethodGet)
	api.HandleFunc("/apartments/{id}/availability", s.handleAvailability).Methods(http.MethodGet)
	api.HandleFunc("/apartments/{id}/availability.ics", s.handleAvailabilityICS).Methods(http.MethodGet)
	api.HandleFunc("/apartments/{id}/price", s.handlePrice).Methods(http.MethodGet)
	api.HandleFunc("/apartments/{id}/stay", s.handleStay).Methods(http.MethodGet)
	api.Handle("/refresh", s.basicAuth(http.HandlerFunc(s.handleRefresh))).Methods(http.MethodPost)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// apartmentDTO is the public view of a catalog entry.
type apartmentDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleApartments(w http.ResponseWriter, _ *http.Request) {
	apts := s.deps.Catalog.Apartments()
	out := make([]apartmentDTO, 0, len(apts))
	for _, a := range apts {
		out = append(out, apartmentDTO{ID: a.ID, Name: a.Name})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAvailability returns the unavailable dates of one apartment.
// A feed that cannot be loaded is a 502, never an empty calendar.
func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	avail, ok := s.loadAvailability(w, r)
	if !ok {
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, avail)
}

func (s *Server) handleAvailabilityICS(w http.ResponseWriter, r *http.Request) {
	avail, ok := s.loadAvailability(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(ics.Export(avail)); err != nil {
		appLog.Error("failed to write calendar export", err, "apartment", avail.ApartmentID)
	}
}

func (s *Server) loadAvailability(w http.ResponseWriter, r *http.Request) (model.Availability, bool) {
	id := mux.Vars(r)["id"]
	avail, err := s.deps.Availability.Get(r.Context(), id)
	switch {
	case err == nil:
		return avail, true
	case errors.Is(err, availability.ErrUnknownApartment):
		writeError(w, http.StatusNotFound, "unknown apartment")
	default:
		appLog.Error("api availability: load failed", err, "apartment", id)
		writeError(w, http.StatusBadGateway, availability.ErrCalendarUnavailable.Error())
	}
	return model.Availability{}, false
}

// handlePrice resolves the nightly price.
//
// GET /api/apartments/{id}/price?checkin=2024-06-10&checkout=2024-06-13
//   - both dates omitted: base price
//   - both present: mean nightly rate of the stay
func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stay, err := parseStay(r, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.deps.Prices.Resolve(r.Context(), id, stay)
	if res.Source == model.SourceFallback {
		appLog.Info("api price: serving fallback", "apartment", id, "reason", res.Reason)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStay(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stay, err := parseStay(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	check, err := s.deps.Availability.CheckStay(r.Context(), id, *stay)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, check)
	case errors.Is(err, availability.ErrUnknownApartment):
		writeError(w, http.StatusNotFound, "unknown apartment")
	case errors.Is(err, availability.ErrCalendarUnavailable):
		appLog.Error("api stay: load failed", err, "apartment", id)
		writeError(w, http.StatusBadGateway, availability.ErrCalendarUnavailable.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	if err := s.deps.Availability.RefreshAll(ctx); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

var (
	errHalfRange = errors.New("checkin and checkout must be given together")
	errBadDate   = errors.New("dates must be formatted as YYYY-MM-DD")
	errNeedRange = errors.New("checkin and checkout are required")
)

// parseStay reads checkin/checkout. It returns nil when both are absent
// and required is false.
func parseStay(r *http.Request, required bool) (*model.StayRange, error) {
	q := r.URL.Query()
	in, out := q.Get("checkin"), q.Get("checkout")

	switch {
	case in == "" && out == "":
		if required {
			return nil, errNeedRange
		}
		return nil, nil
	case in == "" || out == "":
		return nil, errHalfRange
	}

	ci, err := time.Parse(model.DateLayout, in)
	if err != nil {
		return nil, errBadDate
	}
	co, err := time.Parse(model.DateLayout, out)
	if err != nil {
		return nil, errBadDate
	}
	return &model.StayRange{CheckIn: ci, CheckOut: co}, nil
}

// basicAuth protects admin handlers when credentials are configured.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	if s.cfg == nil || s.cfg.BasicAuth == nil ||
		s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return next
	}
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="tuscanstay", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
