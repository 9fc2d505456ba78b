package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tuscanstay/internal/availability"
	"tuscanstay/internal/config"
	"tuscanstay/internal/httpx"
	"tuscanstay/internal/model"
)

type fakeAvailability struct {
	avail     map[string]model.Availability
	err       error
	refreshed int
}

func (f *fakeAvailability) Get(_ context.Context, id string) (model.Availability, error) {
	if f.err != nil {
		return model.Availability{}, f.err
	}
	a, ok := f.avail[id]
	if !ok {
		return model.Availability{}, availability.ErrUnknownApartment
	}
	return a, nil
}

func (f *fakeAvailability) CheckStay(ctx context.Context, id string, stay model.StayRange) (availability.StayCheck, error) {
	if !stay.Valid() {
		return availability.StayCheck{}, errors.New("check-out must be after check-in")
	}
	if _, err := f.Get(ctx, id); err != nil {
		return availability.StayCheck{}, err
	}
	return availability.StayCheck{
		ApartmentID: id,
		CheckIn:     stay.CheckIn.Format(model.DateLayout),
		CheckOut:    stay.CheckOut.Format(model.DateLayout),
		Nights:      int(stay.CheckOut.Sub(stay.CheckIn).Hours() / 24),
		Available:   true,
		Conflicts:   []string{},
	}, nil
}

func (f *fakeAvailability) RefreshAll(context.Context) error {
	f.refreshed++
	return f.err
}

type fakePrices struct {
	lastStay *model.StayRange
	result   model.PricingResult
}

func (f *fakePrices) Resolve(_ context.Context, _ string, stay *model.StayRange) model.PricingResult {
	f.lastStay = stay
	return f.result
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *fakeAvailability, *fakePrices) {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.Normalize()

	avail := &fakeAvailability{avail: map[string]model.Availability{
		"1": {
			ApartmentID:      "1",
			UnavailableDates: []string{"2024-06-10", "2024-06-11", "2024-06-12"},
			UpdatedAt:        time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		},
	}}
	prices := &fakePrices{result: model.PricingResult{
		Price:    140,
		Currency: "EUR",
		Source:   model.SourceExternal,
	}}
	srv := NewServer(cfg, Deps{
		Catalog:      cfg.Catalog(),
		Availability: avail,
		Prices:       prices,
	})
	return srv, avail, prices
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestApartments(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/apartments")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []apartmentDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 4)
	assert.Equal(t, "1", got[0].ID)
	assert.NotContains(t, rec.Body.String(), "smoobu")
}

func TestAvailability(t *testing.T) {
	srv, avail, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/apartments/1/availability")
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.Availability
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"2024-06-10", "2024-06-11", "2024-06-12"}, got.UnavailableDates)

	rec = do(t, srv.Handler(), http.MethodGet, "/api/apartments/9/availability")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	avail.err = fmt.Errorf("%w: apartment 1: timeout", availability.ErrCalendarUnavailable)
	rec = do(t, srv.Handler(), http.MethodGet, "/api/apartments/1/availability")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "could not load calendar")
	assert.NotContains(t, rec.Body.String(), "timeout")
}

func TestAvailabilityICS(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/apartments/1/availability.ics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/calendar"))

	body := rec.Body.String()
	assert.Contains(t, body, "BEGIN:VCALENDAR")
	assert.Contains(t, body, "1-20240610@tuscanstay")
	assert.Contains(t, body, "20240613")
}

func TestPrice(t *testing.T) {
	srv, _, prices := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/apartments/2/price")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, prices.lastStay)

	var got model.PricingResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 140.0, got.Price)
	assert.Equal(t, model.SourceExternal, got.Source)

	rec = do(t, srv.Handler(), http.MethodGet, "/api/apartments/2/price?checkin=2024-06-10&checkout=2024-06-13")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, prices.lastStay)
	assert.Equal(t, "2024-06-10", prices.lastStay.CheckIn.Format(model.DateLayout))
	assert.Equal(t, "2024-06-13", prices.lastStay.CheckOut.Format(model.DateLayout))
}

func TestPriceBadQuery(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	for _, q := range []string{
		"?checkin=2024-06-10",
		"?checkout=2024-06-13",
		"?checkin=10/06/2024&checkout=2024-06-13",
		"?checkin=2024-06-10&checkout=2024-13-01",
	} {
		rec := do(t, srv.Handler(), http.MethodGet, "/api/apartments/2/price"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestStay(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/apartments/1/stay?checkin=2024-06-13&checkout=2024-06-15")
	require.Equal(t, http.StatusOK, rec.Code)

	var got availability.StayCheck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Nights)
	assert.True(t, got.Available)

	rec = do(t, srv.Handler(), http.MethodGet, "/api/apartments/1/stay")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv.Handler(), http.MethodGet, "/api/apartments/1/stay?checkin=2024-06-15&checkout=2024-06-13")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv.Handler(), http.MethodGet, "/api/apartments/7/stay?checkin=2024-06-13&checkout=2024-06-15")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "s3cret"}
	srv, avail, _ := newTestServer(t, cfg)

	rec := do(t, srv.Handler(), http.MethodPost, "/api/refresh")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	assert.Zero(t, avail.refreshed)

	req := httptest.NewRequest(http.MethodPost, "/api/refresh", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/refresh", nil)
	req.SetBasicAuth("admin", "s3cret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, avail.refreshed)
}

func TestRefreshWithoutAuthConfigured(t *testing.T) {
	srv, avail, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), http.MethodPost, "/api/refresh")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, avail.refreshed)

	avail.err = errors.New("down")
	rec = do(t, srv.Handler(), http.MethodPost, "/api/refresh")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, srv.Handler(), http.MethodGet, "/api/refresh")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTelemetryUsesRouteTemplate(t *testing.T) {
	m, err := httpx.SetupPrometheus()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	tel, err := httpx.NewTelemetry(m.Provider, RouteName)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Normalize()
	srv := NewServer(cfg, Deps{
		Catalog:      cfg.Catalog(),
		Availability: &fakeAvailability{avail: map[string]model.Availability{"1": {ApartmentID: "1"}}},
		Prices:       &fakePrices{},
		Metrics:      m.Handler(),
		Telemetry:    tel,
	})

	rec := do(t, srv.Handler(), http.MethodGet, "/api/apartments/1/availability")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv.Handler(), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `http_route="/api/apartments/{id}/availability"`)
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, secureCompare("abc", "abc"))
	assert.False(t, secureCompare("abc", "abd"))
	assert.False(t, secureCompare("abc", "abcd"))
}
