package availability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tuscanstay/internal/config"
	"tuscanstay/internal/ics"
	appLog "tuscanstay/internal/log"
	"tuscanstay/internal/model"
)

var (
	ErrUnknownApartment    = errors.New("unknown apartment")
	ErrCalendarUnavailable = errors.New("could not load calendar")
)

// FeedFetcher fetches a calendar feed body.
type FeedFetcher interface {
	FetchOne(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

// Service keeps the last good availability snapshot of every apartment.
type Service struct {
	catalog *config.Catalog
	fetcher FeedFetcher
	now     func() time.Time

	mu        sync.RWMutex
	snapshots map[string]model.Availability
}

// NewService creates a Service. Snapshots are filled by Refresh.
func NewService(catalog *config.Catalog, fetcher FeedFetcher) *Service {
	return &Service{
		catalog:   catalog,
		fetcher:   fetcher,
		now:       time.Now,
		snapshots: make(map[string]model.Availability),
	}
}

// Refresh fetches and parses one apartment's feed. On failure the previous
// snapshot is kept and the error wraps ErrCalendarUnavailable.
func (s *Service) Refresh(ctx context.Context, apartmentID string) (model.Availability, error) {
	apt, ok := s.catalog.Lookup(apartmentID)
	if !ok {
		return model.Availability{}, ErrUnknownApartment
	}

	res, err := s.fetcher.FetchOne(ctx, ics.Source{ApartmentID: apt.ID, URL: apt.FeedURL})
	if err != nil {
		return model.Availability{}, fmt.Errorf("%w: apartment %s: %w", ErrCalendarUnavailable, apt.ID, err)
	}

	now := s.now()
	avail := ics.ParseAvailability(res.Body, ics.ParseOptions{
		Horizon: now.Add(s.catalog.Horizon()),
		Now:     func() time.Time { return now },
	})
	avail.ApartmentID = apt.ID

	if avail.Skipped > 0 {
		appLog.Warn("availability: skipped malformed events", "apartment", apt.ID, "skipped", avail.Skipped)
	}

	s.mu.Lock()
	s.snapshots[apt.ID] = avail
	s.mu.Unlock()

	appLog.Info("availability refreshed",
		"apartment", apt.ID,
		"unavailable_days", len(avail.UnavailableDates),
		"from_cache", res.FromCache,
	)
	return avail, nil
}

// RefreshAll refreshes every apartment and returns the joined errors.
func (s *Service) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, apt := range s.catalog.Apartments() {
		if _, err := s.Refresh(ctx, apt.ID); err != nil {
			appLog.Error("availability refresh failed", err, "apartment", apt.ID)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns the current snapshot, fetching it on demand the first time.
func (s *Service) Get(ctx context.Context, apartmentID string) (model.Availability, error) {
	if _, ok := s.catalog.Lookup(apartmentID); !ok {
		return model.Availability{}, ErrUnknownApartment
	}

	s.mu.RLock()
	avail, ok := s.snapshots[apartmentID]
	s.mu.RUnlock()
	if ok {
		return avail, nil
	}
	return s.Refresh(ctx, apartmentID)
}

// StayCheck is the answer to "can this stay be booked".
type StayCheck struct {
	ApartmentID string   `json:"apartmentId"`
	CheckIn     string   `json:"checkIn"`
	CheckOut    string   `json:"checkOut"`
	Nights      int      `json:"nights"`
	Available   bool     `json:"available"`
	Conflicts   []string `json:"conflicts"`
}

// CheckStay reports whether every night in [stay.CheckIn, stay.CheckOut)
// is free. The checkout day may be booked by someone else.
func (s *Service) CheckStay(ctx context.Context, apartmentID string, stay model.StayRange) (StayCheck, error) {
	if !stay.Valid() {
		return StayCheck{}, errors.New("check-out must be after check-in")
	}
	avail, err := s.Get(ctx, apartmentID)
	if err != nil {
		return StayCheck{}, err
	}

	booked := make(map[string]bool, len(avail.UnavailableDates))
	for _, d := range avail.UnavailableDates {
		booked[d] = true
	}

	w := model.UnavailabilityWindow{Start: stay.CheckIn, End: stay.CheckOut}
	check := StayCheck{
		ApartmentID: apartmentID,
		CheckIn:     stay.CheckIn.Format(model.DateLayout),
		CheckOut:    stay.CheckOut.Format(model.DateLayout),
		Conflicts:   []string{},
	}
	for _, night := range ics.ExpandWindow(w) {
		check.Nights++
		if booked[night.Date] {
			check.Conflicts = append(check.Conflicts, night.Date)
		}
	}
	check.Available = len(check.Conflicts) == 0
	return check, nil
}
