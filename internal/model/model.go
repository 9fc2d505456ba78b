package model

import "time"

// DateLayout is the civil-date format used for every date exchanged with
// the booking frontend.
const DateLayout = "2006-01-02"

// CalendarEvent is the booking status of a single day.
type CalendarEvent struct {
	Date      string `json:"date"` // YYYY-MM-DD
	Available bool   `json:"available"`
}

// UnavailabilityWindow is one VEVENT reduced to its occupied day range.
// Start and End are UTC midnights; End is the checkout day and is exclusive.
type UnavailabilityWindow struct {
	Start   time.Time
	End     time.Time
	UID     string
	Summary string

	// RRule is the raw recurrence rule, if the block carried one.
	RRule string
	// ExDates are the occurrence days removed from RRule, as UTC midnights.
	ExDates []time.Time
}

// Nights returns the number of days the window occupies, zero when
// Start is not before End.
func (w UnavailabilityWindow) Nights() int {
	if !w.Start.Before(w.End) {
		return 0
	}
	return int(w.End.Sub(w.Start).Hours() / 24)
}

// Availability is the flattened unavailable-date set of one apartment.
type Availability struct {
	ApartmentID      string    `json:"apartmentId,omitempty"`
	UnavailableDates []string  `json:"unavailableDates"`
	UpdatedAt        time.Time `json:"lastUpdated"`

	// Skipped counts VEVENT blocks dropped because a bound was missing or
	// unparseable.
	Skipped int `json:"skippedEvents"`
}

// Source tells callers whether a price came from the live pricing API.
type Source string

const (
	SourceExternal Source = "external"
	SourceFallback Source = "fallback"
)

// PricingResult is the outcome of one price resolution.
type PricingResult struct {
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	Source   Source  `json:"source"`

	// PriceSource is set to fallback when the apartment was reached but the
	// price itself is the configured sentinel. Source stays external then.
	PriceSource Source `json:"priceSource,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// IsFallback reports whether the displayed price is not a live rate.
func (r PricingResult) IsFallback() bool {
	return r.Source == SourceFallback || r.PriceSource == SourceFallback
}

// StayRange is a check-in/check-out pair. CheckOut is exclusive.
type StayRange struct {
	CheckIn  time.Time
	CheckOut time.Time
}

// Valid reports whether the range covers at least one night.
func (r StayRange) Valid() bool {
	return !r.CheckIn.IsZero() && !r.CheckOut.IsZero() && r.CheckIn.Before(r.CheckOut)
}
