package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "tuscanstay/internal/log"
	"tuscanstay/internal/model"
)

const (
	defaultMaxOccurrences = 500
)

// RecurrenceConfig controls how recurring blocks are expanded.
type RecurrenceConfig struct {
	// Horizon is the exclusive upper bound for occurrence starts.
	Horizon time.Time

	// MaxOccurrences is a safety cap per block. If zero,
	// defaultMaxOccurrences is used.
	MaxOccurrences int
}

// ExpandRecurring replaces every window carrying an RRULE with one window
// per occurrence starting before cfg.Horizon. Occurrences keep the length
// of the base window. Windows without RRULE pass through untouched, and so
// does a window whose RRULE fails to parse.
func ExpandRecurring(windows []model.UnavailabilityWindow, cfg RecurrenceConfig) []model.UnavailabilityWindow {
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = defaultMaxOccurrences
	}

	out := make([]model.UnavailabilityWindow, 0, len(windows))
	for _, w := range windows {
		if w.RRule == "" || cfg.Horizon.IsZero() {
			out = append(out, w)
			continue
		}

		occ, truncated, err := expandWindow(w, cfg)
		if err != nil {
			appLog.Error("ics: failed to parse RRULE", err, "uid", w.UID, "rrule", w.RRule)
			out = append(out, w)
			continue
		}
		if truncated {
			appLog.Error("ics: truncated recurring block due to cap",
				errors.New("max occurrences reached"),
				"uid", w.UID,
				"cap", cfg.MaxOccurrences,
			)
		}
		out = append(out, occ...)
	}
	return out
}

func expandWindow(w model.UnavailabilityWindow, cfg RecurrenceConfig) ([]model.UnavailabilityWindow, bool, error) {
	r, err := rrule.StrToRRule(w.RRule)
	if err != nil {
		return nil, false, err
	}
	r.DTStart(w.Start)

	excluded := make(map[time.Time]bool, len(w.ExDates))
	for _, ex := range w.ExDates {
		excluded[ex] = true
	}

	// Walk the rule lazily so a dense rule (FREQ=SECONDLY) costs at most
	// MaxOccurrences+1 kept starts, not every instant up to the horizon.
	var (
		starts    []time.Time
		generated int
		next      = r.Iterator()
	)
	for len(starts) <= cfg.MaxOccurrences {
		s, ok := next()
		if !ok || !s.Before(cfg.Horizon) {
			break
		}
		generated++
		day := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, time.UTC)
		if excluded[day] {
			continue
		}
		starts = append(starts, day)
	}

	if generated == 0 {
		return []model.UnavailabilityWindow{w}, false, nil
	}

	truncated := false
	if len(starts) > cfg.MaxOccurrences {
		starts = starts[:cfg.MaxOccurrences]
		truncated = true
	}

	nights := w.Nights()
	out := make([]model.UnavailabilityWindow, 0, len(starts))
	for _, day := range starts {
		out = append(out, model.UnavailabilityWindow{
			Start:   day,
			End:     day.AddDate(0, 0, nights),
			UID:     w.UID,
			Summary: w.Summary,
		})
	}
	return out, truncated, nil
}
