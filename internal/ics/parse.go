package ics

import (
	"bufio"
	"bytes"
	"errors"
	"sort"
	"strings"
	"time"

	appLog "tuscanstay/internal/log"
	"tuscanstay/internal/model"
)

var (
	errMissingBound = errors.New("missing DTSTART or DTEND")
	errBadDate      = errors.New("unrecognised date value")
)

// WindowsResult is the outcome of splitting a feed into occupied windows.
type WindowsResult struct {
	Windows []model.UnavailabilityWindow
	// Skipped counts VEVENT blocks that were dropped as malformed.
	Skipped int
}

// ParseOptions controls ParseAvailability.
type ParseOptions struct {
	// Horizon enables RRULE expansion up to (excluding) this instant.
	// Zero disables it and only the first occurrence of a block counts.
	Horizon time.Time

	// MaxOccurrences caps the expansion of a single recurring block.
	MaxOccurrences int

	// Now stamps UpdatedAt. Defaults to time.Now.
	Now func() time.Time
}

// rawEvent holds the properties of a VEVENT block this package cares about.
type rawEvent struct {
	uid     string
	summary string
	dtstart string
	dtend   string
	rrule   string
	exdates []string
}

// ParseAvailability converts a raw iCalendar document into the set of
// dates on which the apartment is booked. It never fails: malformed
// blocks are skipped and counted, empty input gives an empty set.
func ParseAvailability(body []byte, opts ParseOptions) model.Availability {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	res := ParseWindows(body)
	windows := res.Windows
	if !opts.Horizon.IsZero() {
		windows = ExpandRecurring(windows, RecurrenceConfig{
			Horizon:        opts.Horizon,
			MaxOccurrences: opts.MaxOccurrences,
		})
	}

	return model.Availability{
		UnavailableDates: UnavailableDates(windows),
		UpdatedAt:        now(),
		Skipped:          res.Skipped,
	}
}

// ParseWindows splits body into VEVENT blocks and turns every block with a
// usable DTSTART and DTEND into an UnavailabilityWindow.
func ParseWindows(body []byte) WindowsResult {
	var res WindowsResult

	for _, ev := range splitEvents(body) {
		w, err := toWindow(ev)
		if err != nil {
			res.Skipped++
			appLog.Debug("ics vevent skipped", "uid", ev.uid, "reason", err.Error())
			continue
		}
		res.Windows = append(res.Windows, w)
	}

	return res
}

// UnavailableDates flattens windows into a sorted, de-duplicated list of
// YYYY-MM-DD strings.
func UnavailableDates(windows []model.UnavailabilityWindow) []string {
	seen := make(map[string]struct{})
	for _, w := range windows {
		for _, ev := range ExpandWindow(w) {
			seen[ev.Date] = struct{}{}
		}
	}

	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

// ExpandWindow yields one unavailable CalendarEvent per day in
// [w.Start, w.End). The checkout day itself stays bookable.
func ExpandWindow(w model.UnavailabilityWindow) []model.CalendarEvent {
	out := make([]model.CalendarEvent, 0, w.Nights())
	for d := w.Start; d.Before(w.End); d = d.AddDate(0, 0, 1) {
		out = append(out, model.CalendarEvent{
			Date:      d.Format(model.DateLayout),
			Available: false,
		})
	}
	return out
}

// splitEvents scans body line by line and collects the VEVENT blocks.
// An unterminated trailing block is kept; BEGIN:VEVENT inside an open block
// restarts it.
func splitEvents(body []byte) []rawEvent {
	var (
		events  []rawEvent
		current *rawEvent
	)

	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.EqualFold(line, "BEGIN:VEVENT"):
			current = &rawEvent{}
			continue
		case strings.EqualFold(line, "END:VEVENT"):
			if current != nil {
				events = append(events, *current)
				current = nil
			}
			continue
		}

		if current == nil {
			continue
		}

		name, value, ok := splitProperty(line)
		if !ok {
			continue
		}
		switch name {
		case "UID":
			current.uid = value
		case "SUMMARY":
			current.summary = value
		case "DTSTART":
			current.dtstart = value
		case "DTEND":
			current.dtend = value
		case "RRULE":
			current.rrule = value
		case "EXDATE":
			// May repeat and may hold a comma separated list.
			for _, part := range strings.Split(value, ",") {
				if part = strings.TrimSpace(part); part != "" {
					current.exdates = append(current.exdates, part)
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		appLog.Error("ics scan stopped early", err)
	}

	if current != nil {
		events = append(events, *current)
	}
	return events
}

// splitProperty splits "NAME;PARAM=X:value" into the upper-cased name and
// the value.
func splitProperty(line string) (string, string, bool) {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return "", "", false
	}
	name := line[:colon]
	if semi := strings.IndexByte(name, ';'); semi >= 0 {
		name = name[:semi]
	}
	return strings.ToUpper(strings.TrimSpace(name)), strings.TrimSpace(line[colon+1:]), true
}

func toWindow(ev rawEvent) (model.UnavailabilityWindow, error) {
	if ev.dtstart == "" || ev.dtend == "" {
		return model.UnavailabilityWindow{}, errMissingBound
	}
	start, err := parseDay(ev.dtstart)
	if err != nil {
		return model.UnavailabilityWindow{}, err
	}
	end, err := parseDay(ev.dtend)
	if err != nil {
		return model.UnavailabilityWindow{}, err
	}
	w := model.UnavailabilityWindow{
		Start:   start,
		End:     end,
		UID:     ev.uid,
		Summary: ev.summary,
		RRule:   ev.rrule,
	}
	for _, v := range ev.exdates {
		ex, err := parseDay(v)
		if err != nil {
			appLog.Debug("ics exdate ignored", "uid", ev.uid, "value", v)
			continue
		}
		w.ExDates = append(w.ExDates, ex)
	}
	return w, nil
}

// parseDay accepts YYYYMMDD, YYYYMMDDTHHMMSS and YYYYMMDDTHHMMSSZ and
// returns the calendar day as a UTC midnight. Time of day is dropped.
func parseDay(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if !isDateValue(v) {
		return time.Time{}, errBadDate
	}
	t, err := time.ParseInLocation("20060102", v[:8], time.UTC)
	if err != nil {
		return time.Time{}, errBadDate
	}
	return t, nil
}

func isDateValue(v string) bool {
	switch len(v) {
	case 8:
		return allDigits(v)
	case 15:
		return allDigits(v[:8]) && v[8] == 'T' && allDigits(v[9:])
	case 16:
		return allDigits(v[:8]) && v[8] == 'T' && allDigits(v[9:15]) && v[15] == 'Z'
	default:
		return false
	}
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
