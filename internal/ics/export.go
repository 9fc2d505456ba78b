package ics

import (
	"fmt"
	"sort"
	"time"

	ical "github.com/arran4/golang-ical"

	"tuscanstay/internal/model"
)

const productID = "-//tuscanstay//availability//EN"

// MergeDates groups unavailable dates into contiguous windows. Invalid or
// duplicate dates are ignored.
func MergeDates(dates []string) []model.UnavailabilityWindow {
	days := make([]time.Time, 0, len(dates))
	seen := make(map[time.Time]bool, len(dates))
	for _, d := range dates {
		t, err := time.ParseInLocation(model.DateLayout, d, time.UTC)
		if err != nil || seen[t] {
			continue
		}
		seen[t] = true
		days = append(days, t)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	var out []model.UnavailabilityWindow
	for _, d := range days {
		if n := len(out); n > 0 && out[n-1].End.Equal(d) {
			out[n-1].End = d.AddDate(0, 0, 1)
			continue
		}
		out = append(out, model.UnavailabilityWindow{Start: d, End: d.AddDate(0, 0, 1)})
	}
	return out
}

// Export renders an apartment's unavailable dates as an iCalendar feed of
// all-day blocks, one VEVENT per contiguous run. UIDs are derived from the
// apartment and the block start so re-exports stay stable.
func Export(avail model.Availability) []byte {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	cal.SetXWRCalName(fmt.Sprintf("Apartment %s availability", avail.ApartmentID))

	stamp := avail.UpdatedAt.UTC()
	if stamp.IsZero() {
		stamp = time.Now().UTC()
	}

	for _, w := range MergeDates(avail.UnavailableDates) {
		uid := fmt.Sprintf("%s-%s@tuscanstay", avail.ApartmentID, w.Start.Format("20060102"))
		ev := cal.AddEvent(uid)
		ev.SetDtStampTime(stamp)
		ev.SetAllDayStartAt(w.Start)
		ev.SetAllDayEndAt(w.End)
		ev.SetSummary("Not available")
	}

	return []byte(cal.Serialize())
}
