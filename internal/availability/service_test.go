package availability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tuscanstay/internal/config"
	"tuscanstay/internal/ics"
	"tuscanstay/internal/model"
)

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	errs   map[string]error
	calls  int
}

func (f *fakeFetcher) FetchOne(_ context.Context, src ics.Source) (ics.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[src.ApartmentID]; err != nil {
		return ics.FetchResult{}, err
	}
	return ics.FetchResult{Source: src, Body: []byte(f.bodies[src.ApartmentID])}, nil
}

func (f *fakeFetcher) setErr(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[id] = err
}

const bookingFeed = "BEGIN:VCALENDAR\r\n" +
	"BEGIN:VEVENT\r\nUID:b1\r\nDTSTART:20240610\r\nDTEND:20240613\r\nEND:VEVENT\r\n" +
	"BEGIN:VEVENT\r\nUID:broken\r\nDTSTART:20240701\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func newTestService(t *testing.T) (*Service, *fakeFetcher) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Normalize()

	f := &fakeFetcher{
		bodies: map[string]string{"1": bookingFeed, "2": "", "3": "", "4": ""},
		errs:   map[string]error{},
	}
	svc := NewService(cfg.Catalog(), f)
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }
	return svc, f
}

func date(s string) time.Time {
	t, _ := time.Parse(model.DateLayout, s)
	return t
}

func TestGetFetchesOnDemandOnce(t *testing.T) {
	svc, f := newTestService(t)

	avail, err := svc.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "1", avail.ApartmentID)
	assert.Equal(t, []string{"2024-06-10", "2024-06-11", "2024-06-12"}, avail.UnavailableDates)
	assert.Equal(t, 1, avail.Skipped)

	_, err = svc.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls)
}

func TestGetUnknownApartment(t *testing.T) {
	svc, f := newTestService(t)

	_, err := svc.Get(context.Background(), "9")
	assert.ErrorIs(t, err, ErrUnknownApartment)
	assert.Zero(t, f.calls)
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	svc, f := newTestService(t)

	_, err := svc.Refresh(context.Background(), "1")
	require.NoError(t, err)

	f.setErr("1", errors.New("connection refused"))
	_, err = svc.Refresh(context.Background(), "1")
	assert.ErrorIs(t, err, ErrCalendarUnavailable)

	avail, err := svc.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Len(t, avail.UnavailableDates, 3)
}

func TestGetWithoutSnapshotSurfacesFetchFailure(t *testing.T) {
	svc, f := newTestService(t)
	f.setErr("2", errors.New("timeout"))

	_, err := svc.Get(context.Background(), "2")
	assert.ErrorIs(t, err, ErrCalendarUnavailable)
	assert.Contains(t, err.Error(), "timeout")
}

func TestRefreshAllJoinsErrors(t *testing.T) {
	svc, f := newTestService(t)
	f.setErr("3", errors.New("down"))

	err := svc.RefreshAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCalendarUnavailable)
	assert.Equal(t, 4, f.calls)

	avail, err := svc.Get(context.Background(), "4")
	require.NoError(t, err)
	assert.Empty(t, avail.UnavailableDates)
	assert.Equal(t, 4, f.calls)
}

func TestCheckStay(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		in, out   string
		available bool
		conflicts []string
		nights    int
	}{
		{"before booking, checkout on arrival day", "2024-06-07", "2024-06-10", true, []string{}, 3},
		{"arrive on checkout day", "2024-06-13", "2024-06-15", true, []string{}, 2},
		{"overlaps start", "2024-06-08", "2024-06-11", false, []string{"2024-06-10"}, 3},
		{"inside booking", "2024-06-11", "2024-06-12", false, []string{"2024-06-11"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.CheckStay(ctx, "1", model.StayRange{CheckIn: date(tt.in), CheckOut: date(tt.out)})
			require.NoError(t, err)
			assert.Equal(t, tt.available, got.Available)
			assert.Equal(t, tt.conflicts, got.Conflicts)
			assert.Equal(t, tt.nights, got.Nights)
		})
	}

	_, err := svc.CheckStay(ctx, "1", model.StayRange{CheckIn: date("2024-06-12"), CheckOut: date("2024-06-10")})
	assert.Error(t, err)
}

type countingRefresher struct {
	mu    sync.Mutex
	calls int
}

func (c *countingRefresher) RefreshAll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler("every now and then", &countingRefresher{})
	assert.Error(t, err)
}

func TestSchedulerRunRefreshes(t *testing.T) {
	r := &countingRefresher{}
	s, err := NewScheduler("*/15 * * * *", r)
	require.NoError(t, err)

	s.run()
	assert.Equal(t, 1, r.calls)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	s.Stop()
}
