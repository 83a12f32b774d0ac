package calendar_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/calclaw/internal/calendar"
	"github.com/user/calclaw/internal/calendar/memcal"
	"github.com/user/calclaw/internal/types"
)

var base = time.Date(2026, 11, 2, 15, 0, 0, 0, time.UTC)

func seed(t *testing.T, cal *memcal.Calendar, n int, email string) {
	t.Helper()
	for i := 0; i < n; i++ {
		start := base.Add(time.Duration(i) * time.Hour)
		cal.Seed(calendar.Booking{
			ID:        fmt.Sprintf("bk-%03d", i),
			Title:     fmt.Sprintf("Meeting %d", i),
			Start:     start,
			End:       start.Add(30 * time.Minute),
			Attendees: []calendar.Attendee{{Name: "Ada", Email: email}},
		})
	}
}

func TestCancelAllPartialFailure(t *testing.T) {
	cal := memcal.New(memcal.WithFailures(func(op, id string) error {
		if op == "cancel_booking" && id == "bk-001" {
			return types.Errorf(types.KindUnavailable, "memcal.cancel_booking", "upstream timed out")
		}
		return nil
	}))
	seed(t, cal, 3, "ada@example.com")

	res, err := cal.CancelAllBookings(context.Background(), calendar.Filter{AttendeeEmail: "ada@example.com"}, "clearing schedule")
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Cancelled)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Outcomes, 3)

	byID := map[string]calendar.Outcome{}
	for _, o := range res.Outcomes {
		byID[o.ID] = o
	}
	assert.Equal(t, calendar.OutcomeCancelled, byID["bk-000"].Status)
	assert.Equal(t, calendar.OutcomeFailed, byID["bk-001"].Status)
	assert.Equal(t, types.KindUnavailable, byID["bk-001"].ErrorKind)
	assert.Equal(t, "upstream timed out", byID["bk-001"].Error)
	assert.Equal(t, calendar.OutcomeCancelled, byID["bk-002"].Status)

	b, _ := cal.Get("bk-001")
	assert.Equal(t, "upcoming", b.Status, "failed item is not retried or touched")
}

func TestCancelAllEnumeratesEveryPage(t *testing.T) {
	cal := memcal.New()
	seed(t, cal, 250, "ada@example.com")

	res, err := cal.CancelAllBookings(context.Background(), calendar.Filter{AttendeeEmail: "ada@example.com"}, "")
	require.NoError(t, err)
	assert.Equal(t, 250, res.Total)
	assert.Equal(t, 250, res.Cancelled)

	left, err := cal.GetBookings(context.Background(), calendar.Filter{})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestCancelAllOnlyTouchesIdentity(t *testing.T) {
	cal := memcal.New()
	seed(t, cal, 2, "ada@example.com")
	cal.Seed(calendar.Booking{
		ID:        "other",
		Start:     base,
		End:       base.Add(time.Hour),
		Attendees: []calendar.Attendee{{Email: "bob@example.com"}},
	})

	res, err := cal.CancelAllBookings(context.Background(), calendar.Filter{AttendeeEmail: "ada@example.com"}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cancelled)

	b, ok := cal.Get("other")
	require.True(t, ok)
	assert.Equal(t, "upcoming", b.Status)
}

func TestCancelAllListingFailure(t *testing.T) {
	cal := memcal.New(memcal.WithFailures(func(op, id string) error {
		if op == "get_bookings" {
			return types.Errorf(types.KindUnauthorized, "memcal.get_bookings", "bad api key")
		}
		return nil
	}))
	seed(t, cal, 2, "ada@example.com")

	_, err := cal.CancelAllBookings(context.Background(), calendar.Filter{}, "")
	require.Error(t, err)
	assert.Equal(t, types.KindUnauthorized, types.KindOf(err))
}

func TestCancelAllNothingToCancel(t *testing.T) {
	res, err := memcal.New().CancelAllBookings(context.Background(), calendar.Filter{}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Empty(t, res.Outcomes)
}

// repeatingLister ignores Skip and always returns the same full page.
type repeatingLister struct{ calls int }

func (r *repeatingLister) GetBookings(ctx context.Context, f calendar.Filter) ([]calendar.Booking, error) {
	r.calls++
	page := make([]calendar.Booking, f.Take)
	for i := range page {
		page[i] = calendar.Booking{ID: fmt.Sprintf("b%d", i)}
	}
	return page, nil
}

func TestListAllStopsWhenPagesRepeat(t *testing.T) {
	l := &repeatingLister{}
	all, err := calendar.ListAll(context.Background(), l, calendar.Filter{Take: 10})
	require.NoError(t, err)
	assert.Len(t, all, 10)
	assert.Equal(t, 2, l.calls)
}

type slowAdapter struct{ *memcal.Calendar }

func (s slowAdapter) GetBookings(ctx context.Context, f calendar.Filter) ([]calendar.Booking, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("listing: %w", ctx.Err())
}

func TestWithTimeoutMapsToUnavailable(t *testing.T) {
	a := calendar.WithTimeout(slowAdapter{memcal.New()}, 10*time.Millisecond)

	_, err := a.GetBookings(context.Background(), calendar.Filter{})
	require.Error(t, err)
	assert.Equal(t, types.KindUnavailable, types.KindOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestFilterMatches(t *testing.T) {
	b := calendar.Booking{Start: base, End: base.Add(time.Hour), Status: "upcoming"}

	assert.True(t, calendar.Filter{}.Matches(b))
	assert.False(t, calendar.Filter{AfterStart: base.Add(time.Minute)}.Matches(b))
	assert.False(t, calendar.Filter{BeforeEnd: base.Add(30 * time.Minute)}.Matches(b))
	assert.False(t, calendar.Filter{Status: []string{"cancelled"}}.Matches(b))
	assert.True(t, calendar.Filter{Status: []string{"cancelled", "upcoming"}}.Matches(b))
}
