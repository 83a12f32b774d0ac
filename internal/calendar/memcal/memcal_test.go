package memcal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/calclaw/internal/calendar"
	"github.com/user/calclaw/internal/types"
)

var now = time.Date(2026, 10, 14, 14, 0, 0, 0, time.UTC)

func newCal() *Calendar {
	return New(WithClock(func() time.Time { return now }))
}

func ada() calendar.Attendee {
	return calendar.Attendee{Name: "Ada", Email: "ada@example.com", TimeZone: "UTC"}
}

func TestCreateAndList(t *testing.T) {
	c := newCal()
	ctx := context.Background()

	b, err := c.CreateBooking(ctx, calendar.CreateRequest{Start: now.Add(24 * time.Hour), Attendee: ada(), LengthMinutes: 45})
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, 45*time.Minute, b.End.Sub(b.Start))
	assert.Equal(t, "Meeting with Ada", b.Title)

	list, err := c.GetBookings(ctx, calendar.Filter{AttendeeEmail: "ada@example.com"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	none, err := c.GetBookings(ctx, calendar.Filter{AttendeeEmail: "bob@example.com"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCreateRejects(t *testing.T) {
	c := newCal()
	ctx := context.Background()

	_, err := c.CreateBooking(ctx, calendar.CreateRequest{Start: now.Add(-time.Hour), Attendee: ada()})
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	_, err = c.CreateBooking(ctx, calendar.CreateRequest{Start: now.Add(time.Hour)})
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	_, err = c.CreateBooking(ctx, calendar.CreateRequest{Start: now.Add(time.Hour), Attendee: ada()})
	require.NoError(t, err)
	_, err = c.CreateBooking(ctx, calendar.CreateRequest{Start: now.Add(time.Hour + 10*time.Minute), Attendee: ada()})
	assert.Equal(t, types.KindConflict, types.KindOf(err))
}

func TestCancelAndReschedule(t *testing.T) {
	c := newCal()
	ctx := context.Background()

	b, err := c.CreateBooking(ctx, calendar.CreateRequest{Start: now.Add(time.Hour), Attendee: ada()})
	require.NoError(t, err)

	moved, err := c.RescheduleBooking(ctx, b.ID, now.Add(48*time.Hour), "conflict")
	require.NoError(t, err)
	assert.Equal(t, now.Add(48*time.Hour), moved.Start)
	assert.Equal(t, DefaultLength, moved.End.Sub(moved.Start))

	cancelled, err := c.CancelBooking(ctx, b.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", cancelled.Status)

	_, err = c.CancelBooking(ctx, b.ID, "")
	assert.Equal(t, types.KindConflict, types.KindOf(err))

	_, err = c.CancelBooking(ctx, "missing", "")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	_, err = c.RescheduleBooking(ctx, "missing", now.Add(time.Hour), "")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestPaging(t *testing.T) {
	c := newCal()
	for i := 0; i < 5; i++ {
		start := now.Add(time.Duration(i+1) * time.Hour)
		c.Seed(calendar.Booking{Start: start, End: start.Add(time.Minute)})
	}

	page, err := c.GetBookings(context.Background(), calendar.Filter{Take: 2, Skip: 4})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	page, err = c.GetBookings(context.Background(), calendar.Filter{Take: 2, Skip: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}
