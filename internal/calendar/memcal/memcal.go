// Package memcal is an in-process calendar backend for local runs and tests.
package memcal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/calclaw/internal/calendar"
	"github.com/user/calclaw/internal/types"
)

// DefaultLength is the booking length when a request does not set one.
const DefaultLength = 30 * time.Minute

// FailFunc lets tests inject failures. It is called before every operation
// with the operation name and booking id (empty for create and list); a
// non-nil return is returned from the operation unchanged.
type FailFunc func(op, id string) error

// Calendar stores bookings in memory. The zero value is not usable; call New.
type Calendar struct {
	mu       sync.Mutex
	bookings map[string]*calendar.Booking
	fail     FailFunc
	now      func() time.Time
	title    string
}

var _ calendar.Adapter = (*Calendar)(nil)

// Option configures a Calendar.
type Option func(*Calendar)

// WithFailures installs a failure hook.
func WithFailures(f FailFunc) Option {
	return func(c *Calendar) { c.fail = f }
}

// WithClock sets the clock used to reject bookings in the past.
func WithClock(now func() time.Time) Option {
	return func(c *Calendar) { c.now = now }
}

// New returns an empty calendar.
func New(opts ...Option) *Calendar {
	c := &Calendar{
		bookings: make(map[string]*calendar.Booking),
		now:      time.Now,
		title:    "Meeting",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Seed inserts bookings as-is. Bookings without an ID get one.
func (c *Calendar) Seed(bs ...calendar.Booking) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range bs {
		b := bs[i]
		if b.ID == "" {
			b.ID = uuid.NewString()
		}
		if b.Status == "" {
			b.Status = "upcoming"
		}
		c.bookings[b.ID] = &b
	}
}

func (c *Calendar) check(op, id string) error {
	if c.fail == nil {
		return nil
	}
	return c.fail(op, id)
}

func (c *Calendar) CreateBooking(ctx context.Context, req calendar.CreateRequest) (*calendar.Booking, error) {
	const op = "memcal.create_booking"
	if err := c.check("create_booking", ""); err != nil {
		return nil, err
	}
	if req.Attendee.Email == "" {
		return nil, types.Errorf(types.KindValidation, op, "attendee email is required")
	}
	if req.Start.Before(c.now()) {
		return nil, types.Errorf(types.KindValidation, op, "start time %s is in the past", req.Start.UTC().Format(time.RFC3339))
	}
	length := DefaultLength
	if req.LengthMinutes > 0 {
		length = time.Duration(req.LengthMinutes) * time.Minute
	}
	end := req.Start.Add(length)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.bookings {
		if b.Status != "cancelled" && b.Start.Before(end) && req.Start.Before(b.End) {
			return nil, types.Errorf(types.KindConflict, op, "the slot at %s is already booked", req.Start.UTC().Format(time.RFC3339))
		}
	}

	attendees := []calendar.Attendee{req.Attendee}
	for _, g := range req.Guests {
		attendees = append(attendees, calendar.Attendee{Email: g})
	}
	b := &calendar.Booking{
		ID:        uuid.NewString(),
		Title:     fmt.Sprintf("%s with %s", c.title, req.Attendee.Name),
		Start:     req.Start.UTC(),
		End:       end.UTC(),
		Status:    "upcoming",
		Attendees: attendees,
	}
	c.bookings[b.ID] = b
	out := *b
	return &out, nil
}

func (c *Calendar) GetBookings(ctx context.Context, f calendar.Filter) ([]calendar.Booking, error) {
	if err := c.check("get_bookings", ""); err != nil {
		return nil, err
	}

	c.mu.Lock()
	var matched []calendar.Booking
	for _, b := range c.bookings {
		if !f.Matches(*b) || !hasAttendee(b, f.AttendeeEmail) {
			continue
		}
		matched = append(matched, *b)
	}
	c.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Start.Equal(matched[j].Start) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Start.Before(matched[j].Start)
	})

	if f.Skip >= len(matched) {
		return nil, nil
	}
	matched = matched[f.Skip:]
	if take := f.PageSize(); len(matched) > take {
		matched = matched[:take]
	}
	return matched, nil
}

func (c *Calendar) CancelBooking(ctx context.Context, id, reason string) (*calendar.Booking, error) {
	const op = "memcal.cancel_booking"
	if err := c.check("cancel_booking", id); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bookings[id]
	if !ok {
		return nil, types.Errorf(types.KindNotFound, op, "booking %s not found", id)
	}
	if b.Status == "cancelled" {
		return nil, types.Errorf(types.KindConflict, op, "booking %s is already cancelled", id)
	}
	b.Status = "cancelled"
	out := *b
	return &out, nil
}

func (c *Calendar) RescheduleBooking(ctx context.Context, id string, start time.Time, reason string) (*calendar.Booking, error) {
	const op = "memcal.reschedule_booking"
	if err := c.check("reschedule_booking", id); err != nil {
		return nil, err
	}
	if start.Before(c.now()) {
		return nil, types.Errorf(types.KindValidation, op, "start time %s is in the past", start.UTC().Format(time.RFC3339))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bookings[id]
	if !ok {
		return nil, types.Errorf(types.KindNotFound, op, "booking %s not found", id)
	}
	if b.Status == "cancelled" {
		return nil, types.Errorf(types.KindConflict, op, "booking %s is cancelled", id)
	}
	length := b.End.Sub(b.Start)
	b.Start = start.UTC()
	b.End = b.Start.Add(length)
	out := *b
	return &out, nil
}

func (c *Calendar) CancelAllBookings(ctx context.Context, f calendar.Filter, reason string) (*calendar.BulkResult, error) {
	return calendar.CancelAll(ctx, c, c, f, reason)
}

// Get returns a copy of the booking with id.
func (c *Calendar) Get(id string) (calendar.Booking, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bookings[id]
	if !ok {
		return calendar.Booking{}, false
	}
	return *b, true
}

func hasAttendee(b *calendar.Booking, email string) bool {
	if email == "" {
		return true
	}
	for _, a := range b.Attendees {
		if a.Email == email {
			return true
		}
	}
	return false
}
