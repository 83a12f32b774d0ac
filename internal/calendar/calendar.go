// Package calendar defines the booking operations every calendar backend
// provides, and the bulk cancellation built on top of them.
package calendar

import (
	"context"
	"net/http"
	"time"

	"github.com/user/calclaw/internal/types"
)

// ActiveStatuses is the status filter used when none is given.
var ActiveStatuses = []string{"upcoming", "unconfirmed"}

// DefaultPageSize is the page size used when a Filter leaves Take unset.
const DefaultPageSize = 100

// Adapter is a calendar backend. Every error it returns is a *types.Error.
type Adapter interface {
	CreateBooking(ctx context.Context, req CreateRequest) (*Booking, error)
	GetBookings(ctx context.Context, f Filter) ([]Booking, error)
	CancelBooking(ctx context.Context, id, reason string) (*Booking, error)
	RescheduleBooking(ctx context.Context, id string, start time.Time, reason string) (*Booking, error)
	CancelAllBookings(ctx context.Context, f Filter, reason string) (*BulkResult, error)
}

// Attendee is the person a booking is made for.
type Attendee struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	TimeZone string `json:"time_zone,omitempty"`
}

// Booking is a scheduled event as reported by the backend.
type Booking struct {
	ID          string     `json:"id"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Status      string     `json:"status"`
	Attendees   []Attendee `json:"attendees,omitempty"`
	Location    string     `json:"location,omitempty"`
}

// CreateRequest describes a booking to create. Start is UTC.
type CreateRequest struct {
	Start         time.Time
	Attendee      Attendee
	Guests        []string
	LengthMinutes int
	Metadata      map[string]string
}

// Filter narrows GetBookings. Zero values mean "no constraint"; an empty
// Status means ActiveStatuses.
type Filter struct {
	AttendeeEmail string
	AfterStart    time.Time
	BeforeEnd     time.Time
	Status        []string
	Take          int
	Skip          int
}

// Statuses returns the effective status filter.
func (f Filter) Statuses() []string {
	if len(f.Status) == 0 {
		return ActiveStatuses
	}
	return f.Status
}

// PageSize returns the effective page size.
func (f Filter) PageSize() int {
	if f.Take <= 0 {
		return DefaultPageSize
	}
	return f.Take
}

// Matches reports whether b satisfies the time and status constraints of f.
// Backends that cannot filter server-side use it.
func (f Filter) Matches(b Booking) bool {
	if !f.AfterStart.IsZero() && b.Start.Before(f.AfterStart) {
		return false
	}
	if !f.BeforeEnd.IsZero() && b.End.After(f.BeforeEnd) {
		return false
	}
	for _, s := range f.Statuses() {
		if s == b.Status {
			return true
		}
	}
	return false
}

// OutcomeStatus is the result of one item in a bulk operation.
type OutcomeStatus string

const (
	OutcomeCancelled OutcomeStatus = "cancelled"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome records what happened to one booking during CancelAll.
type Outcome struct {
	ID        string        `json:"id"`
	Title     string        `json:"title,omitempty"`
	Start     time.Time     `json:"start"`
	Status    OutcomeStatus `json:"status"`
	ErrorKind types.Kind    `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// BulkResult summarizes a bulk cancellation.
type BulkResult struct {
	Total     int       `json:"total"`
	Cancelled int       `json:"cancelled"`
	Failed    int       `json:"failed"`
	Outcomes  []Outcome `json:"outcomes"`
}

// KindForStatus maps a provider HTTP status to an error kind.
func KindForStatus(code int) types.Kind {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return types.KindNotFound
	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		return types.KindConflict
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return types.KindValidation
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return types.KindUnauthorized
	case code == http.StatusTooManyRequests:
		return types.KindRateLimited
	case code >= 200 && code < 300:
		// success status with an error envelope
		return types.KindValidation
	}
	return types.KindUnavailable
}
