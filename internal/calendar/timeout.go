package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/user/calclaw/internal/types"
)

// WithTimeout bounds every call on a with d. A call that runs out of time
// fails with types.KindUnavailable. Bulk cancellation gets d per item
// rather than d overall.
func WithTimeout(a Adapter, d time.Duration) Adapter {
	if d <= 0 {
		return a
	}
	return &timeoutAdapter{next: a, d: d}
}

type timeoutAdapter struct {
	next Adapter
	d    time.Duration
}

func (t *timeoutAdapter) CreateBooking(ctx context.Context, req CreateRequest) (*Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	b, err := t.next.CreateBooking(ctx, req)
	return b, deadline("create_booking", err)
}

func (t *timeoutAdapter) GetBookings(ctx context.Context, f Filter) ([]Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	bs, err := t.next.GetBookings(ctx, f)
	return bs, deadline("get_bookings", err)
}

func (t *timeoutAdapter) CancelBooking(ctx context.Context, id, reason string) (*Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	b, err := t.next.CancelBooking(ctx, id, reason)
	return b, deadline("cancel_booking", err)
}

func (t *timeoutAdapter) RescheduleBooking(ctx context.Context, id string, start time.Time, reason string) (*Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	b, err := t.next.RescheduleBooking(ctx, id, start, reason)
	return b, deadline("reschedule_booking", err)
}

func (t *timeoutAdapter) CancelAllBookings(ctx context.Context, f Filter, reason string) (*BulkResult, error) {
	return CancelAll(ctx, t, t, f, reason)
}

func deadline(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && types.KindOf(err) != types.KindUnavailable {
		return types.Wrap(types.KindUnavailable, "calendar."+op, err)
	}
	return err
}
