package calendar

import (
	"context"
	"log/slog"

	"github.com/user/calclaw/internal/types"
)

// maxPages stops enumeration against a backend that ignores Skip.
const maxPages = 100

// Lister lists bookings one page at a time.
type Lister interface {
	GetBookings(ctx context.Context, f Filter) ([]Booking, error)
}

// Canceller cancels a single booking.
type Canceller interface {
	CancelBooking(ctx context.Context, id, reason string) (*Booking, error)
}

// ListAll pages through GetBookings until a short page comes back.
// Bookings seen on an earlier page are skipped.
func ListAll(ctx context.Context, l Lister, f Filter) ([]Booking, error) {
	f.Take = f.PageSize()
	f.Skip = 0

	var all []Booking
	seen := make(map[string]bool)
	for page := 0; page < maxPages; page++ {
		batch, err := l.GetBookings(ctx, f)
		if err != nil {
			return nil, err
		}
		fresh := 0
		for _, b := range batch {
			if seen[b.ID] {
				continue
			}
			seen[b.ID] = true
			all = append(all, b)
			fresh++
		}
		if len(batch) < f.Take || fresh == 0 {
			return all, nil
		}
		f.Skip += f.Take
	}
	slog.Warn("booking enumeration hit page limit", "pages", maxPages, "count", len(all))
	return all, nil
}

// CancelAll cancels every booking matching f. The full set is listed
// before the first cancellation. Each booking is attempted once and gets
// its own Outcome. Only a listing failure fails the whole call.
func CancelAll(ctx context.Context, l Lister, c Canceller, f Filter, reason string) (*BulkResult, error) {
	bookings, err := ListAll(ctx, l, f)
	if err != nil {
		return nil, err
	}

	result := &BulkResult{Total: len(bookings), Outcomes: make([]Outcome, 0, len(bookings))}
	for _, b := range bookings {
		out := Outcome{ID: b.ID, Title: b.Title, Start: b.Start}
		if _, err := c.CancelBooking(ctx, b.ID, reason); err != nil {
			out.Status = OutcomeFailed
			out.ErrorKind = types.KindOf(err)
			out.Error = types.MessageOf(err)
			result.Failed++
			slog.Warn("bulk cancel item failed", "booking", b.ID, "kind", out.ErrorKind, "error", err)
		} else {
			out.Status = OutcomeCancelled
			result.Cancelled++
		}
		result.Outcomes = append(result.Outcomes, out)
	}

	slog.Info("bulk cancel finished", "total", result.Total, "cancelled", result.Cancelled, "failed", result.Failed)
	return result, nil
}
