// Package tools declares the calendar operations the model can call.
package tools

import (
	"context"
	"strings"
	"time"

	"github.com/user/calclaw/internal/calendar"
	"github.com/user/calclaw/internal/runtime"
	"github.com/user/calclaw/internal/types"
)

// Operation names.
const (
	CreateBooking     = "create_booking"
	GetBookings       = "get_bookings"
	CancelBooking     = "cancel_booking"
	RescheduleBooking = "reschedule_booking"
	CancelAllBookings = "cancel_all_bookings"
)

const (
	defaultLength = 30
	maxLength     = 480
	maxListed     = 100
)

var statuses = []string{"upcoming", "unconfirmed", "recurring", "past", "cancelled"}

// Booking returns the booking operations backed by adapter, in the order
// they are offered to the model.
func Booking(adapter calendar.Adapter) []runtime.Spec {
	b := &bookings{adapter: adapter}
	return []runtime.Spec{
		{
			Name:        CreateBooking,
			Description: "Book a new meeting. The attendee defaults to the current user.",
			Params: []runtime.Param{
				{Name: "start", Type: runtime.TypeDateTime, Time: runtime.ClockRequired, Required: true, Description: "When the meeting starts."},
				{Name: "length_minutes", Type: runtime.TypeInteger, Min: 5, Max: maxLength, Description: "Meeting length in minutes (default 30)."},
				{Name: "attendee_name", Type: runtime.TypeString, Description: "Attendee name, if not the current user."},
				{Name: "attendee_email", Type: runtime.TypeString, Description: "Attendee email, if not the current user."},
				{Name: "time_zone", Type: runtime.TypeString, Description: "Attendee IANA time zone, e.g. Europe/Berlin."},
				{Name: "guests", Type: runtime.TypeStrings, Description: "Additional guest email addresses."},
			},
			Handler: b.create,
		},
		{
			Name:        GetBookings,
			Description: "List the user's bookings, optionally limited to a time range and status.",
			Params: []runtime.Param{
				{Name: "after", Type: runtime.TypeDateTime, Time: runtime.StartOfDay, Description: "Only bookings starting at or after this time."},
				{Name: "before", Type: runtime.TypeDateTime, Time: runtime.EndOfDay, Description: "Only bookings ending at or before this time."},
				{Name: "status", Type: runtime.TypeEnum, Enum: statuses, Description: "Booking status (default: upcoming and unconfirmed)."},
				{Name: "attendee_email", Type: runtime.TypeString, Description: "Whose bookings to list (default: the current user)."},
				{Name: "limit", Type: runtime.TypeInteger, Min: 1, Max: maxListed, Description: "Maximum number of bookings to return."},
			},
			Handler: b.list,
		},
		{
			Name:        CancelBooking,
			Description: "Cancel one booking by id.",
			Params: []runtime.Param{
				{Name: "booking_id", Type: runtime.TypeString, Required: true, Description: "The booking id from get_bookings."},
				{Name: "reason", Type: runtime.TypeString, Description: "Why the booking is cancelled."},
			},
			Handler: b.cancel,
		},
		{
			Name:        RescheduleBooking,
			Description: "Move one booking to a new start time, keeping its length.",
			Params: []runtime.Param{
				{Name: "booking_id", Type: runtime.TypeString, Required: true, Description: "The booking id from get_bookings."},
				{Name: "new_start", Type: runtime.TypeDateTime, Time: runtime.ClockRequired, Required: true, Description: "The new start time."},
				{Name: "reason", Type: runtime.TypeString, Description: "Why the booking is moved."},
			},
			Handler: b.reschedule,
		},
		{
			Name:        CancelAllBookings,
			Description: "Cancel every active booking of the user, optionally within a time range. The user is asked to confirm first.",
			Params: []runtime.Param{
				{Name: "after", Type: runtime.TypeDateTime, Time: runtime.StartOfDay, Description: "Only bookings starting at or after this time."},
				{Name: "before", Type: runtime.TypeDateTime, Time: runtime.EndOfDay, Description: "Only bookings ending at or before this time."},
				{Name: "reason", Type: runtime.TypeString, Description: "Why the bookings are cancelled."},
			},
			Confirm: true,
			Check:   requireIdentity,
			Handler: b.cancelAll,
		},
	}
}

type bookings struct {
	adapter calendar.Adapter
}

// bookingView is a booking as the model sees it: UTC plus the user's
// local wall time.
type bookingView struct {
	calendar.Booking
	LocalStart string `json:"local_start,omitempty"`
}

func view(env runtime.Env, b *calendar.Booking) bookingView {
	v := bookingView{Booking: *b}
	if env.Location != nil && !b.Start.IsZero() {
		v.LocalStart = b.Start.In(env.Location).Format("Mon Jan 2 2006 15:04 MST")
	}
	return v
}

func (b *bookings) create(ctx context.Context, env runtime.Env, args runtime.Args) (any, error) {
	const op = "tools.create_booking"
	start, _ := args.Time("start")
	if !start.After(env.Now) {
		return nil, types.Errorf(types.KindValidation, op, "start %s is in the past", start.Format(time.RFC3339))
	}

	attendee := calendar.Attendee{
		Name:     args.String("attendee_name"),
		Email:    args.String("attendee_email"),
		TimeZone: args.String("time_zone"),
	}
	if attendee.Email == "" {
		attendee.Email = env.Profile.Email
		if attendee.Name == "" {
			attendee.Name = env.Profile.Name
		}
	}
	if attendee.Email == "" {
		return nil, types.Errorf(types.KindValidation, op, "attendee_email is required: ask the user for their email address")
	}
	if !strings.Contains(attendee.Email, "@") {
		return nil, types.Errorf(types.KindValidation, op, "attendee_email %q is not an email address", attendee.Email)
	}
	if attendee.Name == "" {
		attendee.Name = strings.SplitN(attendee.Email, "@", 2)[0]
	}
	if attendee.TimeZone == "" {
		attendee.TimeZone = env.Profile.TimeZone
	}
	if attendee.TimeZone != "" {
		if _, err := time.LoadLocation(attendee.TimeZone); err != nil {
			return nil, types.Errorf(types.KindValidation, op, "unknown time zone %q", attendee.TimeZone)
		}
	}

	length, ok := args.Int("length_minutes")
	if !ok {
		length = defaultLength
	}

	booking, err := b.adapter.CreateBooking(ctx, calendar.CreateRequest{
		Start:         start.UTC(),
		Attendee:      attendee,
		Guests:        args.Strings("guests"),
		LengthMinutes: length,
		Metadata:      map[string]string{"session_id": string(env.SessionID)},
	})
	if err != nil {
		return nil, err
	}
	return view(env, booking), nil
}

type listResult struct {
	Count    int           `json:"count"`
	Bookings []bookingView `json:"bookings"`
}

func (b *bookings) list(ctx context.Context, env runtime.Env, args runtime.Args) (any, error) {
	f := calendar.Filter{AttendeeEmail: args.String("attendee_email")}
	if f.AttendeeEmail == "" {
		f.AttendeeEmail = env.Profile.Email
	}
	f.AfterStart, _ = args.Time("after")
	f.BeforeEnd, _ = args.Time("before")
	if s := args.String("status"); s != "" {
		f.Status = []string{s}
	}

	var (
		found []calendar.Booking
		err   error
	)
	if limit, ok := args.Int("limit"); ok {
		f.Take = limit
		found, err = b.adapter.GetBookings(ctx, f)
	} else {
		found, err = calendar.ListAll(ctx, b.adapter, f)
	}
	if err != nil {
		return nil, err
	}

	res := listResult{Count: len(found), Bookings: make([]bookingView, 0, len(found))}
	for i := range found {
		res.Bookings = append(res.Bookings, view(env, &found[i]))
	}
	return res, nil
}

func (b *bookings) cancel(ctx context.Context, env runtime.Env, args runtime.Args) (any, error) {
	booking, err := b.adapter.CancelBooking(ctx, args.String("booking_id"), args.String("reason"))
	if err != nil {
		return nil, err
	}
	return view(env, booking), nil
}

func (b *bookings) reschedule(ctx context.Context, env runtime.Env, args runtime.Args) (any, error) {
	start, _ := args.Time("new_start")
	if !start.After(env.Now) {
		return nil, types.Errorf(types.KindValidation, "tools.reschedule_booking",
			"new_start %s is in the past", start.Format(time.RFC3339))
	}
	booking, err := b.adapter.RescheduleBooking(ctx, args.String("booking_id"), start.UTC(), args.String("reason"))
	if err != nil {
		return nil, err
	}
	return view(env, booking), nil
}

// requireIdentity rejects bulk cancellation for a session with no known
// email, since there is nobody to scope it to.
func requireIdentity(env runtime.Env, _ runtime.Args) error {
	if env.Profile.Email == "" {
		return types.Errorf(types.KindValidation, "tools.cancel_all_bookings",
			"the user's email is unknown, so their bookings cannot be identified: ask for it first")
	}
	return nil
}

func (b *bookings) cancelAll(ctx context.Context, env runtime.Env, args runtime.Args) (any, error) {
	f := calendar.Filter{AttendeeEmail: env.Profile.Email}
	f.AfterStart, _ = args.Time("after")
	f.BeforeEnd, _ = args.Time("before")
	return b.adapter.CancelAllBookings(ctx, f, args.String("reason"))
}
