// Package gcal is a Google Calendar backend. Bookings are events on one
// calendar; attendees are event attendees.
package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcalendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/user/calclaw/internal/calendar"
	"github.com/user/calclaw/internal/types"
)

// Config holds the Google Calendar settings. Either CredentialsFile (a
// service account key) or TokenFile plus the OAuth client must be set.
type Config struct {
	CalendarID      string
	CredentialsFile string
	TokenFile       string
	ClientID        string
	ClientSecret    string
	Title           string
	DefaultLength   time.Duration
}

// Client implements calendar.Adapter on the Calendar v3 API.
type Client struct {
	svc    *gcalendar.Service
	config Config
	now    func() time.Time
}

var _ calendar.Adapter = (*Client)(nil)

// New authenticates and returns a client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	var opt option.ClientOption
	switch {
	case cfg.CredentialsFile != "":
		opt = option.WithCredentialsFile(cfg.CredentialsFile)
	case cfg.TokenFile != "":
		tok, err := loadToken(cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		conf := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gcalendar.CalendarEventsScope},
		}
		opt = option.WithHTTPClient(oauth2.NewClient(ctx, conf.TokenSource(ctx, tok)))
	default:
		return nil, fmt.Errorf("google calendar: credentials_file or token_file is required")
	}

	svc, err := gcalendar.NewService(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return NewWithService(svc, cfg), nil
}

// NewWithService wraps an existing service.
func NewWithService(svc *gcalendar.Service, cfg Config) *Client {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.Title == "" {
		cfg.Title = "Meeting"
	}
	if cfg.DefaultLength == 0 {
		cfg.DefaultLength = 30 * time.Minute
	}
	return &Client{svc: svc, config: cfg, now: time.Now}
}

// loadToken reads an oauth2.Token saved as JSON.
func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parsing token file: %w", err)
	}
	return &tok, nil
}

func (c *Client) CreateBooking(ctx context.Context, req calendar.CreateRequest) (*calendar.Booking, error) {
	length := c.config.DefaultLength
	if req.LengthMinutes > 0 {
		length = time.Duration(req.LengthMinutes) * time.Minute
	}
	tz := req.Attendee.TimeZone
	if tz == "" {
		tz = "UTC"
	}

	attendees := []*gcalendar.EventAttendee{{Email: req.Attendee.Email, DisplayName: req.Attendee.Name}}
	for _, g := range req.Guests {
		attendees = append(attendees, &gcalendar.EventAttendee{Email: g})
	}
	ev := &gcalendar.Event{
		Summary:   fmt.Sprintf("%s with %s", c.config.Title, req.Attendee.Name),
		Start:     &gcalendar.EventDateTime{DateTime: req.Start.UTC().Format(time.RFC3339), TimeZone: tz},
		End:       &gcalendar.EventDateTime{DateTime: req.Start.Add(length).UTC().Format(time.RFC3339), TimeZone: tz},
		Attendees: attendees,
	}
	if len(req.Metadata) > 0 {
		ev.ExtendedProperties = &gcalendar.EventExtendedProperties{Private: req.Metadata}
	}

	created, err := c.svc.Events.Insert(c.config.CalendarID, ev).SendUpdates("all").Context(ctx).Do()
	if err != nil {
		return nil, mapError("create_booking", err)
	}
	b := c.toBooking(created)
	return &b, nil
}

func (c *Client) GetBookings(ctx context.Context, f calendar.Filter) ([]calendar.Booking, error) {
	call := c.svc.Events.List(c.config.CalendarID).
		SingleEvents(true).
		OrderBy("startTime").
		ShowDeleted(contains(f.Statuses(), "cancelled"))
	if !f.AfterStart.IsZero() {
		call = call.TimeMin(f.AfterStart.UTC().Format(time.RFC3339))
	}
	if !f.BeforeEnd.IsZero() {
		call = call.TimeMax(f.BeforeEnd.UTC().Format(time.RFC3339))
	}
	if f.AttendeeEmail != "" {
		call = call.Q(f.AttendeeEmail)
	}

	var matched []calendar.Booking
	err := call.Pages(ctx, func(page *gcalendar.Events) error {
		for _, ev := range page.Items {
			b := c.toBooking(ev)
			if f.Matches(b) && hasAttendee(ev, f.AttendeeEmail) {
				matched = append(matched, b)
			}
		}
		return nil
	})
	if err != nil {
		return nil, mapError("get_bookings", err)
	}

	if f.Skip >= len(matched) {
		return nil, nil
	}
	matched = matched[f.Skip:]
	if take := f.PageSize(); len(matched) > take {
		matched = matched[:take]
	}
	return matched, nil
}

func (c *Client) CancelBooking(ctx context.Context, id, reason string) (*calendar.Booking, error) {
	ev, err := c.svc.Events.Get(c.config.CalendarID, id).Context(ctx).Do()
	if err != nil {
		return nil, mapError("cancel_booking", err)
	}
	if ev.Status == "cancelled" {
		return nil, types.Errorf(types.KindConflict, "gcal.cancel_booking", "booking %s is already cancelled", id)
	}
	if err := c.svc.Events.Delete(c.config.CalendarID, id).SendUpdates("all").Context(ctx).Do(); err != nil {
		return nil, mapError("cancel_booking", err)
	}
	if reason != "" {
		slog.Debug("google calendar has no cancellation reason field", "booking", id, "reason", reason)
	}
	ev.Status = "cancelled"
	b := c.toBooking(ev)
	return &b, nil
}

func (c *Client) RescheduleBooking(ctx context.Context, id string, start time.Time, reason string) (*calendar.Booking, error) {
	ev, err := c.svc.Events.Get(c.config.CalendarID, id).Context(ctx).Do()
	if err != nil {
		return nil, mapError("reschedule_booking", err)
	}
	if ev.Status == "cancelled" {
		return nil, types.Errorf(types.KindConflict, "gcal.reschedule_booking", "booking %s is cancelled", id)
	}

	cur := c.toBooking(ev)
	length := cur.End.Sub(cur.Start)
	if length <= 0 {
		length = c.config.DefaultLength
	}
	patch := &gcalendar.Event{
		Start: &gcalendar.EventDateTime{DateTime: start.UTC().Format(time.RFC3339), TimeZone: eventTZ(ev.Start)},
		End:   &gcalendar.EventDateTime{DateTime: start.Add(length).UTC().Format(time.RFC3339), TimeZone: eventTZ(ev.End)},
	}
	if reason != "" {
		patch.Description = strings.TrimSpace(ev.Description + "\n\nRescheduled: " + reason)
	}

	updated, err := c.svc.Events.Patch(c.config.CalendarID, id, patch).SendUpdates("all").Context(ctx).Do()
	if err != nil {
		return nil, mapError("reschedule_booking", err)
	}
	b := c.toBooking(updated)
	return &b, nil
}

func (c *Client) CancelAllBookings(ctx context.Context, f calendar.Filter, reason string) (*calendar.BulkResult, error) {
	return calendar.CancelAll(ctx, c, c, f, reason)
}

// toBooking converts an event. Confirmed events are "upcoming" until they
// start and "past" after; tentative events are "unconfirmed".
func (c *Client) toBooking(ev *gcalendar.Event) calendar.Booking {
	b := calendar.Booking{
		ID:          ev.Id,
		Title:       ev.Summary,
		Description: describe(ev.Description),
		Start:       parseEventTime(ev.Start),
		End:         parseEventTime(ev.End),
		Location:    ev.Location,
	}
	if ev.HangoutLink != "" && b.Location == "" {
		b.Location = ev.HangoutLink
	}
	switch ev.Status {
	case "cancelled":
		b.Status = "cancelled"
	case "tentative":
		b.Status = "unconfirmed"
	default:
		b.Status = "upcoming"
		if !b.Start.IsZero() && b.Start.Before(c.now()) {
			b.Status = "past"
		}
	}
	for _, a := range ev.Attendees {
		b.Attendees = append(b.Attendees, calendar.Attendee{Name: a.DisplayName, Email: a.Email})
	}
	return b
}

// describe renders an HTML event description as markdown so it reads
// cleanly in chat.
func describe(html string) string {
	if html == "" {
		return ""
	}
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return html
	}
	return strings.TrimSpace(md)
}

func parseEventTime(dt *gcalendar.EventDateTime) time.Time {
	if dt == nil {
		return time.Time{}
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err == nil {
			return t.UTC()
		}
	}
	if dt.Date != "" {
		t, err := time.Parse("2006-01-02", dt.Date)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}

func eventTZ(dt *gcalendar.EventDateTime) string {
	if dt == nil || dt.TimeZone == "" {
		return "UTC"
	}
	return dt.TimeZone
}

func hasAttendee(ev *gcalendar.Event, email string) bool {
	if email == "" {
		return true
	}
	for _, a := range ev.Attendees {
		if strings.EqualFold(a.Email, email) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func mapError(name string, err error) error {
	op := "gcal." + name
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		msg := gerr.Message
		if msg == "" {
			msg = fmt.Sprintf("google calendar returned %d", gerr.Code)
		}
		return &types.Error{Kind: calendar.KindForStatus(gerr.Code), Op: op, Message: msg, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &types.Error{Kind: types.KindUnavailable, Op: op, Message: "calendar service timed out", Err: err}
	}
	return &types.Error{Kind: types.KindUnavailable, Op: op, Message: "calendar service unreachable", Err: err}
}
