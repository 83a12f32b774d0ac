// Package calcom is the Cal.com v2 REST backend.
package calcom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/calclaw/internal/calendar"
	"github.com/user/calclaw/internal/types"
)

const (
	DefaultBaseURL = "https://api.cal.com/v2"
	APIVersion     = "2024-08-13"
)

// Config holds the Cal.com connection settings.
type Config struct {
	APIKey         string
	BaseURL        string
	EventTypeID    int
	Timeout        time.Duration
	BookingNotes   string
	LocationOption string
}

// Client implements calendar.Adapter against the Cal.com API.
type Client struct {
	config     Config
	httpClient *http.Client
}

var _ calendar.Adapter = (*Client)(nil)

// New creates a Cal.com client, filling unset fields with defaults.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.EventTypeID == 0 {
		cfg.EventTypeID = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BookingNotes == "" {
		cfg.BookingNotes = "Agentic schedule"
	}
	if cfg.LocationOption == "" {
		cfg.LocationOption = "cal-video"
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type bookingAttendee struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	TimeZone string `json:"timeZone,omitempty"`
	Language string `json:"language,omitempty"`
}

type bookingLocation struct {
	Type        string `json:"type"`
	Integration string `json:"integration,omitempty"`
}

type createBody struct {
	Start                  string            `json:"start"`
	EventTypeID            int               `json:"eventTypeId"`
	Attendee               bookingAttendee   `json:"attendee"`
	Guests                 []string          `json:"guests,omitempty"`
	Location               bookingLocation   `json:"location"`
	BookingFieldsResponses map[string]string `json:"bookingFieldsResponses,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	LengthInMinutes        int               `json:"lengthInMinutes,omitempty"`
}

type cancelBody struct {
	CancellationReason string `json:"cancellationReason,omitempty"`
}

type rescheduleBody struct {
	Start              string `json:"start"`
	ReschedulingReason string `json:"reschedulingReason,omitempty"`
}

// booking is the subset of the Cal.com booking object we read.
type booking struct {
	ID          int               `json:"id"`
	UID         string            `json:"uid"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Status      string            `json:"status"`
	Start       time.Time         `json:"start"`
	End         time.Time         `json:"end"`
	Location    string            `json:"location"`
	Attendees   []bookingAttendee `json:"attendees"`
}

func (b booking) toBooking() calendar.Booking {
	out := calendar.Booking{
		ID:          b.UID,
		Title:       b.Title,
		Description: b.Description,
		Start:       b.Start.UTC(),
		End:         b.End.UTC(),
		Status:      b.Status,
		Location:    b.Location,
	}
	for _, a := range b.Attendees {
		out.Attendees = append(out.Attendees, calendar.Attendee{Name: a.Name, Email: a.Email, TimeZone: a.TimeZone})
	}
	return out
}

func (c *Client) CreateBooking(ctx context.Context, req calendar.CreateRequest) (*calendar.Booking, error) {
	body := createBody{
		Start:       req.Start.UTC().Format(time.RFC3339),
		EventTypeID: c.config.EventTypeID,
		Attendee: bookingAttendee{
			Name:     req.Attendee.Name,
			Email:    req.Attendee.Email,
			TimeZone: req.Attendee.TimeZone,
			Language: "en",
		},
		Guests:                 req.Guests,
		Location:               bookingLocation{Type: "integration", Integration: c.config.LocationOption},
		BookingFieldsResponses: map[string]string{"notes": c.config.BookingNotes},
		Metadata:               req.Metadata,
		LengthInMinutes:        req.LengthMinutes,
	}
	if body.Attendee.TimeZone == "" {
		body.Attendee.TimeZone = "UTC"
	}

	var b booking
	if err := c.do(ctx, "create_booking", http.MethodPost, "bookings", nil, body, &b); err != nil {
		return nil, err
	}
	out := b.toBooking()
	slog.Info("cal.com booking created", "booking", out.ID)
	return &out, nil
}

func (c *Client) GetBookings(ctx context.Context, f calendar.Filter) ([]calendar.Booking, error) {
	q := url.Values{}
	q.Set("take", strconv.Itoa(f.PageSize()))
	q.Set("skip", strconv.Itoa(f.Skip))
	q.Set("status", strings.Join(f.Statuses(), ","))
	if f.AttendeeEmail != "" {
		q.Set("attendeeEmail", f.AttendeeEmail)
	}
	if !f.AfterStart.IsZero() {
		q.Set("afterStart", f.AfterStart.UTC().Format(time.RFC3339))
	}
	if !f.BeforeEnd.IsZero() {
		q.Set("beforeEnd", f.BeforeEnd.UTC().Format(time.RFC3339))
	}

	var bs []booking
	if err := c.do(ctx, "get_bookings", http.MethodGet, "bookings", q, nil, &bs); err != nil {
		return nil, err
	}
	out := make([]calendar.Booking, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.toBooking())
	}
	return out, nil
}

func (c *Client) CancelBooking(ctx context.Context, id, reason string) (*calendar.Booking, error) {
	var b booking
	path := "bookings/" + url.PathEscape(id) + "/cancel"
	if err := c.do(ctx, "cancel_booking", http.MethodPost, path, nil, cancelBody{CancellationReason: reason}, &b); err != nil {
		return nil, err
	}
	out := b.toBooking()
	if out.ID == "" {
		out.ID = id
	}
	return &out, nil
}

func (c *Client) RescheduleBooking(ctx context.Context, id string, start time.Time, reason string) (*calendar.Booking, error) {
	body := rescheduleBody{Start: start.UTC().Format(time.RFC3339), ReschedulingReason: reason}
	var b booking
	path := "bookings/" + url.PathEscape(id) + "/reschedule"
	if err := c.do(ctx, "reschedule_booking", http.MethodPost, path, nil, body, &b); err != nil {
		return nil, err
	}
	out := b.toBooking()
	return &out, nil
}

func (c *Client) CancelAllBookings(ctx context.Context, f calendar.Filter, reason string) (*calendar.BulkResult, error) {
	return calendar.CancelAll(ctx, c, c, f, reason)
}

// do performs one API call and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, name, method, path string, query url.Values, in, out any) error {
	op := "calcom." + name

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return types.Wrap(types.KindInternal, op, fmt.Errorf("marshaling request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	u := c.config.BaseURL + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return types.Wrap(types.KindInternal, op, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("cal-api-version", APIVersion)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	slog.Debug("cal.com request", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(op, fmt.Errorf("reading response: %w", err))
	}

	var env envelope
	decodeErr := json.Unmarshal(respBody, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || env.Status == "error" {
		msg := strings.TrimSpace(string(respBody))
		if decodeErr == nil && env.Error != nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		slog.Warn("cal.com request failed", "op", name, "status", resp.StatusCode, "error", msg)
		return &types.Error{Kind: calendar.KindForStatus(resp.StatusCode), Op: op, Message: msg}
	}
	if decodeErr != nil {
		return types.Wrap(types.KindUnavailable, op, fmt.Errorf("parsing response: %w", decodeErr))
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return types.Wrap(types.KindUnavailable, op, fmt.Errorf("parsing response data: %w", err))
	}
	return nil
}

func transportError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &types.Error{Kind: types.KindUnavailable, Op: op, Message: "calendar service timed out", Err: err}
	}
	return &types.Error{Kind: types.KindUnavailable, Op: op, Message: "calendar service unreachable", Err: err}
}
