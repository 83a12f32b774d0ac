package gcal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gcalendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/user/calclaw/internal/calendar"
	"github.com/user/calclaw/internal/types"
)

var fixedNow = time.Date(2026, 10, 14, 14, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	svc, err := gcalendar.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	c := NewWithService(svc, Config{CalendarID: "team"})
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestGetBookingsFiltersAndConverts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/calendars/team/events"), r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("singleEvents"))
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{
					"id": "e1", "summary": "Intro", "status": "confirmed",
					"description": "<p>Agenda: <b>intro</b></p>",
					"start":       map[string]any{"dateTime": "2026-10-15T15:00:00Z"},
					"end":         map[string]any{"dateTime": "2026-10-15T15:30:00Z"},
					"attendees":   []map[string]any{{"email": "ada@example.com", "displayName": "Ada"}},
				},
				{
					"id": "e2", "summary": "Other", "status": "confirmed",
					"start":     map[string]any{"dateTime": "2026-10-16T15:00:00Z"},
					"end":       map[string]any{"dateTime": "2026-10-16T15:30:00Z"},
					"attendees": []map[string]any{{"email": "bob@example.com"}},
				},
				{
					"id": "e3", "summary": "Maybe", "status": "tentative",
					"start":     map[string]any{"dateTime": "2026-10-17T15:00:00Z"},
					"end":       map[string]any{"dateTime": "2026-10-17T15:30:00Z"},
					"attendees": []map[string]any{{"email": "ADA@example.com"}},
				},
			},
		})
	})

	bs, err := c.GetBookings(context.Background(), calendar.Filter{AttendeeEmail: "ada@example.com"})
	require.NoError(t, err)
	require.Len(t, bs, 2)

	assert.Equal(t, "e1", bs[0].ID)
	assert.Equal(t, "upcoming", bs[0].Status)
	assert.Equal(t, "Agenda: **intro**", bs[0].Description)
	assert.Equal(t, time.Date(2026, 10, 15, 15, 0, 0, 0, time.UTC), bs[0].Start)
	assert.Equal(t, "unconfirmed", bs[1].Status)
}

func TestNotFoundMapping(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":404,"message":"Not Found"}}`))
	})

	_, err := c.CancelBooking(context.Background(), "missing", "")
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
	assert.Equal(t, "Not Found", types.MessageOf(err))
}

func TestCreateBooking(t *testing.T) {
	var got gcalendar.Event
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "all", r.URL.Query().Get("sendUpdates"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		got.Id = "new1"
		got.Status = "confirmed"
		json.NewEncoder(w).Encode(got)
	})

	b, err := c.CreateBooking(context.Background(), calendar.CreateRequest{
		Start:         time.Date(2026, 10, 20, 15, 0, 0, 0, time.UTC),
		Attendee:      calendar.Attendee{Name: "Ada", Email: "ada@example.com", TimeZone: "Europe/Berlin"},
		Guests:        []string{"bob@example.com"},
		LengthMinutes: 60,
	})
	require.NoError(t, err)

	assert.Equal(t, "new1", b.ID)
	assert.Equal(t, "Meeting with Ada", got.Summary)
	assert.Equal(t, "Europe/Berlin", got.Start.TimeZone)
	assert.Equal(t, "2026-10-20T16:00:00Z", got.End.DateTime)
	require.Len(t, got.Attendees, 2)
	assert.Equal(t, time.Hour, b.End.Sub(b.Start))
}
