package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/user/calclaw/internal/gateway"
	"github.com/user/calclaw/internal/logging"
	"github.com/user/calclaw/internal/types"
)

// messageRequest is the JSON body for POST /api/v1/chat/message.
type messageRequest struct {
	Message   string         `json:"message"`
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata"`
}

type messageResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.ReplyTimeout)
	defer cancel()

	reply, err := s.chat(ctx, &types.InboundMessage{
		Source:    "http",
		SessionID: types.SessionID(req.SessionID),
		Text:      req.Message,
		Profile:   profileFrom(req.Metadata),
	})
	if err != nil {
		status, msg := errorStatus(err)
		slog.Warn("chat request failed",
			logging.KeyRequestID, c.GetString(ctxRequestID),
			logging.KeySessionID, req.SessionID,
			logging.KeyError, err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, messageResponse{Response: reply.Text, SessionID: string(reply.SessionID)})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrLaneFull):
		return http.StatusServiceUnavailable, "too many pending messages for this session, try again shortly"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timed out waiting for a reply"
	case types.KindOf(err) == types.KindValidation:
		return http.StatusBadRequest, types.MessageOf(err)
	}
	return http.StatusInternalServerError, "internal server error"
}

// profileFrom reads the caller's identity out of request metadata. Unknown
// keys and non-string values are ignored.
func profileFrom(meta map[string]any) *types.Profile {
	if len(meta) == 0 {
		return nil
	}
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := meta[k].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}
	p := &types.Profile{
		Name:     str("name", "attendee_name"),
		Email:    str("email", "attendee_email"),
		TimeZone: str("time_zone", "timezone", "timeZone"),
	}
	if *p == (types.Profile{}) {
		return nil
	}
	return p
}

func (s *Server) handleSessions(c *gin.Context) {
	infos, err := s.sessions.List(c.Request.Context())
	if err != nil {
		slog.Error("list sessions failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	if infos == nil {
		infos = []*types.SessionInfo{}
	}
	c.JSON(http.StatusOK, infos)
}

// handleTurns returns the newest turns of a session, oldest first.
func (s *Server) handleTurns(c *gin.Context) {
	ctx := c.Request.Context()
	id := types.SessionID(c.Param("id"))
	if !id.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	// Listing first keeps a GET from creating the session.
	infos, err := s.sessions.List(ctx)
	if err != nil {
		slog.Error("list sessions failed", logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	found := false
	for _, info := range infos {
		if info.ID == id {
			found = true
			break
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	session, err := s.sessions.GetOrCreate(ctx, id)
	if err != nil {
		slog.Error("load session failed", logging.KeySessionID, string(id), logging.KeyError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	limit := 200
	if q := c.Query("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	turns := session.Turns
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	if turns == nil {
		turns = []*types.Turn{}
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": session.ID,
		"pending":    session.Pending,
		"profile":    session.Profile,
		"turns":      turns,
	})
}
