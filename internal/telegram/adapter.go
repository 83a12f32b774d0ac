package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/calclaw/internal/gateway"
	"github.com/user/calclaw/internal/logging"
	"github.com/user/calclaw/internal/types"
)

const maxTelegramMessage = 4096

// sender is the subset of the bot API the adapter writes through.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter bridges Telegram to the gateway.
type Adapter struct {
	bot      *tgbotapi.BotAPI
	out      sender
	gateway  *gateway.Gateway
	sessions types.SessionStore
}

// New creates a Telegram adapter.
func New(token string, gw *gateway.Gateway, sessions types.SessionStore) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Adapter{
		bot:      bot,
		out:      bot,
		gateway:  gw,
		sessions: sessions,
	}, nil
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" || update.Message.From == nil {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	chatID := msg.Chat.ID
	inbound := &types.InboundMessage{
		Source:    "telegram",
		SessionID: sessionIDFor(msg.From.ID, chatID),
		Text:      msg.Text,
		Profile:   profileOf(msg.From),
	}

	_, err := a.gateway.HandleInbound(ctx, inbound, gateway.WithOnComplete(func(response string) {
		a.sendResponse(chatID, response)
	}))
	if err != nil {
		slog.Error("telegram inbound failed", logging.KeySessionID, string(inbound.SessionID), logging.KeyError, err)
		a.sendResponse(chatID, gateway.ApologyReply)
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	sid := sessionIDFor(msg.From.ID, chatID)

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! I can book, list, move and cancel meetings on your calendar. "+
			"Tell me your email with /email you@example.com, then just ask.")

	case "new":
		if err := a.sessions.Delete(ctx, sid); err != nil {
			slog.Error("telegram reset failed", logging.KeySessionID, string(sid), logging.KeyError, err)
			a.sendResponse(chatID, "Error starting a new conversation.")
			return
		}
		a.sendResponse(chatID, "Starting a new conversation.")

	case "email":
		addr, err := mail.ParseAddress(strings.TrimSpace(msg.CommandArguments()))
		if err != nil {
			a.sendResponse(chatID, "Usage: /email you@example.com")
			return
		}
		if err := a.updateProfile(ctx, sid, types.Profile{Email: addr.Address}); err != nil {
			a.sendResponse(chatID, "Error saving your email.")
			return
		}
		a.sendResponse(chatID, "Saved. I'll book meetings for "+addr.Address+".")

	case "tz":
		zone := strings.TrimSpace(msg.CommandArguments())
		if _, err := time.LoadLocation(zone); err != nil || zone == "" {
			a.sendResponse(chatID, "Usage: /tz Europe/Berlin")
			return
		}
		if err := a.updateProfile(ctx, sid, types.Profile{TimeZone: zone}); err != nil {
			a.sendResponse(chatID, "Error saving your time zone.")
			return
		}
		a.sendResponse(chatID, "Saved. Times are now in "+zone+".")

	case "status":
		session, err := a.sessions.GetOrCreate(ctx, sid)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		email := session.Profile.Email
		if email == "" {
			email = "not set"
		}
		zone := session.Profile.TimeZone
		if zone == "" {
			zone = "UTC"
		}
		status := fmt.Sprintf("Session: %s\nMessages: %d\nEmail: %s\nTime zone: %s", sid, len(session.Turns), email, zone)
		if session.Pending != nil {
			status += "\nWaiting for you to confirm: " + session.Pending.Operation
		}
		a.sendResponse(chatID, status)

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /new, /email, /tz, /status")
	}
}

func (a *Adapter) updateProfile(ctx context.Context, sid types.SessionID, in types.Profile) error {
	session, err := a.sessions.GetOrCreate(ctx, sid)
	if err != nil {
		return err
	}
	p := session.Profile
	if in.Email != "" {
		p.Email = in.Email
	}
	if in.TimeZone != "" {
		p.TimeZone = in.TimeZone
	}
	if err := a.sessions.UpdateProfile(ctx, sid, p); err != nil {
		slog.Error("telegram profile update failed", logging.KeySessionID, string(sid), logging.KeyError, err)
		return err
	}
	return nil
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.out.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.out.Send(msg); err != nil {
				slog.Error("telegram send failed", "chat_id", chatID, logging.KeyError, err)
			}
		}
	}
}

// splitMessage cuts text into chunks Telegram accepts, never inside a
// UTF-8 sequence.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end >= len(text) {
			end = len(text)
		} else {
			for end > 0 && !utf8.RuneStart(text[end]) {
				end--
			}
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func profileOf(u *tgbotapi.User) *types.Profile {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return nil
	}
	return &types.Profile{Name: name}
}

func sessionIDFor(userID, chatID int64) types.SessionID {
	return types.SessionIDFor("telegram",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	)
}
