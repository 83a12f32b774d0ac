package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/calclaw/internal/types"
)

var (
	chatSession string
	chatName    string
	chatEmail   string
	chatTZ      string
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatSession, "session", "", "resume an existing session id")
	chatCmd.Flags().StringVar(&chatName, "name", "", "attendee name for new bookings")
	chatCmd.Flags().StringVar(&chatEmail, "email", "", "attendee email for new bookings")
	chatCmd.Flags().StringVar(&chatTZ, "tz", "", "IANA time zone for interpreting times")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant on stdin/stdout",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	sid := types.SessionID(chatSession)
	if sid != "" && !sid.Valid() {
		return fmt.Errorf("invalid session id: %s", chatSession)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.gateway.Start(ctx)
	defer a.gateway.Stop()

	profile := &types.Profile{Name: chatName, Email: chatEmail, TimeZone: chatTZ}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "calclaw chat. /new starts a new session, /quit exits.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			sid = ""
			fmt.Fprintln(out, "Started a new session.")
			continue
		}

		reply, err := a.gateway.Chat(ctx, &types.InboundMessage{
			Source:    "cli",
			SessionID: sid,
			Text:      line,
			Profile:   profile,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		sid = reply.SessionID
		fmt.Fprintln(out, reply.Text)
	}
}
