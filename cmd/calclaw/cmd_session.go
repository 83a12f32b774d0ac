package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/calclaw/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionClearCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

// withStore opens the configured session store for the duration of fn.
func withStore(fn func(ctx context.Context, store types.SessionStore) error) error {
	cfg := loadConfig()
	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}
	return fn(ctx, store)
}

// findSession looks the id up in the listing so that inspecting an unknown
// id does not create it.
func findSession(ctx context.Context, store types.SessionStore, id string) (*types.SessionInfo, error) {
	list, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range list {
		if string(s.ID) == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("session not found: %s", id)
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store types.SessionStore) error {
			list, err := store.List(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			if len(list) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTURNS\tPENDING\tUPDATED")
			for _, s := range list {
				fmt.Fprintf(w, "%s\t%d\t%t\t%s\n",
					s.ID,
					s.TurnCount,
					s.Pending,
					s.UpdatedAt.Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the turns of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store types.SessionStore) error {
			if _, err := findSession(ctx, store, args[0]); err != nil {
				return err
			}
			session, err := store.GetOrCreate(ctx, types.SessionID(args[0]))
			if err != nil {
				return fmt.Errorf("load session: %w", err)
			}

			if p := session.Profile; p.Name != "" || p.Email != "" || p.TimeZone != "" {
				fmt.Printf("profile: name=%q email=%q tz=%q\n", p.Name, p.Email, p.TimeZone)
			}
			if session.Pending != nil {
				fmt.Printf("pending: %s %s\n", session.Pending.Operation, session.Pending.Arguments)
			}
			for _, t := range session.Turns {
				at := t.At.Format("15:04:05")
				if t.Tool != nil {
					status := "ok"
					if t.Tool.Error != nil {
						status = string(t.Tool.Error.Kind)
					}
					fmt.Printf("%4d %s %-5s %s(%s) -> %s\n", t.Seq, at, t.Role, t.Tool.Name, t.Tool.Arguments, status)
					continue
				}
				fmt.Printf("%4d %s %-5s %s\n", t.Seq, at, t.Role, t.Content)
			}
			return nil
		})
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Clear a session or all sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store types.SessionStore) error {
			if args[0] == "all" {
				list, err := store.List(ctx)
				if err != nil {
					return fmt.Errorf("list sessions: %w", err)
				}
				for _, s := range list {
					if err := store.Delete(ctx, s.ID); err != nil {
						return fmt.Errorf("delete session %s: %w", s.ID, err)
					}
				}
				fmt.Printf("Cleared %d sessions.\n", len(list))
				return nil
			}

			if !types.SessionID(args[0]).Valid() {
				return fmt.Errorf("invalid session ID: %s", args[0])
			}
			if _, err := findSession(ctx, store, args[0]); err != nil {
				return err
			}
			if err := store.Delete(ctx, types.SessionID(args[0])); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Session %s cleared.\n", args[0])
			return nil
		})
	},
}
