package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/verdict/pkg/models"
	"github.com/pario-ai/verdict/pkg/session"
)

func newSessionsCmd() *cobra.Command {
	var (
		configPath string
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored chat sessions",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := openSessions(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			sessions, err := s.List(context.Background(), userID, limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tMESSAGES\tUPDATED\tTITLE")
			for _, sess := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					sess.ID, sess.UserID, sess.MessageCount, sess.UpdatedAt.Format("2006-01-02 15:04:05"), sess.Title)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 50, "max sessions to list")

	showCmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			s, cleanup, err := openSessions(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			sess, err := s.Get(ctx, userID, args[0])
			if err != nil {
				return err
			}
			msgs, err := s.Messages(ctx, userID, sess.ID)
			if err != nil {
				return err
			}
			fmt.Print(formatSession(sess, msgs))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "verdict.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&userID, "user", "", "owning user ID (list shows all users when empty)")
	cmd.AddCommand(listCmd, showCmd)
	return cmd
}

func openSessions(configPath string) (*session.SQLStore, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	s, err := session.New(context.Background(), db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("open sessions: %w", err)
	}
	return s, func() { _ = db.Close() }, nil
}

func formatSession(sess *models.Session, msgs []models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session:   %s\n", sess.ID)
	fmt.Fprintf(&b, "Title:     %s\n", sess.Title)
	fmt.Fprintf(&b, "Messages:  %d\n", sess.MessageCount)
	fmt.Fprintf(&b, "Created:   %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
	for _, m := range msgs {
		fmt.Fprintf(&b, "\n[%d] %s: %s\n", m.ID, m.Role, m.Content)
		if m.Verdict != nil {
			fmt.Fprintf(&b, "    verdict: %s (%.0f%%)\n", m.Verdict.Label, m.Verdict.Confidence*100)
		}
	}
	return b.String()
}
