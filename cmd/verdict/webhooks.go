package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/verdict/pkg/models"
	"github.com/pario-ai/verdict/pkg/webhook"
)

func newWebhooksCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Inspect webhooks and their deliveries",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every registered webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := openWebhookStore(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			hooks, err := s.ListAll(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatWebhooks(hooks))
			return nil
		},
	}

	var (
		webhookID string
		status    string
		since     string
		limit     int
	)
	deliveriesCmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Show delivery history",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := openWebhookStore(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.DeliveryQueryOpts{
				WebhookID: webhookID,
				Status:    models.DeliveryStatus(status),
				Limit:     limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			deliveries, err := s.Deliveries(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatDeliveries(deliveries))
			return nil
		},
	}
	deliveriesCmd.Flags().StringVar(&webhookID, "webhook", "", "filter by webhook ID")
	deliveriesCmd.Flags().StringVar(&status, "status", "", "filter by status (pending, retry, success, failed)")
	deliveriesCmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	deliveriesCmd.Flags().IntVar(&limit, "limit", 50, "max deliveries to return")

	var days int
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished deliveries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if days <= 0 {
				days = cfg.Webhooks.RetentionDays
			}
			if days <= 0 {
				return fmt.Errorf("retention is disabled; pass --days")
			}

			s, cleanup, err := openWebhookStore(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			cutoff := time.Now().UTC().AddDate(0, 0, -days)
			deleted, err := s.Cleanup(context.Background(), cutoff)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d deliveries.\n", deleted)
			return nil
		},
	}
	cleanupCmd.Flags().IntVar(&days, "days", 0, "retention in days (defaults to webhooks.retention_days)")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "verdict.yaml", "path to config file")
	cmd.AddCommand(listCmd, deliveriesCmd, cleanupCmd)
	return cmd
}

func openWebhookStore(configPath string) (*webhook.Store, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	s, err := webhook.NewStore(context.Background(), db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("open webhook store: %w", err)
	}
	return s, func() { _ = db.Close() }, nil
}

func formatWebhooks(hooks []models.Webhook) string {
	if len(hooks) == 0 {
		return "No webhooks registered.\n"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tACTIVE\tEVENTS\tDELIVERED\tFAILED\tURL")
	for _, h := range hooks {
		events := make([]string, len(h.Events))
		for i, e := range h.Events {
			events[i] = string(e)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\t%d\t%s\n",
			h.ID, h.UserID, h.Active, strings.Join(events, ","),
			h.Metadata.SuccessfulDeliveries, h.Metadata.FailedDeliveries, h.URL)
	}
	_ = w.Flush()
	return b.String()
}

func formatDeliveries(deliveries []models.WebhookDelivery) string {
	if len(deliveries) == 0 {
		return "No deliveries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-44s %-40s %-22s %-8s %8s %-20s\n",
		"DELIVERY ID", "WEBHOOK", "EVENT", "STATUS", "ATTEMPTS", "CREATED")
	b.WriteString(strings.Repeat("-", 147) + "\n")
	for _, d := range deliveries {
		fmt.Fprintf(&b, "%-44s %-40s %-22s %-8s %8d %-20s\n",
			d.ID, d.WebhookID, d.Event, d.Status, len(d.Attempts),
			d.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
