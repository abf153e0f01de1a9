package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/verdict/pkg/cache"
	"github.com/pario-ai/verdict/pkg/kv"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the result cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show durable cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, cleanup, err := openCache(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := env.durable.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Entries:    %d\nTotal hits: %d\nAvg hits:   %.2f\n", stats.Entries, stats.TotalHits, stats.AvgHits)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached result",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, cleanup, err := openCache(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			var errs []error
			if err := env.durable.Clear(ctx); err != nil {
				errs = append(errs, err)
			}
			if c, ok := env.fast.(kv.Clearer); ok {
				if err := c.Clear(ctx); err != nil {
					errs = append(errs, err)
				}
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			fmt.Println("All cache entries cleared.")
			return nil
		},
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired and stale entries from the durable store",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, cleanup, err := openCache(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := env.cache.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d expired and %d stale entries.\n", res.Expired, res.Stale)
			return nil
		},
	}

	var (
		threshold   float64
		intelligent bool
	)
	lookupCmd := &cobra.Command{
		Use:   "lookup <query>",
		Short: "Look up a cached result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, cleanup, err := openCache(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			query := strings.Join(args, " ")
			var opts []cache.GetOption
			if threshold > 0 {
				opts = append(opts, cache.WithThreshold(threshold))
			}
			hit := env.cache.Get(ctx, query, opts...)
			if hit == nil && intelligent {
				hit = env.cache.IntelligentSearch(ctx, query)
			}
			if hit == nil {
				fmt.Println("No cached result.")
				return nil
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(hit)
		},
	}
	lookupCmd.Flags().Float64Var(&threshold, "threshold", 0, "similarity threshold override (0 uses the configured value)")
	lookupCmd.Flags().BoolVar(&intelligent, "intelligent", false, "fall back to progressively lower thresholds")

	var limit int
	popularCmd := &cobra.Command{
		Use:   "popular",
		Short: "List the most frequently hit queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, cleanup, err := openCache(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			popular, err := env.cache.Popular(context.Background(), limit)
			if err != nil {
				return err
			}
			if len(popular) == 0 {
				fmt.Println("No cached queries.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HITS\tLAST HIT\tQUERY")
			for _, p := range popular {
				fmt.Fprintf(w, "%d\t%s\t%s\n", p.HitCount, p.LastHit.Format("2006-01-02 15:04:05"), p.Query)
			}
			return w.Flush()
		},
	}
	popularCmd.Flags().IntVar(&limit, "limit", 10, "max queries to list")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "verdict.yaml", "path to config file")
	cmd.AddCommand(statsCmd, clearCmd, cleanupCmd, lookupCmd, popularCmd)
	return cmd
}
