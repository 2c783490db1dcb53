// commonctl is the Commonplace admin CLI: session and daily summary
// backfills, recovery artifact inspection, and stored-summary listing.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"commonplace/api/internal/config"
	"commonplace/api/internal/staging"
	"commonplace/api/internal/store"
	"commonplace/api/internal/summarize"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "commonctl",
		Short: "Commonplace admin tooling",
	}

	rootCmd.AddCommand(backfillSessionsCmd())
	rootCmd.AddCommand(backfillDailyCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(summariesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore(ctx context.Context) (*store.PostgresStore, *sql.DB, error) {
	cfg := config.Load()
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return store.NewPostgresStore(db), db, nil
}

func newScheduler(st *store.PostgresStore) (*summarize.Scheduler, error) {
	cfg := config.Load()
	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for summary backfills")
	}
	summarizer := summarize.NewAnthropic(cfg.AnthropicAPIKey, cfg.SummaryModel)
	return summarize.NewScheduler(st, summarizer, cfg.SessionGap), nil
}

func backfillSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill-sessions [pseudonym]",
		Short: "Reconstruct and summarize past sessions for one author",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, db, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			scheduler, err := newScheduler(st)
			if err != nil {
				return err
			}

			created, err := scheduler.Backfill(ctx, args[0])
			if err != nil {
				return fmt.Errorf("backfill sessions: %w", err)
			}
			fmt.Printf("Created %d session summaries for %s\n", created, args[0])
			return nil
		},
	}
}

func backfillDailyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill-daily [date]",
		Short: "Generate the daily digest for one past UTC day (2006-01-02)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, db, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			scheduler, err := newScheduler(st)
			if err != nil {
				return err
			}

			created, err := scheduler.BackfillDaily(ctx, args[0])
			if err != nil {
				return fmt.Errorf("backfill daily: %w", err)
			}
			if created {
				fmt.Printf("Daily digest for %s stored\n", args[0])
			} else {
				fmt.Printf("No digest for %s (no entries, or one already exists)\n", args[0])
			}
			return nil
		},
	}
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Inspect the recovery artifact written at the last shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			artifact, err := staging.NewArtifactStore(staging.ArtifactConfig{
				Path:      cfg.RecoveryPath,
				Endpoint:  cfg.RecoveryS3Endpoint,
				AccessKey: cfg.RecoveryS3Access,
				SecretKey: cfg.RecoveryS3Secret,
				Bucket:    cfg.RecoveryS3Bucket,
				UseSSL:    cfg.RecoveryS3UseSSL,
			})
			if err != nil {
				return err
			}

			snap, err := artifact.Load(context.Background())
			if err != nil {
				return fmt.Errorf("load recovery artifact: %w", err)
			}
			if snap == nil {
				fmt.Println("No recovery artifact (either clean state or the server is running).")
				return nil
			}

			fmt.Printf("Saved at: %s\n", snap.SavedAt.Format(time.RFC3339))
			fmt.Printf("Pending entries: %d\n", len(snap.Entries))
			for _, e := range snap.Entries {
				fmt.Printf("  %s  %-24s  publishes %s  %s\n",
					e.ID, e.AuthorPseudonym, publishAt(e.PublishAt), truncate(e.Content, 48))
			}
			fmt.Printf("Pending conversations: %d\n", len(snap.Conversations))
			for _, c := range snap.Conversations {
				fmt.Printf("  %s  %-24s  publishes %s  %s\n",
					c.ID, c.AuthorPseudonym, publishAt(c.PublishAt), truncate(c.Title, 48))
			}
			return nil
		},
	}
}

func summariesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summaries [pseudonym]",
		Short: "List stored session summaries for one author",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, db, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			sums, err := st.ListSessionSummaries(ctx, args[0])
			if err != nil {
				return err
			}
			if len(sums) == 0 {
				fmt.Println("No session summaries.")
				return nil
			}
			for _, s := range sums {
				fmt.Printf("%s  [%s - %s]  %d entries\n  %s\n",
					s.ID,
					s.StartTime.Format("2006-01-02 15:04"),
					s.EndTime.Format("2006-01-02 15:04"),
					len(s.EntryIDs),
					truncate(s.Content, 120))
			}
			return nil
		},
	}
}

func publishAt(t *time.Time) string {
	if t == nil {
		return "(unset)"
	}
	return t.Format(time.RFC3339)
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
