package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"duck-ingest/internal/domain"
	"duck-ingest/internal/metrics"
)

func newDeadLetterCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect and replay the dead-letter queue",
	}
	cmd.AddCommand(newDLReplayCmd(e), newDLListCmd(e), newDLPurgeCmd(e))
	return cmd
}

func newDLReplayCmd(e *env) *cobra.Command {
	var maxItems, maxRetries int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run one replay pass over the dead-letter queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("max-items") {
				maxItems = e.cfg.DeadLetter.MaxItems
			}
			if !cmd.Flags().Changed("max-retries") {
				maxRetries = e.cfg.DeadLetter.MaxRetries
			}
			s, err := e.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.app.Services.DeadLetter.ProcessDeadLetterQueue(cmd.Context(), maxItems, maxRetries)
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) error {
				if err := printKV(w,
					"Claimed", strconv.Itoa(res.Claimed),
					"Replayed", strconv.Itoa(res.Replayed),
					"Failed", strconv.Itoa(res.Failed),
					"Skipped", strconv.Itoa(res.Skipped),
				); err != nil {
					return err
				}
				for _, msg := range res.Errors {
					fmt.Fprintln(w, "  "+msg)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxItems, "max-items", 0, "Entries claimed in this pass (default DEAD_LETTER_MAX_ITEMS)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Skip entries retried this many times (default DEAD_LETTER_MAX_RETRIES)")
	return cmd
}

func newDLListCmd(e *env) *cobra.Command {
	var (
		maxResults int
		pageToken  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			page := domain.PageRequest{MaxResults: maxResults, PageToken: pageToken}
			if err := page.Validate(); err != nil {
				return err
			}
			s, err := e.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			entries, total, err := s.app.Services.DeadLetter.List(cmd.Context(), page)
			if err != nil {
				return err
			}
			next := page.Next(total)
			out := map[string]any{"entries": entries, "total": total, "next_page_token": next}
			return render(cmd, out, func(w io.Writer) error {
				rows := make([][]string, 0, len(entries))
				for _, en := range entries {
					rows = append(rows, []string{
						en.ID, en.FileID, en.Operation, en.Severity.String(),
						strconv.Itoa(en.RetryCount), en.CreatedAt.Format(time.RFC3339), truncate(en.Error, 60),
					})
				}
				if err := printTable(w, []string{"ID", "FILE", "OPERATION", "SEVERITY", "RETRIES", "CREATED", "ERROR"}, rows); err != nil {
					return err
				}
				if next != "" {
					fmt.Fprintf(w, "\nMore entries: --page-token %s\n", next)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxResults, "max-results", domain.DefaultMaxResults, "Page size")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Token from a previous page")
	return cmd
}

func newDLPurgeCmd(e *env) *cobra.Command {
	var maxRetries int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete entries that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("max-retries") {
				maxRetries = e.cfg.DeadLetter.MaxRetries
			}
			s, err := e.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			n, err := s.app.Services.DeadLetter.Purge(cmd.Context(), maxRetries)
			if err != nil {
				return err
			}
			return render(cmd, map[string]int64{"purged": n}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Purged %d entr(ies)\n", n)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Purge entries retried at least this many times (default DEAD_LETTER_MAX_RETRIES)")
	return cmd
}

func newScheduleCmd(e *env) *cobra.Command {
	var noMetrics bool
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run scheduled dead-letter replay and serve /metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			s, err := e.open(ctx, true)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.app.Services.Scheduler.Start(ctx); err != nil {
				return err
			}
			if noMetrics {
				<-ctx.Done()
				return nil
			}
			return metrics.Serve(ctx, e.cfg.MetricsAddr, s.registry, e.logger)
		},
	}
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "Do not serve /metrics")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
