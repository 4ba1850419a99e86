package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ashureev/reqplan/internal/identity"
	"github.com/ashureev/reqplan/internal/memory"
	"github.com/ashureev/reqplan/internal/store"
	"github.com/spf13/cobra"
)

var historyLimit int

func init() {
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(planCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Show only the last N messages (0 for all)")
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored conversations",
	Long: `List every conversation in the configured storage backend with its
message count and whether a plan was generated.

Examples:
  reqplanctl sessions
  STORAGE_BACKEND=file reqplanctl sessions --json`,
	Args: cobra.NoArgs,
	RunE: runSessions,
}

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Print the conversation log of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var planCmd = &cobra.Command{
	Use:   "plan <session-id>",
	Short: "Print the current implementation plan of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

// withStore opens the configured repository for the duration of fn.
func withStore(ctx context.Context, fn func(ctx context.Context, repo store.Repository, logger *slog.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := store.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return fn(ctx, repo, cliLogger(cfg))
}

func runSessions(cmd *cobra.Command, _ []string) error {
	return withStore(cmd.Context(), func(ctx context.Context, repo store.Repository, logger *slog.Logger) error {
		ids, err := memory.AllSessions(ctx, repo)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		statuses := make([]memory.Status, 0, len(ids))
		for _, id := range ids {
			mem, err := memory.Open(ctx, id, repo, logger)
			if err != nil {
				logger.Warn("Skipping unreadable session", "session_id", id, "error", err)
				continue
			}
			statuses = append(statuses, mem.Status())
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, map[string]any{"sessions": statuses, "count": len(statuses)})
		}
		if len(statuses) == 0 {
			fmt.Fprintln(out, "No sessions found.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tMESSAGES\tREQUIREMENTS\tPLAN\tLAST UPDATED")
		for _, s := range statuses {
			fmt.Fprintf(w, "%s\t%d\t%d\t%t\t%s\n", s.SessionID, s.MessageCount, s.RequirementsCount,
				s.HasPlan, s.LastUpdated.Format(time.RFC3339))
		}
		return w.Flush()
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	id := args[0]
	if err := identity.Validate(id); err != nil {
		return err
	}
	return withStore(cmd.Context(), func(ctx context.Context, repo store.Repository, logger *slog.Logger) error {
		mem, err := memory.Open(ctx, id, repo, logger)
		if err != nil {
			return fmt.Errorf("failed to load session %s: %w", id, err)
		}
		msgs := mem.Messages()
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, map[string]any{"session_id": id, "messages": msgs, "count": len(msgs)})
		}
		if len(msgs) == 0 {
			fmt.Fprintf(out, "Session %s has no messages.\n", id)
			return nil
		}
		for _, m := range msgs {
			fmt.Fprintf(out, "[%s] %s (%s)\n%s\n\n", m.Timestamp.Format(time.RFC3339),
				strings.ToUpper(string(m.Role)), m.MessageType, m.Content)
		}
		return nil
	})
}

func runPlan(cmd *cobra.Command, args []string) error {
	id := args[0]
	if err := identity.Validate(id); err != nil {
		return err
	}
	return withStore(cmd.Context(), func(ctx context.Context, repo store.Repository, _ *slog.Logger) error {
		rec, err := repo.LoadPlan(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load plan for %s: %w", id, err)
		}
		if rec == nil || rec.Plan == nil {
			return fmt.Errorf("no implementation plan stored for session %s", id)
		}
		return printJSON(cmd.OutOrStdout(), rec)
	})
}
