package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/maauso/audioextract/internal/bootstrap"
	"github.com/maauso/audioextract/internal/config"
	"github.com/maauso/audioextract/internal/queue"
)

func newDeadLettersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Inspect and redrive dead-lettered messages",
	}
	cmd.AddCommand(newDeadLettersListCommand())
	cmd.AddCommand(newDeadLettersRedriveCommand())
	return cmd
}

func newDeadLettersListCommand() *cobra.Command {
	var count int64
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list <queue>",
		Short: "List dead letters of a queue, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *queue.RedisBroker) error {
				dead, err := b.DeadLetters(ctx, queue.Name(args[0]), count)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeDeadLettersJSON(cmd.OutOrStdout(), dead)
				}
				if len(dead) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No dead letters")
					return nil
				}
				for _, d := range dead {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tattempt=%d\t%s\t%s\n",
						d.ID, d.Attempt, d.FailedAt.Format(time.RFC3339), d.Reason)
				}
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&count, "count", 50, "Maximum number of entries to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	return cmd
}

func newDeadLettersRedriveCommand() *cobra.Command {
	var count int64

	cmd := &cobra.Command{
		Use:   "redrive <queue>",
		Short: "Move dead letters back onto their queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *queue.RedisBroker) error {
				moved, err := b.Redrive(ctx, queue.Name(args[0]), count)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Redrove %d message(s)\n", moved)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&count, "count", 50, "Maximum number of entries to move")
	return cmd
}

type deadLetterView struct {
	ID       string    `json:"id"`
	Queue    string    `json:"queue"`
	Attempt  int       `json:"attempt"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
	Payload  string    `json:"payload"`
}

func writeDeadLettersJSON(w io.Writer, dead []queue.DeadLetter) error {
	views := make([]deadLetterView, 0, len(dead))
	for _, d := range dead {
		views = append(views, deadLetterView{
			ID:       d.ID,
			Queue:    string(d.Queue),
			Attempt:  d.Attempt,
			Reason:   d.Reason,
			FailedAt: d.FailedAt,
			Payload:  string(d.Body),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}

// withBroker connects to the configured Redis for the duration of fn.
func withBroker(ctx context.Context, fn func(context.Context, *queue.RedisBroker) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := cfg.NewLogger()

	broker, holder, err := bootstrap.OpenRedisBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = holder.Close() }()

	return fn(ctx, broker)
}
