package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func (c *Cli) queueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show operations waiting in the offline queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ops, err := c.app.Outbox().Pending(cmd.Context())
			if err != nil {
				return err
			}
			if len(ops) == 0 {
				c.io.Println("Offline queue is empty.")
				return nil
			}
			for _, op := range ops {
				c.io.Printf("#%d %-7s %s/%s status=%s retries=%d queued=%s",
					op.Seq, op.Operation, op.Collection, op.TargetID, op.Status, op.RetryCount,
					op.EnqueuedAt.Format(time.RFC3339))
				if op.LastError != "" {
					c.io.Printf(" last_error=%q", op.LastError)
				}
				c.io.Println()
			}
			return nil
		},
	}
}

func (c *Cli) flushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Deliver queued operations to the server now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			before, err := c.app.Outbox().Pending(ctx)
			if err != nil {
				return err
			}
			if len(before) == 0 {
				c.io.Println("Nothing to flush.")
				return nil
			}
			if err := c.flush(ctx); err != nil {
				return err
			}
			after, err := c.app.Outbox().Pending(ctx)
			if err != nil {
				return err
			}
			c.io.Printf("✓ Delivered %d operation(s), %d still queued\n", len(before)-len(after), len(after))
			return nil
		},
	}
}
