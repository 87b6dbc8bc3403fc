package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/campusmarket/internal/validation"
)

func (c *Cli) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session, offline queue and last sync times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c.io.Println("=== Status ===")

			sess, err := c.app.Auth().CurrentSession(ctx)
			if err != nil {
				return err
			}
			if sess == nil {
				c.io.Println("Session: not authenticated")
				c.io.Println("Run 'campusmarket login' to authenticate.")
			} else {
				expiresAt := time.Unix(sess.ExpiresAt, 0)
				c.io.Printf("Session: %s (%s)\n", sess.User.Username, sess.User.Email)
				if remaining := time.Until(expiresAt); remaining > 0 {
					c.io.Printf("Access token expires in %s\n", remaining.Round(time.Second))
				} else {
					c.io.Println("Access token expired, it will be refreshed on next request.")
				}
			}

			pending, err := c.app.Outbox().Pending(ctx)
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				c.io.Printf("⚠️  Offline queue: %d operation(s) waiting\n", len(pending))
			} else {
				c.io.Println("✓ Offline queue is empty")
			}

			for _, table := range validation.Tables() {
				last, err := c.app.LastSync(ctx, table)
				if err != nil {
					return err
				}
				if last.IsZero() {
					continue
				}
				c.io.Printf("Last sync %-15s %s\n", table+":", last.Format(time.RFC3339))
			}
			return nil
		},
	}
}
