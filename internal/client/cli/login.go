package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func (c *Cli) loginCommand() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if email == "" {
				var err error
				if email, err = c.io.ReadInput("Email: "); err != nil {
					return fmt.Errorf("failed to read email: %w", err)
				}
			}
			password, err := c.readPassword("Password: ")
			if err != nil {
				return err
			}

			sess, err := c.app.Auth().Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}

			c.io.Println("✓ Login successful!")
			c.io.Printf("Username: %s\n", sess.User.Username)
			c.io.Printf("Access token expires: %s\n", time.Unix(sess.ExpiresAt, 0).Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	return cmd
}
