package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *Cli) registerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create a new account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c.io.Println("=== Registration ===")

			email, err := c.io.ReadInput("Email: ")
			if err != nil {
				return fmt.Errorf("failed to read email: %w", err)
			}
			username, err := c.io.ReadInput("Username: ")
			if err != nil {
				return fmt.Errorf("failed to read username: %w", err)
			}
			password, err := c.readPassword("Password: ")
			if err != nil {
				return err
			}

			sess, err := c.app.Auth().Register(cmd.Context(), email, username, password)
			if err != nil {
				return err
			}

			c.io.Println("✓ Registration successful!")
			c.io.Printf("Signed in as %s (%s)\n", sess.User.Username, sess.User.Email)
			return nil
		},
	}
}
