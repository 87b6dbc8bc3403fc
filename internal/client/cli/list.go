package cli

import (
	"github.com/spf13/cobra"
)

func (c *Cli) listCommand() *cobra.Command {
	var filters []string
	cmd := &cobra.Command{
		Use:   "list <table>",
		Short: "List records of a table, including pending local changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter, err := parseFilter(filters)
			if err != nil {
				return err
			}
			engine, err := c.app.Open(ctx, args[0], filter)
			if err != nil {
				return err
			}
			if err := c.ready(ctx, engine); err != nil {
				return err
			}

			snap, err := engine.Snapshot(ctx)
			if err != nil {
				return err
			}
			c.io.Printf("=== %s ===\n", args[0])
			if len(snap) == 0 {
				c.io.Println("No records found.")
				return nil
			}
			for _, e := range snap {
				c.io.Println(formatEntity(e))
			}
			c.io.Printf("Total: %d\n", len(snap))
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "equality filter key=value (repeatable)")
	return cmd
}
