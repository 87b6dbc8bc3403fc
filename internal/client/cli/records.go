package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iudanet/campusmarket/internal/client/reconcile"
	"github.com/iudanet/campusmarket/internal/models"
	"github.com/iudanet/campusmarket/internal/validation"
)

func (c *Cli) createCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <table> key=value...",
		Short: "Create a record (shown immediately, delivered in the background)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args[1:])
			if err != nil {
				return err
			}
			if err := validation.ValidateRecord(args[0], fields, false); err != nil {
				return err
			}
			return c.mutate(cmd.Context(), args[0], reconcile.Action{Op: models.OpCreate, Fields: fields})
		},
	}
}

func (c *Cli) updateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "update <table> <id> key=value...",
		Short: "Update fields of a record",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args[2:])
			if err != nil {
				return err
			}
			if err := validation.ValidateRecord(args[0], fields, true); err != nil {
				return err
			}
			return c.mutate(cmd.Context(), args[0], reconcile.Action{Op: models.OpUpdate, TargetID: args[1], Fields: fields})
		},
	}
}

func (c *Cli) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <table> <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.mutate(cmd.Context(), args[0], reconcile.Action{Op: models.OpDelete, TargetID: args[1]})
		},
	}
}

func (c *Cli) favoriteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "favorite <product-id>",
		Short: "Toggle the favorite flag of a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.mutate(cmd.Context(), validation.TableProducts, reconcile.Action{
				Op:       models.OpToggle,
				TargetID: args[0],
				Field:    "is_favorite",
			})
		},
	}
}

// mutate применяет действие локально, отправляет очередь и печатает итог
func (c *Cli) mutate(ctx context.Context, table string, action reconcile.Action) error {
	engine, err := c.app.Open(ctx, table, nil)
	if err != nil {
		return err
	}
	if action.Op != models.OpCreate {
		if err := c.ready(ctx, engine); err != nil {
			return err
		}
	}

	intent, err := engine.Mutate(ctx, action)
	if err != nil {
		return fmt.Errorf("failed to %s record: %w", action.Op, err)
	}
	if err := c.flush(ctx); err != nil {
		return err
	}

	ent, err := engine.Get(ctx, intent.TargetID)
	if err != nil {
		if action.Op == models.OpDelete {
			c.io.Printf("✓ Deleted %s\n", intent.TargetID)
			return nil
		}
		return err
	}
	if action.Op == models.OpDelete && ent.Origin != models.OriginFailed {
		c.io.Printf("Delete of %s is %s\n", ent.ID, originLabel(ent.Origin))
		return nil
	}
	c.io.Println(formatEntity(ent))
	if ent.Origin == models.OriginFailed {
		return fmt.Errorf("%s of %s was rolled back", action.Op, ent.ID)
	}
	return nil
}
