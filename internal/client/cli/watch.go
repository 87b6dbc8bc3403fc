package cli

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"
)

func (c *Cli) watchCommand() *cobra.Command {
	var (
		filters      []string
		conversation string
	)
	cmd := &cobra.Command{
		Use:         "watch [table]",
		Short:       "Follow a table or a conversation live until interrupted",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{annotationRealtime: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if conversation != "" {
				return c.watchChat(ctx, conversation)
			}
			if len(args) == 0 {
				return errors.New("table or --conversation is required")
			}
			filter, err := parseFilter(filters)
			if err != nil {
				return err
			}
			engine, err := c.app.Open(ctx, args[0], filter)
			if err != nil {
				return err
			}
			if !c.flags.offline {
				c.app.SetOnline(true)
			}
			snaps, err := engine.Watch(ctx)
			if err != nil {
				return err
			}
			for snap := range snaps {
				c.io.Printf("--- %s (%d) ---\n", args[0], len(snap))
				for _, e := range snap {
					c.io.Println(formatEntity(e))
				}
			}
			return ignoreCancel(ctx.Err())
		},
	}
	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "equality filter key=value (repeatable)")
	cmd.Flags().StringVar(&conversation, "conversation", "", "follow a chat conversation and mark incoming messages read")
	return cmd
}

func (c *Cli) watchChat(ctx context.Context, conversationID string) error {
	sess, err := c.app.Auth().CurrentSession(ctx)
	if err != nil {
		return err
	}
	conv, err := c.app.Chat(ctx, conversationID)
	if err != nil {
		return err
	}
	if !c.flags.offline {
		c.app.SetOnline(true)
	}
	updates, err := conv.Watch(ctx)
	if err != nil {
		return err
	}
	for msgs := range updates {
		c.io.Printf("--- %s ---\n", conversationID)
		for _, m := range msgs {
			c.io.Println(formatMessage(m, sess.User.ID))
		}
		if typing := conv.PeersTyping(); len(typing) > 0 {
			c.io.Printf("%s typing…\n", strings.Join(typing, ", "))
		}
		if _, err := conv.MarkAllRead(ctx); err != nil && ctx.Err() == nil {
			c.io.Printf("Warning: failed to send read receipts: %v\n", err)
		}
	}
	return ignoreCancel(ctx.Err())
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
