package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/iudanet/campusmarket/internal/client/chat"
)

func (c *Cli) sendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <text>...",
		Short: "Send a chat message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conv, err := c.app.Chat(ctx, args[0])
			if err != nil {
				return err
			}
			msg, err := conv.Send(ctx, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if err := c.flush(ctx); err != nil {
				return err
			}

			msgs, err := conv.Messages(ctx)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				// после подтверждения id сообщения уже серверный, ищем по содержимому последнее свое
				if m.ID == msg.ID || (m.Mine(msg.SenderID) && m.Content == msg.Content) {
					*msg = m
				}
			}
			c.io.Println(formatMessage(*msg, msg.SenderID))
			return nil
		},
	}
}

// ticks отображает статус доставки
func ticks(s chat.Status) string {
	switch s {
	case chat.StatusPending:
		return "…"
	case chat.StatusSent:
		return "✓"
	case chat.StatusRead:
		return "✓✓"
	default:
		return "✗"
	}
}

func formatMessage(m chat.Message, selfID string) string {
	who := m.SenderID
	if m.Mine(selfID) {
		who = "me"
	}
	return who + ": " + m.Content + " " + ticks(m.Status)
}
