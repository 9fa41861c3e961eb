package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"pqratchet/internal/config"
	"pqratchet/internal/domain"
)

func upgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade <conversation> <algorithm/Ln>",
		Short: "Rekey a conversation under another suite, e.g. hybrid-pqc/L5",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := config.ParseCapability(args[1])
			if err != nil {
				return err
			}
			a, err := unlock()
			if err != nil {
				return err
			}
			conv := domain.ConversationID(args[0])
			m, err := a.Messages.UpgradeConversation(cmd.Context(), conv, a.Device().UserID, to)
			if err != nil {
				return err
			}
			fmt.Printf("migration %s: %s -> %s %s\n",
				m.ID, config.FormatCapability(m.From), config.FormatCapability(m.To), m.Status)
			return nil
		},
	}
}
