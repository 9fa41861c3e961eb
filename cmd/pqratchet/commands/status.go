package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"pqratchet/internal/config"
	"pqratchet/internal/domain"
	"pqratchet/internal/protocol/ratchet"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active device, its sessions and queued deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := unlock()
			if err != nil {
				return err
			}
			dev := a.Device()
			st := a.Messages.EncryptionStatus()
			fmt.Printf("device %s (%s) of %s, keys present=%v loaded=%v\n",
				dev.DeviceID, dev.Name, dev.UserID, st.HasKeys, st.KeysLoaded)

			states, err := a.Sessions.States(dev.UserID)
			if err != nil {
				return err
			}
			for _, s := range states {
				suite := domain.Capability{Algorithm: s.Algorithm, SecurityLevel: s.SecurityLevel}
				fmt.Printf("  %s  %-14s v%d ns=%d nr=%d root=%s\n",
					s.Key.ConversationID, config.FormatCapability(suite), s.Version,
					s.SendingMessageNumber, s.ReceivingMessageNumber, ratchet.RootFingerprint(s))
				ratchet.Wipe(&s)
			}

			peers, err := a.Devices.Devices(dev.UserID)
			if err != nil {
				return err
			}
			for _, p := range peers {
				if p.DeviceID == dev.DeviceID {
					continue
				}
				items, err := a.Queue.Items(p.DeviceID)
				if err != nil {
					return err
				}
				if len(items) > 0 {
					fmt.Printf("  queued for %s: %d\n", p.DeviceID, len(items))
				}
			}
			return nil
		},
	}
}
