package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func publishCmd() *cobra.Command {
	var rotate bool
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Upload the active device's pre-key bundle to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := unlock()
			if err != nil {
				return err
			}
			if rotate {
				if err := a.RotatePreKey(passphrase); err != nil {
					return err
				}
			}
			b, err := a.Publish(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Published pre-key %s for %s (%d capabilities)\n", b.SignedPreKeyID, b.UserID, len(b.Capabilities))
			return nil
		},
	}
	cmd.Flags().BoolVar(&rotate, "rotate", false, "create a fresh signed pre-key first")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Send local states to the other devices, retry the queue and pull",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := unlock()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sent, err := a.SyncAll(ctx)
			if err != nil {
				return err
			}
			res, err := a.Queue.ProcessAll(ctx)
			if err != nil {
				return err
			}
			applied, err := a.Pull(ctx)
			if err != nil {
				return err
			}
			purged, err := a.KeySync.Purge()
			if err != nil {
				return err
			}
			fmt.Printf("sent %d packages; queue: %d delivered, %d retried, %d failed; applied %d; purged %d\n",
				sent, res.Delivered, res.Retried, res.Failed, applied, purged)
			return nil
		},
	}
}
