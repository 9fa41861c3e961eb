package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func conflictsCmd() *cobra.Command {
	var resolve string
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List key conflicts of the active device's user, or resolve one",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := unlock()
			if err != nil {
				return err
			}
			if resolve != "" {
				res, err := a.Conflicts.Resolve(cmd.Context(), resolve)
				if err != nil {
					return err
				}
				if len(res) > 0 {
					fmt.Printf("conflict %s: %s wins over %s by %s\n",
						resolve, res[0].WinnerDeviceID, res[0].LoserDeviceID, res[0].Policy)
				}
				return nil
			}

			all, err := a.Conflicts.List(a.Device().UserID)
			if err != nil {
				return err
			}
			for _, c := range all {
				fmt.Printf("%s  %s  %s  detected %s\n", c.ID, c.Key, c.Status, c.DetectedAt.Format("2006-01-02 15:04:05"))
				for _, r := range c.Reports {
					fmt.Printf("    %s  %s\n", r.DeviceID, r.Fingerprint)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&resolve, "resolve", "", "id of a conflict to resolve")
	return cmd
}
