package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pqratchet/internal/crypto"
	"pqratchet/internal/domain"
	"pqratchet/internal/store"
)

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage the devices of a user",
	}
	cmd.AddCommand(
		deviceRegisterCmd(),
		deviceListCmd(),
		deviceExportCmd(),
		deviceAddCmd(),
		deviceVerifyCmd(),
		deviceRevokeCmd(),
	)
	return cmd
}

func deviceRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <user> <name>",
		Short: "Create this device's keys, sealed under the passphrase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p or $%s)", passphraseEnv)
			}
			w, err := openWire()
			if err != nil {
				return err
			}
			dev, err := w.Devices.RegisterDevice(domain.UserID(args[0]), args[1], passphrase)
			if err != nil {
				return err
			}
			path := filepath.Join(home, deviceFile)
			if b, _ := store.ReadFileIfExists(path); len(b) == 0 {
				if err := store.WriteFileAtomic(path, []byte(dev.DeviceID+"\n"), 0o600); err != nil {
					return err
				}
			}
			fmt.Printf("Device %s registered for %s.\nFingerprint: %s\n",
				dev.DeviceID, dev.UserID, crypto.FingerprintX25519(dev.EncryptionPublicKey))
			return nil
		},
	}
}

func deviceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <user>",
		Short: "List the devices known for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWire()
			if err != nil {
				return err
			}
			devs, err := w.Devices.Devices(domain.UserID(args[0]))
			if err != nil {
				return err
			}
			for _, d := range devs {
				state := "unverified"
				switch {
				case d.Revoked():
					state = "revoked"
				case d.IsVerified:
					state = "verified"
				}
				fmt.Printf("%s  %-12s %-10s trust=%d (%s)  %s\n",
					d.DeviceID, d.Name, state, d.TrustScore, d.TrustLevel, crypto.FingerprintX25519(d.EncryptionPublicKey))
			}
			return nil
		},
	}
}

func deviceExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Print the public identity of the active device as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWire()
			if err != nil {
				return err
			}
			id, err := activeDevice()
			if err != nil {
				return err
			}
			dev, err := w.Devices.Device(id)
			if err != nil {
				return err
			}
			dev.SealedKeys = nil
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(dev)
		},
	}
}

func deviceAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <file>",
		Short: "Record another device of the same user from its export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var dev domain.DeviceIdentity
			if err := json.Unmarshal(b, &dev); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			w, err := openWire()
			if err != nil {
				return err
			}
			dev, err = w.Devices.AddDevice(dev)
			if err != nil {
				return err
			}
			fmt.Printf("Added %s (%s). Compare fingerprint %s before verifying.\n",
				dev.DeviceID, dev.Name, crypto.FingerprintX25519(dev.EncryptionPublicKey))
			return nil
		},
	}
}

func deviceVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <device>",
		Short: "Vouch for another device with the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWire()
			if err != nil {
				return err
			}
			by, err := activeDevice()
			if err != nil {
				return err
			}
			dev, err := w.Devices.VerifyDevice(domain.DeviceID(args[0]), by)
			if err != nil {
				return err
			}
			fmt.Printf("Verified %s, trust %d (%s)\n", dev.DeviceID, dev.TrustScore, dev.TrustLevel)
			return nil
		},
	}
}

func deviceRevokeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <device>",
		Short: "Exclude a device from key distribution for good",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWire()
			if err != nil {
				return err
			}
			dev, err := w.Devices.RevokeDevice(domain.DeviceID(args[0]), reason)
			if err != nil {
				return err
			}
			fmt.Printf("Revoked %s at %s\n", dev.DeviceID, dev.RevokedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "revoked by owner", "reason recorded with the revocation")
	return cmd
}
