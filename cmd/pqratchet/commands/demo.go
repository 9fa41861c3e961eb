package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pqratchet/internal/app"
	"pqratchet/internal/config"
	"pqratchet/internal/domain"
	"pqratchet/internal/protocol/ratchet"
	"pqratchet/internal/relay"
)

const (
	demoConv       domain.ConversationID = "demo"
	demoPassphrase                       = "Demo-Passphrase-123!"
)

// demoCmd runs Alice and Bob in one process over an in-memory relay, then
// hands Alice's session to her second device.
func demoCmd() *cobra.Command {
	var suite string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Exchange messages between two in-process users",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.ParseCapability(suite); err != nil {
				return err
			}
			dir, err := os.MkdirTemp("", "pqratchet-demo-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			return runDemo(cmd.Context(), dir, suite)
		},
	}
	cmd.Flags().StringVar(&suite, "suite", "hybrid-pqc/L3", "suite both users advertise")
	return cmd
}

type demoDevice struct {
	*app.App
}

func newDemoDevice(dir string, hub *relay.Hub, user domain.UserID, name, suite string) (*demoDevice, error) {
	cfg, err := config.Default(filepath.Join(dir, string(user)+"-"+name), "")
	if err != nil {
		return nil, err
	}
	cfg.Logging.Disable = true
	cfg.Negotiation.Capabilities = []string{suite, "classical/L1"}
	w, err := app.NewWire(cfg, app.Options{Transport: hub})
	if err != nil {
		return nil, err
	}
	dev, err := w.Devices.RegisterDevice(user, name, demoPassphrase)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	a, err := w.Unlock(dev.DeviceID, demoPassphrase)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return &demoDevice{a}, nil
}

func (d *demoDevice) close() {
	d.Lock()
	_ = d.Wire.Close()
}

func (d *demoDevice) say(ctx context.Context, to *demoDevice, msg string) error {
	p, err := d.Messages.Encrypt(ctx, []byte(msg), demoConv, d.Device().UserID)
	if err != nil {
		return err
	}
	pt, err := to.Messages.Decrypt(ctx, p, demoConv, to.Device().UserID)
	if err != nil {
		return err
	}
	hs := ""
	if p.Metadata.Handshake != nil {
		hs = " +handshake"
	}
	fmt.Printf("%s/%s -> %s/%s  %4d bytes%s  %q\n",
		d.Device().UserID, d.Device().Name, to.Device().UserID, to.Device().Name, len(p.Ciphertext), hs, pt)
	return nil
}

func (d *demoDevice) root() (domain.Fingerprint, error) {
	st, ok, err := d.Sessions.Snapshot(d.Key(demoConv))
	if err != nil || !ok {
		return "", fmt.Errorf("no state on %s: %v", d.Device().Name, err)
	}
	defer ratchet.Wipe(&st)
	return ratchet.RootFingerprint(st), nil
}

func runDemo(ctx context.Context, dir, suite string) error {
	hub := relay.NewHub()
	hub.SetParticipants(demoConv, "alice", "bob")

	alice, err := newDemoDevice(dir, hub, "alice", "phone", suite)
	if err != nil {
		return err
	}
	defer alice.close()
	bob, err := newDemoDevice(dir, hub, "bob", "phone", suite)
	if err != nil {
		return err
	}
	defer bob.close()
	laptop, err := newDemoDevice(dir, hub, "alice", "laptop", suite)
	if err != nil {
		return err
	}
	defer laptop.close()

	for _, d := range []*demoDevice{alice, bob} {
		if _, err := d.Publish(ctx); err != nil {
			return err
		}
	}
	if err := alice.Messages.EnableEncryption(ctx, demoConv); err != nil {
		return err
	}
	n, _, err := alice.Negotiator.Current(demoConv)
	if err != nil {
		return err
	}
	fmt.Printf("negotiated %s\n", config.FormatCapability(n.Selected()))

	for _, step := range []struct {
		from, to *demoDevice
		msg      string
	}{
		{alice, bob, "hello bob"},
		{bob, alice, "hello alice"},
		{alice, bob, "the ratchet turns"},
		{bob, alice, "and turns again"},
	} {
		if err := step.from.say(ctx, step.to, step.msg); err != nil {
			return err
		}
	}

	// Hand the session to Alice's laptop.
	if _, err := alice.Devices.AddDevice(laptop.Device()); err != nil {
		return err
	}
	if _, err := alice.Devices.VerifyDevice(laptop.Device().DeviceID, alice.Device().DeviceID); err != nil {
		return err
	}
	pkgs, err := alice.Sync(ctx, demoConv)
	if err != nil {
		return err
	}
	applied, err := laptop.Pull(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("synced %d package(s) to alice/laptop, applied %d\n", len(pkgs), applied)
	if err := bob.say(ctx, laptop, "reaching the laptop"); err != nil {
		return err
	}

	for _, d := range []*demoDevice{alice, laptop, bob} {
		fp, err := d.root()
		if err != nil {
			return err
		}
		fmt.Printf("%s/%s root %s\n", d.Device().UserID, d.Device().Name, fp)
	}
	return nil
}
