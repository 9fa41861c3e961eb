package commands

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"pqratchet/internal/app"
	"pqratchet/internal/config"
	"pqratchet/internal/domain"
	"pqratchet/internal/relay"
	"pqratchet/internal/store"
)

const (
	configFile     = "pqratchet.toml"
	deviceFile     = "device"
	passphraseEnv  = "PQRATCHET_PASSPHRASE"
	requestTimeout = 30 * time.Second
)

var (
	home       string
	passphrase string
	deviceID   string
	relayURL   string

	wire     *app.Wire
	registry *prometheus.Registry
)

func Execute() error {
	root := &cobra.Command{
		Use:          "pqratchet",
		Short:        "Post-quantum Double Ratchet device client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".pqratchet")
			}
			if passphrase == "" {
				passphrase = os.Getenv(passphraseEnv)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if wire == nil {
				return nil
			}
			err := wire.Close()
			wire = nil
			return err
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "data dir (default ~/.pqratchet)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting device keys (or $"+passphraseEnv+")")
	root.PersistentFlags().StringVar(&deviceID, "device", "", "device id to act as (default: the registered device)")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL, overriding the config file")

	root.AddCommand(
		initCmd(),
		deviceCmd(),
		publishCmd(),
		statusCmd(),
		conflictsCmd(),
		syncCmd(),
		upgradeCmd(),
		runCmd(),
		demoCmd(),
	)
	return root.Execute()
}

// openWire loads the config under home and builds the services against
// the configured relay.
func openWire() (*app.Wire, error) {
	if wire != nil {
		return wire, nil
	}
	cfg, err := config.LoadFile(filepath.Join(home, configFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no config in %s, run pqratchet init", home)
	}
	if err != nil {
		return nil, err
	}
	if relayURL != "" {
		cfg.Relay.URL = strings.TrimRight(relayURL, "/")
	}
	if cfg.Relay.URL == "" {
		return nil, errors.New("no relay configured, use --relay or set [Relay] URL")
	}

	registry = prometheus.NewRegistry()
	w, err := app.NewWire(cfg, app.Options{
		Transport: relay.NewHTTP(cfg.Relay.URL, &http.Client{Timeout: requestTimeout}),
		Registry:  registry,
	})
	if err != nil {
		return nil, err
	}
	wire = w
	return w, nil
}

// activeDevice resolves --device or the id recorded by device register.
func activeDevice() (domain.DeviceID, error) {
	if deviceID != "" {
		return domain.DeviceID(deviceID), nil
	}
	b, err := store.ReadFileIfExists(filepath.Join(home, deviceFile))
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "", errors.New("no device registered, run pqratchet device register")
	}
	return domain.DeviceID(strings.TrimSpace(string(b))), nil
}

// unlock opens the active device. The returned App is locked again when
// the command finishes.
func unlock() (*app.App, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase required (-p or $%s)", passphraseEnv)
	}
	w, err := openWire()
	if err != nil {
		return nil, err
	}
	id, err := activeDevice()
	if err != nil {
		return nil, err
	}
	a, err := w.Unlock(id, passphrase)
	if err != nil {
		return nil, err
	}
	cobra.OnFinalize(a.Lock)
	return a, nil
}
