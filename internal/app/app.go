package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"pqratchet/internal/domain"
	"pqratchet/internal/protocol/ratchet"
	keysyncsvc "pqratchet/internal/services/keysync"
	messagesvc "pqratchet/internal/services/message"
	sessionsvc "pqratchet/internal/services/session"
	"pqratchet/internal/util/memzero"
)

const (
	evictInterval = time.Minute
	pushBuffer    = 16
)

// App is one unlocked device: the services of its Wire plus the message
// facade acting for the device's owner.
type App struct {
	*Wire
	Messages *messagesvc.Service

	dev  domain.DeviceIdentity
	self keysyncsvc.Recipient
	log  *logging.Logger
}

// Unlock opens the sealed keys of device id and makes it the active device
// of its user. A signed pre-key is created if the device has none yet.
func (w *Wire) Unlock(id domain.DeviceID, passphrase string) (*App, error) {
	dev, err := w.Devices.Device(id)
	if err != nil {
		return nil, err
	}
	keys, err := w.Devices.UnlockKeys(id, passphrase)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(keys.SigningPrivate[:])

	if _, err := w.PreKeys.Bundle(dev); err != nil {
		if _, err := w.PreKeys.Rotate(dev, keys); err != nil {
			memzero.Zero(keys.EncryptionPrivate[:])
			return nil, fmt.Errorf("app: initial pre-key for %s: %w", id, err)
		}
	}

	w.Sessions.AddLocalDevice(sessionsvc.LocalDevice{
		UserID:   dev.UserID,
		DeviceID: dev.DeviceID,
		Identity: domain.X25519KeyPair{Private: keys.EncryptionPrivate, Public: dev.EncryptionPublicKey},
	})

	a := &App{
		Wire: w,
		dev:  dev,
		self: keysyncsvc.Recipient{DeviceID: dev.DeviceID, Private: keys.EncryptionPrivate},
		log:  w.Logs.GetLogger("app"),
	}
	memzero.Zero(keys.EncryptionPrivate[:])
	a.Messages = messagesvc.New(messagesvc.Deps{
		Sessions:      w.Sessions,
		Negotiator:    w.Negotiator,
		Conversations: w.DB,
		Directory:     w.Transport,
		Devices:       w.Devices,
		Owner:         dev.UserID,
		Clock:         w.Clock,
		Metrics:       w.Metrics,
		Log:           w.Logs.GetLogger("message"),
	})
	a.log.Noticef("unlocked device %s of %s", dev.DeviceID, dev.UserID)
	return a, nil
}

// Lock wipes the unlocked keys. The App must not be used afterwards.
func (a *App) Lock() {
	a.Sessions.RemoveLocalDevice(a.dev.UserID)
	memzero.Zero(a.self.Private[:])
}

// Device returns the unlocked device.
func (a *App) Device() domain.DeviceIdentity { return a.dev }

// Key is the ratchet state key of this device's owner in conv.
func (a *App) Key(conv domain.ConversationID) domain.StateKey {
	return domain.StateKey{ConversationID: conv, UserID: a.dev.UserID}
}

// Publish uploads the device's current pre-key bundle.
func (a *App) Publish(ctx context.Context) (domain.PreKeyBundle, error) {
	return a.PreKeys.Publish(ctx, a.dev)
}

// RotatePreKey replaces the device's signed pre-key. The signing key is
// unsealed again for the purpose and wiped afterwards.
func (a *App) RotatePreKey(passphrase string) error {
	keys, err := a.Devices.UnlockKeys(a.dev.DeviceID, passphrase)
	if err != nil {
		return err
	}
	defer memzero.ZeroAll(keys.SigningPrivate[:], keys.EncryptionPrivate[:])
	id, err := a.PreKeys.Rotate(a.dev, keys)
	if err != nil {
		return err
	}
	a.log.Infof("rotated signed pre-key to %s", id)
	return nil
}

// Sync distributes the local state of conv to the owner's other devices.
func (a *App) Sync(ctx context.Context, conv domain.ConversationID) ([]domain.KeySyncPackage, error) {
	return a.KeySync.Distribute(ctx, a.dev.DeviceID, a.Key(conv))
}

// SyncAll distributes every local state of the owner and returns the
// number of packages created.
func (a *App) SyncAll(ctx context.Context) (int, error) {
	states, err := a.Sessions.States(a.dev.UserID)
	if err != nil {
		return 0, err
	}
	defer func() {
		for i := range states {
			ratchet.Wipe(&states[i])
		}
	}()
	n := 0
	for _, st := range states {
		pkgs, err := a.KeySync.Distribute(ctx, a.dev.DeviceID, st.Key)
		if err != nil {
			return n, err
		}
		n += len(pkgs)
	}
	return n, nil
}

// Pull consumes the packages waiting for this device.
func (a *App) Pull(ctx context.Context) (int, error) {
	return a.KeySync.Pull(ctx, a.self)
}

// Run keeps the device in the background until ctx is done: skipped key
// eviction, offline queue retries, package purging and package intake.
// Every transport is polled at the queue interval, starting at once; push
// transports also feed packages as they arrive.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Skipped.Run(gctx, evictInterval) })
	g.Go(func() error { return a.Queue.Run(gctx, a.Config.Sync.Interval) })
	g.Go(func() error { return a.KeySync.RunPurge(gctx, evictInterval) })

	// Subscribe before the first poll so nothing falls between the two.
	if sub, ok := a.Transport.(Subscriber); ok {
		in, cancel := sub.Subscribe(a.dev.DeviceID, pushBuffer)
		defer cancel()
		g.Go(func() error { return a.KeySync.Run(gctx, a.self, in) })
	}
	g.Go(func() error { return a.poll(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) poll(ctx context.Context) error {
	t := time.NewTicker(a.Config.Sync.Interval)
	defer t.Stop()
	for {
		if n, err := a.Pull(ctx); ctx.Err() != nil {
			return ctx.Err()
		} else if err != nil {
			a.log.Warningf("pull: %v", err)
		} else if n > 0 {
			a.log.Infof("applied %d sync packages", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
