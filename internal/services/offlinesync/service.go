package offlinesync

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"gopkg.in/op/go-logging.v1"

	"pqratchet/internal/domain"
	"pqratchet/internal/instrument"
)

const (
	DefaultMaxRetries  = 8
	DefaultBaseBackoff = 5 * time.Second
	DefaultMaxBackoff  = time.Hour
)

var errPackageGone = errors.New("offlinesync: queued package no longer stored")

// Config tunes a Service.
type Config struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Clock       func() time.Time
	// Jitter maps a backoff to the delay actually used. The default picks
	// uniformly from [d/2, d].
	Jitter func(time.Duration) time.Duration
}

// Deps are the collaborators of a Service.
type Deps struct {
	Queue     domain.OfflineQueueStore
	Packages  domain.SyncPackageStore
	Transport domain.SyncTransport
	Failures  domain.SyncFailureReporter
	Metrics   *instrument.Metrics
	Log       *logging.Logger
}

// Result counts what one pass did.
type Result struct {
	Delivered int
	Retried   int
	Failed    int
}

// Service drains the offline queue.
type Service struct {
	Deps
	cfg Config
}

// New returns a queue processor. Zero Config fields take defaults.
func New(d Deps, cfg Config) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.BaseBackoff)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Jitter == nil {
		cfg.Jitter = halfJitter
	}
	return &Service{Deps: d, cfg: cfg}
}

// Process attempts every due item queued for device.
func (s *Service) Process(ctx context.Context, device domain.DeviceID) (Result, error) {
	var res Result
	items, err := s.Queue.Due(device, s.cfg.Clock())
	if err != nil {
		return res, err
	}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		delivered, err := s.attempt(ctx, it)
		switch {
		case delivered:
			res.Delivered++
		case err != nil && ctx.Err() != nil:
			return res, ctx.Err()
		case err != nil:
			if failed, uerr := s.fail(it, err); uerr != nil {
				return res, uerr
			} else if failed {
				res.Failed++
			} else {
				res.Retried++
			}
		}
	}
	return res, nil
}

// ProcessAll runs Process for every device with a queue.
func (s *Service) ProcessAll(ctx context.Context) (Result, error) {
	var total Result
	devices, err := s.Queue.QueuedDevices()
	if err != nil {
		return total, err
	}
	for _, d := range devices {
		r, err := s.Process(ctx, d)
		total.Delivered += r.Delivered
		total.Retried += r.Retried
		total.Failed += r.Failed
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Run calls ProcessAll every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if r, err := s.ProcessAll(ctx); err != nil {
				s.Log.Errorf("offline queue pass: %v", err)
			} else if r != (Result{}) {
				s.Log.Infof("offline queue pass: %d delivered, %d retried, %d failed", r.Delivered, r.Retried, r.Failed)
			}
		}
	}
}

// Items returns every item queued for device, including failed ones.
func (s *Service) Items(device domain.DeviceID) ([]domain.OfflineSyncItem, error) {
	return s.Queue.Items(device)
}

// attempt pushes the item's package. Expiry is reported as an error so the
// item fails without a retry.
func (s *Service) attempt(ctx context.Context, it domain.OfflineSyncItem) (bool, error) {
	now := s.cfg.Clock()
	if !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt) {
		return false, permanent(fmt.Errorf("queue item %s: %w", it.ID, domain.ErrKeyExpired))
	}
	p, ok, err := s.Packages.LoadPackage(it.PackageID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, permanent(errPackageGone)
	}
	if p.Expired(now) {
		return false, permanent(fmt.Errorf("package %s: %w", p.ID, domain.ErrKeyExpired))
	}
	if err := s.Transport.Deliver(ctx, p); err != nil {
		return false, err
	}

	// The relay holds the sealed copy now; keep only the record.
	p.Status = domain.PackageDelivered
	if err := s.Packages.SavePackage(p.Tombstone()); err != nil {
		return false, err
	}
	if err := s.Queue.RemoveItem(it); err != nil {
		return false, err
	}
	s.Metrics.QueueItem("delivered")
	s.Metrics.SyncPackage("delivered")
	return true, nil
}

// fail records a failed attempt and reports whether the item is now
// permanently failed.
func (s *Service) fail(it domain.OfflineSyncItem, cause error) (bool, error) {
	now := s.cfg.Clock().UTC()
	it.Attempts++
	it.LastAttempt = &now
	it.LastError = cause.Error()

	var perm permanentError
	if errors.As(cause, &perm) || it.Attempts >= s.cfg.MaxRetries {
		it.Status = domain.SyncFailed
		if err := s.Queue.UpdateItem(it); err != nil {
			return false, err
		}
		s.Metrics.QueueItem("failed")
		reason := fmt.Sprintf("package %s after %d attempts: %s", it.PackageID, it.Attempts, it.LastError)
		if err := s.Failures.RecordSyncFailure(it.DeviceID, reason); err != nil {
			return true, err
		}
		return true, nil
	}

	it.NextAttemptAt = now.Add(s.cfg.Jitter(s.backoff(it.Attempts)))
	if err := s.Queue.UpdateItem(it); err != nil {
		return false, err
	}
	s.Metrics.QueueItem("retried")
	s.Log.Debugf("item %s for %s retry %d at %s", it.ID, it.DeviceID, it.Attempts, it.NextAttemptAt.Format(time.RFC3339))
	return false, nil
}

// backoff is base·2^(attempt-1), capped.
func (s *Service) backoff(attempt int) time.Duration {
	d := s.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	return d
}

func halfJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

type permanentError struct{ error }

func (e permanentError) Unwrap() error { return e.error }

func permanent(err error) error { return permanentError{err} }
