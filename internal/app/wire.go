package app

import (
	"errors"
	"time"

	"pqratchet/internal/config"
	"pqratchet/internal/instrument"
	"pqratchet/internal/log"
	"pqratchet/internal/protocol/ratchet"
	conflictsvc "pqratchet/internal/services/conflict"
	devicesvc "pqratchet/internal/services/device"
	keysyncsvc "pqratchet/internal/services/keysync"
	negotiatorsvc "pqratchet/internal/services/negotiator"
	offlinesvc "pqratchet/internal/services/offlinesync"
	prekeysvc "pqratchet/internal/services/prekey"
	sessionsvc "pqratchet/internal/services/session"
	"pqratchet/internal/store"
)

// Wire bundles all stores and services of one device database.
type Wire struct {
	Config    *config.Config
	Logs      *log.Backend
	DB        *store.DB
	Metrics   *instrument.Metrics
	Transport Transport
	Clock     func() time.Time

	Skipped    *ratchet.SkippedKeyStore
	Devices    *devicesvc.Service
	PreKeys    *prekeysvc.Service
	Negotiator *negotiatorsvc.Service
	Sessions   *sessionsvc.Service
	KeySync    *keysyncsvc.Service
	Conflicts  *conflictsvc.Service
	Queue      *offlinesvc.Service
}

// NewWire constructs the dependency graph from cfg.
func NewWire(cfg *config.Config, opts Options) (*Wire, error) {
	if opts.Transport == nil {
		return nil, errors.New("app: a transport is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	caps, err := cfg.Negotiation.CapabilitySet()
	if err != nil {
		return nil, err
	}

	logs, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	var metrics *instrument.Metrics
	if opts.Registry != nil {
		if metrics, err = instrument.New(opts.Registry); err != nil {
			_ = logs.Close()
			return nil, err
		}
	}
	db, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	db.SetClock(clock)

	w := &Wire{
		Config:    cfg,
		Logs:      logs,
		DB:        db,
		Metrics:   metrics,
		Transport: opts.Transport,
		Clock:     clock,
	}

	w.Skipped = ratchet.NewSkippedKeyStore(db, cfg.Ratchet.MaxSkippedPerState, clock)
	w.Skipped.OnEvict = func(n int) { metrics.SkippedKeys("evicted", n) }
	engine := ratchet.New(ratchet.Config{
		MaxSkip:         cfg.Ratchet.MaxSkip,
		RatchetInterval: cfg.Ratchet.RatchetInterval,
		SkippedKeyTTL:   cfg.Ratchet.SkippedKeyTTL,
		Clock:           clock,
	})

	w.Devices = devicesvc.New(db, clock, logs.GetLogger("device"))
	w.PreKeys = prekeysvc.New(db, opts.Transport, caps, clock, logs.GetLogger("prekey"))
	w.Negotiator = negotiatorsvc.New(db, opts.Transport, negotiatorsvc.Config{
		TTL:   cfg.Negotiation.TTL,
		Clock: clock,
	}, metrics, logs.GetLogger("negotiator"))
	w.Sessions = sessionsvc.New(sessionsvc.Deps{
		Engine:     engine,
		Skipped:    w.Skipped,
		Ratchets:   db,
		Conflicts:  db,
		PreKeys:    db,
		Bundles:    opts.Transport,
		Directory:  opts.Transport,
		Negotiator: w.Negotiator,
		Metrics:    metrics,
		Log:        logs.GetLogger("session"),
	})
	w.KeySync = keysyncsvc.New(keysyncsvc.Deps{
		Packages:  db,
		Queue:     db,
		Conflicts: db,
		Transport: opts.Transport,
		Registry:  w.Devices,
		States:    w.Sessions,
		Metrics:   metrics,
		Log:       logs.GetLogger("keysync"),
	}, keysyncsvc.Config{PackageTTL: cfg.Sync.PackageTTL, Clock: clock})
	w.Conflicts = conflictsvc.New(conflictsvc.Deps{
		Conflicts: db,
		Registry:  w.Devices,
		Sender:    w.KeySync,
		States:    w.Sessions,
		Metrics:   metrics,
		Log:       logs.GetLogger("conflict"),
	}, conflictsvc.Config{AutoResolve: cfg.Sync.AutoResolve, Clock: clock})
	w.KeySync.SetReporter(w.Conflicts)
	w.Queue = offlinesvc.New(offlinesvc.Deps{
		Queue:     db,
		Packages:  db,
		Transport: opts.Transport,
		Failures:  w.Devices,
		Metrics:   metrics,
		Log:       logs.GetLogger("offlinesync"),
	}, offlinesvc.Config{
		MaxRetries:  cfg.Sync.MaxRetries,
		BaseBackoff: cfg.Sync.BaseBackoff,
		MaxBackoff:  cfg.Sync.MaxBackoff,
		Clock:       clock,
	})
	return w, nil
}

// Close releases the database and the log backend.
func (w *Wire) Close() error {
	return errors.Join(w.DB.Close(), w.Logs.Close())
}
