// Package config is the TOML configuration of a pqratchet device.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"pqratchet/internal/crypto"
	"pqratchet/internal/domain"
	"pqratchet/internal/store"
)

const (
	DefaultLogLevel           = "NOTICE"
	DefaultMaxSkip            = 1000
	DefaultRatchetInterval    = 50
	DefaultSkippedKeyTTL      = 72 * time.Hour
	DefaultMaxSkippedPerState = 1000
	DefaultNegotiationTTL     = 30 * 24 * time.Hour
	DefaultPackageTTL         = 7 * 24 * time.Hour
	DefaultMaxRetries         = 8
	DefaultBaseBackoff        = 5 * time.Second
	DefaultMaxBackoff         = time.Hour
	DefaultSyncInterval       = 30 * time.Second

	configMode = 0o600
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (l *Logging) validate() error {
	lvl := strings.ToUpper(l.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = DefaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", l.Level)
	}
	l.Level = lvl
	return nil
}

// Ratchet bounds the Double Ratchet engine and its skipped key cache.
type Ratchet struct {
	MaxSkip            uint32
	RatchetInterval    uint32
	SkippedKeyTTL      time.Duration
	MaxSkippedPerState int
}

// Negotiation controls algorithm selection.
type Negotiation struct {
	TTL time.Duration

	// Capabilities are advertised strongest first, written as
	// "hybrid-pqc/L5". Empty means every supported suite.
	Capabilities []string
}

// Sync tunes multi-device key distribution and the offline queue.
type Sync struct {
	PackageTTL  time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Interval is how often a running client drains its queue.
	Interval time.Duration

	// AutoResolve settles conflicts as soon as they are detected.
	AutoResolve bool
}

// Storage locates the device database.
type Storage struct {
	// DataDir is the absolute path holding the database and log files.
	DataDir string
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	// Address is the listen address for /metrics; empty disables it.
	Address string
}

// Relay points at the relay serving bundles and sync packages.
type Relay struct {
	URL string
}

// Config is the top level configuration.
type Config struct {
	Logging     *Logging
	Ratchet     *Ratchet
	Negotiation *Negotiation
	Sync        *Sync
	Storage     *Storage
	Metrics     *Metrics
	Relay       *Relay
}

// Default returns a configuration rooted at dataDir with every default
// applied.
func Default(dataDir, relayURL string) (*Config, error) {
	cfg := &Config{Storage: &Storage{DataDir: dataDir}, Relay: &Relay{URL: relayURL}}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FixupAndValidate fills missing sections and fields with defaults and
// rejects values that cannot work.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}

	if c.Ratchet == nil {
		c.Ratchet = &Ratchet{}
	}
	if c.Ratchet.MaxSkip == 0 {
		c.Ratchet.MaxSkip = DefaultMaxSkip
	}
	if c.Ratchet.RatchetInterval == 0 {
		c.Ratchet.RatchetInterval = DefaultRatchetInterval
	}
	if c.Ratchet.SkippedKeyTTL <= 0 {
		c.Ratchet.SkippedKeyTTL = DefaultSkippedKeyTTL
	}
	if c.Ratchet.MaxSkippedPerState <= 0 {
		c.Ratchet.MaxSkippedPerState = DefaultMaxSkippedPerState
	}

	if c.Negotiation == nil {
		c.Negotiation = &Negotiation{}
	}
	if c.Negotiation.TTL <= 0 {
		c.Negotiation.TTL = DefaultNegotiationTTL
	}
	if _, err := c.Negotiation.CapabilitySet(); err != nil {
		return err
	}

	if c.Sync == nil {
		c.Sync = &Sync{}
	}
	if c.Sync.PackageTTL <= 0 {
		c.Sync.PackageTTL = DefaultPackageTTL
	}
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = DefaultMaxRetries
	}
	if c.Sync.BaseBackoff <= 0 {
		c.Sync.BaseBackoff = DefaultBaseBackoff
	}
	if c.Sync.MaxBackoff <= 0 {
		c.Sync.MaxBackoff = DefaultMaxBackoff
	}
	if c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		return fmt.Errorf("config: Sync: MaxBackoff %v is below BaseBackoff %v", c.Sync.MaxBackoff, c.Sync.BaseBackoff)
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = DefaultSyncInterval
	}

	if c.Storage == nil {
		return errors.New("config: No Storage block was present")
	}
	if !filepath.IsAbs(c.Storage.DataDir) {
		return fmt.Errorf("config: Storage: DataDir '%v' is not an absolute path", c.Storage.DataDir)
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	if c.Relay == nil {
		c.Relay = &Relay{}
	}
	c.Relay.URL = strings.TrimRight(c.Relay.URL, "/")
	return nil
}

// CapabilitySet parses the configured capabilities.
func (n *Negotiation) CapabilitySet() (domain.CapabilitySet, error) {
	if len(n.Capabilities) == 0 {
		return crypto.SupportedCapabilities(), nil
	}
	set := make(domain.CapabilitySet, 0, len(n.Capabilities))
	for _, s := range n.Capabilities {
		c, err := ParseCapability(s)
		if err != nil {
			return nil, err
		}
		if _, err := crypto.SuiteFor(c); err != nil {
			return nil, fmt.Errorf("config: Negotiation: %w", err)
		}
		set = append(set, c)
	}
	return set, nil
}

// ParseCapability reads "algorithm/Ln", e.g. "hybrid-pqc/L3".
func ParseCapability(s string) (domain.Capability, error) {
	alg, lvl, ok := strings.Cut(s, "/")
	if !ok || !strings.HasPrefix(lvl, "L") {
		return domain.Capability{}, fmt.Errorf("config: capability '%v' is not of the form algorithm/Ln", s)
	}
	n, err := strconv.ParseUint(lvl[1:], 10, 8)
	if err != nil {
		return domain.Capability{}, fmt.Errorf("config: capability '%v': %v", s, err)
	}
	return domain.Capability{Algorithm: domain.Algorithm(alg), SecurityLevel: domain.SecurityLevel(n)}, nil
}

// FormatCapability is the inverse of ParseCapability.
func FormatCapability(c domain.Capability) string {
	return fmt.Sprintf("%s/L%d", c.Algorithm, c.SecurityLevel)
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Encode renders cfg as TOML.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile stores cfg at path, replacing any previous file atomically.
func (c *Config) WriteFile(path string) error {
	b, err := c.Encode()
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, b, configMode)
}
