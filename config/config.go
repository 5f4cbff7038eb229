package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	StorageEngineLocal  = "local"
	StorageEngineBadger = "badger"
)

type Config struct {
	DataDir       string `toml:"data-dir"`       // Directory holding snapshots and transaction logs.
	StorageEngine string `toml:"storage-engine"` // "local" (plain files) or "badger".
	StatusAddr    string `toml:"status-addr"`

	SnapshotCodec       uint32   `toml:"snapshot-codec"`        // Codec version used to write snapshots.
	SnapshotCodecs      []uint32 `toml:"snapshot-codecs"`       // Codec versions that can be read.
	SnapshotInterval    Duration `toml:"snapshot-interval"`     // How often the authority writes a full snapshot.
	SnapshotRetainCount int      `toml:"snapshot-retain-count"` // Number of snapshot generations kept.

	// An in-progress transaction is invalidated once it is older than this.
	TxTimeout           Duration `toml:"tx-timeout"`
	ExpiryCheckInterval Duration `toml:"expiry-check-interval"`
	// Committed change sets stay this long below the oldest in-progress transaction.
	ChangeSetPruneGrace Duration `toml:"change-set-prune-grace"`
	LogSyncTimeout      Duration `toml:"log-sync-timeout"`

	CacheRefreshInterval Duration `toml:"cache-refresh-interval"`
	CacheReadTimeout     Duration `toml:"cache-read-timeout"`

	Log log.Config `toml:"log"`

	logger   *zap.Logger
	logProps *log.ZapProperties
}

// Duration is a wrapper of time.Duration for TOML.
type Duration struct {
	time.Duration
}

// NewDuration creates a Duration from time.Duration.
func NewDuration(duration time.Duration) Duration {
	return Duration{Duration: duration}
}

// MarshalText returns the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a TOML string into a duration.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.WithStack(err)
}

// MarshalJSON returns the duration as a JSON string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}

const (
	defaultDataDir              = "/tmp/tinytx"
	defaultStatusAddr           = "127.0.0.1:20180"
	defaultSnapshotCodec        = 2
	defaultSnapshotInterval     = 5 * time.Minute
	defaultSnapshotRetainCount  = 10
	defaultTxTimeout            = 30 * time.Second
	defaultExpiryCheckInterval  = 10 * time.Second
	defaultLogSyncTimeout       = 5 * time.Second
	defaultCacheRefreshInterval = 10 * time.Second
	defaultCacheReadTimeout     = 5 * time.Second
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		DataDir:              defaultDataDir,
		StorageEngine:        StorageEngineLocal,
		StatusAddr:           defaultStatusAddr,
		SnapshotCodec:        defaultSnapshotCodec,
		SnapshotCodecs:       []uint32{1, 2},
		SnapshotInterval:     NewDuration(defaultSnapshotInterval),
		SnapshotRetainCount:  defaultSnapshotRetainCount,
		TxTimeout:            NewDuration(defaultTxTimeout),
		ExpiryCheckInterval:  NewDuration(defaultExpiryCheckInterval),
		LogSyncTimeout:       NewDuration(defaultLogSyncTimeout),
		CacheRefreshInterval: NewDuration(defaultCacheRefreshInterval),
		CacheReadTimeout:     NewDuration(defaultCacheReadTimeout),
		Log:                  log.Config{Level: getLogLevel()},
	}
}

// NewTestConfig returns a config with short intervals. Periodic snapshots are
// effectively disabled so tests decide when a snapshot is taken.
func NewTestConfig() *Config {
	return &Config{
		DataDir:              defaultDataDir,
		StorageEngine:        StorageEngineLocal,
		StatusAddr:           defaultStatusAddr,
		SnapshotCodec:        defaultSnapshotCodec,
		SnapshotCodecs:       []uint32{1, 2},
		SnapshotInterval:     NewDuration(time.Hour),
		SnapshotRetainCount:  3,
		TxTimeout:            NewDuration(time.Minute),
		ExpiryCheckInterval:  NewDuration(time.Hour),
		LogSyncTimeout:       NewDuration(time.Second),
		CacheRefreshInterval: NewDuration(50 * time.Millisecond),
		CacheReadTimeout:     NewDuration(100 * time.Millisecond),
		Log:                  log.Config{Level: getLogLevel()},
	}
}

// Load reads the TOML file at path on top of the default config and validates it.
func Load(path string) (*Config, error) {
	c := NewDefaultConfig()
	if path != "" {
		meta, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, errors.Annotatef(err, "load config %s", path)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Errorf("config file %s contains unknown items %v", path, undecoded)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data-dir must be set")
	}
	if c.StorageEngine != StorageEngineLocal && c.StorageEngine != StorageEngineBadger {
		return fmt.Errorf("unknown storage-engine %q", c.StorageEngine)
	}
	registered := false
	for _, v := range c.SnapshotCodecs {
		if v == c.SnapshotCodec {
			registered = true
		}
	}
	if !registered {
		return fmt.Errorf("snapshot-codec %d is not in snapshot-codecs %v", c.SnapshotCodec, c.SnapshotCodecs)
	}
	if c.SnapshotRetainCount < 1 {
		return fmt.Errorf("snapshot-retain-count must be at least 1")
	}
	for name, d := range map[string]Duration{
		"snapshot-interval":      c.SnapshotInterval,
		"tx-timeout":             c.TxTimeout,
		"expiry-check-interval":  c.ExpiryCheckInterval,
		"log-sync-timeout":       c.LogSyncTimeout,
		"cache-refresh-interval": c.CacheRefreshInterval,
		"cache-read-timeout":     c.CacheReadTimeout,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}
	if c.ChangeSetPruneGrace.Duration < 0 {
		return fmt.Errorf("change-set-prune-grace must not be negative")
	}
	if c.CacheReadTimeout.Duration > c.CacheRefreshInterval.Duration {
		log.Warn("cache-read-timeout is longer than cache-refresh-interval, refresh cycles will be skipped while a read hangs")
	}
	return nil
}

// SetupLogger setup the logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return err
	}
	c.logger = lg
	c.logProps = p
	log.ReplaceGlobals(lg, p)
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}
