package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Store types accepted in stores.<name>.type
const (
	TypeSQLite       = "sqlite"
	TypePostgreSQL   = "postgresql"
	TypeMySQL        = "mysql"
	TypePebble       = "pebble"
	TypeBadger       = "badger"
	TypeBolt         = "bolt"
	TypeMemory       = "memory"
	TypeFilesystem   = "fs"
	TypeS3           = "s3"
	TypeRedis        = "redis"
	TypeLookupMemory = "lookup-memory"
	TypeQuery        = "query"
	TypeLDAP         = "ldap"
)

// DataTypes are the store types that implement the full key-value contract
// and can therefore serve every role.
var DataTypes = []string{TypeSQLite, TypePostgreSQL, TypeMySQL, TypePebble, TypeBadger, TypeBolt, TypeMemory}

// Config holds all configuration for the storage core
type Config struct {
	Listen    string `mapstructure:"listen"`
	DataDir   string `mapstructure:"data_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Storage selects which configured store serves each role.
	Storage StorageConfig `mapstructure:"storage"`

	// Stores declares the backends by name.
	Stores map[string]StoreConfig `mapstructure:"stores"`

	Directory DirectoryConfig `mapstructure:"directory"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// StorageConfig names the default store of each role.
type StorageConfig struct {
	Data   string `mapstructure:"data"`
	Blob   string `mapstructure:"blob"`
	Fts    string `mapstructure:"fts"`
	Lookup string `mapstructure:"lookup"`
}

// StoreConfig defines one named backend. Which fields apply depends on Type.
type StoreConfig struct {
	Type string `mapstructure:"type"`

	// Embedded engines and the filesystem blob store
	Path       string `mapstructure:"path"`
	SyncWrites bool   `mapstructure:"sync_writes"`
	Depth      int    `mapstructure:"depth"`
	// Compaction runs badger's value-log GC every CompactionInterval.
	Compaction         bool          `mapstructure:"compaction"`
	CompactionInterval time.Duration `mapstructure:"compaction_interval"`

	// SQL engines
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// FtsEngine selects how a sqlite store indexes text: "store" keeps term
	// bitmaps in the key-value tables, "fts5" uses a virtual table.
	FtsEngine string `mapstructure:"fts_engine"`

	// Redis and LDAP
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`

	// LDAP directories. Security is none, starttls or tls.
	Security     string `mapstructure:"security"`
	BindDN       string `mapstructure:"bind_dn"`
	BindPassword string `mapstructure:"bind_password"`
	BaseDN       string `mapstructure:"base_dn"`

	// S3
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`

	// Query lookups run Query against the store named Store.
	Store string `mapstructure:"store"`
	Query string `mapstructure:"query"`
}

// IsData reports whether the store type implements the key-value contract.
func (s StoreConfig) IsData() bool {
	for _, t := range DataTypes {
		if s.Type == t {
			return true
		}
	}
	return false
}

// IsBlob reports whether the store type can keep blobs.
func (s StoreConfig) IsBlob() bool {
	return s.IsData() || s.Type == TypeFilesystem || s.Type == TypeS3
}

// IsLookup reports whether the store type can answer lookups.
func (s StoreConfig) IsLookup() bool {
	return s.IsData() || s.Type == TypeRedis || s.Type == TypeLookupMemory || s.Type == TypeQuery
}

// DirectoryConfig configures recipient and domain lookups.
type DirectoryConfig struct {
	Domains    LookupRef   `mapstructure:"domains"`
	Recipients LookupRef   `mapstructure:"recipients"`
	Cache      CacheConfig `mapstructure:"cache"`
}

// LookupRef names the lookup store answering one kind of directory query.
// Prefix is prepended to the looked up name, so several kinds can share a
// key-value store. When Store is an ldap store, Filter is the search filter
// instead and Prefix is ignored.
type LookupRef struct {
	Store  string `mapstructure:"store"`
	Prefix string `mapstructure:"prefix"`
	Filter string `mapstructure:"filter"`
}

// CacheConfig configures the lookup cache. A zero Entries disables caching.
type CacheConfig struct {
	Entries            int      `mapstructure:"entries"`
	TTL                CacheTTL `mapstructure:"ttl"`
	InvalidateOpposite bool     `mapstructure:"invalidate_opposite"`
}

// CacheTTL holds the lifetime of positive and negative verdicts.
type CacheTTL struct {
	Positive time.Duration `mapstructure:"positive"`
	Negative time.Duration `mapstructure:"negative"`
}

// BlobConfig configures blob retention.
type BlobConfig struct {
	PurgeInterval  time.Duration `mapstructure:"purge_interval"`
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
	ChunkSize      int           `mapstructure:"chunk_size"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Load loads configuration from various sources
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Bind command line flags
	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Read from config file if specified
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables
	v.SetEnvPrefix("STALWART")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and setup defaults
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8090")
	// NO default for data_dir - must be explicitly configured
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	// Directory cache: no entries means no cache
	v.SetDefault("directory.cache.ttl.positive", "24h")
	v.SetDefault("directory.cache.ttl.negative", "1h")
	v.SetDefault("directory.cache.invalidate_opposite", false)
	v.SetDefault("directory.domains.prefix", "domain:")
	v.SetDefault("directory.recipients.prefix", "rcpt:")

	// Blob defaults
	v.SetDefault("blob.purge_interval", "1h")
	v.SetDefault("blob.reservation_ttl", "24h")
	v.SetDefault("blob.chunk_size", 64*1024)

	// Metrics defaults
	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":     "listen",
		"data-dir":   "data_dir",
		"log-level":  "log_level",
		"log-format": "log_format",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

// defaultStores is used when no store is declared: one embedded Pebble
// database for data, full-text and lookups plus a blob directory.
func defaultStores(dataDir string) map[string]StoreConfig {
	return map[string]StoreConfig{
		"pebble": {Type: TypePebble, Path: filepath.Join(dataDir, "data")},
		"blobs":  {Type: TypeFilesystem, Path: filepath.Join(dataDir, "blobs")},
	}
}

func validate(cfg *Config) error {
	// Validate that data_dir is configured (either via flag, config file, or env var)
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or STALWART_DATA_DIR environment variable")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if len(cfg.Stores) == 0 {
		logrus.Debug("No stores configured, using embedded defaults")
		cfg.Stores = defaultStores(cfg.DataDir)
		if cfg.Storage.Data == "" {
			cfg.Storage.Data = "pebble"
		}
		if cfg.Storage.Blob == "" {
			cfg.Storage.Blob = "blobs"
		}
	}

	names := make([]string, 0, len(cfg.Stores))
	for name := range cfg.Stores {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sc := cfg.Stores[name]
		if err := validateStore(cfg.DataDir, name, &sc); err != nil {
			return err
		}
		cfg.Stores[name] = sc
	}
	for _, name := range names {
		if sc := cfg.Stores[name]; sc.Type == TypeQuery {
			target, ok := cfg.Stores[sc.Store]
			if !ok {
				return fmt.Errorf("store %q: query store references unknown store %q", name, sc.Store)
			}
			if !target.IsData() {
				return fmt.Errorf("store %q: query store needs a data store, %q has type %q", name, sc.Store, target.Type)
			}
		}
	}

	// Roles default to the data store
	if cfg.Storage.Data == "" {
		return fmt.Errorf("storage.data is required when stores are declared")
	}
	data, ok := cfg.Stores[cfg.Storage.Data]
	if !ok {
		return fmt.Errorf("storage.data references unknown store %q", cfg.Storage.Data)
	}
	if !data.IsData() {
		return fmt.Errorf("storage.data store %q has type %q which is not a data store", cfg.Storage.Data, data.Type)
	}
	if cfg.Storage.Blob == "" {
		cfg.Storage.Blob = cfg.Storage.Data
	}
	if cfg.Storage.Fts == "" {
		cfg.Storage.Fts = cfg.Storage.Data
	}
	if cfg.Storage.Lookup == "" {
		cfg.Storage.Lookup = cfg.Storage.Data
	}
	roles := []struct {
		role string
		name string
		fits func(StoreConfig) bool
	}{
		{"blob", cfg.Storage.Blob, StoreConfig.IsBlob},
		{"fts", cfg.Storage.Fts, StoreConfig.IsData},
		{"lookup", cfg.Storage.Lookup, StoreConfig.IsLookup},
	}
	for _, r := range roles {
		sc, ok := cfg.Stores[r.name]
		if !ok {
			return fmt.Errorf("storage.%s references unknown store %q", r.role, r.name)
		}
		if !r.fits(sc) {
			return fmt.Errorf("storage.%s store %q has type %q which cannot serve this role", r.role, r.name, sc.Type)
		}
	}

	for kind, ref := range map[string]*LookupRef{"domains": &cfg.Directory.Domains, "recipients": &cfg.Directory.Recipients} {
		if ref.Store == "" {
			ref.Store = cfg.Storage.Lookup
		}
		sc, ok := cfg.Stores[ref.Store]
		if !ok {
			return fmt.Errorf("directory.%s references unknown store %q", kind, ref.Store)
		}
		if !sc.IsLookup() && sc.Type != TypeLDAP {
			return fmt.Errorf("directory.%s store %q has type %q which cannot answer lookups", kind, ref.Store, sc.Type)
		}
		if sc.Type == TypeLDAP && ref.Filter != "" && strings.Count(ref.Filter, "%s") != 1 {
			return fmt.Errorf("directory.%s filter must contain exactly one %%s", kind)
		}
	}
	if cfg.Directory.Cache.Entries < 0 {
		return fmt.Errorf("directory.cache.entries must not be negative")
	}

	if cfg.Blob.ChunkSize <= 0 {
		return fmt.Errorf("blob.chunk_size must be positive")
	}
	if cfg.Blob.PurgeInterval <= 0 || cfg.Blob.ReservationTTL <= 0 {
		return fmt.Errorf("blob.purge_interval and blob.reservation_ttl must be positive")
	}

	return nil
}

func validateStore(dataDir, name string, sc *StoreConfig) error {
	switch sc.Type {
	case TypeSQLite, TypePebble, TypeBadger, TypeBolt, TypeFilesystem:
		if sc.Path == "" {
			sc.Path = filepath.Join(dataDir, name)
		}
		// Make paths absolute if they're not already
		if !filepath.IsAbs(sc.Path) {
			if abs, err := filepath.Abs(sc.Path); err == nil {
				sc.Path = abs
			}
		}
		if sc.Type == TypeSQLite && filepath.Ext(sc.Path) == "" {
			sc.Path = filepath.Join(sc.Path, "store.db")
		}
		if sc.FtsEngine != "" && sc.FtsEngine != "store" && !(sc.Type == TypeSQLite && sc.FtsEngine == "fts5") {
			return fmt.Errorf("store %q: unsupported fts_engine %q", name, sc.FtsEngine)
		}
	case TypePostgreSQL, TypeMySQL:
		if sc.DSN == "" {
			return fmt.Errorf("store %q: dsn is required for %s", name, sc.Type)
		}
	case TypeMemory, TypeLookupMemory:
	case TypeS3:
		if sc.Bucket == "" {
			return fmt.Errorf("store %q: bucket is required for s3", name)
		}
	case TypeRedis:
		if sc.URL == "" {
			return fmt.Errorf("store %q: url is required for redis", name)
		}
	case TypeQuery:
		if sc.Query == "" || sc.Store == "" {
			return fmt.Errorf("store %q: query stores need both store and query", name)
		}
	case TypeLDAP:
		if sc.URL == "" || sc.BaseDN == "" {
			return fmt.Errorf("store %q: ldap stores need both url and base_dn", name)
		}
		switch sc.Security {
		case "":
			sc.Security = "none"
		case "none", "starttls", "tls":
		default:
			return fmt.Errorf("store %q: unsupported ldap security %q", name, sc.Security)
		}
	case "":
		return fmt.Errorf("store %q: type is required", name)
	default:
		return fmt.Errorf("store %q: unknown type %q", name, sc.Type)
	}
	return nil
}
