package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, ":8090", v.GetString("listen"))
	assert.Equal(t, "info", v.GetString("log_level"))
	assert.Equal(t, "json", v.GetString("log_format"))
}

func TestSetDefaults_DirectoryCache(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, 24*time.Hour, v.GetDuration("directory.cache.ttl.positive"))
	assert.Equal(t, time.Hour, v.GetDuration("directory.cache.ttl.negative"))
	assert.Zero(t, v.GetInt("directory.cache.entries"), "caching is off unless entries is set")
}

func TestSetDefaults_Metrics(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.True(t, v.GetBool("metrics.enable"))
	assert.Equal(t, "/metrics", v.GetString("metrics.path"))
}

func newTestViper(t *testing.T, values map[string]interface{}) *viper.Viper {
	t.Helper()
	v := viper.New()
	setDefaults(v)
	v.Set("data_dir", t.TempDir())
	for k, val := range values {
		v.Set(k, val)
	}
	return v
}

func TestUnmarshal_DefaultStores(t *testing.T) {
	v := newTestViper(t, nil)

	cfg, err := unmarshal(v)
	require.NoError(t, err)

	assert.Equal(t, "pebble", cfg.Storage.Data)
	assert.Equal(t, "blobs", cfg.Storage.Blob)
	assert.Equal(t, "pebble", cfg.Storage.Fts)
	assert.Equal(t, "pebble", cfg.Storage.Lookup)
	assert.Equal(t, TypePebble, cfg.Stores["pebble"].Type)
	assert.Equal(t, filepath.Join(cfg.DataDir, "blobs"), cfg.Stores["blobs"].Path)
	assert.Equal(t, "pebble", cfg.Directory.Recipients.Store)
	assert.Equal(t, "rcpt:", cfg.Directory.Recipients.Prefix)
	assert.Equal(t, time.Hour, cfg.Blob.PurgeInterval)
}

func TestUnmarshal_DeclaredStores(t *testing.T) {
	v := newTestViper(t, map[string]interface{}{
		"stores": map[string]interface{}{
			"sql": map[string]interface{}{
				"type":    "sqlite",
				"timeout": "3s",
			},
			"accounts": map[string]interface{}{
				"type":  "query",
				"store": "sql",
				"query": "SELECT 1 FROM accounts WHERE address = ?",
			},
			"cache": map[string]interface{}{
				"type": "redis",
				"url":  "redis://localhost:6379/0",
			},
			"archive": map[string]interface{}{
				"type":                "badger",
				"compaction":          true,
				"compaction_interval": "1m",
			},
		},
		"storage.data":                 "sql",
		"storage.lookup":               "cache",
		"directory.recipients.store":   "accounts",
		"directory.recipients.prefix":  "",
		"directory.cache.entries":      1000,
		"directory.cache.ttl.negative": "10m",
	})

	cfg, err := unmarshal(v)
	require.NoError(t, err)

	sql := cfg.Stores["sql"]
	assert.True(t, sql.IsData())
	assert.Equal(t, 3*time.Second, sql.Timeout)
	assert.Equal(t, filepath.Join(cfg.DataDir, "sql", "store.db"), sql.Path)

	archive := cfg.Stores["archive"]
	assert.True(t, archive.Compaction)
	assert.Equal(t, time.Minute, archive.CompactionInterval)

	assert.Equal(t, "sql", cfg.Storage.Blob)
	assert.Equal(t, "cache", cfg.Storage.Lookup)
	assert.Equal(t, "accounts", cfg.Directory.Recipients.Store)
	assert.Equal(t, "", cfg.Directory.Recipients.Prefix)
	assert.Equal(t, "cache", cfg.Directory.Domains.Store)
	assert.Equal(t, 1000, cfg.Directory.Cache.Entries)
	assert.Equal(t, 10*time.Minute, cfg.Directory.Cache.TTL.Negative)
	assert.Equal(t, 24*time.Hour, cfg.Directory.Cache.TTL.Positive)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]interface{}
		errMsg string
	}{
		{
			name:   "unknown type",
			values: map[string]interface{}{"stores.x.type": "cassandra", "storage.data": "x"},
			errMsg: "unknown type",
		},
		{
			name:   "postgres without dsn",
			values: map[string]interface{}{"stores.pg.type": "postgresql", "storage.data": "pg"},
			errMsg: "dsn is required",
		},
		{
			name:   "blob store as data",
			values: map[string]interface{}{"stores.b.type": "fs", "storage.data": "b"},
			errMsg: "not a data store",
		},
		{
			name: "query references unknown store",
			values: map[string]interface{}{
				"stores.m.type":  "memory",
				"stores.q.type":  "query",
				"stores.q.store": "missing",
				"stores.q.query": "SELECT 1",
				"storage.data":   "m",
			},
			errMsg: "unknown store",
		},
		{
			name:   "missing data role",
			values: map[string]interface{}{"stores.m.type": "memory"},
			errMsg: "storage.data is required",
		},
		{
			name:   "fts5 on a non sqlite store",
			values: map[string]interface{}{"stores.p.type": "pebble", "stores.p.fts_engine": "fts5", "storage.data": "p"},
			errMsg: "unsupported fts_engine",
		},
		{
			name: "redis as fts store",
			values: map[string]interface{}{
				"stores.m.type": "memory",
				"stores.r.type": "redis",
				"stores.r.url":  "redis://localhost:6379",
				"storage.data":  "m",
				"storage.fts":   "r",
			},
			errMsg: "cannot serve this role",
		},
		{
			name: "query on a lookup-only store",
			values: map[string]interface{}{
				"stores.m.type":  "memory",
				"stores.c.type":  "lookup-memory",
				"stores.q.type":  "query",
				"stores.q.store": "c",
				"stores.q.query": "SELECT 1",
				"storage.data":   "m",
			},
			errMsg: "needs a data store",
		},
		{
			name: "directory on a blob store",
			values: map[string]interface{}{
				"stores.m.type":              "memory",
				"stores.b.type":              "fs",
				"storage.data":               "m",
				"directory.recipients.store": "b",
			},
			errMsg: "cannot answer lookups",
		},
		{
			name: "ldap without base dn",
			values: map[string]interface{}{
				"stores.m.type":   "memory",
				"stores.dir.type": "ldap",
				"stores.dir.url":  "ldap://localhost",
				"storage.data":    "m",
			},
			errMsg: "need both url and base_dn",
		},
		{
			name: "ldap with unknown security",
			values: map[string]interface{}{
				"stores.m.type":       "memory",
				"stores.dir.type":     "ldap",
				"stores.dir.url":      "ldap://localhost",
				"stores.dir.base_dn":  "dc=example,dc=org",
				"stores.dir.security": "ssl",
				"storage.data":        "m",
			},
			errMsg: "unsupported ldap security",
		},
		{
			name: "ldap filter without placeholder",
			values: map[string]interface{}{
				"stores.m.type":               "memory",
				"stores.dir.type":             "ldap",
				"stores.dir.url":              "ldap://localhost",
				"stores.dir.base_dn":          "dc=example,dc=org",
				"storage.data":                "m",
				"directory.recipients.store":  "dir",
				"directory.recipients.filter": "(mail=*)",
			},
			errMsg: "exactly one %s",
		},
		{
			name: "ldap as lookup store",
			values: map[string]interface{}{
				"stores.m.type":      "memory",
				"stores.dir.type":    "ldap",
				"stores.dir.url":     "ldap://localhost",
				"stores.dir.base_dn": "dc=example,dc=org",
				"storage.data":       "m",
				"storage.lookup":     "dir",
			},
			errMsg: "cannot serve this role",
		},
		{
			name:   "zero purge interval",
			values: map[string]interface{}{"blob.purge_interval": "0s"},
			errMsg: "blob.purge_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := unmarshal(newTestViper(t, tt.values))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestUnmarshal_LDAPDirectory(t *testing.T) {
	v := newTestViper(t, map[string]interface{}{
		"stores": map[string]interface{}{
			"m": map[string]interface{}{"type": "memory"},
			"corp": map[string]interface{}{
				"type":          "ldap",
				"url":           "ldap://ldap.example.org",
				"bind_dn":       "cn=mail,dc=example,dc=org",
				"bind_password": "secret",
				"base_dn":       "dc=example,dc=org",
			},
		},
		"storage.data":                "m",
		"directory.recipients.store":  "corp",
		"directory.recipients.filter": "(mailAlternateAddress=%s)",
	})

	cfg, err := unmarshal(v)
	require.NoError(t, err)

	corp := cfg.Stores["corp"]
	assert.Equal(t, "none", corp.Security)
	assert.Equal(t, "cn=mail,dc=example,dc=org", corp.BindDN)
	assert.Equal(t, "dc=example,dc=org", corp.BaseDN)
	assert.Equal(t, "(mailAlternateAddress=%s)", cfg.Directory.Recipients.Filter)
	assert.Equal(t, "m", cfg.Directory.Domains.Store)
}

func TestValidate_RequiresDataDir(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	_, err := unmarshal(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data_dir is required")
}

func TestLoad_Flags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("data-dir", "", "")
	cmd.Flags().String("log-level", "info", "")

	dir := t.TempDir()
	require.NoError(t, cmd.Flags().Set("data-dir", dir))
	require.NoError(t, cmd.Flags().Set("log-level", "debug"))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
}
