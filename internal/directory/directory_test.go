package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/EliRibble/stalwart-mail-server/internal/cache"
	"github.com/EliRibble/stalwart-mail-server/internal/config"
	"github.com/EliRibble/stalwart-mail-server/internal/metrics"
	"github.com/EliRibble/stalwart-mail-server/internal/store"
	"github.com/EliRibble/stalwart-mail-server/internal/stores"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Exists(ctx context.Context, key []byte) (bool, error) {
	args := m.Called(ctx, string(key))
	return args.Bool(0), args.Error(1)
}

type cacheMetrics struct {
	metrics.Manager
	mu       sync.Mutex
	outcomes []string
}

func (m *cacheMetrics) RecordCacheLookup(cache, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, cache+"/"+outcome)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestNewCachedDirectory(t *testing.T) {
	t.Run("disabled without entries", func(t *testing.T) {
		c, err := NewCachedDirectory(config.CacheConfig{})
		require.NoError(t, err)
		assert.Nil(t, c)

		// A nil directory is a pass-through.
		c.SetRcpt("jdoe@example.org", true)
		_, ok := c.GetRcpt("jdoe@example.org")
		assert.False(t, ok)
		c.Clear()
	})

	t.Run("enabled", func(t *testing.T) {
		c, err := NewCachedDirectory(config.CacheConfig{Entries: 10})
		require.NoError(t, err)
		require.NotNil(t, c)

		c.SetDomain("example.org", true)
		c.SetRcpt("nobody@example.org", false)

		local, ok := c.GetDomain("example.org")
		assert.True(t, ok)
		assert.True(t, local)
		exists, ok := c.GetRcpt("nobody@example.org")
		assert.True(t, ok)
		assert.False(t, exists)

		_, ok = c.GetRcpt("example.org")
		assert.False(t, ok, "domains and recipients are cached apart")

		c.Clear()
		_, ok = c.GetDomain("example.org")
		assert.False(t, ok)
	})

	t.Run("negative entries", func(t *testing.T) {
		_, err := NewCachedDirectory(config.CacheConfig{Entries: -1})
		assert.ErrorIs(t, err, cache.ErrInvalidCapacity)
	})
}

func TestCachedDirectory_TTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c, err := newCachedDirectory(cache.Options{
		Capacity:    4,
		PositiveTTL: time.Hour,
		NegativeTTL: time.Minute,
		Clock:       func() time.Time { return now },
	})
	require.NoError(t, err)

	c.SetRcpt("jdoe@example.org", true)
	c.SetRcpt("ghost@example.org", false)

	now = now.Add(time.Minute)
	_, ok := c.GetRcpt("ghost@example.org")
	assert.True(t, ok, "validity is inclusive")

	now = now.Add(time.Second)
	_, ok = c.GetRcpt("ghost@example.org")
	assert.False(t, ok)
	exists, ok := c.GetRcpt("jdoe@example.org")
	assert.True(t, ok)
	assert.True(t, exists)
}

func TestLookupDirectory_CachesVerdicts(t *testing.T) {
	ctx := context.Background()
	domains := new(mockSource)
	rcpts := new(mockSource)
	domains.On("Exists", mock.Anything, "domain:example.org").Return(true, nil).Once()
	rcpts.On("Exists", mock.Anything, "rcpt:nobody@example.org").Return(false, nil).Once()

	c, err := NewCachedDirectory(config.CacheConfig{Entries: 100})
	require.NoError(t, err)
	m := &cacheMetrics{Manager: metrics.Noop()}
	d := New(Options{
		Domains:      domains,
		DomainPrefix: "domain:",
		Recipients:   rcpts,
		RcptPrefix:   "rcpt:",
		Cache:        c,
		Metrics:      m,
		Logger:       quietLogger(),
	})

	for i := 0; i < 3; i++ {
		local, err := d.IsLocalDomain(ctx, "Example.ORG")
		require.NoError(t, err)
		assert.True(t, local)

		exists, err := d.RcptExists(ctx, "nobody@example.org")
		require.NoError(t, err)
		assert.False(t, exists)
	}

	domains.AssertExpectations(t)
	rcpts.AssertExpectations(t)
	assert.Equal(t, []string{
		"domains/miss", "rcpts/miss",
		"domains/hit_positive", "rcpts/hit_negative",
		"domains/hit_positive", "rcpts/hit_negative",
	}, m.outcomes)
}

func TestLookupDirectory_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	rcpts := new(mockSource)
	failure := store.NewInternalError("backend unavailable")
	rcpts.On("Exists", mock.Anything, "jdoe@example.org").Return(false, failure).Once()
	rcpts.On("Exists", mock.Anything, "jdoe@example.org").Return(true, nil).Once()

	c, err := NewCachedDirectory(config.CacheConfig{Entries: 10})
	require.NoError(t, err)
	d := New(Options{Recipients: rcpts, Cache: c, Logger: quietLogger()})

	_, err = d.RcptExists(ctx, "jdoe@example.org")
	assert.True(t, errors.Is(err, failure))
	_, ok := c.GetRcpt("jdoe@example.org")
	assert.False(t, ok)

	exists, err := d.RcptExists(ctx, "jdoe@example.org")
	require.NoError(t, err)
	assert.True(t, exists)
	rcpts.AssertExpectations(t)
}

func TestLookupDirectory_WithoutCache(t *testing.T) {
	ctx := context.Background()
	domains := new(mockSource)
	domains.On("Exists", mock.Anything, "example.org").Return(true, nil).Twice()

	d := New(Options{Domains: domains, Logger: quietLogger()})
	assert.Nil(t, d.Cache())
	for i := 0; i < 2; i++ {
		local, err := d.IsLocalDomain(ctx, "example.org")
		require.NoError(t, err)
		assert.True(t, local)
	}
	domains.AssertExpectations(t)
}

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Storage: config.StorageConfig{Data: "mem", Lookup: "mem"},
		Stores: map[string]config.StoreConfig{
			"mem": {Type: config.TypeMemory},
		},
		Directory: config.DirectoryConfig{
			Domains:    config.LookupRef{Prefix: "domain:"},
			Recipients: config.LookupRef{Store: "mem", Prefix: "rcpt:"},
			Cache:      config.CacheConfig{Entries: 16},
		},
	}
	s, err := stores.Build(ctx, cfg, quietLogger(), nil)
	require.NoError(t, err)
	defer s.Close()

	lookups, err := s.LookupStore("")
	require.NoError(t, err)
	require.NoError(t, lookups.Set(ctx, []byte("domain:example.org"), []byte{1}, 0))
	require.NoError(t, lookups.Set(ctx, []byte("rcpt:jdoe@example.org"), []byte{1}, 0))

	d, err := NewFromConfig(cfg, s, nil, quietLogger())
	require.NoError(t, err)
	assert.NotNil(t, d.Cache())

	local, err := d.IsLocalDomain(ctx, "example.org")
	require.NoError(t, err)
	assert.True(t, local)
	local, err = d.IsLocalDomain(ctx, "example.net")
	require.NoError(t, err)
	assert.False(t, local)

	exists, err := d.RcptExists(ctx, "JDoe@example.org")
	require.NoError(t, err)
	assert.True(t, exists)

	cfg.Directory.Recipients.Store = "missing"
	_, err = NewFromConfig(cfg, s, nil, quietLogger())
	assert.ErrorIs(t, err, stores.ErrStoreNotFound)
}
