package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/EliRibble/stalwart-mail-server/internal/config"
	"github.com/EliRibble/stalwart-mail-server/internal/stores"
)

type mockLDAPConn struct {
	mock.Mock
}

func (m *mockLDAPConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	args := m.Called(req.Filter)
	result, _ := args.Get(0).(*ldap.SearchResult)
	return result, args.Error(1)
}

func (m *mockLDAPConn) Close() error {
	m.Called()
	return nil
}

func setupLDAPSource(t *testing.T, filter string, conn *mockLDAPConn) *LDAPSource {
	t.Helper()
	src, err := NewLDAPSource(LDAPOptions{
		URL:    "ldap://ldap.example.org:389",
		BaseDN: "dc=example,dc=org",
		Filter: filter,
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	src.dial = func(ctx context.Context) (ldapConn, error) { return conn, nil }
	return src
}

func entries(dns ...string) *ldap.SearchResult {
	result := &ldap.SearchResult{}
	for _, dn := range dns {
		result.Entries = append(result.Entries, ldap.NewEntry(dn, nil))
	}
	return result
}

func TestNewLDAPSource_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts LDAPOptions
	}{
		{"filter without placeholder", LDAPOptions{URL: "ldap://localhost", Filter: "(mail=*)"}},
		{"filter with two placeholders", LDAPOptions{URL: "ldap://localhost", Filter: "(|(mail=%s)(uid=%s))"}},
		{"http url", LDAPOptions{URL: "http://localhost", Filter: DefaultRecipientFilter}},
		{"missing url", LDAPOptions{Filter: DefaultRecipientFilter}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLDAPSource(tt.opts)
			assert.Error(t, err)
		})
	}

	_, err := NewLDAPSource(LDAPOptions{URL: "ldap://localhost", Filter: "(mail=*)"})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestLDAPSource_Exists(t *testing.T) {
	ctx := context.Background()

	t.Run("matching entry", func(t *testing.T) {
		conn := new(mockLDAPConn)
		conn.On("Search", "(mail=jdoe@example.org)").Return(entries("uid=jdoe,dc=example,dc=org"), nil).Once()
		conn.On("Close").Once()

		exists, err := setupLDAPSource(t, DefaultRecipientFilter, conn).Exists(ctx, []byte("jdoe@example.org"))
		require.NoError(t, err)
		assert.True(t, exists)
		conn.AssertExpectations(t)
	})

	t.Run("no entry", func(t *testing.T) {
		conn := new(mockLDAPConn)
		conn.On("Search", "(associatedDomain=example.net)").Return(entries(), nil).Once()
		conn.On("Close").Once()

		exists, err := setupLDAPSource(t, DefaultDomainFilter, conn).Exists(ctx, []byte("example.net"))
		require.NoError(t, err)
		assert.False(t, exists)
		conn.AssertExpectations(t)
	})

	t.Run("filter values are escaped", func(t *testing.T) {
		conn := new(mockLDAPConn)
		conn.On("Search", `(mail=\2a\29\28uid=\2a)`).Return(entries(), nil).Once()
		conn.On("Close").Once()

		exists, err := setupLDAPSource(t, DefaultRecipientFilter, conn).Exists(ctx, []byte("*)(uid=*"))
		require.NoError(t, err)
		assert.False(t, exists)
		conn.AssertExpectations(t)
	})

	t.Run("several entries", func(t *testing.T) {
		conn := new(mockLDAPConn)
		sizeLimit := ldap.NewError(ldap.LDAPResultSizeLimitExceeded, errors.New("size limit exceeded"))
		conn.On("Search", "(mail=postmaster@example.org)").Return(entries("uid=a,dc=example,dc=org"), sizeLimit).Once()
		conn.On("Close").Once()

		exists, err := setupLDAPSource(t, DefaultRecipientFilter, conn).Exists(ctx, []byte("postmaster@example.org"))
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("search failure", func(t *testing.T) {
		conn := new(mockLDAPConn)
		conn.On("Search", "(mail=jdoe@example.org)").Return(nil, ldap.NewError(ldap.LDAPResultUnavailable, errors.New("busy"))).Once()
		conn.On("Close").Once()

		_, err := setupLDAPSource(t, DefaultRecipientFilter, conn).Exists(ctx, []byte("jdoe@example.org"))
		assert.True(t, ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable))
		conn.AssertExpectations(t)
	})

	t.Run("dial failure", func(t *testing.T) {
		src := setupLDAPSource(t, DefaultRecipientFilter, nil)
		src.dial = func(ctx context.Context) (ldapConn, error) { return nil, errors.New("connection refused") }

		_, err := src.Exists(ctx, []byte("jdoe@example.org"))
		assert.EqualError(t, err, "connection refused")
	})

	t.Run("cancelled context", func(t *testing.T) {
		conn := new(mockLDAPConn)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := setupLDAPSource(t, DefaultRecipientFilter, conn).Exists(cancelled, []byte("jdoe@example.org"))
		assert.ErrorIs(t, err, context.Canceled)
		conn.AssertNotCalled(t, "Search", mock.Anything)
	})
}

func TestLookupDirectory_LDAPVerdictsAreCached(t *testing.T) {
	ctx := context.Background()
	conn := new(mockLDAPConn)
	conn.On("Search", "(mail=jdoe@example.org)").Return(entries("uid=jdoe,dc=example,dc=org"), nil).Once()
	conn.On("Close").Once()

	c, err := NewCachedDirectory(config.CacheConfig{Entries: 8})
	require.NoError(t, err)
	d := New(Options{Recipients: setupLDAPSource(t, DefaultRecipientFilter, conn), Cache: c, Logger: quietLogger()})

	for i := 0; i < 3; i++ {
		exists, err := d.RcptExists(ctx, "JDoe@Example.org")
		require.NoError(t, err)
		assert.True(t, exists)
	}
	conn.AssertExpectations(t)
}

func TestNewFromConfig_LDAP(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Storage: config.StorageConfig{Data: "mem", Lookup: "mem"},
		Stores: map[string]config.StoreConfig{
			"mem": {Type: config.TypeMemory},
			"corp": {
				Type:     config.TypeLDAP,
				URL:      "ldaps://ldap.example.org",
				Security: "tls",
				BaseDN:   "dc=example,dc=org",
			},
		},
		Directory: config.DirectoryConfig{
			Domains:    config.LookupRef{Prefix: "domain:"},
			Recipients: config.LookupRef{Store: "corp", Prefix: "rcpt:"},
		},
	}
	s, err := stores.Build(ctx, cfg, quietLogger(), nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.LookupStore("corp")
	assert.ErrorIs(t, err, stores.ErrStoreNotFound, "ldap servers are not lookup stores")

	d, err := NewFromConfig(cfg, s, nil, quietLogger())
	require.NoError(t, err)
	src, ok := d.rcpts.(*LDAPSource)
	require.True(t, ok)
	assert.Equal(t, DefaultRecipientFilter, src.opts.Filter)
	assert.Empty(t, d.rcptPrefix, "ldap filters replace key prefixes")
	assert.Equal(t, "domain:", d.domainPrefix)

	cfg.Directory.Recipients.Filter = "(&(objectClass=inetOrgPerson)(mailAlternateAddress=%s))"
	d, err = NewFromConfig(cfg, s, nil, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, cfg.Directory.Recipients.Filter, d.rcpts.(*LDAPSource).opts.Filter)

	cfg.Directory.Recipients.Filter = "(mail=*)"
	_, err = NewFromConfig(cfg, s, nil, quietLogger())
	assert.ErrorIs(t, err, ErrInvalidFilter)
}
