package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/sirupsen/logrus"
)

// Default search filters. The looked up name replaces %s after escaping.
const (
	DefaultDomainFilter    = "(associatedDomain=%s)"
	DefaultRecipientFilter = "(mail=%s)"
)

// ErrInvalidFilter is returned when a search filter has no %s placeholder.
var ErrInvalidFilter = errors.New("ldap filter must contain exactly one %s")

// LDAPOptions configures an LDAPSource.
type LDAPOptions struct {
	// URL is ldap://host:port or ldaps://host:port.
	URL string
	// Security is "none", "starttls" or "tls". ldaps URLs imply tls.
	Security     string
	BindDN       string
	BindPassword string
	BaseDN       string
	// Filter selects the entry for a name, e.g. (mail=%s).
	Filter  string
	Timeout time.Duration
	Logger  *logrus.Logger
}

// ldapConn is the part of *ldap.Conn a lookup needs.
type ldapConn interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// LDAPSource answers directory queries with a subtree search: a name exists
// when at least one entry under BaseDN matches the filter.
type LDAPSource struct {
	opts   LDAPOptions
	dial   func(ctx context.Context) (ldapConn, error)
	logger *logrus.Logger
}

// NewLDAPSource creates an LDAP-backed Source. No connection is made until
// the first lookup.
func NewLDAPSource(opts LDAPOptions) (*LDAPSource, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if strings.Count(opts.Filter, "%s") != 1 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFilter, opts.Filter)
	}
	u, err := url.Parse(opts.URL)
	if err != nil || (u.Scheme != "ldap" && u.Scheme != "ldaps") {
		return nil, fmt.Errorf("invalid ldap url %q", opts.URL)
	}

	s := &LDAPSource{opts: opts, logger: opts.Logger}
	s.dial = s.connect
	return s, nil
}

// connect dials the server and binds with the service account. go-ldap has
// no context-aware dial, so the timeout bounds every network step instead.
func (s *LDAPSource) connect(ctx context.Context) (ldapConn, error) {
	u, _ := url.Parse(s.opts.URL)
	tlsConfig := &tls.Config{ServerName: u.Hostname()}

	dialOpts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: s.opts.Timeout})}
	if u.Scheme == "ldaps" || s.opts.Security == "tls" {
		u.Scheme = "ldaps"
		dialOpts = append(dialOpts, ldap.DialWithTLSConfig(tlsConfig))
	}

	conn, err := ldap.DialURL(u.String(), dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LDAP server: %w", err)
	}
	conn.SetTimeout(s.opts.Timeout)

	if s.opts.Security == "starttls" && u.Scheme == "ldap" {
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	if s.opts.BindDN != "" {
		if err := conn.Bind(s.opts.BindDN, s.opts.BindPassword); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to bind with service credentials: %w", err)
		}
	}
	return conn, nil
}

// searchRequest builds the existence query for name.
func (s *LDAPSource) searchRequest(name string) *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		s.opts.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		1,
		int(s.opts.Timeout/time.Second),
		false,
		fmt.Sprintf(s.opts.Filter, ldap.EscapeFilter(name)),
		[]string{"dn"},
		nil,
	)
}

// Exists implements Source.
func (s *LDAPSource) Exists(ctx context.Context, key []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	req := s.searchRequest(string(key))
	result, err := conn.Search(req)
	switch {
	case err == nil:
	case ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) && result != nil:
		// More than one entry matched.
	default:
		return false, fmt.Errorf("LDAP search failed: %w", err)
	}

	found := len(result.Entries) > 0
	s.logger.WithFields(logrus.Fields{
		"filter": req.Filter,
		"found":  found,
	}).Debug("LDAP directory lookup")
	return found, nil
}
