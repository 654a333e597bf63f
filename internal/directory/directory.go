package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/EliRibble/stalwart-mail-server/internal/config"
	"github.com/EliRibble/stalwart-mail-server/internal/metrics"
	"github.com/EliRibble/stalwart-mail-server/internal/stores"
)

// Cache outcome labels
const (
	OutcomePositive = "hit_positive"
	OutcomeNegative = "hit_negative"
	OutcomeMiss     = "miss"
)

// Source is the part of a lookup store the directory needs.
type Source interface {
	Exists(ctx context.Context, key []byte) (bool, error)
}

// Options configures a LookupDirectory.
type Options struct {
	Domains      Source
	DomainPrefix string
	Recipients   Source
	RcptPrefix   string
	Cache        *CachedDirectory
	Metrics      metrics.Manager
	Logger       *logrus.Logger
}

// LookupDirectory answers directory queries from lookup stores, keeping the
// verdicts in a CachedDirectory.
type LookupDirectory struct {
	domains      Source
	domainPrefix string
	rcpts        Source
	rcptPrefix   string
	cache        *CachedDirectory
	metrics      metrics.Manager
	logger       *logrus.Logger
}

// New creates a LookupDirectory.
func New(opts Options) *LookupDirectory {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	return &LookupDirectory{
		domains:      opts.Domains,
		domainPrefix: opts.DomainPrefix,
		rcpts:        opts.Recipients,
		rcptPrefix:   opts.RcptPrefix,
		cache:        opts.Cache,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

// NewFromConfig wires the directory to the lookup stores or LDAP servers
// named in cfg.Directory.
func NewFromConfig(cfg *config.Config, s *stores.Stores, m metrics.Manager, logger *logrus.Logger) (*LookupDirectory, error) {
	domains, domainPrefix, err := sourceFor(cfg, s, cfg.Directory.Domains, DefaultDomainFilter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve domain store: %w", err)
	}
	rcpts, rcptPrefix, err := sourceFor(cfg, s, cfg.Directory.Recipients, DefaultRecipientFilter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipient store: %w", err)
	}
	c, err := NewCachedDirectory(cfg.Directory.Cache)
	if err != nil {
		return nil, err
	}
	return New(Options{
		Domains:      domains,
		DomainPrefix: domainPrefix,
		Recipients:   rcpts,
		RcptPrefix:   rcptPrefix,
		Cache:        c,
		Metrics:      m,
		Logger:       logger,
	}), nil
}

// sourceFor resolves one directory reference and the key prefix it uses.
func sourceFor(cfg *config.Config, s *stores.Stores, ref config.LookupRef, defaultFilter string, logger *logrus.Logger) (Source, string, error) {
	sc, ok := cfg.Stores[ref.Store]
	if !ok || sc.Type != config.TypeLDAP {
		l, err := s.LookupStore(ref.Store)
		return l, ref.Prefix, err
	}

	filter := ref.Filter
	if filter == "" {
		filter = defaultFilter
	}
	src, err := NewLDAPSource(LDAPOptions{
		URL:          sc.URL,
		Security:     sc.Security,
		BindDN:       sc.BindDN,
		BindPassword: sc.BindPassword,
		BaseDN:       sc.BaseDN,
		Filter:       filter,
		Timeout:      sc.Timeout,
		Logger:       logger,
	})
	return src, "", err
}

// Cache returns the verdict cache, nil when caching is disabled.
func (d *LookupDirectory) Cache() *CachedDirectory {
	return d.cache
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func outcome(verdict, ok bool) string {
	switch {
	case !ok:
		return OutcomeMiss
	case verdict:
		return OutcomePositive
	default:
		return OutcomeNegative
	}
}

// IsLocalDomain reports whether mail for domain is accepted here.
func (d *LookupDirectory) IsLocalDomain(ctx context.Context, domain string) (bool, error) {
	domain = normalize(domain)

	local, ok := d.cache.GetDomain(domain)
	if d.cache != nil {
		d.metrics.RecordCacheLookup("domains", outcome(local, ok))
	}
	if ok {
		return local, nil
	}

	local, err := d.domains.Exists(ctx, []byte(d.domainPrefix+domain))
	if err != nil {
		d.logger.WithFields(logrus.Fields{"domain": domain, "error": err}).Warn("Domain lookup failed")
		return false, err
	}
	d.cache.SetDomain(domain, local)
	return local, nil
}

// RcptExists reports whether address is a known recipient.
func (d *LookupDirectory) RcptExists(ctx context.Context, address string) (bool, error) {
	address = normalize(address)

	exists, ok := d.cache.GetRcpt(address)
	if d.cache != nil {
		d.metrics.RecordCacheLookup("rcpts", outcome(exists, ok))
	}
	if ok {
		return exists, nil
	}

	exists, err := d.rcpts.Exists(ctx, []byte(d.rcptPrefix+address))
	if err != nil {
		d.logger.WithFields(logrus.Fields{"recipient": address, "error": err}).Warn("Recipient lookup failed")
		return false, err
	}
	d.cache.SetRcpt(address, exists)
	return exists, nil
}
