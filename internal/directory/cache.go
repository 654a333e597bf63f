// Package directory answers the two questions inbound mail asks before
// accepting a message: is the domain local, and does the recipient exist.
package directory

import (
	"fmt"
	"time"

	"github.com/EliRibble/stalwart-mail-server/internal/cache"
	"github.com/EliRibble/stalwart-mail-server/internal/config"
)

const (
	DefaultPositiveTTL = 24 * time.Hour
	DefaultNegativeTTL = time.Hour
)

// CachedDirectory remembers domain and recipient verdicts. A nil
// *CachedDirectory is valid and caches nothing.
type CachedDirectory struct {
	cachedDomains *cache.LookupCache[string]
	cachedRcpts   *cache.LookupCache[string]
}

// NewCachedDirectory builds the caches from cfg. Zero entries disables
// caching and returns a nil directory.
func NewCachedDirectory(cfg config.CacheConfig) (*CachedDirectory, error) {
	if cfg.Entries == 0 {
		return nil, nil
	}
	opts := cache.Options{
		Capacity:           cfg.Entries,
		PositiveTTL:        cfg.TTL.Positive,
		NegativeTTL:        cfg.TTL.Negative,
		InvalidateOpposite: cfg.InvalidateOpposite,
	}
	if opts.PositiveTTL <= 0 {
		opts.PositiveTTL = DefaultPositiveTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}
	return newCachedDirectory(opts)
}

func newCachedDirectory(opts cache.Options) (*CachedDirectory, error) {
	domains, err := cache.New[string](opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create domain cache: %w", err)
	}
	rcpts, err := cache.New[string](opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create recipient cache: %w", err)
	}
	return &CachedDirectory{cachedDomains: domains, cachedRcpts: rcpts}, nil
}

// GetRcpt returns the cached verdict for address.
func (c *CachedDirectory) GetRcpt(address string) (exists bool, ok bool) {
	if c == nil {
		return false, false
	}
	return c.cachedRcpts.Get(address)
}

func (c *CachedDirectory) SetRcpt(address string, exists bool) {
	if c != nil {
		c.cachedRcpts.Insert(address, exists)
	}
}

// GetDomain returns the cached verdict for domain.
func (c *CachedDirectory) GetDomain(domain string) (local bool, ok bool) {
	if c == nil {
		return false, false
	}
	return c.cachedDomains.Get(domain)
}

func (c *CachedDirectory) SetDomain(domain string, local bool) {
	if c != nil {
		c.cachedDomains.Insert(domain, local)
	}
}

// Clear forgets every verdict.
func (c *CachedDirectory) Clear() {
	if c != nil {
		c.cachedDomains.Clear()
		c.cachedRcpts.Clear()
	}
}
