package pa

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmhodges/clock"

	"github.com/icao-pkd/pkd-eval/core"
	pkdlog "github.com/icao-pkd/pkd-eval/log"
)

// CRLSource fetches a fresh CRL from the directory reader, the last-resort
// tier of the cache chain described by spec §4.8 step 6.
type CRLSource interface {
	FindCRLByCSCA(cscaSubjectDN core.DistinguishedName, country core.CountryCode) (*x509.RevocationList, error)
}

// crlCacheKey identifies one cached CRL by (cscaSubjectDN, country), per
// spec §4.8 step 6.
type crlCacheKey struct {
	CSCASubject string
	Country     core.CountryCode
}

func (k crlCacheKey) String() string {
	return fmt.Sprintf("pa:crl:%s:%s", k.Country, k.CSCASubject)
}

type cachedCRL struct {
	DER        []byte    `json:"der"`
	NextUpdate time.Time `json:"next_update"`
}

// CRLCache is the two-tier cache of spec §4.8 step 6: an in-memory,
// read-mostly map guarded by a single read-write lock, backed by a durable
// Redis tier, in front of a live LDAP lookup. Refreshes take no per-key
// lock: concurrent misses for the same key each fetch from the lower tiers.
type CRLCache struct {
	mu    sync.RWMutex
	mem   map[crlCacheKey]cachedCRL
	redis *redis.Client
	src   CRLSource
	clk   clock.Clock
	log   pkdlog.Logger
}

// NewCRLCache constructs a CRLCache. redisClient may be nil, in which case
// the durable tier is skipped and every in-memory miss goes straight to
// source. clk is the same injected clock the rest of the PA engine uses,
// so cache TTL expiry is deterministic under test.
func NewCRLCache(clk clock.Clock, redisClient *redis.Client, src CRLSource) *CRLCache {
	return &CRLCache{
		mem:   map[crlCacheKey]cachedCRL{},
		redis: redisClient,
		src:   src,
		clk:   clk,
		log:   pkdlog.Get(),
	}
}

// Get fetches the CRL for (cscaSubjectDN, country), consulting the
// in-memory cache, then the durable cache, then a live LDAP lookup, in
// that order, storing a fresh result in both caches with TTL derived from
// the CRL's nextUpdate.
func (c *CRLCache) Get(ctx context.Context, cscaSubjectDN core.DistinguishedName, country core.CountryCode) (*x509.RevocationList, error) {
	key := crlCacheKey{CSCASubject: cscaSubjectDN.Canonical, Country: country}

	c.mu.RLock()
	if entry, ok := c.mem[key]; ok && c.clk.Now().Before(entry.NextUpdate) {
		c.mu.RUnlock()
		return x509.ParseRevocationList(entry.DER)
	}
	c.mu.RUnlock()

	if c.redis != nil {
		if raw, err := c.redis.Get(ctx, key.String()).Bytes(); err == nil {
			var entry cachedCRL
			if err := json.Unmarshal(raw, &entry); err == nil && c.clk.Now().Before(entry.NextUpdate) {
				c.store(key, entry)
				return x509.ParseRevocationList(entry.DER)
			}
		}
	}

	crl, err := c.src.FindCRLByCSCA(cscaSubjectDN, country)
	if err != nil {
		return nil, err
	}
	entry := cachedCRL{DER: crl.Raw, NextUpdate: crl.NextUpdate}
	c.store(key, entry)
	c.persist(ctx, key, entry)
	return crl, nil
}

func (c *CRLCache) store(key crlCacheKey, entry cachedCRL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem[key] = entry
}

func (c *CRLCache) persist(ctx context.Context, key crlCacheKey, entry cachedCRL) {
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	ttl := entry.NextUpdate.Sub(c.clk.Now())
	if ttl <= 0 {
		return
	}
	if err := c.redis.Set(ctx, key.String(), raw, ttl).Err(); err != nil {
		c.log.Warning(fmt.Sprintf("failed to persist CRL cache entry %s: %s", key, err))
	}
}
