package resolver

import (
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/firezone/firezone-sub006/base/log"
	"github.com/firezone/firezone-sub006/base/utils/expiring"
)

// minCacheTTL is the lowest record TTL worth caching. Anything below is
// answered upstream anyway by the time a second query arrives.
const minCacheTTL = 5 * time.Second

type cacheKey struct {
	domain string
	qtype  uint16
}

type cacheEntry struct {
	msg        *dns.Msg
	insertedAt time.Time
}

// Cache is a TTL-aware DNS response cache keyed by question name and type.
// It never expires entries on its own: the owner drives time through
// HandleTimeout and schedules wake-ups via PollTimeout.
type Cache struct {
	inner *expiring.Map[cacheKey, cacheEntry]
}

// NewCache returns an empty DNS response cache.
func NewCache() *Cache {
	return &Cache{
		inner: expiring.New[cacheKey, cacheEntry](),
	}
}

// Insert caches a response under its question, keyed until the smallest
// record TTL runs out. Responses that must not be cached are silently
// dropped: error rcodes, truncated responses, responses without records and
// responses whose TTL is too short to be worth keeping.
func (c *Cache) Insert(response *dns.Msg, now time.Time) {
	if len(response.Question) != 1 {
		return
	}
	question := response.Question[0]

	switch {
	case response.Rcode != dns.RcodeSuccess:
		log.Tracef("resolver: not caching %s: rcode %s", question.Name, dns.RcodeToString[response.Rcode])
		return
	case response.Truncated:
		log.Tracef("resolver: not caching %s: response is truncated", question.Name)
		return
	case len(response.Answer) == 0:
		log.Tracef("resolver: not caching %s: no records", question.Name)
		return
	}

	ttl := minAnswerTTL(response)
	if ttl < minCacheTTL {
		log.Tracef("resolver: not caching %s: TTL %s is too short", question.Name, ttl)
		return
	}

	key := cacheKey{domain: normalizeDomain(question.Name), qtype: question.Qtype}
	c.inner.Insert(key, cacheEntry{msg: response.Copy(), insertedAt: now}, now, ttl)
	cacheInserts.Inc()
}

// TryAnswer answers the query from the cache, if possible. The returned
// response carries the query's id and per-record TTLs reduced by the time
// the entry has spent in the cache.
func (c *Cache) TryAnswer(query *dns.Msg, now time.Time) (*dns.Msg, bool) {
	if len(query.Question) != 1 {
		return nil, false
	}
	question := query.Question[0]

	key := cacheKey{domain: normalizeDomain(question.Name), qtype: question.Qtype}
	entry, ok := c.inner.Get(key)
	if !ok || !entry.ExpiresAt.After(now) {
		// Expired entries count as misses even before the sweep runs.
		cacheMisses.Inc()
		return nil, false
	}
	cacheHits.Inc()

	elapsed := uint32(now.Sub(entry.Value.insertedAt).Seconds())

	response := entry.Value.msg.Copy()
	response.Id = query.Id
	response.Question = query.Question
	for _, rr := range response.Answer {
		hdr := rr.Header()
		if hdr.Ttl > elapsed {
			hdr.Ttl -= elapsed
		} else {
			hdr.Ttl = 0
		}
	}

	return response, true
}

// Flush drops all cached responses.
func (c *Cache) Flush(reason string) {
	if c.inner.Len() == 0 {
		return
	}
	log.Debugf("resolver: flushing %d cached DNS responses: %s", c.inner.Len(), reason)
	c.inner.Clear()
}

// Len returns the number of cached responses.
func (c *Cache) Len() int {
	return c.inner.Len()
}

// HandleTimeout expires entries whose TTL has passed as of now.
func (c *Cache) HandleTimeout(now time.Time) {
	c.inner.HandleTimeout(now)
	for {
		event, ok := c.inner.PollEvent()
		if !ok {
			return
		}
		cacheEvictions.Inc()
		log.Tracef("resolver: evicted %s %s from cache", dns.TypeToString[event.Key.qtype], event.Key.domain)
	}
}

// PollTimeout returns when HandleTimeout next needs to be called.
func (c *Cache) PollTimeout() (time.Time, bool) {
	return c.inner.PollTimeout()
}

func minAnswerTTL(msg *dns.Msg) time.Duration {
	min := uint32(0)
	for i, rr := range msg.Answer {
		ttl := rr.Header().Ttl
		if i == 0 || ttl < min {
			min = ttl
		}
	}
	return time.Duration(min) * time.Second
}

func normalizeDomain(domain string) string {
	return strings.ToLower(dns.Fqdn(domain))
}
