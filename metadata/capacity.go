// Package metadata holds the read-only presentation collaborators: the
// NFT capacity-bonus lookup and the source display-name directory. They
// feed projection only and never participate in the core invariants.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"energyd/core/energy"
)

// CapacityClient resolves a subject's total capacity (base plus NFT
// ownership bonus) from the metadata service, caching results for a TTL.
// Lookup failures degrade to the configured base capacity.
type CapacityClient struct {
	endpoint string
	base     float64
	ttl      time.Duration
	client   *http.Client
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]capacityEntry
}

type capacityEntry struct {
	value     float64
	fetchedAt time.Time
}

// CapacityOption customises the client.
type CapacityOption func(*CapacityClient)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) CapacityOption {
	return func(c *CapacityClient) { c.client = client }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) CapacityOption {
	return func(c *CapacityClient) { c.now = clock }
}

// NewCapacityClient constructs a cached capacity lookup against the
// metadata endpoint. base is both the bonus-free floor and the value
// served when the collaborator is unreachable.
func NewCapacityClient(endpoint string, base float64, ttl time.Duration, opts ...CapacityOption) *CapacityClient {
	if ttl <= 0 {
		ttl = time.Minute
	}
	c := &CapacityClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		base:     base,
		ttl:      ttl,
		client:   &http.Client{Timeout: 5 * time.Second},
		now:      time.Now,
		cache:    make(map[string]capacityEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type capacityPayload struct {
	Base  float64 `json:"base"`
	Bonus float64 `json:"bonus"`
}

// Capacity reports base+bonus for the subject. On lookup failure it
// returns the base capacity along with the error so callers can log and
// still project something sensible.
func (c *CapacityClient) Capacity(ctx context.Context, subject string) (float64, error) {
	c.mu.Lock()
	entry, ok := c.cache[subject]
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry.value, nil
	}
	c.mu.Unlock()

	if c.endpoint == "" {
		return c.base, nil
	}
	target := c.endpoint + "/capacity/" + url.PathEscape(subject)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return c.base, fmt.Errorf("build capacity request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return c.stale(subject, fmt.Errorf("capacity lookup: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.stale(subject, fmt.Errorf("capacity lookup status %d", resp.StatusCode))
	}
	var payload capacityPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return c.stale(subject, fmt.Errorf("decode capacity: %w", err))
	}
	total := payload.Base + payload.Bonus
	if total <= 0 {
		total = c.base
	}
	c.mu.Lock()
	c.cache[subject] = capacityEntry{value: total, fetchedAt: c.now()}
	c.mu.Unlock()
	return total, nil
}

// stale serves an expired cache entry, or the base floor, when a fresh
// lookup failed.
func (c *CapacityClient) stale(subject string, err error) (float64, error) {
	c.mu.Lock()
	entry, ok := c.cache[subject]
	c.mu.Unlock()
	if ok {
		return entry.value, err
	}
	return c.base, err
}

// SourceDirectory maps source ids to display names for presentation. Ids
// without an entry render as themselves.
type SourceDirectory struct {
	names map[energy.SourceID]string
}

// NewSourceDirectory builds a directory from a static mapping, typically
// loaded from configuration.
func NewSourceDirectory(names map[string]string) *SourceDirectory {
	dir := &SourceDirectory{names: make(map[energy.SourceID]string, len(names))}
	for id, name := range names {
		dir.names[energy.SourceID(id)] = name
	}
	return dir
}

// DisplayName resolves the presentation name for a source.
func (d *SourceDirectory) DisplayName(id energy.SourceID) string {
	if d != nil {
		if name, ok := d.names[id]; ok {
			return name
		}
	}
	return string(id)
}
