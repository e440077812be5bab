// Package locationcache resolves free-text place-name variants to canonical
// geographic codes without a database round-trip per ingested item. The
// mapping table is bulk-loaded from a backing store and swapped in
// atomically, so readers never observe a partially populated table.
package locationcache

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/newswallproject/newswall/internal/common/util"
	"github.com/newswallproject/newswall/internal/domain"
)

const (
	MatchTypeExact = "exact"
	MatchTypeFuzzy = "fuzzy"
)

// Entry is the set of canonical codes a variant resolves to. Lower
// MatchPriority takes precedence among competing mappings for the same
// normalized key.
type Entry struct {
	CountryCode             string
	RegionCountryCode       string
	RegionCode              string
	MunicipalityCountryCode string
	MunicipalityRegionCode  string
	MunicipalityCode        string
	MatchPriority           int
	MatchType               string
}

// MappingRow is one variant → codes row from the backing store.
type MappingRow struct {
	Variant string
	Entry
}

// MappingRepository is the backing store for location mappings. Rows are
// returned ordered by ascending match priority.
type MappingRepository interface {
	GetAllMappings(ctx context.Context) ([]*MappingRow, error)
}

// Stats is read-only cache introspection for health endpoints.
type Stats struct {
	Ready      bool      `json:"ready"`
	Entries    int       `json:"entries"`
	Version    int64     `json:"version"`
	LoadedAt   time.Time `json:"loadedAt"`
	SampleKeys []string  `json:"sampleKeys"`
}

type Cache struct {
	repository MappingRepository
	clock      util.Clock
	group      singleflight.Group

	mutex    sync.RWMutex
	entries  map[string]*Entry
	version  int64
	loadedAt time.Time
}

func New(repository MappingRepository, clock util.Clock) *Cache {
	return &Cache{
		repository: repository,
		clock:      clock,
	}
}

// Load fetches all mappings and replaces the lookup table. The replacement
// table is built off to the side and swapped in under the write lock, so
// concurrent lookups always see either the old or the new table in full.
// Concurrent Load calls collapse into a single fetch; every caller gets the
// result of that one fetch.
func (c *Cache) Load(ctx context.Context) error {
	_, err, _ := c.group.Do("load", func() (interface{}, error) {
		rows, err := c.repository.GetAllMappings(ctx)
		if err != nil {
			return nil, errors.WithMessage(err, "loading location mappings")
		}

		entries := make(map[string]*Entry, len(rows))
		for _, row := range rows {
			key := Normalize(row.Variant)
			if key == "" {
				continue
			}
			if existing, ok := entries[key]; ok && existing.MatchPriority <= row.MatchPriority {
				continue
			}
			entry := row.Entry
			entries[key] = &entry
		}

		c.mutex.Lock()
		c.entries = entries
		c.version++
		c.loadedAt = c.clock.Now()
		version := c.version
		c.mutex.Unlock()

		log.Infof("Loaded %d location mappings from %d rows (version %d)", len(entries), len(rows), version)
		return nil, nil
	})
	return err
}

// Refresh forces a fresh load, used after an administrator adds new mappings.
func (c *Cache) Refresh(ctx context.Context) error {
	return c.Load(ctx)
}

// Lookup normalizes variant and returns the entry it resolves to, or nil when
// there is no mapping. Before the first successful Load it returns
// domain.ErrNotReady, which callers must treat differently from a miss.
func (c *Cache) Lookup(variant string) (*Entry, error) {
	c.mutex.RLock()
	entries := c.entries
	c.mutex.RUnlock()

	if entries == nil {
		return nil, &domain.ErrNotReady{Resource: "location cache"}
	}
	return entries[Normalize(variant)], nil
}

func (c *Cache) IsReady() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.entries != nil
}

func (c *Cache) Stats() Stats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	stats := Stats{
		Ready:    c.entries != nil,
		Entries:  len(c.entries),
		Version:  c.version,
		LoadedAt: c.loadedAt,
	}
	for key := range c.entries {
		stats.SampleKeys = append(stats.SampleKeys, key)
		if len(stats.SampleKeys) >= 5 {
			break
		}
	}
	return stats
}

// Check implements health.Checker.
func (c *Cache) Check() error {
	if !c.IsReady() {
		return &domain.ErrNotReady{Resource: "location cache"}
	}
	return nil
}
