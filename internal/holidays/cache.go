package holidays

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/calendar"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL       = time.Hour
	defaultRefreshTimeout = 10 * time.Second
)

// CacheConfig describes the dependencies of a Cache.
type CacheConfig struct {
	Source         Source
	TTL            time.Duration
	RefreshTimeout time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

type cacheEntry struct {
	set      calendar.HolidaySet
	loadedAt time.Time
}

// Cache is a read-through holiday cache with a bounded TTL.
// Expired years keep serving the stale set while one background refresh runs.
type Cache struct {
	source         Source
	ttl            time.Duration
	refreshTimeout time.Duration
	clock          func() time.Time
	logger         *zap.Logger

	mu         sync.RWMutex
	entries    map[int]cacheEntry
	refreshing map[int]bool
	group      singleflight.Group
}

// NewCache constructs a Cache over the source.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Source == nil {
		return nil, ErrMissingSource
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	refreshTimeout := cfg.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = defaultRefreshTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		source:         cfg.Source,
		ttl:            ttl,
		refreshTimeout: refreshTimeout,
		clock:          clock,
		logger:         logger,
		entries:        make(map[int]cacheEntry),
		refreshing:     make(map[int]bool),
	}, nil
}

// Year returns the holiday set for a year.
func (cache *Cache) Year(ctx context.Context, year int) (calendar.HolidaySet, error) {
	cache.mu.RLock()
	entry, ok := cache.entries[year]
	cache.mu.RUnlock()

	if ok {
		if cache.clock().Sub(entry.loadedAt) >= cache.ttl {
			cache.refreshAsync(year)
		}
		return entry.set, nil
	}
	return cache.load(ctx, year)
}

// Range returns the merged holiday set for every year touched by [from, to].
func (cache *Cache) Range(ctx context.Context, from, to string) (calendar.HolidaySet, error) {
	years, err := calendar.YearsBetween(from, to)
	if err != nil {
		return nil, err
	}
	merged := calendar.HolidaySet{}
	for _, year := range years {
		set, yearErr := cache.Year(ctx, year)
		if yearErr != nil {
			return nil, yearErr
		}
		merged = merged.Merge(set)
	}
	return merged, nil
}

// HolidaysForYear lets the cache stand in wherever a Source is expected.
func (cache *Cache) HolidaysForYear(ctx context.Context, year int) ([]Holiday, error) {
	set, err := cache.Year(ctx, year)
	if err != nil {
		return nil, err
	}
	result := make([]Holiday, 0, len(set))
	for dayKey, name := range set {
		result = append(result, Holiday{DayKey: dayKey, Name: name})
	}
	return result, nil
}

// Invalidate drops the cached set for the year.
func (cache *Cache) Invalidate(year int) {
	cache.mu.Lock()
	delete(cache.entries, year)
	cache.mu.Unlock()
}

func (cache *Cache) load(ctx context.Context, year int) (calendar.HolidaySet, error) {
	value, err, _ := cache.group.Do(strconv.Itoa(year), func() (interface{}, error) {
		entries, err := cache.source.HolidaysForYear(ctx, year)
		if err != nil {
			return nil, err
		}
		set := toSet(entries)
		cache.mu.Lock()
		cache.entries[year] = cacheEntry{set: set, loadedAt: cache.clock()}
		cache.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(calendar.HolidaySet), nil
}

// refreshAsync starts at most one background reload per year; stale reads
// arriving while it runs keep serving the cached set.
func (cache *Cache) refreshAsync(year int) {
	cache.mu.Lock()
	if cache.refreshing[year] {
		cache.mu.Unlock()
		return
	}
	cache.refreshing[year] = true
	cache.mu.Unlock()

	go func() {
		defer func() {
			cache.mu.Lock()
			delete(cache.refreshing, year)
			cache.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), cache.refreshTimeout)
		defer cancel()
		if _, err := cache.load(ctx, year); err != nil {
			cache.logger.Warn("holiday refresh failed, serving stale set",
				zap.Int("year", year),
				zap.Error(err))
		}
	}()
}
