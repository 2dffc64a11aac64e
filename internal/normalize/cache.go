package normalize

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/foresight/pkg/api"
)

// ErrCacheConsistency reports a slot holding a record for another region.
// Copy-on-write makes this unreachable; seeing it means a bug.
var ErrCacheConsistency = errors.New("forecast cache consistency violation")

// Cache keeps the latest record per region. Each region has its own slot,
// and a slot is replaced by swapping a pointer to a private copy, so readers
// never block writers of other regions and never see a partial record.
type Cache struct {
	slots sync.Map // region key -> *slot
}

type slot struct {
	rec atomic.Pointer[api.ForecastRecord]
}

func NewCache() *Cache { return &Cache{} }

func cacheKey(region string) string {
	return strings.ToLower(strings.TrimSpace(region))
}

func (c *Cache) Put(region string, rec api.ForecastRecord) error {
	key := cacheKey(region)
	if key == "" {
		return fmt.Errorf("cache: empty region")
	}
	if rec.Region == "" {
		rec.Region = region
	}
	if cacheKey(rec.Region) != key {
		return fmt.Errorf("%w: record for %q stored under %q", ErrCacheConsistency, rec.Region, region)
	}
	cp := rec.Clone()
	v, _ := c.slots.LoadOrStore(key, &slot{})
	v.(*slot).rec.Store(&cp)
	return nil
}

func (c *Cache) Get(region string) (api.ForecastRecord, bool, error) {
	key := cacheKey(region)
	v, ok := c.slots.Load(key)
	if !ok {
		return api.ForecastRecord{}, false, nil
	}
	p := v.(*slot).rec.Load()
	if p == nil {
		return api.ForecastRecord{}, false, nil
	}
	if cacheKey(p.Region) != key {
		log.Error().Str("region", region).Str("found", p.Region).Msg("Forecast cache slot holds foreign record")
		return api.ForecastRecord{}, false, fmt.Errorf("%w: slot %q holds %q", ErrCacheConsistency, key, p.Region)
	}
	return p.Clone(), true, nil
}

func (c *Cache) Regions() []string {
	var out []string
	c.slots.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}
