package reconcile

import (
	"context"
	"regexp"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/lotsync_backend/config"
	"bitbucket.org/mmdatafocus/lotsync_backend/mrpeasy"
	"bitbucket.org/mmdatafocus/lotsync_backend/utils"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

const moduleName = "reconcile"

// OrdersAPI is the slice of the MRPeasy client the reconciliation core uses.
type OrdersAPI interface {
	SearchOrdersByLot(ctx context.Context, lotCode string) ([]mrpeasy.ManufacturingOrder, error)
	GetOrder(ctx context.Context, id int64) (*mrpeasy.ManufacturingOrder, error)
	UpdateOrder(ctx context.Context, id int64, input mrpeasy.UpdateOrderInput) error
}

// LookupCache caches successful single-match lookups. Bounded and TTL'd so a
// stale order never outlives a poll cycle by much.
type LookupCache interface {
	Get(lotCode string) (mrpeasy.ManufacturingOrder, bool)
	Add(lotCode string, mo mrpeasy.ManufacturingOrder)
}

type lruLookupCache struct {
	lru *expirable.LRU[string, mrpeasy.ManufacturingOrder]
}

func NewLookupCache(size int, ttl time.Duration) LookupCache {
	return &lruLookupCache{lru: expirable.NewLRU[string, mrpeasy.ManufacturingOrder](size, nil, ttl)}
}

func (c *lruLookupCache) Get(lotCode string) (mrpeasy.ManufacturingOrder, bool) {
	return c.lru.Get(lotCode)
}

func (c *lruLookupCache) Add(lotCode string, mo mrpeasy.ManufacturingOrder) {
	c.lru.Add(lotCode, mo)
}

// OrderLookup resolves a lot code to exactly one manufacturing order.
type OrderLookup struct {
	api    OrdersAPI
	cache  LookupCache
	logger *logrus.Logger
}

func NewOrderLookup(api OrdersAPI, logger *logrus.Logger) *OrderLookup {
	size := utils.IntFromEnv("LOOKUP_CACHE_SIZE", 256)
	ttl := utils.DurationFromEnv("LOOKUP_CACHE_TTL", 5*time.Minute)
	return &OrderLookup{
		api:    api,
		cache:  NewLookupCache(size, ttl),
		logger: logger,
	}
}

// NewOrderLookupWithCache injects a caller-owned cache.
func NewOrderLookupWithCache(api OrdersAPI, cache LookupCache, logger *logrus.Logger) *OrderLookup {
	return &OrderLookup{api: api, cache: cache, logger: logger}
}

var trailingDigits = regexp.MustCompile(`^([A-Za-z]+)(\d+)$`)

// lotCodeCandidates returns lazy generators for the lot code variants to try,
// most exact first. Scanners occasionally emit lower case or drop leading
// zeros in the numeric tail, so those normalizations come after the exact
// form. Evaluation stops at the first candidate that matches.
func lotCodeCandidates(lotCode string) []func() string {
	return []func() string{
		func() string { return lotCode },
		func() string { return strings.TrimSpace(lotCode) },
		func() string { return strings.ToUpper(strings.TrimSpace(lotCode)) },
		func() string {
			m := trailingDigits.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(lotCode)))
			if m == nil || len(m[2]) >= 5 {
				return ""
			}
			return m[1] + strings.Repeat("0", 5-len(m[2])) + m[2]
		},
	}
}

// Find resolves lotCode to its single matching order.
// Zero matches across all candidates fails not_found; more than one match
// for a candidate fails ambiguous and is never auto-resolved, because
// picking the wrong order silently corrupts production records.
func (l *OrderLookup) Find(ctx context.Context, lotCode string) (*mrpeasy.ManufacturingOrder, error) {
	if strings.TrimSpace(lotCode) == "" {
		return nil, NewError(KindFatal, "lot code is required")
	}

	cacheKey := strings.ToUpper(strings.TrimSpace(lotCode))
	if l.cache != nil {
		if mo, ok := l.cache.Get(cacheKey); ok {
			return &mo, nil
		}
	}

	seen := map[string]bool{}
	for _, gen := range lotCodeCandidates(lotCode) {
		candidate := gen()
		if candidate == "" || seen[candidate] {
			continue
		}
		seen[candidate] = true

		matches, err := l.api.SearchOrdersByLot(ctx, candidate)
		if err != nil {
			return nil, wrapRemote(err, "manufacturing order search failed")
		}

		switch len(matches) {
		case 0:
			continue
		case 1:
			mo, err := l.fullDetail(ctx, &matches[0])
			if err != nil {
				return nil, err
			}
			if l.cache != nil {
				l.cache.Add(cacheKey, *mo)
			}
			return mo, nil
		default:
			codes := make([]string, 0, len(matches))
			for _, mo := range matches {
				codes = append(codes, mo.Code)
			}
			return nil, NewError(KindAmbiguous,
				"multiple manufacturing orders found for lot code %s (%s); supervisor intervention required",
				candidate, strings.Join(codes, ", "))
		}
	}

	return nil, NewError(KindNotFound, "no manufacturing order found for lot code %s", strings.TrimSpace(lotCode))
}

// fullDetail re-fetches the order when the listing row came back without the
// fields the update step needs.
func (l *OrderLookup) fullDetail(ctx context.Context, mo *mrpeasy.ManufacturingOrder) (*mrpeasy.ManufacturingOrder, error) {
	if mo.ItemCode != "" && len(mo.TargetLots) > 0 {
		return mo, nil
	}
	detail, err := l.api.GetOrder(ctx, mo.ID)
	if err != nil {
		config.LogError(l.logger, moduleName, "fullDetail", "detail fetch after listing match", mo.ID, err)
		return nil, wrapRemote(err, "manufacturing order detail fetch failed")
	}
	return detail, nil
}
