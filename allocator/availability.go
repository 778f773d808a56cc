package allocator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"device-allocator/coord"
	"device-allocator/models"
	"device-allocator/store"

	"github.com/rs/zerolog/log"
)

const availabilityCacheKey = "availability:resources"

// availability is a cache-aside view of ready devices that are not held by an allocation.
// Cache errors degrade to a direct read. The entry is derived from this process's allocation
// records, so key carries the instance namespace.
type availability struct {
	key       string
	cache     coord.Cache
	inventory Inventory
	repo      store.AllocationRepository
	ttl       time.Duration
}

func (a *availability) list(ctx context.Context) ([]models.Resource, error) {
	if b, ok, err := a.cache.Get(ctx, a.key); err != nil {
		log.Warn().Err(err).Msg("allocator: availability cache read failed")
	} else if ok {
		var cached []models.Resource
		if err := json.Unmarshal(b, &cached); err == nil {
			return cached, nil
		}
		log.Warn().Msg("allocator: discarding undecodable availability cache entry")
	}

	ready, err := a.inventory.ListReady(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ready devices: %w", err)
	}
	active, err := a.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active allocations: %w", err)
	}
	held := make(map[string]struct{}, len(active))
	for _, al := range active {
		held[al.ResourceID] = struct{}{}
	}
	out := make([]models.Resource, 0, len(ready))
	for _, r := range ready {
		if _, taken := held[r.ID]; !taken {
			out = append(out, r)
		}
	}

	if b, err := json.Marshal(out); err == nil {
		if err := a.cache.Set(ctx, a.key, b, a.ttl); err != nil {
			log.Warn().Err(err).Msg("allocator: availability cache write failed")
		}
	}
	return out, nil
}

func availabilityKey(namespace string) string {
	if namespace == "" {
		return availabilityCacheKey
	}
	return namespace + ":" + availabilityCacheKey
}

func (a *availability) invalidate(ctx context.Context) {
	if err := a.cache.Delete(ctx, a.key); err != nil {
		log.Warn().Err(err).Msg("allocator: availability cache invalidation failed")
	}
}
