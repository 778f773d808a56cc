package allocator

import (
	"fmt"

	"device-allocator/models"
)

const (
	StrategyRoundRobin    = "round-robin"
	StrategyLeastUtilized = "least-utilized"
	StrategyWeighted      = "weighted"
	StrategyResourceBased = "resource-based"

	// unmetRequirementPenalty is subtracted from a resource-based score per unmet minimum.
	unmetRequirementPenalty = 50.0
)

// Strategy picks one device out of a non-empty candidate list.
type Strategy interface {
	Name() string
	Select(candidates []models.Resource, prefs models.Preferences) (models.Resource, bool)
}

// StrategyByName returns the named strategy; an empty name selects resource-based.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case StrategyRoundRobin:
		return roundRobin{}, nil
	case StrategyLeastUtilized:
		return leastUtilized{}, nil
	case StrategyWeighted:
		return weighted{}, nil
	case StrategyResourceBased, "":
		return resourceBased{}, nil
	}
	return nil, fmt.Errorf("unknown allocation strategy %q", name)
}

// roundRobin keeps no cursor, so it always answers with the first candidate.
type roundRobin struct{}

func (roundRobin) Name() string { return StrategyRoundRobin }

func (roundRobin) Select(candidates []models.Resource, _ models.Preferences) (models.Resource, bool) {
	if len(candidates) == 0 {
		return models.Resource{}, false
	}
	return candidates[0], true
}

type leastUtilized struct{}

func (leastUtilized) Name() string { return StrategyLeastUtilized }

func (leastUtilized) Select(candidates []models.Resource, _ models.Preferences) (models.Resource, bool) {
	return pickMax(candidates, func(r models.Resource) float64 { return -r.CPUUtilization })
}

type weighted struct{}

func (weighted) Name() string { return StrategyWeighted }

func (weighted) Select(candidates []models.Resource, _ models.Preferences) (models.Resource, bool) {
	return pickMax(candidates, func(r models.Resource) float64 {
		return 100 - (r.CPUUtilization+r.MemoryUtilization)/2
	})
}

type resourceBased struct{}

func (resourceBased) Name() string { return StrategyResourceBased }

func (resourceBased) Select(candidates []models.Resource, prefs models.Preferences) (models.Resource, bool) {
	return pickMax(candidates, func(r models.Resource) float64 {
		return resourceScore(r, prefs)
	})
}

func resourceScore(r models.Resource, prefs models.Preferences) float64 {
	score := ((100 - r.CPUUtilization) + (100 - r.MemoryUtilization) + (100 - r.StorageUtilization)) / 3
	if prefs.MinCPU > 0 && r.CPUCores < prefs.MinCPU {
		score -= unmetRequirementPenalty
	}
	if prefs.MinMemoryMB > 0 && r.MemoryMB < prefs.MinMemoryMB {
		score -= unmetRequirementPenalty
	}
	return score
}

// pickMax returns the highest scoring candidate; the earliest wins ties.
func pickMax(candidates []models.Resource, score func(models.Resource) float64) (models.Resource, bool) {
	if len(candidates) == 0 {
		return models.Resource{}, false
	}
	best, bestScore := 0, score(candidates[0])
	for i := 1; i < len(candidates); i++ {
		if s := score(candidates[i]); s > bestScore {
			best, bestScore = i, s
		}
	}
	return candidates[best], true
}
