// Package scenario loads optimization scenarios and the regenerator
// configurations they refer to.
package scenario

import (
	"context"
	"maps"
	"slices"

	"regenopt/internal/job"
)

// Source resolves scenarios and configurations by id. Missing records are
// reported with an apperrors NotFound error. Returned values are copies the
// caller may modify.
type Source interface {
	GetScenario(ctx context.Context, id string) (*job.Scenario, error)
	GetConfiguration(ctx context.Context, id string) (*job.Configuration, error)
}

func cloneScenario(s *job.Scenario) *job.Scenario {
	c := *s
	c.DesignVariables = slices.Clone(s.DesignVariables)
	return &c
}

func cloneConfiguration(cfg *job.Configuration) *job.Configuration {
	return &job.Configuration{
		ID:       cfg.ID,
		Geometry: maps.Clone(cfg.Geometry),
		Thermal:  maps.Clone(cfg.Thermal),
		Flow:     maps.Clone(cfg.Flow),
	}
}
