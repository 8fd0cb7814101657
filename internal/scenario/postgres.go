package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"regenopt/internal/apperrors"
	"regenopt/internal/job"
)

// Postgres reads scenarios and configurations owned by the surrounding
// application. Scenario definitions are stored as JSON documents.
//
//	regenerator_scenarios(id TEXT PRIMARY KEY, definition JSONB NOT NULL)
//	regenerator_configurations(id TEXT PRIMARY KEY, geometry JSONB, thermal JSONB, flow JSONB)
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres uses an existing pool. The pool is not closed by the source.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) GetScenario(ctx context.Context, id string) (*job.Scenario, error) {
	var definition []byte
	err := p.pool.QueryRow(ctx, `SELECT definition FROM regenerator_scenarios WHERE id = $1`, id).Scan(&definition)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("scenario", id)
	}
	if err != nil {
		return nil, apperrors.Internal("scenario.get", err)
	}

	var s job.Scenario
	if err := json.Unmarshal(definition, &s); err != nil {
		return nil, apperrors.Internal("scenario.get", fmt.Errorf("decode scenario %s: %w", id, err))
	}
	s.ID = id
	return &s, nil
}

func (p *Postgres) GetConfiguration(ctx context.Context, id string) (*job.Configuration, error) {
	var geometry, thermal, flow []byte
	err := p.pool.QueryRow(ctx,
		`SELECT geometry, thermal, flow FROM regenerator_configurations WHERE id = $1`, id,
	).Scan(&geometry, &thermal, &flow)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("configuration", id)
	}
	if err != nil {
		return nil, apperrors.Internal("configuration.get", err)
	}

	cfg := &job.Configuration{ID: id}
	for _, part := range []struct {
		raw []byte
		dst *map[string]float64
	}{{geometry, &cfg.Geometry}, {thermal, &cfg.Thermal}, {flow, &cfg.Flow}} {
		if len(part.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(part.raw, part.dst); err != nil {
			return nil, apperrors.Internal("configuration.get", fmt.Errorf("decode configuration %s: %w", id, err))
		}
	}
	return cfg, nil
}

var _ Source = (*Postgres)(nil)
