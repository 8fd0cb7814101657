package scenario

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"regenopt/internal/apperrors"
	"regenopt/internal/job"
)

const document = `
configurations:
  - id: cfg-glass-furnace
    geometry:
      checker_height: 1.0
      channel_spacing: 0.1
    thermal:
      flue_gas_inlet_temp: 1450
    flow:
      air_mass_flow: 12.5
scenarios:
  - id: sc-height-spacing
    user_id: alice
    name: Checker height and spacing
    configuration_id: cfg-glass-furnace
    objective: minimize_fuel
    design_variables:
      - {name: height, unit: m, baseline: 1.0, min: 0.3, max: 2.0}
      - {name: spacing, unit: m, baseline: 0.1, min: 0.05, max: 0.3}
    constraints:
      max_pressure_drop: 200
    termination:
      max_iterations: 50
      max_runtime: 10m
`

func TestParseFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f, err := ParseFile([]byte(document))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}

	s, err := f.GetScenario(ctx, "sc-height-spacing")
	if err != nil {
		t.Fatalf("GetScenario: %v", err)
	}
	drop := 200.0
	want := &job.Scenario{
		ID:              "sc-height-spacing",
		UserID:          "alice",
		Name:            "Checker height and spacing",
		ConfigurationID: "cfg-glass-furnace",
		Objective:       job.ObjectiveMinimizeFuel,
		DesignVariables: []job.DesignVariable{
			{Name: "height", Unit: "m", Baseline: 1.0, Min: 0.3, Max: 2.0},
			{Name: "spacing", Unit: "m", Baseline: 0.1, Min: 0.05, Max: 0.3},
		},
		Constraints: job.Constraints{MaxPressureDrop: &drop},
		Termination: job.Termination{MaxIterations: 50, MaxRuntime: 10 * time.Minute},
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("scenario mismatch (-want +got):\n%s", diff)
	}

	cfg, err := f.GetConfiguration(ctx, "cfg-glass-furnace")
	if err != nil {
		t.Fatalf("GetConfiguration: %v", err)
	}
	if cfg.Geometry["checker_height"] != 1.0 || cfg.Flow["air_mass_flow"] != 12.5 {
		t.Errorf("unexpected configuration %+v", cfg)
	}
}

func TestFile_NotFound(t *testing.T) {
	t.Parallel()
	f, err := ParseFile([]byte(document))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if _, err := f.GetScenario(context.Background(), "nope"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.GetConfiguration(context.Background(), "nope"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFile_ReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f, _ := ParseFile([]byte(document))

	s, _ := f.GetScenario(ctx, "sc-height-spacing")
	s.DesignVariables[0].Max = 99
	again, _ := f.GetScenario(ctx, "sc-height-spacing")
	if again.DesignVariables[0].Max != 2.0 {
		t.Error("GetScenario shares memory with the source")
	}
}

func TestParseFile_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  string
	}{
		{"invalid yaml", "scenarios: [\n"},
		{"duplicate scenario", "scenarios:\n  - id: a\n  - id: a\n"},
		{"missing configuration id", "configurations:\n  - geometry: {}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseFile([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	if err := os.WriteFile(path, []byte(document), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, err := f.GetScenario(context.Background(), "sc-height-spacing"); err != nil {
		t.Errorf("GetScenario: %v", err)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

type countingSource struct {
	Source
	scenarioCalls atomic.Int64
}

func (c *countingSource) GetScenario(ctx context.Context, id string) (*job.Scenario, error) {
	c.scenarioCalls.Add(1)
	return c.Source.GetScenario(ctx, id)
}

func TestCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f, _ := ParseFile([]byte(document))
	src := &countingSource{Source: f}
	c := NewCached(src, time.Minute)

	for i := 0; i < 3; i++ {
		s, err := c.GetScenario(ctx, "sc-height-spacing")
		if err != nil {
			t.Fatalf("GetScenario: %v", err)
		}
		s.DesignVariables[0].Name = "mutated"
	}
	if src.scenarioCalls.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", src.scenarioCalls.Load())
	}
	s, _ := c.GetScenario(ctx, "sc-height-spacing")
	if s.DesignVariables[0].Name != "height" {
		t.Error("cached value was mutated through a returned copy")
	}

	for i := 0; i < 2; i++ {
		if _, err := c.GetScenario(ctx, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if src.scenarioCalls.Load() != 3 {
		t.Errorf("failed lookups must not be cached, got %d calls", src.scenarioCalls.Load())
	}

	c.Invalidate()
	_, _ = c.GetScenario(ctx, "sc-height-spacing")
	if src.scenarioCalls.Load() != 4 {
		t.Errorf("expected refetch after Invalidate, got %d calls", src.scenarioCalls.Load())
	}
}
