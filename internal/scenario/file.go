package scenario

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"regenopt/internal/apperrors"
	"regenopt/internal/job"
)

// Document is the YAML layout read by File.
type Document struct {
	Configurations []job.Configuration `yaml:"configurations"`
	Scenarios      []job.Scenario      `yaml:"scenarios"`
}

// File is a read-only Source loaded from a YAML document.
type File struct {
	scenarios      map[string]*job.Scenario
	configurations map[string]*job.Configuration
}

// LoadFile reads and indexes the document at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile indexes a YAML document.
func ParseFile(data []byte) (*File, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario file: %w", err)
	}
	return FromDocument(doc)
}

// FromDocument indexes an already decoded document. Duplicate ids are rejected.
func FromDocument(doc Document) (*File, error) {
	f := &File{
		scenarios:      make(map[string]*job.Scenario, len(doc.Scenarios)),
		configurations: make(map[string]*job.Configuration, len(doc.Configurations)),
	}
	for i := range doc.Configurations {
		cfg := &doc.Configurations[i]
		if cfg.ID == "" {
			return nil, fmt.Errorf("configuration %d has no id", i)
		}
		if _, dup := f.configurations[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate configuration id %q", cfg.ID)
		}
		f.configurations[cfg.ID] = cfg
	}
	for i := range doc.Scenarios {
		s := &doc.Scenarios[i]
		if s.ID == "" {
			return nil, fmt.Errorf("scenario %d has no id", i)
		}
		if _, dup := f.scenarios[s.ID]; dup {
			return nil, fmt.Errorf("duplicate scenario id %q", s.ID)
		}
		f.scenarios[s.ID] = s
	}
	return f, nil
}

func (f *File) GetScenario(_ context.Context, id string) (*job.Scenario, error) {
	s, ok := f.scenarios[id]
	if !ok {
		return nil, apperrors.NotFound("scenario", id)
	}
	return cloneScenario(s), nil
}

func (f *File) GetConfiguration(_ context.Context, id string) (*job.Configuration, error) {
	cfg, ok := f.configurations[id]
	if !ok {
		return nil, apperrors.NotFound("configuration", id)
	}
	return cloneConfiguration(cfg), nil
}

var _ Source = (*File)(nil)
