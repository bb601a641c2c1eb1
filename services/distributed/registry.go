package distributed

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Registry is the probe catalogue.
type Registry struct {
	orm *gorm.DB
}

// NewRegistry constructs a Registry.
func NewRegistry(orm *gorm.DB) (*Registry, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Registry{orm: orm}, nil
}

// CreateProbe registers a probe. Names are unique.
func (r *Registry) CreateProbe(ctx context.Context, name, kind, query string) (*Probe, error) {
	if name == "" {
		return nil, errors.New("name is required")
	}
	if kind != KindQuery && kind != KindCarve {
		return nil, fmt.Errorf("invalid probe kind %q", kind)
	}
	if query == "" {
		return nil, errors.New("query is required")
	}

	model := probeModel{Name: name, Kind: kind, Query: query}
	if err := r.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return nil, err
	}
	probe := model.toAPI()
	return &probe, nil
}

// ProbeByID looks up a probe.
func (r *Registry) ProbeByID(ctx context.Context, id int64) (*Probe, error) {
	var model probeModel
	if err := r.orm.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, err
	}
	probe := model.toAPI()
	return &probe, nil
}

// Probes lists all probes, newest first.
func (r *Registry) Probes(ctx context.Context) ([]Probe, error) {
	var models []probeModel
	if err := r.orm.WithContext(ctx).Order("id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Probe, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}
