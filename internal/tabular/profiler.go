package tabular

import (
	"context"

	"github.com/kiranshivaraju/csvforge/pkg/models"
)

// Resolver maps a file reference to a local path.
type Resolver interface {
	Path(ref string) (string, error)
}

// Profiler adapts Engine to models.Profiler by resolving references first.
type Profiler struct {
	engine   *Engine
	resolver Resolver
}

var _ models.Profiler = (*Profiler)(nil)

func NewProfiler(engine *Engine, resolver Resolver) *Profiler {
	return &Profiler{engine: engine, resolver: resolver}
}

func (p *Profiler) Profile(ctx context.Context, ref string) (models.DataSummary, error) {
	path, err := p.resolver.Path(ref)
	if err != nil {
		return models.DataSummary{}, err
	}
	summary, err := p.engine.Profile(ctx, path)
	if err != nil {
		return models.DataSummary{}, err
	}
	summary.Ref = ref
	return summary, nil
}
