// Package engine wires the store, aggregator, selector, observer and
// plateau detector into one handle, constructed once at process start and
// passed explicitly — no package-level singletons.
package engine

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nudgekit/nudgekit/internal/audit"
	"github.com/nudgekit/nudgekit/internal/bandit"
	"github.com/nudgekit/nudgekit/internal/config"
	"github.com/nudgekit/nudgekit/internal/lifecycle"
	"github.com/nudgekit/nudgekit/internal/metrics"
	"github.com/nudgekit/nudgekit/internal/segment"
	"github.com/nudgekit/nudgekit/internal/store"
)

type Engine struct {
	Store      *store.SQLiteStore
	Aggregator *segment.Aggregator
	Selector   *bandit.Selector
	Observer   *lifecycle.Observer
	Detector   *lifecycle.Detector
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	Log        *zap.Logger
}

func Open(cfg *config.Config, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	rec := audit.New(log)

	agg := segment.NewAggregator(st, cfg.Segment.MinSamples, cfg.Segment.Boosts, cfg.Segment.SuperWeight, log)
	obs := lifecycle.NewObserver(st, agg, rec, m, log)

	gen, err := lifecycle.NewTemplateGenerator(cfg.Spawn.Templates)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to build template generator: %w", err)
	}
	det := lifecycle.NewDetector(st, gen, cfg.Plateau.SampleThreshold, cfg.Plateau.GapThreshold, cfg.Plateau.SpawnCount, rec, m, log)

	sel := bandit.New(bandit.Options{
		Store:   st,
		Boosts:  agg,
		Windows: obs,
		Window:  cfg.Window.Duration(),
		Audit:   rec,
		Metrics: m,
		Log:     log,
	})

	return &Engine{
		Store:      st,
		Aggregator: agg,
		Selector:   sel,
		Observer:   obs,
		Detector:   det,
		Metrics:    m,
		Registry:   registry,
		Log:        log,
	}, nil
}

func (e *Engine) Close() error {
	return e.Store.Close()
}
