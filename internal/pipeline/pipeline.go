// Package pipeline owns one monitoring session: it runs sampling passes on a fixed
// interval, folds them into the store and hands the resulting snapshots to the UI and
// the persistence sinks.
package pipeline

import (
	"context"
	"sync"
	"time"

	"emperror.dev/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Dicklesworthstone/ecoscan/internal/aggregator"
	"github.com/Dicklesworthstone/ecoscan/internal/config"
	"github.com/Dicklesworthstone/ecoscan/internal/footprint"
	"github.com/Dicklesworthstone/ecoscan/internal/model"
	"github.com/Dicklesworthstone/ecoscan/internal/publisher"
	"github.com/Dicklesworthstone/ecoscan/internal/sink"
	"github.com/Dicklesworthstone/ecoscan/internal/store"
)

// Sampler enumerates the running processes once.
type Sampler interface {
	Sample(ctx context.Context) ([]model.ProcessSample, error)
}

type skipReporter interface {
	LastSkipped() int
}

// Deps are the collaborators of a pipeline. Store, Sampler and Costs are required.
type Deps struct {
	Sampler   Sampler
	Store     store.Store
	Costs     footprint.CostLookup
	Persister *sink.Persister
	Telemetry *Telemetry
	Terminate func(ctx context.Context, pid int32) error
	Clock     func() time.Time
}

// Pipeline is the explicit context object shared by the loop, the UI and the API.
// Passes never overlap: Tick holds passMu for its whole duration.
type Pipeline struct {
	cfg       config.Config
	sampler   Sampler
	agg       *aggregator.Aggregator
	pub       *publisher.Publisher
	persister *sink.Persister
	telemetry *Telemetry
	terminate func(ctx context.Context, pid int32) error
	clock     func() time.Time

	passMu  sync.Mutex
	refresh chan struct{}
	views   chan model.Snapshot

	mu     sync.RWMutex
	latest model.Snapshot
}

func New(cfg config.Config, deps Deps) (*Pipeline, error) {
	if deps.Sampler == nil || deps.Store == nil || deps.Costs == nil {
		return nil, errors.New("pipeline needs a sampler, a store and a license table")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Persister == nil {
		deps.Persister = sink.NewPersister(nil)
	}
	if deps.Telemetry == nil {
		deps.Telemetry = NewTelemetry()
	}
	if deps.Terminate == nil {
		deps.Terminate = func(context.Context, int32) error {
			return errors.New("terminating processes is not supported here")
		}
	}
	return &Pipeline{
		cfg:       cfg,
		sampler:   deps.Sampler,
		agg:       aggregator.New(deps.Store, cfg.WindowSize),
		pub:       publisher.New(deps.Store, deps.Costs, publisher.WithClock(deps.Clock)),
		persister: deps.Persister,
		telemetry: deps.Telemetry,
		terminate: deps.Terminate,
		clock:     deps.Clock,
		refresh:   make(chan struct{}, 1),
		views:     make(chan model.Snapshot, 1),
	}, nil
}

func (p *Pipeline) Config() config.Config          { return p.cfg }
func (p *Pipeline) Publisher() *publisher.Publisher { return p.pub }
func (p *Pipeline) Telemetry() *Telemetry           { return p.telemetry }

// Views delivers the newest snapshot after each pass. Unread snapshots are replaced.
func (p *Pipeline) Views() <-chan model.Snapshot { return p.views }

// Latest is the snapshot of the most recent successful pass.
func (p *Pipeline) Latest() model.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Refresh asks the loop for an immediate pass. Requests made while one is queued
// coalesce.
func (p *Pipeline) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Terminate stops the process with the given pid. Its aggregate is left alone and ages
// out like any other.
func (p *Pipeline) Terminate(ctx context.Context, pid int32) error {
	if err := p.terminate(ctx, pid); err != nil {
		return err
	}
	log.WithField("pid", pid).Info("terminated process")
	p.Refresh()
	return nil
}

// Run executes a pass immediately and then on every interval until ctx is done.
// Ticks that fire while a pass is still running are dropped.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.tickAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.refresh:
		}
		p.tickAndLog(ctx)
	}
}

func (p *Pipeline) tickAndLog(ctx context.Context) {
	if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("sampling pass incomplete")
	}
}

// Tick runs one full pass: sample, aggregate, evict, publish. A pass whose enumeration
// fails leaves every aggregate untouched. Store write failures are returned but the
// snapshot is still published from what the store holds.
func (p *Pipeline) Tick(ctx context.Context) (model.Snapshot, error) {
	p.passMu.Lock()
	defer p.passMu.Unlock()

	start := time.Now()
	defer func() { p.telemetry.passDuration.Observe(time.Since(start).Seconds()) }()

	samples, err := p.sampler.Sample(ctx)
	if err != nil {
		p.telemetry.passes.WithLabelValues("sample_error").Inc()
		return model.Snapshot{}, errors.Wrap(err, "sample processes")
	}
	p.telemetry.sampled.Set(float64(len(samples)))
	if sr, ok := p.sampler.(skipReporter); ok {
		p.telemetry.skipped.Add(float64(sr.LastSkipped()))
	}

	now := p.clock()
	var errs []error
	if err := p.agg.Ingest(ctx, samples, now); err != nil {
		errs = append(errs, err)
	}
	p.telemetry.pendingWrites.Set(float64(p.agg.Pending()))

	if p.cfg.EvictAfter > 0 {
		if err := p.evict(ctx, now); err != nil {
			errs = append(errs, err)
		}
	}

	snap, err := p.pub.Snapshot(ctx, p.cfg.StaleAfter)
	if err != nil {
		p.telemetry.passes.WithLabelValues("publish_error").Inc()
		return model.Snapshot{}, errors.Combine(append(errs, errors.Wrap(err, "build snapshot"))...)
	}
	p.telemetry.aggregates.Set(float64(len(snap.Rows)))

	p.mu.Lock()
	p.latest = snap
	p.mu.Unlock()
	p.publish(snap)
	p.persister.Trigger(snap)

	if len(errs) > 0 {
		p.telemetry.passes.WithLabelValues("store_error").Inc()
	} else {
		p.telemetry.passes.WithLabelValues("ok").Inc()
	}
	log.WithFields(log.Fields{
		"sampled":    len(samples),
		"aggregates": len(snap.Rows),
		"took":       time.Since(start),
	}).Debug("pass complete")
	return snap, errors.Combine(errs...)
}

func (p *Pipeline) evict(ctx context.Context, now time.Time) error {
	// Licensed names about to disappear are logged first so their cost is not lost.
	if stale, err := p.pub.StaleLicenseReport(ctx, p.cfg.EvictAfter); err == nil {
		for _, s := range stale {
			log.WithFields(log.Fields{
				"name":      s.Name,
				"cost_usd":  s.LicenseCostUSD,
				"last_seen": s.LastSeen,
			}).Info("evicting unused licensed process")
		}
	}
	evicted, err := p.agg.EvictStale(ctx, now, p.cfg.EvictAfter)
	p.telemetry.evicted.Add(float64(len(evicted)))
	if len(evicted) > 0 {
		log.WithField("names", evicted).Debug("evicted stale aggregates")
	}
	return err
}

func (p *Pipeline) publish(snap model.Snapshot) {
	for {
		select {
		case p.views <- snap:
			return
		default:
		}
		select {
		case <-p.views:
		default:
		}
	}
}
