package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"emperror.dev/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Dicklesworthstone/ecoscan/internal/model"
	"github.com/Dicklesworthstone/ecoscan/internal/store"
)

// DefaultWindow is one day of one-minute samples.
const DefaultWindow = 1440

// Aggregator folds sampling passes into per-name aggregates and hourly rollups.
// Ingest and EvictStale are serialized; the store is the only shared state.
type Aggregator struct {
	mu     sync.Mutex
	store  store.Store
	window int

	// Aggregates whose last store write failed. They stay authoritative here and are
	// written again on the next pass.
	pending map[string]*model.ProcessAggregate

	io   map[ioKey]ioCounters
	hour *hourAccumulator
}

type ioKey struct {
	pid     int32
	created int64
}

type ioCounters struct {
	read, write uint64
}

func New(s store.Store, window int) *Aggregator {
	if window < 1 {
		window = DefaultWindow
	}
	return &Aggregator{
		store:   s,
		window:  window,
		pending: make(map[string]*model.ProcessAggregate),
		io:      make(map[ioKey]ioCounters),
	}
}

// Pending is the number of aggregates waiting for a successful store write.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Ingest folds one sampling pass taken at now. Store write failures are returned
// combined; the affected aggregates are kept and retried on the next call.
func (a *Aggregator) Ingest(ctx context.Context, samples []model.ProcessSample, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Resolve every name before mutating anything so a failed lookup leaves the pass
	// without effect.
	touched := make(map[string]*model.ProcessAggregate)
	var order []string
	for _, s := range samples {
		if _, ok := touched[s.Name]; ok {
			continue
		}
		agg, err := a.lookup(ctx, s)
		if err != nil {
			return err
		}
		touched[s.Name] = agg
		order = append(order, s.Name)
	}

	io := make(map[ioKey]ioCounters, len(samples))
	for _, s := range samples {
		agg := touched[s.Name]
		agg.Observe(s, now)

		key := ioKey{pid: s.PID, created: s.CreateTime.UnixMilli()}
		cur := ioCounters{read: s.DiskReadBytes, write: s.DiskWriteBytes}
		prev := a.io[key]
		agg.DiskRead += counterDelta(prev.read, cur.read)
		agg.DiskWrite += counterDelta(prev.write, cur.write)
		io[key] = cur
	}
	a.io = io
	a.foldHour(ctx, samples, now)

	var errs []error
	for _, name := range order {
		errs = append(errs, a.write(ctx, touched[name]))
	}
	for name, agg := range a.pending {
		if _, ok := touched[name]; ok {
			continue
		}
		errs = append(errs, a.write(ctx, agg))
	}
	if a.hour != nil && a.hour.count > 0 {
		if err := a.store.AppendHourlyRollup(ctx, a.hour.rollup()); err != nil {
			errs = append(errs, errors.Wrap(err, "append hourly rollup"))
		}
	}
	return errors.Combine(errs...)
}

func (a *Aggregator) lookup(ctx context.Context, s model.ProcessSample) (*model.ProcessAggregate, error) {
	if agg, ok := a.pending[s.Name]; ok {
		return agg, nil
	}
	agg, err := a.store.GetAggregate(ctx, s.Name)
	switch {
	case err == nil:
		return agg, nil
	case errors.Is(err, store.ErrNotFound):
		return model.NewAggregate(s, a.window), nil
	default:
		return nil, errors.Wrapf(err, "load aggregate %q", s.Name)
	}
}

func (a *Aggregator) write(ctx context.Context, agg *model.ProcessAggregate) error {
	if err := a.store.UpsertAggregate(ctx, agg); err != nil {
		a.pending[agg.Name] = agg
		log.WithError(err).WithField("process", agg.Name).Warn("store write failed, will retry")
		return errors.Wrapf(err, "upsert aggregate %q", agg.Name)
	}
	delete(a.pending, agg.Name)
	return nil
}

// counterDelta is the growth of a monotonic OS counter. A counter seen for the first
// time contributes everything the process has done so far.
func counterDelta(prev, cur uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}

// EvictStale removes every aggregate last seen strictly before now-threshold and
// returns the removed names in order.
func (a *Aggregator) EvictStale(ctx context.Context, now time.Time, threshold time.Duration) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	all, err := a.store.ListAggregates(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list aggregates")
	}
	lastSeen := make(map[string]time.Time, len(all)+len(a.pending))
	for _, agg := range all {
		lastSeen[agg.Name] = agg.LastSeen
	}
	for name, agg := range a.pending {
		lastSeen[name] = agg.LastSeen
	}

	cutoff := now.Add(-threshold)
	var evicted []string
	var errs []error
	for name, seen := range lastSeen {
		if !seen.Before(cutoff) {
			continue
		}
		if err := a.store.DeleteAggregate(ctx, name); err != nil {
			errs = append(errs, errors.Wrapf(err, "delete aggregate %q", name))
			continue
		}
		delete(a.pending, name)
		evicted = append(evicted, name)
	}
	sort.Strings(evicted)
	return evicted, errors.Combine(errs...)
}
