package publisher

import (
	"context"
	"sort"
	"time"

	"github.com/Dicklesworthstone/ecoscan/internal/footprint"
	"github.com/Dicklesworthstone/ecoscan/internal/model"
	"github.com/Dicklesworthstone/ecoscan/internal/store"
)

// Publisher builds read-only views of the store for renderers, the API and sinks.
type Publisher struct {
	store store.Store
	costs footprint.CostLookup
	clock func() time.Time
}

type Option func(*Publisher)

// WithClock replaces time.Now as the reference for staleness.
func WithClock(clock func() time.Time) Option {
	return func(p *Publisher) { p.clock = clock }
}

func New(s store.Store, costs footprint.CostLookup, opts ...Option) *Publisher {
	p := &Publisher{store: s, costs: costs, clock: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Rows returns every aggregate that has data, descending by average memory with ties
// broken by name.
func (p *Publisher) Rows(ctx context.Context) ([]model.Row, error) {
	all, err := p.store.ListAggregates(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]model.Row, 0, len(all))
	for _, a := range all {
		if row, ok := p.row(a); ok {
			rows = append(rows, row)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].AvgMemoryMB != rows[j].AvgMemoryMB {
			return rows[i].AvgMemoryMB > rows[j].AvgMemoryMB
		}
		return rows[i].Name < rows[j].Name
	})
	return rows, nil
}

func (p *Publisher) row(a *model.ProcessAggregate) (model.Row, bool) {
	metrics, ok := footprint.Derive(a, p.costs)
	if !ok {
		return model.Row{}, false
	}
	mem, _ := a.AvgMemoryMB()
	cpu, _ := a.AvgCPUPercent()
	threads, _ := a.LatestThreads()
	return model.Row{
		Aggregate:      a,
		Name:           a.Name,
		PID:            a.PID,
		AvgMemoryMB:    mem,
		AvgCPUPercent:  cpu,
		NumThreads:     threads,
		DiskReadBytes:  a.DiskRead,
		DiskWriteBytes: a.DiskWrite,
		Samples:        a.Memory.Len(),
		LastSeen:       a.LastSeen,
		CreateTime:     a.CreateTime,
		Username:       a.Username,
		DerivedMetrics: metrics,
	}, true
}

// TopNByMemory returns at most n rows.
func (p *Publisher) TopNByMemory(ctx context.Context, n int) ([]model.Row, error) {
	rows, err := p.Rows(ctx)
	if err != nil {
		return nil, err
	}
	return model.Snapshot{Rows: rows}.Top(n), nil
}

// HourlySeries returns the stored rollups, oldest hour first.
func (p *Publisher) HourlySeries(ctx context.Context) ([]model.HourlyRollup, error) {
	series, err := p.store.ListHourlyRollups(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(series, func(i, j int) bool { return series[i].HourStart.Before(series[j].HourStart) })
	return series, nil
}

// StaleLicenseReport lists licensed processes not seen since now-threshold. It never
// evicts anything.
func (p *Publisher) StaleLicenseReport(ctx context.Context, threshold time.Duration) ([]model.StaleLicense, error) {
	all, err := p.store.ListAggregates(ctx)
	if err != nil {
		return nil, err
	}
	return staleLicenses(all, p.costs, p.clock().Add(-threshold)), nil
}

func staleLicenses(aggs []*model.ProcessAggregate, costs footprint.CostLookup, cutoff time.Time) []model.StaleLicense {
	var out []model.StaleLicense
	for _, a := range aggs {
		if !a.LastSeen.Before(cutoff) || costs == nil {
			continue
		}
		if cost := costs.Cost(a.Name); cost > 0 {
			out = append(out, model.StaleLicense{Name: a.Name, LicenseCostUSD: cost, LastSeen: a.LastSeen})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HourRatings is the sustainability rating distribution of one hour.
type HourRatings struct {
	HourStart time.Time `json:"hour"`
	Counts    [3]int    `json:"counts"` // Counts[r] = names rated r
}

// RatingsByHour returns the rating distribution per hour, oldest first.
func (p *Publisher) RatingsByHour(ctx context.Context) ([]HourRatings, error) {
	series, err := p.HourlySeries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]HourRatings, len(series))
	for i, r := range series {
		out[i] = HourRatings{HourStart: r.HourStart, Counts: r.RatingCounts}
	}
	return out, nil
}

// Snapshot assembles the full view at the current time.
func (p *Publisher) Snapshot(ctx context.Context, staleAfter time.Duration) (model.Snapshot, error) {
	now := p.clock()
	rows, err := p.Rows(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	hourly, err := p.HourlySeries(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	aggs := make([]*model.ProcessAggregate, len(rows))
	for i := range rows {
		aggs[i] = rows[i].Aggregate
	}
	return model.Snapshot{
		TakenAt: now,
		Rows:    rows,
		Hourly:  hourly,
		Stale:   staleLicenses(aggs, p.costs, now.Add(-staleAfter)),
	}, nil
}
