package aggregator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/ecoscan/internal/footprint"
	"github.com/Dicklesworthstone/ecoscan/internal/model"
	"github.com/Dicklesworthstone/ecoscan/internal/store"
)

var t0 = time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC)

func sample(pid int32, name string, mem, cpu float64, threads int, at time.Time) model.ProcessSample {
	return model.ProcessSample{
		PID:        pid,
		Name:       name,
		MemoryMB:   mem,
		CPUPercent: cpu,
		NumThreads: threads,
		CreateTime: t0.Add(-time.Hour),
		Username:   "alice",
		SampledAt:  at,
	}
}

func TestIngest_MergesByName(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	agg := New(s, 10)

	require.NoError(t, agg.Ingest(ctx, []model.ProcessSample{
		sample(100, "chrome.exe", 300, 2, 20, t0),
		sample(200, "chrome.exe", 100, 4, 10, t0),
	}, t0))

	all, err := s.ListAggregates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	chrome := all[0]
	assert.Equal(t, "chrome.exe", chrome.Name)
	assert.Equal(t, 2, chrome.Memory.Len())
	mem, _ := chrome.AvgMemoryMB()
	assert.Equal(t, 200.0, mem)
	assert.Equal(t, t0, chrome.LastSeen)
}

func TestIngest_WindowIsBounded(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	const k = 16
	agg := New(s, k)

	for i := 0; i < 5*k; i++ {
		now := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, agg.Ingest(ctx, []model.ProcessSample{sample(1, "java", float64(i), 1, 30, now)}, now))
		got, err := s.GetAggregate(ctx, "java")
		require.NoError(t, err)
		assert.LessOrEqual(t, got.Memory.Len(), k)
		assert.LessOrEqual(t, got.CPU.Len(), k)
		assert.LessOrEqual(t, got.Threads.Len(), k)
	}
	got, err := s.GetAggregate(ctx, "java")
	require.NoError(t, err)
	assert.Equal(t, float64(4*k), got.Memory.Points()[0].Value)
}

func TestIngest_CreateTimeAndUserAreFirstObserved(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	agg := New(s, 10)

	first := sample(1, "svc", 1, 1, 1, t0)
	require.NoError(t, agg.Ingest(ctx, []model.ProcessSample{first}, t0))
	second := sample(2, "svc", 1, 1, 1, t0.Add(time.Minute))
	second.CreateTime = t0
	second.Username = "root"
	require.NoError(t, agg.Ingest(ctx, []model.ProcessSample{second}, t0.Add(time.Minute)))

	got, err := s.GetAggregate(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, first.CreateTime, got.CreateTime)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, int32(2), got.PID)
}

func TestIngest_DiskCountersOnlyGrow(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	agg := New(s, 10)

	pass := func(at time.Time, read, write uint64) {
		smp := sample(7, "rsync", 1, 1, 1, at)
		smp.DiskReadBytes, smp.DiskWriteBytes = read, write
		require.NoError(t, agg.Ingest(ctx, []model.ProcessSample{smp}, at))
	}
	pass(t0, 1000, 10)
	pass(t0.Add(time.Minute), 1500, 10)
	pass(t0.Add(2*time.Minute), 1600, 50)

	got, err := s.GetAggregate(ctx, "rsync")
	require.NoError(t, err)
	assert.Equal(t, uint64(1600), got.DiskRead)
	assert.Equal(t, uint64(50), got.DiskWrite)
}

func TestIngest_HourlyRollup(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	agg := New(s, 10)

	require.NoError(t, agg.Ingest(ctx, []model.ProcessSample{
		sample(1, "a", 100, 10, 4, t0),
		sample(2, "b", 700, 30, 40, t0),
	}, t0))
	later := t0.Add(10 * time.Minute)
	require.NoError(t, agg.Ingest(ctx, []model.ProcessSample{
		sample(1, "a", 300, 20, 4, later),
	}, later))

	hourly, err := s.ListHourlyRollups(ctx)
	require.NoError(t, err)
	require.Len(t, hourly, 1)
	r := hourly[0]
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), r.HourStart)
	assert.Equal(t, 3, r.Samples)
	assert.InDelta(t, (100.0+700+300)/3, r.AvgMemoryMB, 1e-9)
	assert.InDelta(t, 20.0, r.AvgCPUPercent, 1e-9)
	wantCarbon := footprint.CarbonFootprintKg(15, 200) + footprint.CarbonFootprintKg(30, 700)
	assert.InDelta(t, wantCarbon, r.TotalCarbonKg, 1e-12)
	assert.Equal(t, [3]int{1, 0, 1}, r.RatingCounts)

	next := t0.Add(time.Hour)
	require.NoError(t, agg.Ingest(ctx, []model.ProcessSample{sample(1, "a", 50, 1, 1, next)}, next))
	hourly, err = s.ListHourlyRollups(ctx)
	require.NoError(t, err)
	require.Len(t, hourly, 2)
	assert.Equal(t, 1, hourly[1].Samples)
	assert.Equal(t, 3, hourly[0].Samples, "closed hour must not change")
}

func TestIngest_EmptyPass(t *testing.T) {
	s := store.NewMemory()
	agg := New(s, 10)
	require.NoError(t, agg.Ingest(context.Background(), nil, t0))
	hourly, err := s.ListHourlyRollups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hourly)
}

func TestEvictStale(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	agg := New(s, 10)

	old := t0.Add(-31 * 24 * time.Hour)
	edge := t0.Add(-30 * 24 * time.Hour)
	require.NoError(t, agg.Ingest(ctx, []model.ProcessSample{sample(1, "old", 1, 1, 1, old), sample(2, "older", 1, 1, 1, old)}, old))
	require.NoError(t, agg.Ingest(ctx, []model.ProcessSample{sample(3, "edge", 1, 1, 1, edge)}, edge))
	require.NoError(t, agg.Ingest(ctx, []model.ProcessSample{sample(4, "fresh", 1, 1, 1, t0)}, t0))

	evicted, err := agg.EvictStale(ctx, t0, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "older"}, evicted)

	_, err = s.GetAggregate(ctx, "old")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	for _, name := range []string{"edge", "fresh"} {
		_, err := s.GetAggregate(ctx, name)
		assert.NoError(t, err, name)
	}
}

type flakyStore struct {
	*store.Memory
	fail bool
}

func (f *flakyStore) UpsertAggregate(ctx context.Context, a *model.ProcessAggregate) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Memory.UpsertAggregate(ctx, a)
}

func TestIngest_RetriesFailedWrites(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{Memory: store.NewMemory(), fail: true}
	agg := New(fs, 10)

	err := agg.Ingest(ctx, []model.ProcessSample{sample(1, "db", 10, 1, 1, t0)}, t0)
	assert.Error(t, err)
	assert.Equal(t, 1, agg.Pending())

	// The next pass continues from the unsaved state rather than starting over.
	err = agg.Ingest(ctx, []model.ProcessSample{sample(1, "db", 30, 1, 1, t0.Add(time.Minute))}, t0.Add(time.Minute))
	assert.Error(t, err)

	fs.fail = false
	require.NoError(t, agg.Ingest(ctx, nil, t0.Add(2*time.Minute)))
	assert.Equal(t, 0, agg.Pending())

	got, err := fs.GetAggregate(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Memory.Len())
	mem, _ := got.AvgMemoryMB()
	assert.Equal(t, 20.0, mem)
}

type brokenLookupStore struct {
	*store.Memory
	failUpsert bool
	broken     string
}

func (b *brokenLookupStore) GetAggregate(ctx context.Context, name string) (*model.ProcessAggregate, error) {
	if name == b.broken {
		return nil, errors.New("corrupt row")
	}
	return b.Memory.GetAggregate(ctx, name)
}

func (b *brokenLookupStore) UpsertAggregate(ctx context.Context, a *model.ProcessAggregate) error {
	if b.failUpsert {
		return errors.New("disk full")
	}
	return b.Memory.UpsertAggregate(ctx, a)
}

func TestIngest_FailedLookupLeavesPassWithoutEffect(t *testing.T) {
	ctx := context.Background()
	bs := &brokenLookupStore{Memory: store.NewMemory(), failUpsert: true}
	agg := New(bs, 10)

	first := sample(1, "rsync", 10, 1, 1, t0)
	first.DiskReadBytes = 100
	assert.Error(t, agg.Ingest(ctx, []model.ProcessSample{first}, t0))
	require.Equal(t, 1, agg.Pending())

	bs.failUpsert = false
	bs.broken = "vault"
	at := t0.Add(time.Minute)
	second := sample(1, "rsync", 10, 1, 1, at)
	second.DiskReadBytes = 300
	assert.Error(t, agg.Ingest(ctx, []model.ProcessSample{second, sample(2, "vault", 5, 1, 1, at)}, at))

	bs.broken = ""
	at = t0.Add(2 * time.Minute)
	third := sample(1, "rsync", 10, 1, 1, at)
	third.DiskReadBytes = 300
	require.NoError(t, agg.Ingest(ctx, []model.ProcessSample{third}, at))

	got, err := bs.GetAggregate(ctx, "rsync")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Memory.Len())
	assert.Equal(t, uint64(300), got.DiskRead)

	hourly, err := bs.ListHourlyRollups(ctx)
	require.NoError(t, err)
	require.Len(t, hourly, 1)
	assert.Equal(t, 2, hourly[0].Samples)
}

func TestIngest_ResumesHourAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ecoscan.db")

	s, err := store.OpenSQL(path)
	require.NoError(t, err)
	before := New(s, 10)
	require.NoError(t, before.Ingest(ctx, []model.ProcessSample{
		sample(1, "a", 100, 10, 4, t0),
		sample(2, "b", 700, 30, 40, t0),
		sample(1, "a", 300, 20, 4, t0),
	}, t0))
	require.NoError(t, s.Close())

	s, err = store.OpenSQL(path)
	require.NoError(t, err)
	defer s.Close()
	after := New(s, 10)
	at := t0.Add(10 * time.Minute)
	require.NoError(t, after.Ingest(ctx, []model.ProcessSample{sample(3, "c", 20, 0, 1, at)}, at))

	hourly, err := s.ListHourlyRollups(ctx)
	require.NoError(t, err)
	require.Len(t, hourly, 1)
	r := hourly[0]
	assert.Equal(t, 4, r.Samples)
	assert.InDelta(t, (100.0+700+300+20)/4, r.AvgMemoryMB, 1e-9)
	assert.InDelta(t, 15.0, r.AvgCPUPercent, 1e-9)
	wantCarbon := footprint.CarbonFootprintKg(15, 200) + footprint.CarbonFootprintKg(30, 700) + footprint.CarbonFootprintKg(0, 20)
	assert.InDelta(t, wantCarbon, r.TotalCarbonKg, 1e-12)
	assert.Equal(t, [3]int{1, 0, 2}, r.RatingCounts)
}
