package sink

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/cenkalti/backoff/v3"
	json "github.com/goccy/go-json"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/ecoscan/internal/model"
)

var hour = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

func testSnapshot() model.Snapshot {
	return model.Snapshot{
		TakenAt: hour.Add(30 * time.Minute),
		Rows: []model.Row{
			{Name: "chrome.exe", PID: 42, AvgMemoryMB: 800, AvgCPUPercent: 4, NumThreads: 30, Username: "alice",
				DerivedMetrics: model.DerivedMetrics{CarbonFootprintKg: 0.002, SustainabilityRating: 0}},
			{Name: "vim", PID: 7, AvgMemoryMB: 12, AvgCPUPercent: 0.1, NumThreads: 1, Username: "bob",
				DerivedMetrics: model.DerivedMetrics{SustainabilityRating: 2, LicenseCostUSD: 0}},
		},
		Hourly: []model.HourlyRollup{
			{HourStart: hour.Add(-time.Hour), AvgMemoryMB: 300, TotalCarbonKg: 0.01},
			{HourStart: hour, AvgMemoryMB: 406, TotalCarbonKg: 0.02},
		},
	}
}

func TestJSON_Write(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, NewJSON(path).Write(context.Background(), testSnapshot()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Len(t, doc.Processes, 2)
	assert.Equal(t, int32(42), doc.Processes["chrome.exe"].PID)
	assert.Contains(t, doc.Hourly, "2024-07-01T09:00:00Z")
	assert.NotNil(t, doc.Stale)
}

func TestJSON_WriteCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json.gz")
	require.NoError(t, NewJSON(path).Write(context.Background(), testSnapshot()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := pgzip.NewReader(f)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.NewDecoder(gz).Decode(&doc))
	assert.Equal(t, "bob", doc.Processes["vim"].Username)
	assert.Len(t, doc.Hourly, 2)
}

func TestOpenSQL_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sink.db")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("not a database\n", 64)), 0o644))

	s, err := OpenSQL(path)
	assert.Error(t, err)
	assert.Nil(t, s)
	require.NoError(t, os.Remove(path))
}

func TestSQL_WriteReplaces(t *testing.T) {
	s, err := OpenSQL(filepath.Join(t.TempDir(), "sink.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, testSnapshot()))
	snap := testSnapshot()
	snap.Rows = snap.Rows[:1]
	require.NoError(t, s.Write(ctx, snap))

	var procs []processRecord
	require.NoError(t, s.db.Find(&procs).Error)
	require.Len(t, procs, 1)
	assert.Equal(t, "chrome.exe", procs[0].Name)
	assert.Equal(t, 800.0, procs[0].MemoryUsage)

	var hours []hourlyRecord
	require.NoError(t, s.db.Order("hour").Find(&hours).Error)
	require.Len(t, hours, 2)
	assert.Equal(t, "2024-07-01 09:00:00", hours[1].Hour)
	assert.Equal(t, 0.02, hours[1].TotalCarbonFootprint)
}

type flakySink struct {
	mu       sync.Mutex
	failures int
	writes   []model.Snapshot
	calls    int
}

func (f *flakySink) Name() string { return "flaky" }

func (f *flakySink) Write(_ context.Context, snap model.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("disk full")
	}
	f.writes = append(f.writes, snap)
	return nil
}

func zeroBackOff(retries uint64) PersisterOption {
	return withBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, retries)
	})
}

func TestPersister_RetriesUntilSuccess(t *testing.T) {
	s := &flakySink{failures: 2}
	p := NewPersister([]Sink{s}, zeroBackOff(3))

	require.NoError(t, p.Flush(context.Background(), testSnapshot()))
	assert.Equal(t, 3, s.calls)
	assert.Len(t, s.writes, 1)
}

func TestPersister_GivesUp(t *testing.T) {
	s := &flakySink{failures: 10}
	var failed []string
	p := NewPersister([]Sink{s}, zeroBackOff(2), WithFailureHook(func(name string, _ error) {
		failed = append(failed, name)
	}))

	assert.Error(t, p.Flush(context.Background(), testSnapshot()))
	assert.Equal(t, 3, s.calls)
	assert.Equal(t, []string{"flaky"}, failed)
}

func TestPersister_TriggerKeepsNewest(t *testing.T) {
	p := NewPersister([]Sink{&flakySink{}})
	first, second := testSnapshot(), testSnapshot()
	second.TakenAt = first.TakenAt.Add(time.Minute)

	p.Trigger(first)
	p.Trigger(second)

	require.Len(t, p.pending, 1)
	assert.Equal(t, second.TakenAt, (<-p.pending).TakenAt)
}

func TestPersister_Run(t *testing.T) {
	s := &flakySink{}
	p := NewPersister([]Sink{s}, zeroBackOff(0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()

	p.Trigger(testSnapshot())
	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.writes) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestPersister_DisabledWithoutSinks(t *testing.T) {
	p := NewPersister(nil)
	assert.False(t, p.Enabled())
	p.Trigger(testSnapshot())
	assert.Empty(t, p.pending)
}
