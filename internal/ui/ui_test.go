package ui

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/ecoscan/internal/model"
)

type fakeSource struct {
	views     chan model.Snapshot
	refreshes int
	killed    []int32
}

func newFakeSource() *fakeSource { return &fakeSource{views: make(chan model.Snapshot, 1)} }

func (f *fakeSource) Views() <-chan model.Snapshot { return f.views }
func (f *fakeSource) Refresh()                     { f.refreshes++ }
func (f *fakeSource) Terminate(_ context.Context, pid int32) error {
	f.killed = append(f.killed, pid)
	return nil
}

func snapshot() model.Snapshot {
	hour := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	return model.Snapshot{
		TakenAt: hour.Add(5 * time.Minute),
		Rows: []model.Row{
			{Name: "chrome.exe", PID: 10, AvgMemoryMB: 900, NumThreads: 40, DiskReadBytes: 2048},
			{Name: "slack", PID: 20, AvgMemoryMB: 400, NumThreads: 12},
			{Name: "vim", PID: 30, AvgMemoryMB: 10, NumThreads: 1,
				DerivedMetrics: model.DerivedMetrics{SustainabilityRating: 2}},
		},
		Hourly: []model.HourlyRollup{
			{HourStart: hour.Add(-time.Hour), AvgMemoryMB: 300},
			{HourStart: hour, AvgMemoryMB: 436, RatingCounts: [3]int{1, 1, 1}},
		},
		Stale: []model.StaleLicense{{Name: "photoshop", LicenseCostUSD: 20, LastSeen: hour.Add(-90 * 24 * time.Hour)}},
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func loaded(t *testing.T, topN int) (*Model, *fakeSource) {
	t.Helper()
	src := newFakeSource()
	m := New(src, topN)
	src.views <- snapshot()
	_, cmd := m.Update(tickMsg{})
	require.NotNil(t, cmd)
	require.Len(t, m.latest.Rows, 3)
	return m, src
}

func TestSelectionStaysInTopN(t *testing.T) {
	m, _ := loaded(t, 2)
	m.Update(key("down"))
	m.Update(key("down"))
	m.Update(key("down"))
	assert.Equal(t, 1, m.selected)
	m.Update(key("up"))
	m.Update(key("up"))
	assert.Equal(t, 0, m.selected)
}

func TestKillSelected(t *testing.T) {
	m, src := loaded(t, 3)
	m.Update(key("down"))
	_, cmd := m.Update(key("k"))
	require.NotNil(t, cmd)

	msg := cmd()
	assert.Equal(t, []int32{20}, src.killed)
	m.Update(msg)
	assert.Contains(t, m.status, "slack")
}

func TestRefreshAndQuit(t *testing.T) {
	m, src := loaded(t, 3)
	m.Update(key("r"))
	assert.Equal(t, 1, src.refreshes)

	_, cmd := m.Update(key("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestView(t *testing.T) {
	m, _ := loaded(t, 2)
	out := m.View()
	assert.Contains(t, out, "chrome.exe")
	assert.Contains(t, out, "slack")
	assert.NotContains(t, out, "vim")
	assert.Contains(t, out, "2.0 KB")

	m.Update(key("s"))
	assert.Contains(t, m.View(), "photoshop")
}

func TestSparkline(t *testing.T) {
	assert.Equal(t, "▁▄█", sparkline([]float64{0, 5, 10}, 10))
	assert.Equal(t, "▁█", sparkline([]float64{0, 5, 10}, 2))
	assert.Equal(t, "██", sparkline([]float64{3, 3}, 10))
}
