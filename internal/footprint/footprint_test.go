package footprint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/ecoscan/internal/model"
)

func TestCarbonFootprintKg(t *testing.T) {
	assert.Equal(t, 0.0, CarbonFootprintKg(0, 0))
	assert.InDelta(t, 0.026125, CarbonFootprintKg(100, 1024), 1e-15)
	assert.InDelta(t, ((50.0/100*50)+(2048.0/1024*5))/1000*0.475, CarbonFootprintKg(50, 2048), 1e-15)
}

func TestSustainabilityRating(t *testing.T) {
	tests := []struct {
		mem      float64
		threads  int
		expected int
	}{
		{499, 9, 2},
		{500, 9, 1},
		{500, 10, 0},
		{10, 10, 1},
		{0, 0, 2},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, SustainabilityRating(test.mem, test.threads), "mem=%v threads=%d", test.mem, test.threads)
	}
}

func TestDerive(t *testing.T) {
	now := time.Now()
	a := model.NewAggregate(model.ProcessSample{Name: "excel.exe"}, 4)

	_, ok := Derive(a, nil)
	assert.False(t, ok, "empty aggregate must report no data")

	a.Observe(model.ProcessSample{Name: "excel.exe", MemoryMB: 1024, CPUPercent: 100, NumThreads: 3}, now)
	m, ok := Derive(a, NewLicenseTable(map[string]float64{"excel.exe": 12.5}))
	require.True(t, ok)
	assert.InDelta(t, 0.026125, m.CarbonFootprintKg, 1e-15)
	assert.Equal(t, 12.5, m.LicenseCostUSD)
	assert.Equal(t, 1, m.SustainabilityRating)
}

func TestLoadLicenseTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "license_cost_data.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"photoshop.exe": 20.99, "excel.exe": 8}`), 0o600))

	table, err := LoadLicenseTable(path)
	require.NoError(t, err)
	assert.Equal(t, 20.99, table.Cost("photoshop.exe"))
	assert.Equal(t, 0.0, table.Cost("bash"))
	assert.Equal(t, 2, table.Len())
}

func TestLoadLicenseTable_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadLicenseTable(filepath.Join(dir, "missing.json"))
	assert.True(t, errors.Is(err, ErrLicenseTable))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"a": "free"`), 0o600))
	_, err = LoadLicenseTable(bad)
	assert.True(t, errors.Is(err, ErrLicenseTable))

	neg := filepath.Join(dir, "neg.json")
	require.NoError(t, os.WriteFile(neg, []byte(`{"a": -1}`), 0o600))
	_, err = LoadLicenseTable(neg)
	assert.True(t, errors.Is(err, ErrLicenseTable))
}

func TestLicenseTable_ReloadKeepsOldOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "costs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a": 1}`), 0o600))
	table, err := LoadLicenseTable(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))
	assert.Error(t, table.Reload(path))
	assert.Equal(t, 1.0, table.Cost("a"))

	require.NoError(t, os.WriteFile(path, []byte(`{"a": 3, "b": 4}`), 0o600))
	require.NoError(t, table.Reload(path))
	assert.Equal(t, 3.0, table.Cost("a"))
	assert.Equal(t, 4.0, table.Cost("b"))
}

func TestLicenseTable_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "licenses.json")
	write := func(p, body string) { require.NoError(t, os.WriteFile(p, []byte(body), 0o644)) }
	write(path, `{"photoshop": 20}`)

	table, err := LoadLicenseTable(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- table.Watch(ctx, path) }()

	// Rewrite until the watcher is registered and picks the edit up.
	assert.Eventually(t, func() bool {
		write(path, `{"photoshop": 25}`)
		return table.Cost("photoshop") == 25
	}, 5*time.Second, 50*time.Millisecond)

	tmp := filepath.Join(dir, "licenses.json.new")
	write(tmp, `{"photoshop": 30, "autocad": 40}`)
	require.NoError(t, os.Rename(tmp, path))
	assert.Eventually(t, func() bool {
		return table.Cost("autocad") == 40 && table.Cost("photoshop") == 30
	}, 5*time.Second, 20*time.Millisecond)

	write(path, `{"photoshop": `)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 30.0, table.Cost("photoshop"))
	assert.Equal(t, 2, table.Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
