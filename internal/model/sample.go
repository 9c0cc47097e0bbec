package model

import "time"

// UnknownUser is reported when the owning user of a process cannot be resolved.
const UnknownUser = "unknown"

// ProcessSample is one process as observed during a single sampling pass.
type ProcessSample struct {
	PID            int32
	Name           string
	MemoryMB       float64
	CPUPercent     float64 // share of total machine capacity, 0-100
	NumThreads     int
	DiskReadBytes  uint64 // 0 when the platform does not expose I/O counters
	DiskWriteBytes uint64
	CreateTime     time.Time
	Username       string
	SampledAt      time.Time
}

// Row is the read-only view of one aggregate handed to renderers and sinks.
type Row struct {
	Aggregate *ProcessAggregate `json:"-"`

	Name           string    `json:"name"`
	PID            int32     `json:"pid"`
	AvgMemoryMB    float64   `json:"avg_memory_mb"`
	AvgCPUPercent  float64   `json:"avg_cpu_percent"`
	NumThreads     int       `json:"num_threads"`
	DiskReadBytes  uint64    `json:"disk_read_bytes"`
	DiskWriteBytes uint64    `json:"disk_write_bytes"`
	Samples        int       `json:"samples"`
	LastSeen       time.Time `json:"last_seen"`
	CreateTime     time.Time `json:"create_time"`
	Username       string    `json:"username"`
	DerivedMetrics
}

// DerivedMetrics are recomputed from an aggregate every time they are needed.
type DerivedMetrics struct {
	CarbonFootprintKg    float64 `json:"carbon_footprint_kg"`
	LicenseCostUSD       float64 `json:"license_cost_usd"`
	SustainabilityRating int     `json:"sustainability_rating"`
}

// HourlyRollup summarizes every sample observed during one calendar hour.
type HourlyRollup struct {
	HourStart     time.Time `json:"hour"`
	AvgMemoryMB   float64   `json:"avg_memory_mb"`
	AvgCPUPercent float64   `json:"avg_cpu_percent"`
	TotalCarbonKg float64   `json:"total_carbon_kg"`
	Samples       int       `json:"samples"`
	// RatingCounts[r] is the number of distinct process names rated r during the hour.
	RatingCounts [3]int `json:"rating_counts"`

	// Names holds the running per-name sums the rollup was computed from, so a restarted
	// monitor can keep folding into the same hour.
	Names map[string]HourlyNameStats `json:"-"`
}

// HourlyNameStats is one process name's share of an hourly rollup.
type HourlyNameStats struct {
	MemorySumMB   float64 `json:"mem_sum"`
	CPUSumPercent float64 `json:"cpu_sum"`
	Samples       int     `json:"n"`
	Threads       int     `json:"threads"` // latest
}

// StaleLicense is a licensed process that has not been observed for a while.
type StaleLicense struct {
	Name           string    `json:"name"`
	LicenseCostUSD float64   `json:"license_cost_usd"`
	LastSeen       time.Time `json:"last_seen"`
}

// Snapshot is the full view exchanged between the pipeline, the UI, the API and sinks.
type Snapshot struct {
	TakenAt time.Time      `json:"taken_at"`
	Rows    []Row          `json:"processes"` // all aggregates, descending by average memory
	Hourly  []HourlyRollup `json:"hourly"`
	Stale   []StaleLicense `json:"stale_licenses,omitempty"`
}

// Top returns at most n rows from the head of the snapshot.
func (s Snapshot) Top(n int) []Row {
	if n < 0 {
		n = 0
	}
	if n > len(s.Rows) {
		n = len(s.Rows)
	}
	return s.Rows[:n]
}

// HourStart truncates t to the start of its calendar hour in t's location.
func HourStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}
