// Package footprint derives the sustainability figures shown next to each process.
// The power constants are placeholders, not measurements, and one sampling interval is
// treated as one hour of draw. Keep the formulas exactly as they are: stored reports and
// downstream consumers compare against them.
package footprint

import "github.com/Dicklesworthstone/ecoscan/internal/model"

const (
	CPUWatts         = 50.0  // W at 100% machine CPU
	MemWattsPerGB    = 5.0   // W per GiB resident
	EmissionsFactor  = 0.475 // kg CO2 per kWh
	lowMemoryMB      = 500.0
	lowThreadCount   = 10
	MaxSustainRating = 2
)

// CarbonFootprintKg estimates kg CO2 for one interval at the given averaged load.
func CarbonFootprintKg(avgCPUPercent, avgMemoryMB float64) float64 {
	cpuPower := (avgCPUPercent / 100) * CPUWatts
	memPower := (avgMemoryMB / 1024) * MemWattsPerGB
	energyKWh := (cpuPower + memPower) / 1000
	return energyKWh * EmissionsFactor
}

// SustainabilityRating scores 0-2: one point for staying under 500 MB, one for
// running fewer than 10 threads.
func SustainabilityRating(avgMemoryMB float64, numThreads int) int {
	score := 0
	if avgMemoryMB < lowMemoryMB {
		score++
	}
	if numThreads < lowThreadCount {
		score++
	}
	return score
}

// CostLookup resolves the license cost of a process name.
type CostLookup interface {
	Cost(name string) float64
}

// Derive computes the derived metrics of an aggregate from its averaged windows.
// ok is false when the aggregate holds no samples yet.
func Derive(a *model.ProcessAggregate, costs CostLookup) (m model.DerivedMetrics, ok bool) {
	mem, ok := a.AvgMemoryMB()
	if !ok {
		return m, false
	}
	cpu, ok := a.AvgCPUPercent()
	if !ok {
		return m, false
	}
	threads, _ := a.LatestThreads()

	m.CarbonFootprintKg = CarbonFootprintKg(cpu, mem)
	m.SustainabilityRating = SustainabilityRating(mem, threads)
	if costs != nil {
		m.LicenseCostUSD = costs.Cost(a.Name)
	}
	return m, true
}
