package aggregator

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Dicklesworthstone/ecoscan/internal/footprint"
	"github.com/Dicklesworthstone/ecoscan/internal/model"
)

// hourAccumulator collects every raw sample of the current calendar hour.
type hourAccumulator struct {
	start  time.Time
	memSum float64
	cpuSum float64
	count  int
	names  map[string]*nameAccumulator
}

type nameAccumulator struct {
	memSum  float64
	cpuSum  float64
	n       int
	threads int // latest
}

func (a *Aggregator) foldHour(ctx context.Context, samples []model.ProcessSample, now time.Time) {
	start := model.HourStart(now)
	if a.hour == nil || !a.hour.start.Equal(start) {
		a.hour = a.resumeHour(ctx, start)
	}
	h := a.hour
	for _, s := range samples {
		h.memSum += s.MemoryMB
		h.cpuSum += s.CPUPercent
		h.count++

		n, ok := h.names[s.Name]
		if !ok {
			n = &nameAccumulator{}
			h.names[s.Name] = n
		}
		n.memSum += s.MemoryMB
		n.cpuSum += s.CPUPercent
		n.n++
		n.threads = s.NumThreads
	}
}

// resumeHour starts the accumulator for the hour at start, continuing from a rollup the
// store already holds for it, e.g. one written before a restart.
func (a *Aggregator) resumeHour(ctx context.Context, start time.Time) *hourAccumulator {
	h := &hourAccumulator{start: start, names: make(map[string]*nameAccumulator)}
	series, err := a.store.ListHourlyRollups(ctx)
	if err != nil {
		log.WithError(err).Warn("cannot resume hourly rollup, starting the hour empty")
		return h
	}
	for _, r := range series {
		if !r.HourStart.Equal(start) {
			continue
		}
		if r.Samples > 0 && len(r.Names) == 0 {
			log.WithField("hour", start).Warn("stored rollup has no per-name sums, starting the hour empty")
			return h
		}
		for name, st := range r.Names {
			h.names[name] = &nameAccumulator{memSum: st.MemorySumMB, cpuSum: st.CPUSumPercent, n: st.Samples, threads: st.Threads}
			h.memSum += st.MemorySumMB
			h.cpuSum += st.CPUSumPercent
			h.count += st.Samples
		}
		break
	}
	return h
}

// rollup averages over raw samples; carbon is the sum of each name's estimate at its
// in-hour averages.
func (h *hourAccumulator) rollup() model.HourlyRollup {
	r := model.HourlyRollup{HourStart: h.start, Samples: h.count, Names: make(map[string]model.HourlyNameStats, len(h.names))}
	if h.count == 0 {
		return r
	}
	r.AvgMemoryMB = h.memSum / float64(h.count)
	r.AvgCPUPercent = h.cpuSum / float64(h.count)
	names := make([]string, 0, len(h.names))
	for name := range h.names {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		n := h.names[name]
		r.Names[name] = model.HourlyNameStats{MemorySumMB: n.memSum, CPUSumPercent: n.cpuSum, Samples: n.n, Threads: n.threads}
		mem := n.memSum / float64(n.n)
		cpu := n.cpuSum / float64(n.n)
		r.TotalCarbonKg += footprint.CarbonFootprintKg(cpu, mem)
		r.RatingCounts[footprint.SustainabilityRating(mem, n.threads)]++
	}
	return r
}
