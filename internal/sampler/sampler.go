package sampler

import (
	"context"
	"runtime"
	"time"

	"emperror.dev/errors"
	"github.com/jellydator/ttlcache/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"

	"github.com/Dicklesworthstone/ecoscan/internal/model"
)

const usernameTTL = 10 * time.Minute

// Sampler takes one snapshot of the OS process table per call.
type Sampler struct {
	list   func(ctx context.Context) ([]proc, error)
	clock  func() time.Time
	numCPU int

	// Username lookups go through the user database; cache them per process instance.
	users *ttlcache.Cache[userKey, string]

	// CPU time per process instance at the previous pass, so usage covers one interval.
	cpuMarks map[userKey]cpuMark

	lastSkipped int
}

type cpuMark struct {
	total float64 // seconds
	at    time.Time
}

type userKey struct {
	pid     int32
	created int64
}

func New() *Sampler {
	return newSampler(listProcesses, logicalCores(), time.Now)
}

func newSampler(list func(context.Context) ([]proc, error), numCPU int, clock func() time.Time) *Sampler {
	if numCPU < 1 {
		numCPU = 1
	}
	return &Sampler{
		list:     list,
		clock:    clock,
		numCPU:   numCPU,
		users:    ttlcache.New[userKey, string](ttlcache.WithTTL[userKey, string](usernameTTL)),
		cpuMarks: make(map[userKey]cpuMark),
	}
}

func logicalCores() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// LastSkipped is the number of processes dropped during the most recent pass because
// they exited or could not be read.
func (s *Sampler) LastSkipped() int { return s.lastSkipped }

// Sample enumerates every process once. Processes that vanish or deny access between
// enumeration and field reads are skipped; an empty result is not an error.
func (s *Sampler) Sample(ctx context.Context) ([]model.ProcessSample, error) {
	procs, err := s.list(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "enumerate processes")
	}
	now := s.clock()
	out := make([]model.ProcessSample, 0, len(procs))
	skipped := 0
	marks := make(map[userKey]cpuMark, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sample, err := s.read(ctx, p, now, marks)
		if err != nil {
			skipped++
			log.WithError(err).WithField("pid", p.PID()).Debug("skipping process")
			continue
		}
		out = append(out, sample)
	}
	s.lastSkipped = skipped
	s.cpuMarks = marks
	s.users.DeleteExpired()
	return out, nil
}

func (s *Sampler) read(ctx context.Context, p proc, now time.Time, marks map[userKey]cpuMark) (model.ProcessSample, error) {
	name, err := p.Name(ctx)
	if err != nil {
		return model.ProcessSample{}, err
	}
	// Kernel threads without a name carry no useful identity.
	if name == "" {
		return model.ProcessSample{}, errors.New("unnamed process")
	}
	rss, err := p.RSS(ctx)
	if err != nil {
		return model.ProcessSample{}, err
	}
	threads, err := p.NumThreads(ctx)
	if err != nil {
		return model.ProcessSample{}, err
	}
	createdMs, err := p.CreateTime(ctx)
	if err != nil {
		return model.ProcessSample{}, err
	}
	cpuPct, err := s.cpuPercent(ctx, p, userKey{pid: p.PID(), created: createdMs}, now, marks)
	if err != nil {
		return model.ProcessSample{}, err
	}
	var rd, wr uint64
	if r, w, err := p.IOCounters(ctx); err == nil {
		rd, wr = r, w
	}

	return model.ProcessSample{
		PID:            p.PID(),
		Name:           name,
		MemoryMB:       float64(rss) / (1024 * 1024),
		CPUPercent:     cpuPct,
		NumThreads:     int(threads),
		DiskReadBytes:  rd,
		DiskWriteBytes: wr,
		CreateTime:     time.UnixMilli(createdMs),
		Username:       s.username(ctx, p, createdMs),
		SampledAt:      now,
	}, nil
}

// cpuPercent is the share of the whole machine used since the previous pass. A process
// seen for the first time reports its lifetime average instead.
func (s *Sampler) cpuPercent(ctx context.Context, p proc, key userKey, now time.Time, marks map[userKey]cpuMark) (float64, error) {
	total, err := p.CPUTime(ctx)
	if err != nil {
		return 0, err
	}
	marks[key] = cpuMark{total: total, at: now}

	prev, ok := s.cpuMarks[key]
	if elapsed := now.Sub(prev.at).Seconds(); ok && elapsed > 0 {
		used := total - prev.total
		if used < 0 {
			used = 0
		}
		return used / elapsed * 100 / float64(s.numCPU), nil
	}
	lifetime, err := p.CPUPercent(ctx)
	if err != nil {
		return 0, err
	}
	return lifetime / float64(s.numCPU), nil
}

func (s *Sampler) username(ctx context.Context, p proc, createdMs int64) string {
	key := userKey{pid: p.PID(), created: createdMs}
	if item := s.users.Get(key); item != nil {
		return item.Value()
	}
	name, err := p.Username(ctx)
	if err != nil || name == "" {
		name = model.UnknownUser
	}
	s.users.Set(key, name, ttlcache.DefaultTTL)
	return name
}

// proc is the subset of a process handle the sampler reads.
type proc interface {
	PID() int32
	Name(ctx context.Context) (string, error)
	RSS(ctx context.Context) (uint64, error)
	NumThreads(ctx context.Context) (int32, error)
	CPUPercent(ctx context.Context) (float64, error) // lifetime average, 100 per core
	CPUTime(ctx context.Context) (float64, error)    // user+system seconds
	CreateTime(ctx context.Context) (int64, error)
	Username(ctx context.Context) (string, error)
	IOCounters(ctx context.Context) (read, write uint64, err error)
}

func listProcesses(ctx context.Context) ([]proc, error) {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]proc, len(ps))
	for i, p := range ps {
		out[i] = osProc{p}
	}
	return out, nil
}

type osProc struct{ p *process.Process }

func (o osProc) PID() int32 { return o.p.Pid }

func (o osProc) Name(ctx context.Context) (string, error) { return o.p.NameWithContext(ctx) }

func (o osProc) RSS(ctx context.Context) (uint64, error) {
	mi, err := o.p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return mi.RSS, nil
}

func (o osProc) NumThreads(ctx context.Context) (int32, error) {
	return o.p.NumThreadsWithContext(ctx)
}

func (o osProc) CPUPercent(ctx context.Context) (float64, error) {
	return o.p.CPUPercentWithContext(ctx)
}

func (o osProc) CPUTime(ctx context.Context) (float64, error) {
	t, err := o.p.TimesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return t.User + t.System, nil
}

func (o osProc) CreateTime(ctx context.Context) (int64, error) {
	return o.p.CreateTimeWithContext(ctx)
}

func (o osProc) Username(ctx context.Context) (string, error) {
	return o.p.UsernameWithContext(ctx)
}

func (o osProc) IOCounters(ctx context.Context) (uint64, uint64, error) {
	io, err := o.p.IOCountersWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	if io == nil {
		return 0, 0, nil
	}
	return io.ReadBytes, io.WriteBytes, nil
}
