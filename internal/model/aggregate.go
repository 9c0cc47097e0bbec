package model

import "time"

// ProcessAggregate is the rolling summary for every process sharing one name.
type ProcessAggregate struct {
	Name       string
	PID        int32 // most recent pid seen under this name
	LastSeen   time.Time
	Memory     *Window // MB
	CPU        *Window // percent of machine capacity
	Threads    *Window
	DiskRead   uint64 // cumulative bytes
	DiskWrite  uint64
	CreateTime time.Time // first observed, never updated
	Username   string    // first observed, never updated
}

// NewAggregate starts an aggregate from the first sample of a name.
func NewAggregate(s ProcessSample, window int) *ProcessAggregate {
	username := s.Username
	if username == "" {
		username = UnknownUser
	}
	return &ProcessAggregate{
		Name:       s.Name,
		PID:        s.PID,
		Memory:     NewWindow(window),
		CPU:        NewWindow(window),
		Threads:    NewWindow(window),
		CreateTime: s.CreateTime,
		Username:   username,
	}
}

// Observe appends one sample to the rolling windows.
func (a *ProcessAggregate) Observe(s ProcessSample, now time.Time) {
	at := s.SampledAt
	if at.IsZero() {
		at = now
	}
	a.Memory.Push(Point{At: at, Value: s.MemoryMB})
	a.CPU.Push(Point{At: at, Value: s.CPUPercent})
	a.Threads.Push(Point{At: at, Value: float64(s.NumThreads)})
	a.PID = s.PID
	if now.After(a.LastSeen) {
		a.LastSeen = now
	}
}

// AvgMemoryMB reports "no data" through ok rather than dividing by zero.
func (a *ProcessAggregate) AvgMemoryMB() (float64, bool) { return a.Memory.Mean() }

func (a *ProcessAggregate) AvgCPUPercent() (float64, bool) { return a.CPU.Mean() }

// LatestThreads is the thread count from the newest sample.
func (a *ProcessAggregate) LatestThreads() (int, bool) {
	p, ok := a.Threads.Last()
	return int(p.Value), ok
}

// Clone returns a deep copy safe to hand across goroutines.
func (a *ProcessAggregate) Clone() *ProcessAggregate {
	c := *a
	c.Memory = a.Memory.Clone()
	c.CPU = a.CPU.Clone()
	c.Threads = a.Threads.Clone()
	return &c
}
