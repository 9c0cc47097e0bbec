package store

import (
	"context"
	"sort"
	"sync"

	"emperror.dev/errors"

	"github.com/Dicklesworthstone/ecoscan/internal/model"
)

// Memory is the transient Store. Its contents are lost on exit.
type Memory struct {
	mu         sync.RWMutex
	aggregates map[string]*model.ProcessAggregate
	hourly     []model.HourlyRollup
	opts       options
}

func NewMemory(opts ...Option) *Memory {
	return &Memory{
		aggregates: make(map[string]*model.ProcessAggregate),
		opts:       applyOptions(opts),
	}
}

func (m *Memory) UpsertAggregate(_ context.Context, a *model.ProcessAggregate) error {
	if a == nil || a.Name == "" {
		return errors.New("aggregate without name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregates[a.Name] = a.Clone()
	return nil
}

func (m *Memory) GetAggregate(_ context.Context, name string) (*model.ProcessAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.aggregates[name]
	if !ok {
		return nil, errors.WithDetails(ErrNotFound, "name", name)
	}
	return a.Clone(), nil
}

func (m *Memory) ListAggregates(_ context.Context) ([]*model.ProcessAggregate, error) {
	m.mu.RLock()
	out := make([]*model.ProcessAggregate, 0, len(m.aggregates))
	for _, a := range m.aggregates {
		out = append(out, a.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) DeleteAggregate(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.aggregates, name)
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendHourlyRollup(_ context.Context, r model.HourlyRollup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.Search(len(m.hourly), func(i int) bool { return !m.hourly[i].HourStart.Before(r.HourStart) })
	if i < len(m.hourly) && m.hourly[i].HourStart.Equal(r.HourStart) {
		m.hourly[i] = r
		return nil
	}
	m.hourly = append(m.hourly, model.HourlyRollup{})
	copy(m.hourly[i+1:], m.hourly[i:])
	m.hourly[i] = r
	if extra := len(m.hourly) - m.opts.hourlyRetention; extra > 0 {
		m.hourly = append([]model.HourlyRollup(nil), m.hourly[extra:]...)
	}
	return nil
}

func (m *Memory) ListHourlyRollups(_ context.Context) ([]model.HourlyRollup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.HourlyRollup(nil), m.hourly...), nil
}

func (m *Memory) Close() error { return nil }
