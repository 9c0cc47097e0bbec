// Package store holds per-process aggregates and hourly rollups. Memory and SQL
// implement the same Store contract; callers never see which one they use.
package store

import (
	"context"

	"emperror.dev/errors"

	"github.com/Dicklesworthstone/ecoscan/internal/model"
)

const ErrNotFound = errors.Sentinel("aggregate not found")

// DefaultHourlyRetention keeps one week of hourly rollups.
const DefaultHourlyRetention = 168

// Store is safe for concurrent use. Values passed in and returned are copies.
type Store interface {
	UpsertAggregate(ctx context.Context, a *model.ProcessAggregate) error
	GetAggregate(ctx context.Context, name string) (*model.ProcessAggregate, error)
	// ListAggregates returns every aggregate ordered by name.
	ListAggregates(ctx context.Context) ([]*model.ProcessAggregate, error)
	DeleteAggregate(ctx context.Context, name string) error
	// AppendHourlyRollup replaces the rollup for the same hour if one exists.
	AppendHourlyRollup(ctx context.Context, r model.HourlyRollup) error
	// ListHourlyRollups returns rollups ordered by hour, oldest first.
	ListHourlyRollups(ctx context.Context) ([]model.HourlyRollup, error)
	Close() error
}

type options struct {
	hourlyRetention int
}

type Option func(*options)

// WithHourlyRetention bounds the number of hourly rollups kept; older hours are dropped.
func WithHourlyRetention(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.hourlyRetention = n
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{hourlyRetention: DefaultHourlyRetention}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
