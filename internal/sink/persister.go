package sink

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/cenkalti/backoff/v3"
	log "github.com/sirupsen/logrus"

	"github.com/Dicklesworthstone/ecoscan/internal/model"
)

const DefaultRetries = 5

// Persister writes snapshots to its sinks from a background goroutine so a slow or
// failing sink never delays the sampling loop. Only the newest snapshot is kept while a
// write is in flight.
type Persister struct {
	sinks      []Sink
	pending    chan model.Snapshot
	newBackOff func() backoff.BackOff
	onFailure  func(sink string, err error)
}

type PersisterOption func(*Persister)

// WithRetries bounds the attempts per sink and snapshot to retries+1.
func WithRetries(retries int) PersisterOption {
	return func(p *Persister) {
		if retries < 0 {
			retries = 0
		}
		p.newBackOff = func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries))
		}
	}
}

// WithFailureHook is called once per sink whose retries are exhausted.
func WithFailureHook(fn func(sink string, err error)) PersisterOption {
	return func(p *Persister) { p.onFailure = fn }
}

func withBackOff(fn func() backoff.BackOff) PersisterOption {
	return func(p *Persister) { p.newBackOff = fn }
}

func NewPersister(sinks []Sink, opts ...PersisterOption) *Persister {
	p := &Persister{
		sinks:   sinks,
		pending: make(chan model.Snapshot, 1),
	}
	WithRetries(DefaultRetries)(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enabled reports whether any sink is configured.
func (p *Persister) Enabled() bool { return len(p.sinks) > 0 }

// Trigger queues snap for writing and never blocks. A snapshot still waiting is replaced.
func (p *Persister) Trigger(snap model.Snapshot) {
	if !p.Enabled() {
		return
	}
	for {
		select {
		case p.pending <- snap:
			return
		default:
		}
		select {
		case <-p.pending:
		default:
		}
	}
}

// Run drains triggered snapshots until ctx is done.
func (p *Persister) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-p.pending:
			_ = p.Flush(ctx, snap)
		}
	}
}

// Flush writes snap to every sink with retries and returns the combined failures.
func (p *Persister) Flush(ctx context.Context, snap model.Snapshot) error {
	var errs []error
	for _, s := range p.sinks {
		if err := p.write(ctx, s, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Combine(errs...)
}

func (p *Persister) write(ctx context.Context, s Sink, snap model.Snapshot) error {
	op := func() error { return s.Write(ctx, snap) }
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("sink", s.Name()).Warnf("sink write failed, retrying in %s", wait)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(p.newBackOff(), ctx), notify)
	if err != nil {
		log.WithError(err).WithField("sink", s.Name()).Error("giving up on snapshot")
		if p.onFailure != nil {
			p.onFailure(s.Name(), err)
		}
	}
	return err
}
