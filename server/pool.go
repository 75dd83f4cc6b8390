package server

import (
	"context"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/c360/echomux/duologue"
	"github.com/c360/echomux/errors"
	"github.com/c360/echomux/executor"
	"github.com/c360/echomux/metric"
	"github.com/c360/echomux/transport"
)

// PoolConfig carries the dependencies of a Pool.
type PoolConfig struct {
	Transport transport.Transport
	Executor  *executor.Executor
	Clock     duologue.Clock
	Local     transport.Endpoint

	SessionBase  int // first session id
	SessionCount int // size of the session id range; also the global cap
	PortBase     int // first channel port
	PortCount    int // size of the port range (two ports per session)
	OwnerQuota   int // max concurrent duologues per owner address

	Logger   *slog.Logger     // optional
	Registry *metric.Registry // optional
	Events   *EventHub        // optional
}

// Pool owns every active duologue. Like the duologues themselves, the pool is
// pinned to the executor: Acquire, Sweep and Close run as tasks on it, so the
// pool's maps need no locking.
type Pool struct {
	tr    transport.Transport
	exec  *executor.Executor
	clock duologue.Clock
	local transport.Endpoint
	log   *slog.Logger

	sessions *sessionAllocator
	ports    *portAllocator

	quota     int
	duologues map[int]*duologue.Duologue
	perOwner  map[netip.Addr]int

	// Mirrors len(duologues) for readers off the executor (gateway healthz).
	active atomic.Int64

	core     *metric.Metrics
	dmetrics *duologue.Metrics
	events   *EventHub
}

// NewPool creates a pool. Creation is cheap; channel work happens per
// duologue in Acquire.
func NewPool(cfg PoolConfig) (*Pool, error) {
	switch {
	case cfg.Transport == nil, cfg.Executor == nil, cfg.Clock == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingDependency,
			"Pool", "NewPool", "missing transport, executor or clock")
	case !cfg.Local.Valid():
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument,
			"Pool", "NewPool", "invalid local endpoint")
	}

	sessions, err := newSessionAllocator(cfg.SessionBase, cfg.SessionCount)
	if err != nil {
		return nil, err
	}
	ports, err := newPortAllocator(cfg.PortBase, cfg.PortCount)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	quota := cfg.OwnerQuota
	if quota <= 0 {
		quota = 1
	}

	p := &Pool{
		tr:        cfg.Transport,
		exec:      cfg.Executor,
		clock:     cfg.Clock,
		local:     cfg.Local,
		log:       log,
		sessions:  sessions,
		ports:     ports,
		quota:     quota,
		duologues: make(map[int]*duologue.Duologue),
		perOwner:  make(map[netip.Addr]int),
		events:    cfg.Events,
	}

	if cfg.Registry != nil {
		p.core = cfg.Registry.Core
		p.dmetrics = duologue.NewMetrics(cfg.Registry)
	}

	return p, nil
}

// Acquire allocates a session id and a port pair and creates a duologue for
// the owner address. Allocations are rolled back on any failure. Must run on
// the executor goroutine.
func (p *Pool) Acquire(ctx context.Context, owner netip.Addr) (*duologue.Duologue, error) {
	p.exec.Assert()

	if !owner.IsValid() {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument,
			"Pool", "Acquire", "invalid owner address")
	}
	if p.perOwner[owner] >= p.quota {
		return nil, errors.ErrQuotaExceeded
	}

	session, err := p.sessions.Allocate()
	if err != nil {
		return nil, err
	}

	portData, portControl, err := p.ports.AllocatePair()
	if err != nil {
		p.sessions.Free(session)
		return nil, err
	}

	d, err := duologue.Create(ctx, duologue.Config{
		Transport:   p.tr,
		Clock:       p.clock,
		Executor:    p.exec,
		Local:       p.local,
		Owner:       owner,
		Session:     session,
		PortData:    portData,
		PortControl: portControl,
		Logger:      p.log,
		Metrics:     p.dmetrics,
	})
	if err != nil {
		// A half-created session is never registered.
		p.ports.FreePair(portData, portControl)
		p.sessions.Free(session)
		return nil, err
	}

	p.duologues[session] = d
	p.perOwner[owner]++
	p.active.Store(int64(len(p.duologues)))

	if p.core != nil {
		p.core.SessionsCreated.Inc()
		p.core.SessionsActive.Set(float64(len(p.duologues)))
	}
	p.publish(EventSessionCreated, d)

	p.log.Debug("session created",
		slog.Int("session", session),
		slog.String("owner", owner.String()),
		slog.Int("port_data", portData),
		slog.Int("port_control", portControl))

	return d, nil
}

// Sweep polls every active duologue, closes expired ones, and removes closed
// ones, returning their ids and ports to the allocators. Must run on the
// executor goroutine.
func (p *Pool) Sweep(now time.Time) {
	p.exec.Assert()

	for session, d := range p.duologues {
		if d.IsClosed() {
			p.remove(session, d, EventSessionClosed)
			continue
		}

		d.Poll()

		if d.IsClosed() {
			p.remove(session, d, EventSessionClosed)
			continue
		}

		if d.IsExpired(now) {
			p.log.Debug("reaping expired session", slog.Int("session", session))
			if err := d.Close(); err != nil {
				p.log.Error("closing expired session failed",
					slog.Int("session", session), slog.Any("error", err))
			}
			if p.core != nil {
				p.core.SessionsExpired.Inc()
			}
			p.remove(session, d, EventSessionExpired)
		}
	}
}

func (p *Pool) remove(session int, d *duologue.Duologue, eventType string) {
	delete(p.duologues, session)
	p.ports.FreePair(d.PortData(), d.PortControl())
	p.sessions.Free(session)

	owner := d.OwnerAddress()
	if p.perOwner[owner] > 1 {
		p.perOwner[owner]--
	} else {
		delete(p.perOwner, owner)
	}

	p.active.Store(int64(len(p.duologues)))
	if p.core != nil {
		p.core.SessionsActive.Set(float64(len(p.duologues)))
		p.core.SessionsClosed.WithLabelValues(d.CloseCause()).Inc()
	}
	p.publish(eventType, d)

	p.log.Debug("session removed", slog.Int("session", session))
}

func (p *Pool) publish(eventType string, d *duologue.Duologue) {
	if p.events == nil {
		return
	}
	p.events.Publish(Event{
		Type:    eventType,
		Session: d.Session(),
		Owner:   d.OwnerAddress().String(),
		Time:    p.clock(),
	})
}

// ActiveSessions returns the number of registered duologues. Safe from any
// goroutine.
func (p *Pool) ActiveSessions() int {
	return int(p.active.Load())
}

// Close tears down every remaining duologue. Must run on the executor
// goroutine.
func (p *Pool) Close() error {
	p.exec.Assert()

	var firstErr error
	for session, d := range p.duologues {
		if !d.IsClosed() {
			if err := d.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		p.remove(session, d, EventSessionClosed)
	}
	return firstErr
}
