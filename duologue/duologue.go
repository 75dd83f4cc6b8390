// Package duologue implements the per-client session object of the echo
// service: one isolated conversation between the server and exactly one
// remote peer, bound to a session id and a data/control channel pair.
package duologue

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/echomux/errors"
	"github.com/c360/echomux/executor"
	"github.com/c360/echomux/metric"
	"github.com/c360/echomux/pkg/buffer"
	"github.com/c360/echomux/transport"
)

const (
	// A session's outbound scratch buffer: fixed capacity, cache-line aligned.
	sendBufferSize  = 1024
	sendBufferAlign = 16

	// At most this many inbound fragments are drained per Poll call.
	pollFragmentLimit = 10

	// A duologue whose peer never attaches is reapable this long after
	// creation. The window is absolute, never renewed by activity.
	expiryWindow = 10 * time.Second
)

// Clock supplies the current time. Injected so expiry is testable.
type Clock func() time.Time

// Close causes, used as metric labels.
const (
	CauseProtocol   = "protocol"
	CauseIO         = "io"
	CauseDisconnect = "disconnect"
	CauseExplicit   = "explicit"
)

// Metrics holds the session-level Prometheus metrics. One Metrics instance is
// shared by every duologue of a pool; duologues are ephemeral and must not
// register collectors individually.
type Metrics struct {
	framesReceived prometheus.Counter
	echoesSent     prometheus.Counter
	repliesFailed  prometheus.Counter
	closed         *prometheus.CounterVec
}

// NewMetrics creates and registers the shared duologue metrics. Returns nil
// when registry is nil.
func NewMetrics(registry metric.Registrar) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "echomux", Subsystem: "duologue",
			Name: "frames_received_total", Help: "Inbound frames dispatched to message handling",
		}),
		echoesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "echomux", Subsystem: "duologue",
			Name: "echoes_sent_total", Help: "Successful echo replies",
		}),
		repliesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "echomux", Subsystem: "duologue",
			Name: "replies_failed_total", Help: "Replies that failed to send",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "echomux", Subsystem: "duologue",
			Name: "closed_total", Help: "Duologues closed, by cause",
		}, []string{"cause"}),
	}

	registry.RegisterCounter("duologue", "frames_received", m.framesReceived)
	registry.RegisterCounter("duologue", "echoes_sent", m.echoesSent)
	registry.RegisterCounter("duologue", "replies_failed", m.repliesFailed)
	registry.RegisterCounterVec("duologue", "closed", m.closed)

	return m
}

// Config carries the dependencies of a duologue. All fields up to Logger are
// required.
type Config struct {
	Transport   transport.Transport
	Clock       Clock
	Executor    *executor.Executor
	Local       transport.Endpoint
	Owner       netip.Addr
	Session     int
	PortData    int
	PortControl int

	Logger  *slog.Logger // optional; defaults to slog.Default
	Metrics *Metrics     // optional; shared across the pool's duologues
}

func (c Config) validate() error {
	switch {
	case c.Transport == nil:
		return errors.WrapInvalid(errors.ErrMissingDependency, "Duologue", "Create", "nil transport")
	case c.Clock == nil:
		return errors.WrapInvalid(errors.ErrMissingDependency, "Duologue", "Create", "nil clock")
	case c.Executor == nil:
		return errors.WrapInvalid(errors.ErrMissingDependency, "Duologue", "Create", "nil executor")
	case !c.Local.Valid():
		return errors.WrapInvalid(errors.ErrInvalidArgument, "Duologue", "Create", "invalid local endpoint")
	case !c.Owner.IsValid():
		return errors.WrapInvalid(errors.ErrInvalidArgument, "Duologue", "Create", "invalid owner address")
	case c.PortData <= 0 || c.PortControl <= 0:
		return errors.WrapInvalid(errors.ErrInvalidArgument, "Duologue", "Create", "invalid port pair")
	}
	return nil
}

// Duologue is a single bounded conversation with one client. All mutable
// state is confined to the executor the duologue was created with: there are
// no locks here, and every mutating operation asserts executor affinity.
type Duologue struct {
	exec *executor.Executor
	log  *slog.Logger

	// Immutable after construction.
	session     int
	portData    int
	portControl int
	owner       netip.Addr
	expires     time.Time

	sendBuffer *buffer.Aligned
	closed     bool
	cause      string
	pub        transport.Publication
	sub        transport.Subscription

	metrics *Metrics
}

// Create opens a new duologue: a publication on the control channel and a
// subscription on the data channel, both scoped to the session id, intended
// for a single client at the owner address.
//
// Create must run on the executor goroutine, like every other mutating
// operation; the pool calls it from its accept task.
//
// If opening the subscription fails after the publication has opened, the
// publication is closed before the failure propagates; a failure of that
// cleanup close is attached to the original error as a secondary cause.
func Create(ctx context.Context, cfg Config) (*Duologue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Executor.Assert()

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.Int("session", cfg.Session))

	log.Debug("creating duologue",
		slog.String("local", cfg.Local.Addr.String()),
		slog.Int("port_data", cfg.PortData),
		slog.Int("port_control", cfg.PortControl),
		slog.String("owner", cfg.Owner.String()))

	expires := cfg.Clock().Add(expiryWindow)

	pub, err := cfg.Transport.OpenPublication(ctx, transport.Channel{
		Endpoint: cfg.Local,
		Port:     cfg.PortControl,
		Session:  cfg.Session,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Duologue", "Create", "open control publication")
	}

	d := &Duologue{
		exec:        cfg.Executor,
		log:         log,
		session:     cfg.Session,
		portData:    cfg.PortData,
		portControl: cfg.PortControl,
		owner:       cfg.Owner,
		expires:     expires,
		metrics:     cfg.Metrics,
	}

	d.sendBuffer, err = buffer.NewAligned(sendBufferSize, sendBufferAlign)
	if err != nil {
		return nil, cleanupCreate(pub, errors.Wrap(err, "Duologue", "Create", "allocate send buffer"))
	}

	sub, err := cfg.Transport.OpenSubscription(ctx, transport.Channel{
		Endpoint: cfg.Local,
		Port:     cfg.PortData,
		Session:  cfg.Session,
	}, d.onPeerAttached, d.onPeerDetached)
	if err != nil {
		return nil, cleanupCreate(pub, errors.Wrap(err, "Duologue", "Create", "open data subscription"))
	}

	d.pub = pub
	d.sub = sub
	return d, nil
}

// cleanupCreate closes the already-opened publication after a later creation
// step failed. The creation failure stays primary; a cleanup failure rides
// along as secondary cause.
func cleanupCreate(pub transport.Publication, cause error) error {
	if cerr := pub.Close(); cerr != nil {
		return errors.WithSecondary(cause, cerr)
	}
	return cause
}

// Poll drains up to 10 inbound fragments and drives the protocol. Must run on
// the executor goroutine. Polling a closed duologue does nothing; the pool is
// expected to stop polling sessions it has observed closed.
func (d *Duologue) Poll() {
	d.exec.Assert()

	if d.closed {
		return
	}
	d.sub.Poll(d.onFragment, pollFragmentLimit)
}

func (d *Duologue) onFragment(payload []byte) {
	// A poison frame earlier in the same drain batch may have closed us.
	if d.closed {
		return
	}

	if d.metrics != nil {
		d.metrics.framesReceived.Inc()
	}

	msg, err := parseFrame(payload)
	if err != nil {
		d.log.Debug("undecodable frame", slog.Any("error", err))
		d.rejectAndClose()
		return
	}

	d.log.Debug("received", slog.String("message", msg))

	if _, ok := matchEcho(msg); ok {
		// The reply is the matched request, unchanged.
		if err := d.send(msg); err != nil {
			d.log.Error("failed to send echo reply", slog.Any("error", err))
			if d.metrics != nil {
				d.metrics.repliesFailed.Inc()
			}
			d.closeWithCause(CauseIO)
			return
		}
		if d.metrics != nil {
			d.metrics.echoesSent.Inc()
		}
		return
	}

	d.rejectAndClose()
}

// rejectAndClose handles a protocol violation: reply "ERROR bad message",
// then close this conversation no matter what. A violation terminates only
// this session, never the server; a send failure here is logged, not
// re-raised past this boundary.
func (d *Duologue) rejectAndClose() {
	if err := d.send(errorBadMessage); err != nil {
		d.log.Error("failed to send error reply", slog.Any("error", err))
		if d.metrics != nil {
			d.metrics.repliesFailed.Inc()
		}
	}
	d.closeWithCause(CauseProtocol)
}

func (d *Duologue) send(text string) error {
	frame, err := d.sendBuffer.Put(text)
	if err != nil {
		return err
	}
	return d.pub.Offer(frame)
}

// onPeerAttached fires on a transport-owned goroutine. Its entire body is
// re-scheduled onto the executor; nothing is touched synchronously.
func (d *Duologue) onPeerAttached(img transport.Image) {
	if err := d.exec.Execute(func() { d.peerAttached(img) }); err != nil {
		d.log.Error("dropping peer-attach event", slog.Any("error", err))
	}
}

func (d *Duologue) onPeerDetached(img transport.Image) {
	if err := d.exec.Execute(func() { d.peerDetached(img) }); err != nil {
		d.log.Error("dropping peer-detach event", slog.Any("error", err))
	}
}

func (d *Duologue) peerAttached(img transport.Image) {
	remote, err := transport.ExtractAddress(img.SourceIdentity())
	if err != nil {
		d.log.Error("peer announced unparseable identity",
			slog.String("identity", img.SourceIdentity()))
		return
	}

	if remote == d.owner {
		d.log.Debug("peer with correct address attached",
			slog.String("addr", remote.String()))
	} else {
		// Observe-only: the mismatch is reported but the session is not
		// terminated.
		d.log.Error("connecting peer has wrong address",
			slog.String("addr", remote.String()),
			slog.String("owner", d.owner.String()))
	}
}

func (d *Duologue) peerDetached(img transport.Image) {
	if d.closed {
		return
	}

	if d.sub.ImageCount() == 0 {
		d.log.Debug("last peer detached",
			slog.String("identity", img.SourceIdentity()))
		d.closeWithCause(CauseDisconnect)
		return
	}

	d.log.Debug("peer detached",
		slog.String("identity", img.SourceIdentity()))
}

// IsExpired returns true iff the duologue has no attached peers and now is
// strictly after the expiry instant computed at creation. Both conditions are
// evaluated at the instant of the call; there is no persisted "ever
// connected" flag. Must run on the executor goroutine.
func (d *Duologue) IsExpired(now time.Time) bool {
	d.exec.Assert()

	return d.sub.ImageCount() == 0 && now.After(d.expires)
}

// IsClosed reports whether Close has run. Must run on the executor goroutine.
func (d *Duologue) IsClosed() bool {
	d.exec.Assert()

	return d.closed
}

// Close tears the duologue down: the publication first, then - regardless of
// the publication's outcome - the subscription. If both closes fail, the
// subscription failure is primary and the publication failure is attached as
// secondary cause. The duologue is marked closed no matter what. Idempotent;
// must run on the executor goroutine.
func (d *Duologue) Close() error {
	d.exec.Assert()

	if d.closed {
		return nil
	}
	return d.closeWithCause(CauseExplicit)
}

func (d *Duologue) closeWithCause(cause string) error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.cause = cause

	if d.metrics != nil {
		d.metrics.closed.WithLabelValues(cause).Inc()
	}

	perr := d.pub.Close()
	serr := d.sub.Close()

	var err error
	switch {
	case serr != nil:
		err = errors.WithSecondary(
			errors.Wrap(serr, "Duologue", "Close", "close subscription"), perr)
	case perr != nil:
		err = errors.Wrap(perr, "Duologue", "Close", "close publication")
	}

	if err != nil && cause != CauseExplicit {
		// Internal teardown paths have no caller to propagate to.
		d.log.Error("duologue teardown failed", slog.Any("error", err))
	}
	return err
}

// CloseCause returns the cause the duologue was closed with, or the empty
// string while it is still open. Must run on the executor goroutine.
func (d *Duologue) CloseCause() string {
	d.exec.Assert()

	return d.cause
}

// Session returns the session id. Immutable, no threading constraint.
func (d *Duologue) Session() int {
	return d.session
}

// PortData returns the data channel identifier.
func (d *Duologue) PortData() int {
	return d.portData
}

// PortControl returns the control channel identifier.
func (d *Duologue) PortControl() int {
	return d.portControl
}

// OwnerAddress returns the address permitted to participate in this duologue.
func (d *Duologue) OwnerAddress() netip.Addr {
	return d.owner
}

// String identifies the duologue in logs.
func (d *Duologue) String() string {
	return fmt.Sprintf("duologue[session=%d owner=%s]", d.session, d.owner)
}
