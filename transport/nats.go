package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/echomux/errors"
	"github.com/c360/echomux/metric"
	"github.com/c360/echomux/pkg/buffer"
)

// Presence frame verbs exchanged on a channel's presence subject.
const (
	presenceHello = "HELLO" // HELLO <correlation> <source-identity>
	presenceBye   = "BYE"   // BYE <correlation>
	presenceProbe = "PROBE" // PROBE - ask live publishers to re-announce
)

// NATS implements Transport over a NATS connection. Channels map to subjects;
// peer presence is carried by HELLO/BYE announcements on each channel's
// presence subject, with PROBE letting late subscriptions discover peers that
// attached first.
type NATS struct {
	nc       *nats.Conn
	identity string // advertised source identity of this process, "host:port"
	queueCap int
	log      *slog.Logger
	metrics  *natsMetrics
}

type natsMetrics struct {
	framesIn    prometheus.Counter
	framesOut   prometheus.Counter
	framesLost  prometheus.Counter
	presenceIn  prometheus.Counter
	badPresence prometheus.Counter
}

func newNATSMetrics(registry metric.Registrar) *natsMetrics {
	if registry == nil {
		return nil
	}

	m := &natsMetrics{
		framesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "echomux", Subsystem: "transport",
			Name: "frames_received_total", Help: "Frames received across all subscriptions",
		}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "echomux", Subsystem: "transport",
			Name: "frames_sent_total", Help: "Frames offered across all publications",
		}),
		framesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "echomux", Subsystem: "transport",
			Name: "frames_dropped_total", Help: "Inbound frames dropped on full poll queues",
		}),
		presenceIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "echomux", Subsystem: "transport",
			Name: "presence_events_total", Help: "Presence announcements processed",
		}),
		badPresence: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "echomux", Subsystem: "transport",
			Name: "presence_malformed_total", Help: "Malformed presence frames ignored",
		}),
	}

	registry.RegisterCounter("transport", "frames_received", m.framesIn)
	registry.RegisterCounter("transport", "frames_sent", m.framesOut)
	registry.RegisterCounter("transport", "frames_dropped", m.framesLost)
	registry.RegisterCounter("transport", "presence_events", m.presenceIn)
	registry.RegisterCounter("transport", "presence_malformed", m.badPresence)

	return m
}

// NATSOption configures the NATS transport.
type NATSOption func(*NATS)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) NATSOption {
	return func(n *NATS) { n.log = log }
}

// WithQueueCapacity sets the per-subscription inbound frame queue capacity.
func WithQueueCapacity(capacity int) NATSOption {
	return func(n *NATS) { n.queueCap = capacity }
}

// WithMetrics registers transport metrics with the given registry.
func WithMetrics(registry metric.Registrar) NATSOption {
	return func(n *NATS) { n.metrics = newNATSMetrics(registry) }
}

// NewNATS wraps an established NATS connection as a Transport. identity is
// the source identity this process announces when it opens publications.
func NewNATS(nc *nats.Conn, identity string, opts ...NATSOption) (*NATS, error) {
	if nc == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingDependency,
			"transport", "NewNATS", "nil connection")
	}
	if identity == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingDependency,
			"transport", "NewNATS", "empty source identity")
	}

	n := &NATS{
		nc:       nc,
		identity: identity,
		queueCap: 256,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// image is the NATS realization of a live peer.
type image struct {
	correlation string
	source      string
}

func (i image) Correlation() string    { return i.correlation }
func (i image) SourceIdentity() string { return i.source }

// natsPublication announces itself on the presence subject when opened and
// answers PROBE by re-announcing, so subscriptions opened later still see it.
type natsPublication struct {
	nc          *nats.Conn
	subject     string
	presence    string
	correlation string
	hello       string
	probeSub    *nats.Subscription
	closed      atomic.Bool
	metrics     *natsMetrics
}

// OpenPublication implements Transport.
func (n *NATS) OpenPublication(_ context.Context, ch Channel) (Publication, error) {
	if !ch.Endpoint.Valid() {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument,
			"NATS", "OpenPublication", "invalid endpoint")
	}

	p := &natsPublication{
		nc:          n.nc,
		subject:     ch.Subject(),
		presence:    ch.PresenceSubject(),
		correlation: uuid.NewString(),
		metrics:     n.metrics,
	}
	p.hello = fmt.Sprintf("%s %s %s", presenceHello, p.correlation, n.identity)

	probeSub, err := n.nc.Subscribe(p.presence, func(m *nats.Msg) {
		if string(m.Data) == presenceProbe && !p.closed.Load() {
			p.nc.Publish(p.presence, []byte(p.hello))
		}
	})
	if err != nil {
		return nil, errors.WrapIO(err, "NATS", "OpenPublication", "subscribe presence")
	}
	p.probeSub = probeSub

	if err := n.nc.Publish(p.presence, []byte(p.hello)); err != nil {
		probeSub.Unsubscribe()
		return nil, errors.WrapIO(err, "NATS", "OpenPublication", "announce presence")
	}

	return p, nil
}

// Offer implements Publication.
func (p *natsPublication) Offer(payload []byte) error {
	if p.closed.Load() {
		return errors.WrapIO(errors.ErrPublicationClosed, "Publication", "Offer", "offer frame")
	}
	if err := p.nc.Publish(p.subject, payload); err != nil {
		return errors.WrapIO(err, "Publication", "Offer", "publish frame")
	}
	if p.metrics != nil {
		p.metrics.framesOut.Inc()
	}
	return nil
}

// Close implements Publication. The BYE announcement is best effort; the
// detach must win even when the connection is already gone.
func (p *natsPublication) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	bye := fmt.Sprintf("%s %s", presenceBye, p.correlation)
	perr := p.nc.Publish(p.presence, []byte(bye))

	if err := p.probeSub.Unsubscribe(); err != nil {
		return errors.WithSecondary(
			errors.WrapIO(err, "Publication", "Close", "unsubscribe presence"), perr)
	}
	if perr != nil {
		return errors.WrapIO(perr, "Publication", "Close", "announce detach")
	}
	return nil
}

type natsSubscription struct {
	frames  *buffer.Queue[[]byte]
	dataSub *nats.Subscription
	presSub *nats.Subscription

	mu     sync.Mutex
	images map[string]image

	onAvailable   ImageHandler
	onUnavailable ImageHandler

	log     *slog.Logger
	closed  atomic.Bool
	metrics *natsMetrics
}

// OpenSubscription implements Transport.
func (n *NATS) OpenSubscription(_ context.Context, ch Channel,
	onAvailable, onUnavailable ImageHandler) (Subscription, error) {
	if !ch.Endpoint.Valid() {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument,
			"NATS", "OpenSubscription", "invalid endpoint")
	}

	s := &natsSubscription{
		frames:        buffer.NewQueue[[]byte](n.queueCap),
		images:        make(map[string]image),
		onAvailable:   onAvailable,
		onUnavailable: onUnavailable,
		log:           n.log,
		metrics:       n.metrics,
	}

	dataSub, err := n.nc.Subscribe(ch.Subject(), func(m *nats.Msg) {
		if err := s.frames.Push(m.Data); err != nil {
			if s.metrics != nil {
				s.metrics.framesLost.Inc()
			}
			return
		}
		if s.metrics != nil {
			s.metrics.framesIn.Inc()
		}
	})
	if err != nil {
		return nil, errors.WrapIO(err, "NATS", "OpenSubscription", "subscribe channel")
	}

	presSub, err := n.nc.Subscribe(ch.PresenceSubject(), s.onPresence)
	if err != nil {
		// No half-open subscription may escape.
		if uerr := dataSub.Unsubscribe(); uerr != nil {
			return nil, errors.WithSecondary(
				errors.WrapIO(err, "NATS", "OpenSubscription", "subscribe presence"),
				uerr)
		}
		return nil, errors.WrapIO(err, "NATS", "OpenSubscription", "subscribe presence")
	}

	s.dataSub = dataSub
	s.presSub = presSub

	// Ask peers that attached before us to re-announce.
	if err := n.nc.Publish(ch.PresenceSubject(), []byte(presenceProbe)); err != nil {
		n.log.Warn("presence probe failed", slog.String("subject", ch.PresenceSubject()),
			slog.Any("error", err))
	}

	return s, nil
}

// onPresence runs on the NATS delivery goroutine - a thread the subscription's
// owner does not control. Image callbacks therefore fire here and owners must
// re-dispatch onto their own execution context.
func (s *natsSubscription) onPresence(m *nats.Msg) {
	fields := strings.Fields(string(m.Data))
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case presenceHello:
		if len(fields) != 3 {
			s.malformed(m.Data)
			return
		}
		img := image{correlation: fields[1], source: fields[2]}

		s.mu.Lock()
		_, known := s.images[img.correlation]
		if !known {
			s.images[img.correlation] = img
		}
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.presenceIn.Inc()
		}
		if !known && s.onAvailable != nil {
			s.onAvailable(img)
		}

	case presenceBye:
		if len(fields) != 2 {
			s.malformed(m.Data)
			return
		}

		s.mu.Lock()
		img, known := s.images[fields[1]]
		if known {
			delete(s.images, fields[1])
		}
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.presenceIn.Inc()
		}
		if known && s.onUnavailable != nil {
			s.onUnavailable(img)
		}

	case presenceProbe:
		// Probes are for publications; subscriptions ignore them.

	default:
		s.malformed(m.Data)
	}
}

func (s *natsSubscription) malformed(data []byte) {
	if s.metrics != nil {
		s.metrics.badPresence.Inc()
	}
	s.log.Warn("ignoring malformed presence frame", slog.String("frame", string(data)))
}

// Poll implements Subscription.
func (s *natsSubscription) Poll(h FragmentHandler, limit int) int {
	if h == nil {
		return 0
	}
	drained := s.frames.Drain(limit)
	for _, payload := range drained {
		h(payload)
	}
	return len(drained)
}

// ImageCount implements Subscription.
func (s *natsSubscription) ImageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}

// Close implements Subscription. Both underlying subscriptions are released
// regardless of individual failures.
func (s *natsSubscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.frames.Close()
	derr := s.dataSub.Unsubscribe()
	perr := s.presSub.Unsubscribe()

	if perr != nil {
		return errors.WithSecondary(
			errors.WrapIO(perr, "Subscription", "Close", "unsubscribe presence"), derr)
	}
	if derr != nil {
		return errors.WrapIO(derr, "Subscription", "Close", "unsubscribe channel")
	}
	return nil
}

// handshakeResponder adapts a NATS subscription to io.Closer.
type handshakeResponder struct {
	sub *nats.Subscription
}

func (r *handshakeResponder) Close() error {
	return r.sub.Unsubscribe()
}

// ServeHandshake implements Transport using NATS request/reply.
func (n *NATS) ServeHandshake(_ context.Context, e Endpoint, h HandshakeHandler) (io.Closer, error) {
	if !e.Valid() {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument,
			"NATS", "ServeHandshake", "invalid endpoint")
	}
	if h == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingDependency,
			"NATS", "ServeHandshake", "nil handler")
	}

	sub, err := n.nc.Subscribe(e.AllClientsSubject(), func(m *nats.Msg) {
		reply := h(m.Data)
		if m.Reply == "" || reply == nil {
			return
		}
		if err := n.nc.Publish(m.Reply, reply); err != nil {
			n.log.Error("handshake reply failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return nil, errors.WrapIO(err, "NATS", "ServeHandshake", "subscribe all-clients")
	}

	return &handshakeResponder{sub: sub}, nil
}

// Handshake implements Transport using NATS request/reply.
func (n *NATS) Handshake(ctx context.Context, e Endpoint, payload []byte) ([]byte, error) {
	if !e.Valid() {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument,
			"NATS", "Handshake", "invalid endpoint")
	}

	msg, err := n.nc.RequestWithContext(ctx, e.AllClientsSubject(), payload)
	if err != nil {
		return nil, errors.WrapIO(err, "NATS", "Handshake", "request")
	}
	return msg.Data, nil
}

// Identity returns the source identity this transport announces.
func (n *NATS) Identity() string {
	return n.identity
}

var _ Transport = (*NATS)(nil)
