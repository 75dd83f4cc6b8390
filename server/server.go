// Package server implements the echomux server: the handshake accept loop,
// the session/port allocators, and the pool that owns and sweeps duologues.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c360/echomux/duologue"
	"github.com/c360/echomux/errors"
	"github.com/c360/echomux/executor"
	"github.com/c360/echomux/metric"
	"github.com/c360/echomux/transport"
)

// Handshake wire protocol (single-line UTF-8 frames over request/reply):
//
//	client -> server  HELLO <source-identity>
//	server -> client  CONNECT <session> <port-data> <port-control>
//	server -> client  ERROR <reason>
const (
	helloVerb   = "HELLO"
	connectVerb = "CONNECT"
	errorVerb   = "ERROR"
)

// parseHello extracts the client's source identity from a handshake request.
func parseHello(payload []byte) (string, error) {
	fields := strings.Fields(string(payload))
	if len(fields) != 2 || fields[0] != helloVerb {
		return "", errors.WrapProtocol(errors.ErrBadMessage,
			"Server", "parseHello", "parse handshake request")
	}
	return fields[1], nil
}

func connectReply(d *duologue.Duologue) []byte {
	return []byte(fmt.Sprintf("%s %d %d %d",
		connectVerb, d.Session(), d.PortData(), d.PortControl()))
}

func errorReply(reason string) []byte {
	return []byte(fmt.Sprintf("%s %s", errorVerb, reason))
}

// Config carries the server's dependencies and tuning.
type Config struct {
	Transport transport.Transport
	Executor  *executor.Executor
	Clock     duologue.Clock
	Local     transport.Endpoint

	SessionBase  int
	SessionCount int
	PortBase     int
	PortCount    int
	OwnerQuota   int

	// PollInterval is the sweep cadence. Defaults to 100ms.
	PollInterval time.Duration
	// HandshakeRate limits accepted handshakes per second. Defaults to 100,
	// burst 16.
	HandshakeRate float64

	Logger   *slog.Logger
	Registry *metric.Registry
	Events   *EventHub
}

// Server runs the accept loop and the periodic sweep over one pool.
type Server struct {
	cfg     Config
	log     *slog.Logger
	pool    *Pool
	limiter *rate.Limiter
	events  *EventHub
	core    *metric.Metrics
}

// New creates a server and its pool.
func New(cfg Config) (*Server, error) {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.HandshakeRate <= 0 {
		cfg.HandshakeRate = 100
	}
	if cfg.Events == nil {
		cfg.Events = NewEventHub()
	}

	pool, err := NewPool(PoolConfig{
		Transport:    cfg.Transport,
		Executor:     cfg.Executor,
		Clock:        cfg.Clock,
		Local:        cfg.Local,
		SessionBase:  cfg.SessionBase,
		SessionCount: cfg.SessionCount,
		PortBase:     cfg.PortBase,
		PortCount:    cfg.PortCount,
		OwnerQuota:   cfg.OwnerQuota,
		Logger:       cfg.Logger,
		Registry:     cfg.Registry,
		Events:       cfg.Events,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		pool:    pool,
		limiter: rate.NewLimiter(rate.Limit(cfg.HandshakeRate), 16),
		events:  cfg.Events,
	}
	if cfg.Registry != nil {
		s.core = cfg.Registry.Core
	}
	return s, nil
}

// Pool returns the server's pool (read-only access for the gateway).
func (s *Server) Pool() *Pool {
	return s.pool
}

// Events returns the session lifecycle event hub.
func (s *Server) Events() *EventHub {
	return s.events
}

// Run serves handshakes and sweeps the pool until ctx is cancelled. The pool
// is torn down before Run returns.
func (s *Server) Run(ctx context.Context) error {
	responder, err := s.cfg.Transport.ServeHandshake(ctx, s.cfg.Local, s.onHandshake)
	if err != nil {
		return errors.Wrap(err, "Server", "Run", "serve handshake")
	}

	s.log.Info("server running",
		slog.String("endpoint", s.cfg.Local.AllClientsSubject()),
		slog.Int("session_capacity", s.cfg.SessionCount))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.sweepLoop(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return responder.Close()
	})

	err = g.Wait()

	if cerr := s.cfg.Executor.Perform(func() error { return s.pool.Close() }); cerr != nil {
		s.log.Error("pool teardown failed", slog.Any("error", cerr))
		err = errors.WithSecondary(cerr, err)
	}
	return err
}

func (s *Server) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := s.cfg.Executor.Perform(func() error {
				s.pool.Sweep(s.cfg.Clock())
				return nil
			})
			if err != nil {
				return errors.Wrap(err, "Server", "sweepLoop", "submit sweep")
			}
		}
	}
}

// onHandshake runs on a transport-owned goroutine. Pool work is performed on
// the executor; only parsing and the reply happen here.
func (s *Server) onHandshake(payload []byte) []byte {
	if !s.limiter.Allow() {
		s.countHandshake("throttled")
		return errorReply("server busy")
	}

	identity, err := parseHello(payload)
	if err != nil {
		s.log.Warn("malformed handshake request",
			slog.String("payload", string(payload)))
		s.countHandshake("malformed")
		return errorReply("bad handshake")
	}

	owner, err := transport.ExtractAddress(identity)
	if err != nil {
		s.log.Warn("handshake with unparseable identity",
			slog.String("identity", identity))
		s.countHandshake("malformed")
		return errorReply("bad address")
	}

	var d *duologue.Duologue
	perr := s.cfg.Executor.Perform(func() error {
		var aerr error
		d, aerr = s.pool.Acquire(context.Background(), owner)
		return aerr
	})
	if perr != nil {
		s.log.Warn("session acquisition failed",
			slog.String("owner", owner.String()),
			slog.Any("error", perr))
		s.countHandshake("rejected")
		return errorReply(rejectionReason(perr))
	}

	s.countHandshake("accepted")
	return connectReply(d)
}

func (s *Server) countHandshake(outcome string) {
	if s.core != nil {
		s.core.HandshakesTotal.WithLabelValues(outcome).Inc()
	}
}

// rejectionReason maps an acquisition failure to the reason token sent to the
// client. Internal detail stays out of the wire reply.
func rejectionReason(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrQuotaExceeded):
		return "quota exceeded"
	case stderrors.Is(err, errors.ErrSessionsExhausted),
		stderrors.Is(err, errors.ErrPortsExhausted):
		return "server full"
	case errors.IsInvalid(err):
		return "bad address"
	default:
		return "internal error"
	}
}
