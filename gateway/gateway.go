package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/c360/echomux/errors"
	"github.com/c360/echomux/health"
	"github.com/c360/echomux/metric"
	"github.com/c360/echomux/server"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
)

// Config carries the gateway's dependencies.
type Config struct {
	Listen   string
	Pool     *server.Pool
	Events   *server.EventHub
	Registry *metric.Registry // optional; /metrics 404s without it
	Logger   *slog.Logger

	// Checks contribute extra sub-statuses to /healthz, e.g. transport
	// connectivity.
	Checks []health.Check
}

// Gateway is the ops HTTP surface: liveness, Prometheus metrics and a
// websocket stream of session lifecycle events. It never touches duologues
// directly; everything it reads is safe off the executor goroutine.
type Gateway struct {
	log      *slog.Logger
	pool     *server.Pool
	events   *server.EventHub
	registry *metric.Registry
	checks   []health.Check
	srv      *http.Server
	upgrader websocket.Upgrader
}

// New creates a gateway. Run starts serving.
func New(cfg Config) (*Gateway, error) {
	if cfg.Pool == nil || cfg.Events == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingDependency,
			"Gateway", "New", "missing pool or event hub")
	}
	if cfg.Listen == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument,
			"Gateway", "New", "empty listen address")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	g := &Gateway{
		log:      log,
		pool:     cfg.Pool,
		events:   cfg.Events,
		registry: cfg.Registry,
		checks:   cfg.Checks,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}

	g.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           g.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return g, nil
}

func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", g.handleHealthz)
	mux.HandleFunc("GET /sessions", g.handleSessions)
	if g.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(
			g.registry.PrometheusRegistry(),
			promhttp.HandlerOpts{},
		))
	}
	return mux
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	g.log.Info("gateway listening", slog.String("addr", g.srv.Addr))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := g.srv.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Wrap(err, "Gateway", "Run", "serve http")
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

// healthzResponse is the /healthz body: the aggregated system status plus
// the active session count.
type healthzResponse struct {
	health.Status
	ActiveSessions int `json:"active_sessions"`
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	active := g.pool.ActiveSessions()

	subs := []health.Status{
		health.NewHealthy("pool", fmt.Sprintf("%d active sessions", active)),
	}
	for _, check := range g.checks {
		subs = append(subs, check())
	}
	system := health.Aggregate("system", subs)

	w.Header().Set("Content-Type", "application/json")
	if system.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	resp := healthzResponse{Status: system, ActiveSessions: active}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.log.Error("encode healthz response", slog.Any("error", err))
	}
}

// handleSessions upgrades to a websocket and streams session lifecycle events
// as JSON, one event per text message.
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	events, cancel := g.events.Subscribe()
	defer cancel()

	// Reads only service close/ping control frames; a read error means the
	// client went away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() { _ = conn.Close() }()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				g.log.Debug("websocket client dropped", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
