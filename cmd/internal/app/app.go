// Package app wires the huddle server runtime: config, logging, HTTP routes, the
// presence hub and its websocket gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"huddle/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the huddle server runtime. It owns the hub, the HTTP server wiring and the
// optional database pool.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool

	registry *prometheus.Registry
	metrics  *realtime.Metrics
	hub      *realtime.Hub
	ws       *realtime.WSGateway
	notify   *realtime.NotifyHandler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(reg)

	access, dbPool, err := newRoomAccess(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	var verifier *realtime.TicketVerifier
	if cfg.TicketSecret != "" {
		verifier = realtime.NewTicketVerifier(cfg.TicketSecret)
	}

	hub := realtime.NewHub(log, metrics)
	ws := realtime.NewWSGateway(log.With("component", "ws"), hub, access, verifier, metrics, cfg.gatewayConfig())

	return &App{
		cfg:      cfg,
		log:      log,
		dbPool:   dbPool,
		registry: reg,
		metrics:  metrics,
		hub:      hub,
		ws:       ws,
		notify:   realtime.NewNotifyHandler(log.With("component", "notify"), hub, cfg.NotifySecret),
	}, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:      a.log,
		cfg:      a.cfg,
		dbPool:   a.dbPool,
		hub:      a.hub,
		ws:       a.ws,
		notify:   a.notify,
		registry: a.registry,
	})
	return WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log)
}

// Run starts the hub and the HTTP server and blocks until ctx is cancelled or
// either of them fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}

	base := runtimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"debug_presence", a.cfg.DebugPresenceEnabled,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.hub.Run(gctx)
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err = g.Wait()
	a.Close()
	a.log.Info("server.stopped")
	return err
}

// Close releases the database pool.
func (a *App) Close() {
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func (c Config) gatewayConfig() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		Origin: realtime.OriginPolicy{
			Required: c.OriginRequired,
			Allowed:  c.AllowedOrigins,
		},
		InsecureSkipVerify: c.InsecureSkipVerify,
		RequireTicket:      c.RequireTicket,
		MaxConnsPerUser:    c.MaxConnsPerUser,
		SendQueueSize:      c.WSSendQueue,
		WriteTimeout:       c.WSWriteTimeout,
		ReadIdleTimeout:    c.WSReadIdleTimeout,
		HeartbeatEvery:     c.WSHeartbeatEvery,
		HeartbeatTimeout:   c.WSHeartbeatTimeout,
		RateEvents:         c.WSRateEvents,
		RateWindow:         c.WSRateWindow,
	}
}

// newRoomAccess decides between the Postgres membership check and allow-all.
func newRoomAccess(ctx context.Context, cfg Config, log Logger) (realtime.RoomAccess, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.allow_all_rooms")
		return realtime.AllowAll{}, nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: %w", err)
	}

	access, err := realtime.NewPostgresRoomAccess(pool, realtime.WithAccessSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.room_access", "schema", cfg.DBSchema)
	return access, pool, nil
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return "ws://" + httpURL
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
