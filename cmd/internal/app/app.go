// Package app wires the ChatRoomZ server runtime: config, logging, storage,
// the HTTP API and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"chatroomz/cmd/internal/chatapi"
	"chatroomz/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the ChatRoomZ server runtime. It owns the store, the DB pool and
// the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	store realtime.Repository
	pool  *pgxpool.Pool

	metrics  *prometheus.Registry
	registry *realtime.Registry
	router   *realtime.Router
	ws       *realtime.WSGateway
	api      *chatapi.Handler
}

// New opens the store selected by cfg and wires every component on top of it.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	store, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := wire(cfg, log, store, pool)
	if err != nil {
		_ = store.Close()
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	if err := ensureDefaultChannel(ctx, store, cfg.DefaultChannel, log); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg Config, log Logger, store realtime.Repository, pool *pgxpool.Pool) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(reg)

	registry := realtime.NewRegistry(log, metrics)
	router := realtime.NewRouter(log, registry, store, metrics)

	api, err := chatapi.NewHandler(log, cfg.API(), store, registry, router)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		pool:     pool,
		metrics:  reg,
		registry: registry,
		router:   router,
		ws:       realtime.NewWSGateway(log, registry, router, store, cfg.Gateway()),
		api:      api,
	}, nil
}

// Run serves HTTP until ctx is done or the listener fails, then shuts down
// gracefully and closes the store.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := RuntimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.pool != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	if cerr := a.Close(); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}
	if err != nil {
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// Close releases the store and the DB pool.
func (a *App) Close() error {
	err := a.store.Close()
	if a.pool != nil {
		a.pool.Close()
	}
	return err
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

// newStore picks Postgres when a database URL is set, badger when a data
// directory is set, and the in-memory store otherwise.
func newStore(ctx context.Context, cfg Config, log Logger) (realtime.Repository, *pgxpool.Pool, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		// The app owns the pool; PostgresStore.Close is a no-op.
		store, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres schema: %w", err)
		}
		log.Info("store.postgres", "schema", cfg.DBSchema)
		return store, pool, nil

	case cfg.BadgerDir != "":
		store, err := realtime.OpenBadgerStore(cfg.BadgerDir)
		if err != nil {
			return nil, nil, fmt.Errorf("badger: %w", err)
		}
		log.Info("store.badger", "dir", cfg.BadgerDir)
		return store, nil, nil

	default:
		log.Info("store.inmemory")
		return realtime.NewInMemoryStore(), nil, nil
	}
}

func ensureDefaultChannel(ctx context.Context, store realtime.Repository, name string, log Logger) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	chs, err := store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	if len(chs) > 0 {
		return nil
	}
	ch, err := store.CreateChannel(ctx, name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create default channel: %w", err)
	}
	log.Info("store.default_channel", "channel_id", int64(ch.ID), "name", ch.Name)
	return nil
}

// RuntimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard hosts become 127.0.0.1.
func RuntimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
