// Package app wires the Chattr server runtime: config, logging, HTTP routes, and the realtime gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rahul-sharma-alx/chattr/cmd/internal/chat"
	"github.com/rahul-sharma-alx/chattr/cmd/internal/realtime"
	"github.com/rahul-sharma-alx/chattr/cmd/internal/social"
	"github.com/rahul-sharma-alx/chattr/cmd/internal/users"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Chattr server runtime: it owns HTTP server wiring and the realtime dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	hub     *realtime.Hub
	gateway *realtime.Gateway
}

// stores bundles the persistence backends picked by newStores.
type stores struct {
	messages      chat.MessageStore
	graph         social.GraphStore
	conversations social.ConversationStore
	profiles      users.Store
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, dbPool, dbEnabled, backends, err := newStores(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(log, realtime.WithQueueSize(cfg.HubQueueSize))

	// Wiring order matters: the directory publishes inbox updates, the
	// provisioner announces new conversations through it, and the graph
	// hands mutual-follow events to the provisioner.
	directory := social.NewDirectory(log, backends.conversations, hub)
	provisioner := social.NewProvisioner(log, backends.conversations, directory)
	graph := social.NewGraph(log, backends.graph, hub, provisioner)
	messages := chat.NewService(log, backends.messages, hub, directory)

	gateway := realtime.NewGateway(log, hub, messages, graph, directory, backends.profiles)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		hub:       hub,
		gateway:   gateway,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gateway)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	// Close store resources (pool etc).
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
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

// newStores decides between Postgres-backed persistence and in-memory dev stores.
func newStores(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, stores, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, stores{
			messages:      chat.NewInMemoryStore(),
			graph:         social.NewInMemoryGraph(),
			conversations: social.NewInMemoryConversations(),
			profiles:      users.NewInMemoryStore(),
		}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, stores{}, err
	}

	log.Info("db.enabled.postgres_store")

	// Ownership model:
	// - app owns pool lifecycle
	// - postgres stores' Close() is a no-op
	msgStore, err := chat.NewPostgresStore(pool) // default schema "chattr"
	if err != nil {
		pool.Close()
		return nil, nil, false, stores{}, err
	}
	graphStore, err := social.NewPostgresGraph(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, stores{}, err
	}
	convStore, err := social.NewPostgresConversations(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, stores{}, err
	}
	profileStore, err := users.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, stores{}, err
	}

	backends := stores{
		messages:      msgStore,
		graph:         graphStore,
		conversations: convStore,
		profiles:      profileStore,
	}
	return dbStore{pool: pool, backends: backends}, pool, true, backends, nil
}

type dbStore struct {
	pool     *pgxpool.Pool
	backends stores
}

func (s dbStore) Close(_ context.Context) error {
	// Store Close() calls are no-ops today (pool is owned here), kept for
	// backends that grow their own resources.
	if s.backends.messages != nil {
		_ = s.backends.messages.Close()
	}
	if s.backends.graph != nil {
		_ = s.backends.graph.Close()
	}
	if s.backends.conversations != nil {
		_ = s.backends.conversations.Close()
	}
	if s.backends.profiles != nil {
		_ = s.backends.profiles.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
