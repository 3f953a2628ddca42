// Package api provides the HTTP surface for sosflow.
//
// It exposes the SOS submission flow as RESTful endpoints, one flow session
// per user. The API wires the store, policy engine, location reporting, and
// responder notification modules together.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lifeline-ph/sosflow/internal/counter"
	"github.com/lifeline-ph/sosflow/internal/flow"
	"github.com/lifeline-ph/sosflow/internal/geo"
	"github.com/lifeline-ph/sosflow/internal/location"
	"github.com/lifeline-ph/sosflow/internal/models"
	"github.com/lifeline-ph/sosflow/internal/notify"
	"github.com/lifeline-ph/sosflow/internal/policy"
	"github.com/lifeline-ph/sosflow/internal/store"
)

// Default server configuration.
const (
	// DefaultAddr is the default API listen address.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown on SIGINT/SIGTERM.
	DefaultShutdownTimeout = 10 * time.Second
	// userIDHeader carries the authenticated user id set by the app's
	// auth proxy. Requests without it run as the anonymous local user.
	userIDHeader = "X-User-ID"
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the API listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// session bundles the per-user flow and its collaborators.
type session struct {
	flow      *flow.Flow
	locations *location.ClientReporter
}

// Server hosts the SOS flow endpoints.
type Server struct {
	addr     string
	st       store.Store
	timer    flow.Timer
	notifier flow.Notifier // may be nil
	susSync  policy.SuspensionSync

	mu       sync.Mutex
	sessions map[string]*session
}

// NewServer creates a Server over the given store and notifier.
func NewServer(st store.Store, notifier flow.Notifier, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		addr:     cfg.Addr,
		st:       st,
		timer:    flow.NewSimpleTimer(),
		notifier: notifier,
		susSync:  store.NewSuspensionRecorder(st),
		sessions: make(map[string]*session),
	}
}

// Run builds the configured modules and serves the API until the process is
// signalled to stop.
func Run(storeOpts []store.Option, notifyOpts []notify.Option, apiOpts []Option) error {
	st, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	var notifier flow.Notifier
	tn, err := notify.NewTwilioNotifier(notifyOpts...)
	if err != nil {
		// Responder paging is best effort; the flow still records reports.
		slog.Warn("Run: responder notifier not configured", "error", err)
	} else {
		notifier = tn
	}

	s := NewServer(st, notifier, apiOpts...)
	defer s.Close()

	srv := &http.Server{Addr: s.addr, Handler: s.routes()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sosflow API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case sig := <-sigCh:
		slog.Info("shutting down on signal", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	}
}

// routes builds the HTTP mux for the SOS flow endpoints.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sos/press", s.pressHandler)
	mux.HandleFunc("/sos/cancel", s.cancelHandler)
	mux.HandleFunc("/sos/confirm", s.confirmHandler)
	mux.HandleFunc("/sos/decline", s.declineHandler)
	mux.HandleFunc("/sos/location/retry", s.locationRetryHandler)
	mux.HandleFunc("/sos/location/cancel", s.locationCancelHandler)
	mux.HandleFunc("/sos/type", s.typeHandler)
	mux.HandleFunc("/sos/type/cancel", s.typeCancelHandler)
	mux.HandleFunc("/sos/draft", s.draftHandler)
	mux.HandleFunc("/sos/submit", s.submitHandler)
	mux.HandleFunc("/sos/dismiss", s.dismissHandler)
	mux.HandleFunc("/sos/intro", s.introHandler)
	mux.HandleFunc("/sos/state", s.stateHandler)
	mux.HandleFunc("/profile", s.profileHandler)
	mux.HandleFunc("/reports", s.reportsHandler)
	mux.HandleFunc("/hotlines", s.hotlinesHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Close tears down all flow sessions and the shared timer.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.flow.Teardown()
	}
	s.sessions = make(map[string]*session)
	if t, ok := s.timer.(*flow.SimpleTimer); ok {
		t.Stop()
	}
}

// session returns the flow session for the request's user, creating it on
// first use. Anonymous requests share the local session.
func (s *Server) session(r *http.Request) (*session, error) {
	userID := r.Header.Get(userIDHeader)
	key := userID
	if key == "" {
		key = counter.LocalUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return sess, nil
	}

	var profile *models.UserProfile
	if userID != "" {
		p, err := s.st.GetUserProfile(userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile for %s: %w", userID, err)
		}
		profile = p
	}

	counters := counter.ForUser(s.st, userID)
	var susSync policy.SuspensionSync
	serverUntil := ""
	if userID != "" {
		susSync = s.susSync
		if profile != nil {
			serverUntil = profile.SosSuspendedUntil
		}
	}
	engine := policy.NewEngine(counters, susSync, serverUntil)

	locations := location.NewClientReporter()
	f := flow.New(flow.Config{
		Profile:      profile,
		StateManager: flow.NewStoreBasedStateManager(s.st),
		Timer:        s.timer,
		Policy:       engine,
		Matcher:      geo.NewMatcher(),
		Reports:      s.st,
		Locations:    locations,
		Counters:     counters,
		Notifier:     s.notifier,
	})

	sess := &session{flow: f, locations: locations}
	s.sessions[key] = sess
	slog.Debug("Server.session: flow session created", "user", key)
	return sess, nil
}

// dropSession tears down and removes a cached session so the next request
// rebuilds it, picking up profile changes.
func (s *Server) dropSession(userID string) {
	key := userID
	if key == "" {
		key = counter.LocalUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.flow.Teardown()
		delete(s.sessions, key)
	}
}

// buildStore picks a backend from the configured options: a DSN selects
// SQLite or PostgreSQL, no options selects the in-memory store.
func buildStore(opts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("no database DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		return store.NewPostgresStore(store.WithPostgresDSN(cfg.DSN))
	}
	return store.NewSQLiteStore(store.WithSQLiteDSN(cfg.DSN))
}
