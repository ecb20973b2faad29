package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/solarbridge/solarbridge/pkg/cloud"
	"github.com/solarbridge/solarbridge/pkg/coordinator"
	"github.com/solarbridge/solarbridge/pkg/exporter"
	"github.com/solarbridge/solarbridge/pkg/log"
	"github.com/solarbridge/solarbridge/pkg/mqtt"
	"github.com/solarbridge/solarbridge/pkg/storage"
	"github.com/solarbridge/solarbridge/pkg/types"
)

// DefaultCloudBase is the production Solar Manager cloud endpoint.
const DefaultCloudBase = "https://cloud.solar-manager.ch"

// tokenVerifier is a function that validates a Google ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server owns the bridge runtime: one coordinator per configured account,
// the Prometheus registry, the optional MQTT mirror, and the HTTP API that
// exposes snapshots and the battery control path.
type Server struct {
	storage   storage.Database
	publisher *mqtt.Publisher

	coordinators map[string]*coordinator.Coordinator
	registry     *prometheus.Registry

	listenAddr   string
	cloudBase    string
	flagAccounts []types.AccountConfig

	oidcAudience string
	oidcVerifier tokenVerifier
	bypassAuth   bool

	httpServer *http.Server
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(s storage.Database, p *mqtt.Publisher) *Server {
	srv := &Server{
		storage:      s,
		publisher:    p,
		coordinators: map[string]*coordinator.Coordinator{},
		registry:     prometheus.NewRegistry(),
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	cloudBase := lflag.String("cloud-base", DefaultCloudBase, "Solar Manager cloud base URL")
	var flagAccounts []types.AccountConfig
	lflag.JSON(&flagAccounts, "accounts", flagAccounts, "JSON list of accounts to poll (id, email, password, optional apiKey and scanIntervalSeconds)")
	oidcAudience := lflag.String("oidc-audience", "", "Google OIDC audience/client ID required for API access, empty disables auth")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.cloudBase = *cloudBase
		srv.flagAccounts = flagAccounts

		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcAudience = *oidcAudience
			srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		} else {
			srv.bypassAuth = true
		}
	})

	return srv
}

// setupCoordinators upserts flag-provided accounts into storage, then builds
// one coordinator per stored account and registers the metrics collector.
func (s *Server) setupCoordinators(ctx context.Context) error {
	for _, a := range s.flagAccounts {
		if a.ID == "" {
			return errors.New("account entry missing id")
		}
		if err := s.storage.UpsertAccount(ctx, a); err != nil {
			return fmt.Errorf("failed to save account %s: %w", a.ID, err)
		}
	}

	accounts, err := s.storage.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	if len(accounts) == 0 {
		return errors.New("no accounts configured")
	}

	var sources []exporter.SnapshotSource
	for _, a := range accounts {
		interval := time.Duration(a.ScanIntervalSeconds) * time.Second
		c := coordinator.New(cloud.New(s.cloudBase, a), coordinator.Options{
			DB:         s.storage,
			Interval:   interval,
			OnSnapshot: s.publisher.Publish,
		})
		s.coordinators[a.ID] = c
		sources = append(sources, c)
		log.Ctx(ctx).InfoContext(ctx, "configured account",
			slog.String("accountID", a.ID),
			slog.Duration("interval", c.Interval()),
		)
	}

	s.registry.MustRegister(
		exporter.NewCollector(sources),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return nil
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/accounts", s.handleListAccounts)
	apiMux.HandleFunc("GET /api/accounts/{accountID}/snapshot", s.handleSnapshot)
	apiMux.HandleFunc("GET /api/accounts/{accountID}/devices", s.handleListDevices)
	apiMux.HandleFunc("GET /api/accounts/{accountID}/devices/{deviceID}", s.handleDeviceDetail)
	apiMux.HandleFunc("GET /api/accounts/{accountID}/battery/{deviceID}/eco", s.handleGetBatteryEco)
	apiMux.HandleFunc("PUT /api/accounts/{accountID}/battery/{deviceID}/eco", s.handleSetBatteryEco)
	apiMux.HandleFunc("GET /api/accounts/{accountID}/writes", s.handleListBatteryWrites)
	apiMux.HandleFunc("POST /api/accounts/{accountID}/refresh-meta", s.handleRefreshMeta)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return gziphandler.GzipHandler(mux)
}

// Run builds the coordinators, connects MQTT, and serves HTTP until the
// context is canceled. Coordinators poll in their own goroutines; HTTP
// shutdown waits for in-flight requests, polls stop with the context.
func (s *Server) Run(ctx context.Context) error {
	if err := s.setupCoordinators(ctx); err != nil {
		return err
	}

	if s.publisher.Enabled() {
		if err := s.publisher.Connect(ctx); err != nil {
			return err
		}
		defer s.publisher.Close()
	}

	// pollCtx stops the coordinators when Run exits for any reason, not just
	// context cancellation
	var wg sync.WaitGroup
	defer wg.Wait()
	pollCtx, cancelPolls := context.WithCancel(ctx)
	defer cancelPolls()
	for _, c := range s.coordinators {
		wg.Add(1)
		go func(c *coordinator.Coordinator) {
			defer wg.Done()
			if err := c.Run(pollCtx); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "coordinator exited",
					slog.String("accountID", c.AccountID()),
					slog.Any("error", err),
				)
			}
		}(c)
	}

	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capture server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		if !s.bypassAuth {
			token, ok := bearerToken(r)
			if !ok {
				writeJSONError(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			idToken, err := s.oidcVerifier(ctx, token)
			if err != nil {
				log.Ctx(ctx).WarnContext(ctx, "token validation failed", slog.Any("error", err))
				writeJSONError(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authSubject", idToken.Subject)))
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}
