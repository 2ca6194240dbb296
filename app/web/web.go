// Package web exposes the client state over a small json API, protected
// with basic auth when a password hash is configured.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/legal-hkr/comfychair/app/registry"
)

//go:generate moq -out mocks/interrupter.go -pkg mocks -skip-ensure -fmt goimports . Interrupter

// Interrupter asks the server to stop the currently executing job
type Interrupter interface {
	Interrupt(ctx context.Context) error
}

// Server is the json API server
type Server struct {
	registry     *registry.Registry
	interrupter  Interrupter
	version      string
	passwordHash string // bcrypt hash, empty disables auth
}

// Config holds server configuration
type Config struct {
	Registry     *registry.Registry
	Interrupter  Interrupter
	Version      string
	PasswordHash string
}

// New creates the api server
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("web server initialization failed: registry is required")
	}
	return &Server{
		registry:     cfg.Registry,
		interrupter:  cfg.Interrupter,
		version:      cfg.Version,
		passwordHash: cfg.PasswordHash,
	}, nil
}

// Run starts the server on address, blocking until ctx is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown web server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(100),
		rest.AppInfo("comfychair", "legal-hkr", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(64*1024),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.passwordHash != "" {
		log.Printf("[INFO] authentication enabled for api")
		router.Use(s.authMiddleware)
	}

	apiLimiter := tollbooth.NewLimiter(10, nil)
	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.Use(tollbooth.HTTPMiddleware(apiLimiter))
		api.HandleFunc("GET /queue", s.handleQueue)
		api.HandleFunc("GET /jobs", s.handleJobs)
		api.HandleFunc("POST /interrupt", s.handleInterrupt)
	})

	return router
}
