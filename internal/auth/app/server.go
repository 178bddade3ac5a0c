// Package app assembles and runs the auth HTTP server.
package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/foliohq/folio/internal/auth/api/httpapi"
	"github.com/foliohq/folio/internal/auth/passkey"
	"github.com/foliohq/folio/internal/auth/remember"
	"github.com/foliohq/folio/internal/auth/service"
	"github.com/foliohq/folio/internal/auth/session"
	authsqlite "github.com/foliohq/folio/internal/auth/storage/sqlite"
	"github.com/foliohq/folio/internal/auth/totp"
	"github.com/foliohq/folio/internal/platform/config"
	"github.com/foliohq/folio/internal/platform/otel"
	"github.com/foliohq/folio/internal/platform/secretbox"
)

const sweepInterval = 5 * time.Minute

// Config carries the environment settings the server needs beyond the
// per-subsystem configs.
type Config struct {
	Addr          string `env:"FOLIO_AUTH_HTTP_ADDR"    envDefault:":8080"`
	DBPath        string `env:"FOLIO_AUTH_DB_PATH"      envDefault:"data/auth.db"`
	EncryptionKey string `env:"FOLIO_ENCRYPTION_KEY"`
}

// Server hosts the auth service over HTTP.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *authsqlite.Store
	auth       *service.Service
}

// New opens storage, wires the services, and binds the listener.
func New(cfg Config) (*Server, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = ":8080"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	store, err := openStore(cfg.DBPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	auth, err := buildService(store, cfg)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	var cookieConfig httpapi.CookieConfig
	if err := config.ParseEnv(&cookieConfig); err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("parse cookie config: %w", err)
	}
	var rateConfig httpapi.RateLimitConfig
	if err := config.ParseEnv(&rateConfig); err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("parse rate limit config: %w", err)
	}

	handler := httpapi.NewHandler(auth, cookieConfig, rateConfig)
	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: handler.Routes()},
		store:      store,
		auth:       auth,
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves an auth server until the context ends. A
// non-empty addr overrides the configured listen address.
func Run(ctx context.Context, addr string) error {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return fmt.Errorf("parse server config: %w", err)
	}
	if strings.TrimSpace(addr) != "" {
		cfg.Addr = addr
	}

	shutdownTracing, err := otel.Setup(ctx, "folio-auth")
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}()

	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	s.startSweeper(serverCtx)

	log.Printf("auth server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		_ = s.httpServer.Shutdown(shutdownCtx)
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// startSweeper deletes expired flow states, web sessions, and passkey
// ceremony sessions on an interval.
func (s *Server) startSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.auth.Sessions().Sweep(ctx); err != nil {
					log.Printf("sweep sessions: %v", err)
				}
				if err := s.auth.Passkeys().Sweep(ctx); err != nil {
					log.Printf("sweep passkey sessions: %v", err)
				}
			}
		}
	}()
}

func buildService(store *authsqlite.Store, cfg Config) (*service.Service, error) {
	box, err := openSecretBox(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	var totpConfig totp.Config
	if err := config.ParseEnv(&totpConfig); err != nil {
		return nil, fmt.Errorf("parse totp config: %w", err)
	}
	totpService := totp.NewService(store, box, totpConfig)

	passkeyService, err := passkey.NewService(store, store, passkey.LoadConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("build passkey service: %w", err)
	}

	sessions := session.NewCoordinator(store, store, session.LoadConfigFromEnv())

	var rememberMinter *remember.Minter
	rememberConfig := remember.LoadConfigFromEnv()
	if strings.TrimSpace(rememberConfig.Secret) != "" {
		rememberMinter, err = remember.NewMinter(rememberConfig)
		if err != nil {
			return nil, fmt.Errorf("build remember minter: %w", err)
		}
	} else {
		log.Printf("remember tokens disabled: no signing secret configured")
	}

	return service.New(store, sessions, totpService, passkeyService, rememberMinter), nil
}

func openStore(path string) (*authsqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("data", "auth.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := authsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open auth sqlite store: %w", err)
	}
	return store, nil
}

// openSecretBox accepts the encryption key either base64-encoded or as a
// raw 32-byte string.
func openSecretBox(key string) (*secretbox.Box, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return nil, fmt.Errorf("FOLIO_ENCRYPTION_KEY is required")
	}
	raw := []byte(trimmed)
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(decoded) == secretbox.KeySize {
		raw = decoded
	}
	box, err := secretbox.New(raw)
	if err != nil {
		return nil, fmt.Errorf("build secret box: %w", err)
	}
	return box, nil
}

func (s *Server) closeStore() {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		log.Printf("close auth store: %v", err)
	}
}
