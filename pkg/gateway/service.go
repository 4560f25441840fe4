// Package gateway serves the publish API over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crosspost/pkg/channelcache"
	"crosspost/pkg/config"
	"crosspost/pkg/media"
	"crosspost/pkg/oauth"
	"crosspost/pkg/publish"
	"crosspost/pkg/store"
	"crosspost/pkg/telemetry"
)

const (
	defaultHost       = "0.0.0.0"
	defaultPort       = 18790
	checkInterval     = 30 * time.Second
	checkTimeout      = 5 * time.Second
	pendingConnectTTL = 15 * time.Minute
)

// Publisher delivers one post.
type Publisher interface {
	Publish(ctx context.Context, req publish.Request) (*publish.Report, error)
}

// ChannelResolver lists the channels of a channel-based account.
type ChannelResolver interface {
	Resolve(ctx context.Context, accountID string, forceRefresh bool) (channelcache.Resolution, error)
}

// ConnectFlow runs the 3-legged authorization for a secondary signing
// identity.
type ConnectFlow interface {
	RequestToken(ctx context.Context, callbackURL string) (oauth.RequestToken, error)
	ExchangeVerifier(ctx context.Context, token, tokenSecret, verifier string) (oauth.AccessToken, error)
}

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// Deps are the collaborators the gateway serves. Publisher and Accounts are
// required; the others disable their routes when nil.
type Deps struct {
	Publisher Publisher
	Accounts  store.TokenStore
	Channels  ChannelResolver
	Connect   ConnectFlow
	Gatherer  prometheus.Gatherer
	Reporter  telemetry.Reporter
	Checks    map[string]Check
}

type Service struct {
	cfg    config.GatewayConfig
	deps   Deps
	log    *slog.Logger
	router *gin.Engine
	limits media.Limits

	pending *pendingConnects

	mu         sync.RWMutex
	startedAt  time.Time
	checkState map[string]checkState
}

type checkState struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	CheckedAt string `json:"checked_at,omitempty"`
}

type statusResponse struct {
	Status        string                `json:"status"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Checks        map[string]checkState `json:"checks"`
}

func NewService(cfg config.GatewayConfig, deps Deps, log *slog.Logger) (*Service, error) {
	if deps.Publisher == nil {
		return nil, errors.New("gateway requires a publisher")
	}
	if deps.Accounts == nil {
		return nil, errors.New("gateway requires an account store")
	}
	if deps.Reporter == nil {
		deps.Reporter = telemetry.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}

	checkStates := make(map[string]checkState, len(deps.Checks))
	for name := range deps.Checks {
		checkStates[name] = checkState{}
	}

	s := &Service{
		cfg:        cfg,
		deps:       deps,
		log:        log.With("component", "gateway.service"),
		limits:     media.DefaultLimits(),
		pending:    newPendingConnects(pendingConnectTTL),
		checkState: checkStates,
	}
	s.router = s.routes()
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Service) Handler() http.Handler {
	return s.router
}

func (s *Service) routes() *gin.Engine {
	router := gin.New()
	router.Use(requestLogger(s.log), recovery(s.deps.Reporter, s.log))

	router.GET("/healthz", s.handleHealth)
	router.GET("/readyz", s.handleReady)
	if s.deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if s.deps.Connect != nil {
		// Reached by the platform redirect, so it carries no bearer token;
		// the pending request token stands in for it.
		router.GET("/connect/x/callback", s.handleConnectCallback)
	}

	api := router.Group("/")
	api.Use(bearerAuth(s.cfg.JWTSecret, s.log))
	api.POST("/posts", s.handlePost)
	api.GET("/accounts", s.handleAccounts)
	if s.deps.Channels != nil {
		api.GET("/accounts/:id/channels", s.handleChannels)
	}
	if s.deps.Connect != nil {
		api.POST("/connect/x/request-token", s.handleConnectStart)
	}
	return router
}

// Run serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.runChecks(ctx)
	go func() {
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runChecks(ctx)
			}
		}
	}()

	host := strings.TrimSpace(s.cfg.Host)
	if host == "" {
		host = defaultHost
	}
	port := s.cfg.Port
	if port <= 0 {
		port = defaultPort
	}
	addr := host + ":" + strconv.Itoa(port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Gateway started", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("start gateway server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown gateway server: %w", err)
	}
	s.deps.Reporter.Flush(2 * time.Second)
	s.log.Info("Gateway stopped")
	return nil
}

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.currentStatus("ok"))
}

func (s *Service) handleReady(c *gin.Context) {
	if !s.isReady() {
		c.JSON(http.StatusServiceUnavailable, s.currentStatus("not_ready"))
		return
	}
	c.JSON(http.StatusOK, s.currentStatus("ready"))
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	checks := make(map[string]checkState, len(s.checkState))
	for name, state := range s.checkState {
		checks[name] = state
	}
	return statusResponse{Status: status, UptimeSeconds: uptime, Checks: checks}
}

// isReady requires a started service whose checks all passed last time.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.startedAt.IsZero() {
		return false
	}
	for _, state := range s.checkState {
		if !state.OK {
			return false
		}
	}
	return true
}

func (s *Service) runChecks(ctx context.Context) {
	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := s.deps.Checks[name](checkCtx)
		cancel()

		state := checkState{OK: err == nil, Error: errorString(err), CheckedAt: time.Now().UTC().Format(time.RFC3339)}
		if err != nil {
			s.log.Warn("Readiness check failed", "check", name, "error", err)
		}
		s.mu.Lock()
		s.checkState[name] = state
		s.mu.Unlock()
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
