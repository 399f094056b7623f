// Package service exposes the reporter's Prometheus metrics and a health
// endpoint while a run is being reported, and pushes the final metrics to a
// Pushgateway when the process is too short-lived to be scraped.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/cors"

	"github.com/qastudio-dev/qastudio-reporter/metrics"
)

const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 7300

	// PushJob is the Pushgateway job name metrics are grouped under.
	PushJob = "qastudio_reporter"

	shutdownTimeout = 5 * time.Second
)

// Config holds the listen address of the service.
type Config struct {
	Host string
	Port int
}

// Service serves /metrics and /healthz.
type Service struct {
	cfg      Config
	log      log.Logger
	server   *http.Server
	listener net.Listener
}

// New creates a Service. It does not listen until Start is called.
func New(cfg Config, logger log.Logger) *Service {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if logger == nil {
		logger = log.New()
	}
	return &Service{
		cfg: cfg,
		log: logger.New("component", "service"),
	}
}

// Handler returns the routes of the service.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", &HealthzHandler{log: s.log})
	mux.Handle("/metrics", promhttp.Handler())
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	return c.Handler(mux)
}

// Start binds the listener and serves in the background.
func (s *Service) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		metrics.RecordErrorDetails("error starting metrics server", err)
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("Starting metrics server", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Metrics server stopped", "err", err)
			metrics.RecordErrorDetails("error serving metrics", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or an empty string before Start.
func (s *Service) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting briefly for in-flight scrapes.
func (s *Service) Shutdown() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.log.Info("Metrics server stopped")
	return err
}

// Push sends the default registry to the Pushgateway at url, grouped by
// environment.
func Push(ctx context.Context, url, environment string) error {
	return PushGatherer(ctx, url, environment, prometheus.DefaultGatherer)
}

// PushGatherer is Push with an explicit gatherer.
func PushGatherer(ctx context.Context, url, environment string, g prometheus.Gatherer) error {
	pusher := push.New(url, PushJob).Gatherer(g)
	if environment != "" {
		pusher = pusher.Grouping("environment", environment)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
