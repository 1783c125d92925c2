package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"dispatch/internal/clock"
	"dispatch/internal/config"
	"dispatch/internal/dedup"
	"dispatch/internal/ingest"
	"dispatch/internal/logging"
	"dispatch/internal/notify"
	"dispatch/internal/retry"
	"dispatch/internal/schedule"
	"dispatch/internal/scheduler"
	"dispatch/internal/state"
	"dispatch/internal/stream"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable dispatch service.
type Service struct {
	cfg         config.Config
	logger      *slog.Logger
	closeLog    func()
	store       state.Store
	conn        *stream.Conn
	dedup       *dedup.Deduplicator
	manager     *Manager
	retryProc   *retry.Processor
	schedProc   *scheduler.Processor
	httpSrv     *http.Server
	subscribers []*stream.Subscription
	readyFlag   atomic.Bool
	clock       clock.Clock
}

// NewService builds a service instance from a validated config.
// Params: config snapshot and clock implementation.
// Returns: initialized service or setup error.
func NewService(cfg config.Config, clk clock.Clock) (*Service, error) {
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(cfg)
	if err != nil {
		closeLog()
		return nil, err
	}

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		store:    store,
		clock:    clk,
	}

	factory := dedup.NewKeyExtractorFactory()
	if err := factory.Init(cfg.Dedup.IntervalMS); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	factory.Register(dedup.GeofenceExtractor{})
	service.dedup = dedup.NewDeduplicator(cfg.Dedup, factory, store, logger)

	if err := service.buildPipeline(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildHTTPServer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildSubscribers(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	return service, nil
}

// Run starts the service lifecycle and blocks until a shutdown signal.
// Params: root context for the service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	for _, sub := range s.subscribers {
		if err := sub.Close(); err != nil {
			s.logger.Error("subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("subscriber close: %w", err))
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Error("stream connection close failed", "error", err.Error())
			markErr(fmt.Errorf("stream close: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	for _, sub := range s.subscribers {
		_ = sub.Close()
	}
	s.subscribers = nil
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildPipeline wires the stream connection, producers, and processors.
// Params: none.
// Returns: setup error.
func (s *Service) buildPipeline() error {
	conn, err := stream.Connect(s.cfg.NATS.URL)
	if err != nil {
		return err
	}
	s.conn = conn

	topics := []config.TopicConfig{
		s.cfg.NATS.Input,
		s.cfg.NATS.Retry,
		s.cfg.NATS.Callback,
		s.cfg.NATS.Request,
	}
	for _, topic := range topics {
		if err := conn.EnsureStream(topic); err != nil {
			return err
		}
	}

	requestProducer := stream.NewScheduleProducer(conn, s.cfg.NATS.Request)
	retryProducer := stream.NewRetryPublisher(conn, s.cfg.NATS.Retry)
	alertProducer := stream.NewAlertPublisher(conn, s.cfg.NATS.Input)

	assistant := schedule.NewAssistant(s.cfg.Schedule, s.store, s.store, requestProducer, s.clock, s.logger)

	retryCache := retry.NewCacheClient(s.cfg.Retry, s.store)
	escalator := retry.NewEscalator(retryCache, retryProducer, s.clock, s.logger)

	registry, err := notify.NewRegistry(s.cfg.Channels, buildProviders(s.cfg.Channels, s.logger))
	if err != nil {
		return err
	}

	s.manager = NewManager(s.dedup, assistant, registry, escalator, s.store, s.store,
		s.clock, s.logger, s.cfg.NATS.Input.Subject)
	s.retryProc = retry.NewProcessor(retryCache, s.store, conn, s.clock, s.logger, s.manager.HandleRaw)
	s.schedProc = scheduler.NewProcessor(s.store, s.store, assistant, alertProducer, s.clock, s.logger)
	return nil
}

// buildSubscribers starts the durable queue consumers for all inbound topics.
// Params: none.
// Returns: subscription setup error.
func (s *Service) buildSubscribers() error {
	for i := 0; i < s.cfg.Service.Workers; i++ {
		sub, err := s.conn.Subscribe(s.cfg.NATS.Input, s.logger, s.manager.HandleRaw)
		if err != nil {
			return err
		}
		s.subscribers = append(s.subscribers, sub)
	}

	retrySub, err := s.conn.Subscribe(s.cfg.NATS.Retry, s.logger, s.retryProc.ProcessRaw)
	if err != nil {
		return err
	}
	s.subscribers = append(s.subscribers, retrySub)

	callbackSub, err := s.conn.Subscribe(s.cfg.NATS.Callback, s.logger, s.schedProc.ProcessRaw)
	if err != nil {
		return err
	}
	s.subscribers = append(s.subscribers, callbackSub)
	return nil
}

// buildHTTPServer wires the router with ingest and health endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() || !s.dedup.CacheRestored() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})

	if s.cfg.HTTP.Enabled {
		mux.Handle(s.cfg.HTTP.IngestPath, ingest.NewHTTPHandler(s.manager, 0))
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildStore selects the durable store backend from config.
// Params: validated config snapshot.
// Returns: aggregate store or backend setup error.
func buildStore(cfg config.Config) (state.Store, error) {
	switch cfg.Service.StoreBackend {
	case config.StoreBackendMemory:
		return state.NewMemoryStore(), nil
	case config.StoreBackendNATS:
		return state.NewNATSStore(cfg.NATS)
	case config.StoreBackendRedis:
		primary, err := state.NewNATSStore(cfg.NATS)
		if err != nil {
			return nil, err
		}
		keys, err := state.NewRedisKeyStore(cfg.Redis)
		if err != nil {
			_ = primary.Close()
			return nil, err
		}
		return state.NewHybridStore(primary, keys), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Service.StoreBackend)
	}
}

// buildProviders creates one notifier per provider reference named in config.
// Params: channels section and service logger.
// Returns: provider reference map for the registry.
func buildProviders(cfg config.ChannelsConfig, logger *slog.Logger) map[string]notify.Notifier {
	providers := make(map[string]notify.Notifier)
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := providers[name]; ok {
			return
		}
		if name == "telegram" {
			providers[name] = notify.NewTelegramNotifier(cfg.Telegram)
			return
		}
		providers[name] = notify.NewLogNotifier(logger, name)
	}
	for _, provider := range cfg.Implementations {
		add(provider)
	}
	for _, override := range cfg.Overrides {
		add(override.Provider)
	}
	return providers
}
