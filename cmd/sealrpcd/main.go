// Package main implements the sealrpcd service for blockseal.
// It serves the line-delimited JSON-RPC seal protocol over TCP.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/ratelimit"

	"github.com/bardlex/blockseal/internal/config"
	"github.com/bardlex/blockseal/internal/database"
	"github.com/bardlex/blockseal/internal/database/influx"
	"github.com/bardlex/blockseal/internal/database/redis"
	"github.com/bardlex/blockseal/internal/hashing"
	"github.com/bardlex/blockseal/internal/messaging"
	"github.com/bardlex/blockseal/internal/metrics"
	"github.com/bardlex/blockseal/internal/rpc"
	"github.com/bardlex/blockseal/internal/seal"
	"github.com/bardlex/blockseal/internal/sealer"
	"github.com/bardlex/blockseal/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting sealrpcd",
		"version", cfg.Version,
		"listen_addr", cfg.ListenAddr,
		"listen_port", cfg.ListenPort,
		"algorithm", cfg.HashAlgorithm,
	)

	dbManager, err := database.NewManager(storesConfig(cfg), logger)
	if err != nil {
		logger.WithError(err).Error("failed to create database manager")
		os.Exit(1)
	}
	defer func() {
		if err := dbManager.Close(); err != nil {
			logger.WithError(err).Error("failed to close database manager")
		}
	}()

	sealSvc, err := newSealer(cfg, logger, dbManager)
	if err != nil {
		logger.WithError(err).Error("failed to create sealer")
		os.Exit(1)
	}

	var publisher Publisher
	if cfg.KafkaEnabled() {
		events := metrics.NewEvents()
		kafkaClient := messaging.NewKafkaClient(&messaging.Config{
			Brokers:       cfg.KafkaBrokers,
			Encoding:      cfg.EventEncoding,
			OnPublish:     events.ObservePublish,
			OnStateChange: metrics.BreakerStateChanged,
		}, logger)
		defer func() {
			if err := kafkaClient.Close(); err != nil {
				logger.WithError(err).Error("failed to close Kafka client")
			}
		}()
		publisher = kafkaClient
	}

	server := NewServer(cfg, logger, sealSvc, publisher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbManager.StartPeriodicTasks(ctx, 10*time.Second, time.Minute)
	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(ctx); err != nil {
			logger.WithError(err).Error("server failed")
			sigChan <- syscall.SIGTERM
		}
	}()

	<-sigChan
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
	}

	logger.Info("sealrpcd stopped")
}

// storesConfig enables each store that has an address configured
func storesConfig(cfg *config.Config) *database.Config {
	dbConfig := &database.Config{}
	if cfg.RedisAddr != "" {
		dbConfig.Redis = &redis.Config{
			Addr:          cfg.RedisAddr,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
			PoolSize:      10,
			MinIdleConns:  2,
			MaxRetries:    3,
			DialTimeout:   5 * time.Second,
			ReadTimeout:   3 * time.Second,
			WriteTimeout:  3 * time.Second,
			TTL:           cfg.CacheTTL,
			OnStateChange: metrics.BreakerStateChanged,
		}
	}
	if cfg.InfluxURL != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dbConfig
}

// newSealer builds the sealer with the configured search defaults. Without
// Redis an in-process cache is used.
func newSealer(cfg *config.Config, logger *log.Logger, dbManager *database.Manager) (*sealer.Sealer, error) {
	oracle, err := hashing.New(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}

	minerOpts := []seal.Option{
		seal.WithWorkers(cfg.SearchWorkers),
		seal.WithLogger(logger),
		seal.WithProgressInterval(cfg.ProgressInterval),
	}
	if cfg.MaxAttempts > 0 {
		minerOpts = append(minerOpts, seal.WithMaxAttempts(cfg.MaxAttempts))
	}
	if cfg.SearchTimeout > 0 {
		minerOpts = append(minerOpts, seal.WithTimeout(cfg.SearchTimeout))
	}

	opts := []sealer.Option{sealer.WithObservers(metrics.NewSealer())}
	if dbManager != nil {
		opts = append(opts, dbManager.SealerOptions()...)
	}
	if dbManager == nil || dbManager.Redis == nil {
		opts = append(opts, sealer.WithCache(sealer.NewMemoryCache(10000, cfg.CacheTTL)))
	}

	return sealer.New(seal.NewMiner(oracle, minerOpts...), logger, opts...), nil
}

func startMetricsServer(ctx context.Context, addr string, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("starting metrics server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("failed to shutdown metrics server")
		}
	}()
}

// Publisher publishes seal events
type Publisher interface {
	Publish(ctx context.Context, topic, key string, event messaging.Event) error
}

// Server is the seal RPC server
type Server struct {
	cfg       *config.Config
	logger    *log.Logger
	sealer    *sealer.Sealer
	publisher Publisher
	metrics   *metrics.RPC
	limiter   ratelimit.Limiter

	// connSlots caps sessions, mineSlots caps concurrent searches
	connSlots chan struct{}
	mineSlots chan struct{}

	listener net.Listener
	sessions map[string]*rpc.Session
	mu       sync.RWMutex
	wg       sync.WaitGroup
	nextID   atomic.Uint64
}

// NewServer creates a new seal RPC server. publisher may be nil.
func NewServer(cfg *config.Config, logger *log.Logger, sealSvc *sealer.Sealer, publisher Publisher) *Server {
	limiter := ratelimit.NewUnlimited()
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.New(cfg.RateLimitRPS)
	}

	return &Server{
		cfg:       cfg,
		logger:    logger.WithComponent("server"),
		sealer:    sealSvc,
		publisher: publisher,
		metrics:   metrics.NewRPC(),
		limiter:   limiter,
		connSlots: make(chan struct{}, max(cfg.MaxConnections, 1)),
		mineSlots: make(chan struct{}, max(cfg.WorkerPoolSize, 1)),
		sessions:  make(map[string]*rpc.Session),
	}
}

// Start listens on the configured address and serves until ctx is done or
// the server is shut down.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddr, s.cfg.ListenPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.logger.Info("server listening", "address", listener.Addr().String())
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		s.accept(ctx, conn)
	}
}

// accept starts a session for conn, or rejects it at the session limit
func (s *Server) accept(ctx context.Context, conn net.Conn) bool {
	select {
	case s.connSlots <- struct{}{}:
	default:
		s.reject(conn)
		return false
	}

	s.wg.Add(1)
	go s.handleConnection(ctx, conn)
	return true
}

// reject refuses a connection over the session limit
func (s *Server) reject(conn net.Conn) {
	s.metrics.ConnectionRejected()
	s.logger.Warn("connection limit reached", "remote_addr", conn.RemoteAddr().String(), "max_connections", cap(s.connSlots))

	if data, err := rpc.MarshalMessage(rpc.NewErrorResponse(nil, rpc.ErrorOther, "Connection limit reached")); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = conn.Write(append(data, '\n'))
	}
	if err := conn.Close(); err != nil {
		s.logger.Debug("failed to close rejected connection", "error", err)
	}
}

// handleConnection serves one session. The caller holds a connection slot
// and has added to the wait group.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.connSlots }()

	sessionID := fmt.Sprintf("session_%d", s.nextID.Add(1))
	session := rpc.NewSession(sessionID, conn, s.logger, s.cfg.ReadTimeout, s.cfg.WriteTimeout, s.cfg.MaxMessageSize)

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.mu.Unlock()
	s.metrics.ConnectionOpened()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		s.metrics.ConnectionClosed()
	}()

	if err := session.Start(ctx, rpc.HandlerFunc(s.HandleMessage)); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).Warn("session ended with error", "session_id", sessionID)
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.RLock()
	listener := s.listener
	for _, session := range s.sessions {
		session.Close()
	}
	s.mu.RUnlock()

	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("failed to close listener", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

// HandleMessage dispatches a client request and sends its response
func (s *Server) HandleMessage(ctx context.Context, session *rpc.Session, msg *rpc.Message) error {
	if !msg.IsRequest() {
		s.logger.Debug("ignoring non-request message", "method", msg.Method)
		return nil
	}

	started := time.Now()

	var (
		result any
		rpcErr *rpc.Error
	)
	switch msg.Method {
	case rpc.MethodMine:
		result, rpcErr = s.handleMine(ctx, session, msg.Params)
	case rpc.MethodCheck:
		result, rpcErr = s.handleCheck(ctx, msg.Params)
	case rpc.MethodInfo:
		result, rpcErr = s.handleInfo(msg.Params)
	default:
		s.logger.Warn("unknown method", "method", msg.Method)
		rpcErr = &rpc.Error{Code: rpc.ErrorMethodNotFound, Message: "Method not found"}
	}

	if rpcErr != nil {
		s.metrics.ObserveRequest(msg.Method, rpcErr, started)
		return session.SendError(msg.ID, rpcErr.Code, rpcErr.Message)
	}

	s.metrics.ObserveRequest(msg.Method, nil, started)
	return session.SendResponse(msg.ID, result)
}

func (s *Server) handleMine(ctx context.Context, session *rpc.Session, params []any) (any, *rpc.Error) {
	req, err := rpc.ParseMineRequest(params)
	if err != nil {
		return nil, invalidParams(err)
	}
	if req.Difficulty > s.cfg.MaxDifficulty {
		return nil, &rpc.Error{
			Code:    rpc.ErrorInvalidDifficulty,
			Message: fmt.Sprintf("difficulty %d exceeds the server maximum %d", req.Difficulty, s.cfg.MaxDifficulty),
		}
	}

	s.limiter.Take()

	select {
	case s.mineSlots <- struct{}{}:
		defer func() { <-s.mineSlots }()
	default:
		return nil, &rpc.Error{Code: rpc.ErrorRateLimited, Message: "Too many concurrent seals"}
	}

	// searches stop when the session closes
	mineCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-session.Done():
			cancel()
		case <-mineCtx.Done():
		}
	}()

	block := seal.NewBlock(req.Content, req.Difficulty)
	out, err := s.sealer.Seal(mineCtx, block)

	requestID := generateRequestID()
	s.publish(messaging.TopicSealResults, requestID, sealResult(requestID, s.sealer.Algorithm(), req.Difficulty, out, err))

	if err != nil {
		return nil, sealError(err)
	}

	return &rpc.MineResult{
		Nonce:         out.Nonce.String(),
		ContentDigest: out.ContentDigest,
		Digest:        out.Digest,
		Attempts:      out.Attempts,
		ElapsedMs:     milliseconds(out.Elapsed),
		Cached:        out.Cached,
	}, nil
}

func (s *Server) handleCheck(ctx context.Context, params []any) (any, *rpc.Error) {
	req, err := rpc.ParseCheckRequest(params)
	if err != nil {
		return nil, invalidParams(err)
	}

	block := seal.NewBlock(req.Content, req.Difficulty)
	if err := block.SetNonce(req.Nonce); err != nil {
		return nil, invalidParams(err)
	}

	insp, err := s.sealer.Inspect(ctx, block)
	if err != nil {
		return nil, sealError(err)
	}

	requestID := generateRequestID()
	s.publish(messaging.TopicSealChecks, requestID, &messaging.CheckResultMessage{
		RequestID:  requestID,
		Algorithm:  s.sealer.Algorithm(),
		Difficulty: req.Difficulty,
		Nonce:      req.Nonce.String(),
		Valid:      insp.Valid(),
		State:      insp.State.String(),
		Digest:     insp.Digest,
		CheckedAt:  time.Now(),
	})

	return &rpc.CheckResult{
		Valid:  insp.Valid(),
		State:  insp.State.String(),
		Digest: insp.Digest,
	}, nil
}

func (s *Server) handleInfo(params []any) (any, *rpc.Error) {
	difficulty, err := rpc.ParseInfoRequest(params, s.cfg.DefaultDifficulty)
	if err != nil {
		return nil, invalidParams(err)
	}
	if difficulty < 0 || difficulty > s.sealer.DigestLength() {
		return nil, &rpc.Error{
			Code:    rpc.ErrorInvalidDifficulty,
			Message: fmt.Sprintf("difficulty must be between 0 and %d", s.sealer.DigestLength()),
		}
	}

	return &rpc.InfoResult{
		Algorithm:            s.sealer.Algorithm(),
		DigestLength:         s.sealer.DigestLength(),
		Sentinel:             string(seal.Sentinel),
		MaxDifficulty:        s.cfg.MaxDifficulty,
		Difficulty:           difficulty,
		DetectionProbability: seal.DetectionProbability(difficulty),
		ExpectedAttempts:     seal.ExpectedAttempts(difficulty),
	}, nil
}

// publish sends event in the background. Failures are logged only.
func (s *Server) publish(topic, key string, event messaging.Event) {
	if s.publisher == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.publisher.Publish(ctx, topic, key, event); err != nil {
			s.logger.WithError(err).Warn("failed to publish event", "topic", topic, "key", key)
		}
	}()
}

func sealResult(requestID, algorithm string, difficulty int, out *sealer.Outcome, err error) *messaging.SealResultMessage {
	msg := &messaging.SealResultMessage{
		RequestID:  requestID,
		Algorithm:  algorithm,
		Difficulty: difficulty,
		Status:     sealer.Status(err),
		SealedAt:   time.Now(),
	}
	if err != nil {
		msg.ErrorMessage = err.Error()
		return msg
	}

	msg.Nonce = out.Nonce.String()
	msg.ContentDigest = out.ContentDigest
	msg.Digest = out.Digest
	msg.Attempts = messaging.Count(out.Attempts)
	msg.ElapsedMs = milliseconds(out.Elapsed)
	msg.Cached = out.Cached
	return msg
}

func sealError(err error) *rpc.Error {
	switch {
	case errors.Is(err, seal.ErrInvalidDifficulty):
		return &rpc.Error{Code: rpc.ErrorInvalidDifficulty, Message: err.Error()}
	case errors.Is(err, seal.ErrSearchExhausted):
		return &rpc.Error{Code: rpc.ErrorSearchExhausted, Message: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &rpc.Error{Code: rpc.ErrorOther, Message: "Search canceled"}
	default:
		return &rpc.Error{Code: rpc.ErrorOther, Message: err.Error()}
	}
}

func invalidParams(err error) *rpc.Error {
	return &rpc.Error{Code: rpc.ErrorInvalidParams, Message: "Invalid parameters: " + err.Error()}
}

func milliseconds(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

// generateRequestID generates a unique request ID
func generateRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
