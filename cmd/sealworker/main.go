// Package main implements the sealworker service for blockseal.
// It consumes seal requests from Kafka, seals them and publishes the results.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/blockseal/internal/config"
	"github.com/bardlex/blockseal/internal/database"
	"github.com/bardlex/blockseal/internal/database/influx"
	"github.com/bardlex/blockseal/internal/database/redis"
	"github.com/bardlex/blockseal/internal/hashing"
	"github.com/bardlex/blockseal/internal/messaging"
	"github.com/bardlex/blockseal/internal/metrics"
	"github.com/bardlex/blockseal/internal/seal"
	"github.com/bardlex/blockseal/internal/sealer"
	"github.com/bardlex/blockseal/pkg/log"
	"github.com/bardlex/blockseal/pkg/retry"
)

// searchAttempts is how many times an exhausted search is retried with a
// doubled budget, counting the first try
const searchAttempts = 3

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting sealworker",
		"version", cfg.Version,
		"worker_pool_size", cfg.WorkerPoolSize,
		"algorithm", cfg.HashAlgorithm,
	)

	if !cfg.KafkaEnabled() {
		logger.Error("KAFKA_BROKERS is required")
		os.Exit(1)
	}

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

	worker := NewSealWorker(cfg, logger, sealSvc, kafkaClient, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbManager.StartPeriodicTasks(ctx, 10*time.Second, time.Minute)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := worker.Start(ctx, kafkaClient); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("seal worker failed")
			sigChan <- syscall.SIGTERM
		}
	}()

	<-sigChan
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := worker.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
	}

	logger.Info("sealworker stopped")
}

func storesConfig(cfg *config.Config) *database.Config {
	dbConfig := &database.Config{}
	if cfg.RedisAddr != "" {
		dbConfig.Redis = &redis.Config{
			Addr:          cfg.RedisAddr,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
			PoolSize:      max(cfg.WorkerPoolSize, 2),
			MinIdleConns:  1,
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
	if cfg.SearchTimeout > 0 {
		minerOpts = append(minerOpts, seal.WithTimeout(cfg.SearchTimeout))
	}

	opts := []sealer.Option{sealer.WithObservers(metrics.NewSealer())}
	if dbManager != nil {
		opts = append(opts, dbManager.SealerOptions()...)
	}

	return sealer.New(seal.NewMiner(oracle, minerOpts...), logger, opts...), nil
}

// Publisher publishes seal events
type Publisher interface {
	Publish(ctx context.Context, topic, key string, event messaging.Event) error
}

// Consumer delivers messages of a topic to a handler until ctx is done
type Consumer interface {
	StartConsumer(ctx context.Context, topic, groupID string, handler messaging.MessageHandler) error
}

// SealWorker seals requests from a bounded queue
type SealWorker struct {
	cfg       *config.Config
	logger    *log.Logger
	sealer    *sealer.Sealer
	publisher Publisher
	events    *metrics.Events

	queue chan *messaging.SealRequestMessage
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewSealWorker creates a new seal worker. events may be nil.
func NewSealWorker(cfg *config.Config, logger *log.Logger, sealSvc *sealer.Sealer, publisher Publisher, events *metrics.Events) *SealWorker {
	return &SealWorker{
		cfg:       cfg,
		logger:    logger.WithComponent("sealworker"),
		sealer:    sealSvc,
		publisher: publisher,
		events:    events,
		queue:     make(chan *messaging.SealRequestMessage, max(cfg.WorkerPoolSize, 1)*10),
		done:      make(chan struct{}),
	}
}

// Start runs the worker pool and consumes seal requests until ctx is done
// or the worker is shut down.
func (w *SealWorker) Start(ctx context.Context, consumer Consumer) error {
	w.logger.Info("seal worker starting", "workers", w.cfg.WorkerPoolSize)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < max(w.cfg.WorkerPoolSize, 1); i++ {
		w.wg.Add(1)
		go w.worker(ctx, i)
	}

	consumed := make(chan error, 1)
	go func() {
		consumed <- consumer.StartConsumer(ctx, messaging.TopicSealRequests, w.cfg.KafkaGroupID, w.HandleMessage)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return nil
	case err := <-consumed:
		return err
	}
}

// Shutdown stops the workers and waits for in-flight seals to finish
func (w *SealWorker) Shutdown(ctx context.Context) error {
	w.logger.Info("shutting down seal worker")
	w.once.Do(func() { close(w.done) })

	stopped := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleMessage decodes a consumed seal request and queues it
func (w *SealWorker) HandleMessage(ctx context.Context, key string, value []byte) error {
	var req messaging.SealRequestMessage
	if err := messaging.Decode(w.cfg.EventEncoding, value, &req); err != nil {
		w.observeConsume(err)
		return err
	}
	if req.RequestID == "" {
		req.RequestID = key
	}

	w.observeConsume(nil)

	select {
	case w.queue <- &req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return fmt.Errorf("seal worker stopped")
	}
}

func (w *SealWorker) observeConsume(err error) {
	if w.events != nil {
		w.events.ObserveConsume(messaging.TopicSealRequests, err)
	}
}

func (w *SealWorker) worker(ctx context.Context, workerID int) {
	defer w.wg.Done()

	logger := w.logger.WithFields("worker_id", workerID)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case req := <-w.queue:
			result := w.ProcessRequest(ctx, req)

			topic := messaging.TopicSealResults
			if req.ReplyTopic != "" {
				topic = req.ReplyTopic
			}
			if err := w.publisher.Publish(ctx, topic, result.RequestID, result); err != nil {
				logger.WithError(err).Error("failed to publish seal result", "request_id", result.RequestID)
			}
		}
	}
}

// ProcessRequest seals one request. An exhausted search is retried with a
// doubled attempt budget.
func (w *SealWorker) ProcessRequest(ctx context.Context, req *messaging.SealRequestMessage) *messaging.SealResultMessage {
	requestID := req.RequestID
	if requestID == "" {
		requestID = generateRequestID()
	}
	logger := w.logger.WithRequest(requestID)

	result := &messaging.SealResultMessage{
		RequestID:  requestID,
		Algorithm:  w.sealer.Algorithm(),
		Difficulty: req.Difficulty,
	}

	if req.Difficulty > w.cfg.MaxDifficulty {
		result.Status = sealer.StatusInvalid
		result.ErrorMessage = fmt.Sprintf("difficulty %d exceeds the maximum %d", req.Difficulty, w.cfg.MaxDifficulty)
		result.SealedAt = time.Now()
		return result
	}

	budget := uint64(req.MaxAttempts)
	if budget == 0 {
		budget = w.cfg.MaxAttempts
	}

	// only a bounded nonce range can be widened; a timed out search would
	// fail the same way again
	rc := retry.SearchConfig(searchAttempts)
	rc.ShouldRetry = func(err error) bool {
		return budget > 0 && seal.ExhaustionReason(err) == seal.ReasonMaxAttempts
	}
	rc.OnRetry = func(attempt int, err error) {
		result.Retries++
		budget *= 2
		logger.WithError(err).Info("search exhausted, widening budget",
			"attempt", attempt+1,
			"max_attempts", budget,
		)
	}

	out, err := retry.DoWithResult(ctx, rc, func() (*sealer.Outcome, error) {
		var opts []seal.Option
		if budget > 0 {
			opts = append(opts, seal.WithMaxAttempts(budget))
		}
		return w.sealer.Seal(ctx, seal.NewBlock(req.Content, req.Difficulty), opts...)
	})

	result.Status = sealer.Status(err)
	result.SealedAt = time.Now()
	if err != nil {
		result.ErrorMessage = err.Error()
		logger.WithError(err).Warn("seal request failed", "status", result.Status)
		return result
	}

	result.Nonce = out.Nonce.String()
	result.ContentDigest = out.ContentDigest
	result.Digest = out.Digest
	result.Attempts = messaging.Count(out.Attempts)
	result.ElapsedMs = float64(out.Elapsed.Nanoseconds()) / 1e6
	result.Cached = out.Cached
	return result
}

// generateRequestID generates a unique request ID
func generateRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
