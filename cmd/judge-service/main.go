package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"codejudge/internal/common/cache"
	"codejudge/internal/common/db"
	commonmw "codejudge/internal/common/http/middleware"
	"codejudge/internal/common/mq"
	"codejudge/internal/common/storage"
	"codejudge/internal/judge/controller"
	"codejudge/internal/judge/fixture"
	"codejudge/internal/judge/repository"
	"codejudge/internal/judge/retry"
	"codejudge/internal/judge/sandbox"
	"codejudge/internal/judge/sandbox/profile"
	"codejudge/internal/judge/service"
	"codejudge/internal/judge/workspace"
	"codejudge/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judge-service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "judge service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	database, err := openDatabase(appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() {
		_ = database.Close()
	}()
	if err := repository.EnsureSchema(ctx, database); err != nil {
		return fmt.Errorf("ensure schema failed: %w", err)
	}

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	var objects storage.ObjectStorage
	var minioClient *storage.MinIOStorage
	if appCfg.MinIO.Enabled() {
		minioClient, err = storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
		objects = minioClient
	}

	queue, err := openQueue(appCfg, redisCache)
	if err != nil {
		return fmt.Errorf("init queue failed: %w", err)
	}
	defer func() {
		_ = queue.Close()
	}()

	specs := profile.DefaultLanguages()
	switch {
	case appCfg.Judge.LanguagesFile != "":
		specs, err = profile.LoadLanguages(appCfg.Judge.LanguagesFile)
		if err != nil {
			return err
		}
	case len(appCfg.Languages) > 0:
		specs = appCfg.Languages
	}
	languages, err := profile.NewRegistry(specs)
	if err != nil {
		return fmt.Errorf("load languages failed: %w", err)
	}

	arenas, err := workspace.NewManager(appCfg.Judge.WorkRoot)
	if err != nil {
		return err
	}
	var observer sandbox.Observer = sandbox.NoopObserver{}
	if appCfg.Judge.TraceSandbox {
		observer = sandbox.LogObserver{}
	}
	runner := sandbox.NewRunner(sandbox.Config{
		Grace:            appCfg.Judge.Grace,
		StderrMaxBytes:   appCfg.Judge.StderrMaxBytes,
		MaxOutputBytes:   appCfg.Judge.MaxOutputBytes,
		DefaultTimeLimit: appCfg.Judge.DefaultTimeLimit,
		Observer:         observer,
	})

	problems := repository.NewProblemRepository(database)
	submissions := repository.NewSubmissionRepository(database, redisCache, repository.Options{
		CacheTTL:      appCfg.Status.CacheTTL,
		CacheEmptyTTL: appCfg.Status.CacheEmptyTTL,
		MaxAttempts:   appCfg.Retry.MaxAttempts,
	})
	coordinator := retry.NewCoordinator(retry.Config{
		MaxAttempts:      appCfg.Retry.MaxAttempts,
		BaseDelay:        appCfg.Retry.BaseDelay,
		TimeLimitIsFinal: appCfg.Retry.TimeLimitIsFinal,
		Topic:            appCfg.Queue.JobTopic,
	}, submissions, queue)

	processor, err := service.NewProcessor(service.ProcessorConfig{
		Runner: runner,
		Fetcher: fixture.NewFetcher(fixture.Config{
			MaxBytes:    appCfg.Problem.FixtureMaxBytes,
			HTTPTimeout: appCfg.Problem.FixtureTimeout,
		}, objects),
		Workspace:    arenas,
		Languages:    languages,
		Problems:     problems,
		Submissions:  submissions,
		Retry:        coordinator,
		Notifier:     repository.NewMQContestNotifier(queue, appCfg.Queue.ProgressTopic),
		Locks:        redisCache,
		Queue:        queue,
		Topic:        appCfg.Queue.JobTopic,
		Slots:        mq.NewTokenLimiter(appCfg.Judge.Slots),
		LockTTL:      appCfg.Judge.LockTTL,
		MetaTTL:      appCfg.Problem.MetaTTL,
		StoreTimeout: appCfg.Judge.StoreTimeout,
		DeferBase:    appCfg.Queue.DeferBase,
		DeferMax:     appCfg.Queue.DeferMax,
		DeferLimit:   appCfg.Queue.DeferLimit,
	})
	if err != nil {
		return fmt.Errorf("init processor failed: %w", err)
	}

	dispatcher, err := service.NewDispatcher(service.DispatcherConfig{
		Queue:          queue,
		Topic:          appCfg.Queue.JobTopic,
		Processor:      processor,
		Problems:       problems,
		Submissions:    submissions,
		Languages:      languages,
		ConsumerGroup:  appCfg.Queue.ConsumerGroup,
		Concurrency:    appCfg.Queue.Concurrency,
		MaxSourceBytes: appCfg.Judge.MaxSourceBytes,
		MessageTTL:     appCfg.Queue.MessageTTL,
	})
	if err != nil {
		return fmt.Errorf("init dispatcher failed: %w", err)
	}
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}

	deps := map[string]controller.Pinger{
		"database": database,
		"redis":    redisCache,
		"queue":    queue,
	}
	if minioClient != nil {
		bucket := appCfg.MinIO.Bucket
		deps["minio"] = pingFunc(func(ctx context.Context) error { return minioClient.Ping(ctx, bucket) })
	}
	limiter := commonmw.NewRateLimiter(redisCache, appCfg.Redis.ReadTimeout)
	httpServer := buildHTTPServer(appCfg.Server, controller.NewJudgeController(dispatcher, deps), limiter)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		_ = dispatcher.Stop()
		return fmt.Errorf("init http listener failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "judge http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.String("queue", appCfg.Queue.Driver),
			zap.String("database", appCfg.Database.Driver),
			zap.Strings("languages", languages.IDs()),
		)
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	return dispatcher.Stop()
}

func openDatabase(cfg DatabaseConfig) (db.Database, error) {
	if cfg.Driver == "mysql" {
		return db.NewMySQLWithConfig(&cfg.MySQL)
	}
	return db.NewSQLite(cfg.SQLite)
}

func openQueue(cfg *AppConfig, redisCache *cache.RedisCache) (mq.MessageQueue, error) {
	if cfg.Queue.Driver == "kafka" {
		return mq.NewKafkaQueue(cfg.Kafka.toMQConfig())
	}
	// Shares the cache connection pool; closing the cache closes it.
	return mq.NewRedisQueue(redisCache.Client(), cfg.Queue.Redis)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func buildHTTPServer(cfg ServerConfig, judgeController *controller.JudgeController, limiter *commonmw.RateLimiter) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())
	judgeController.Register(router, commonmw.RateLimitMiddleware(limiter, "submit", cfg.SubmitRateLimit))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
