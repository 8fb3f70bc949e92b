// Command worker drains the pipeline queue, advancing uploaded sessions
// through probe, transcode, manifest, thumbnail, and pin. It sweeps orphaned
// work directories once at startup and runs the daily retention sweep for
// terminal sessions.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nmxmxh/uploadcore/database/connect"
	"github.com/nmxmxh/uploadcore/internal/blobstore"
	"github.com/nmxmxh/uploadcore/internal/config"
	"github.com/nmxmxh/uploadcore/internal/pinner"
	"github.com/nmxmxh/uploadcore/internal/pipeline"
	"github.com/nmxmxh/uploadcore/internal/retention"
	"github.com/nmxmxh/uploadcore/internal/session"
	"github.com/nmxmxh/uploadcore/pkg/events"
	"github.com/nmxmxh/uploadcore/pkg/lifecycle"
	"github.com/nmxmxh/uploadcore/pkg/logger"
	"github.com/nmxmxh/uploadcore/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	lg, err := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log := lg.GetZapLogger()
	defer func() { _ = lg.Sync() }()

	db, err := connect.ConnectPostgres(context.Background(), log, cfg)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetimeMinutes) * time.Minute)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})

	blobs, err := newBlobStore(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize blob store", zap.Error(err))
	}
	pinStore, err := pinner.NewS3Store(cfg.S3Region, cfg.S3Endpoint, cfg.PinBucket, log)
	if err != nil {
		log.Fatal("failed to initialize pin store", zap.Error(err))
	}

	sessions := session.NewPostgresRepository(db, log)
	queue := pipeline.NewRedisQueue(redisClient, log)
	emitter := events.NewConcurrentEventEmitter(8, 256, redisStreamEmitFunc(redisClient))

	processor := &pipeline.Processor{
		Sessions: sessions,
		Blobs:    blobs,
		Pinner: &pinner.Pinner{
			Store:       pinStore,
			Verify:      cfg.PinVerify,
			Log:         log,
			MaxAttempts: cfg.StageRetryMax,
			BackoffBase: cfg.StageRetryBackoffBase,
			BackoffCap:  cfg.StageRetryBackoffCap,
		},
		Cfg:    cfg,
		Log:    log,
		Events: emitter,
	}

	concurrency := cfg.PipelineConcurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	sweeper := &retention.Sweeper{
		Sessions:      sessions,
		Blobs:         blobs,
		Log:           log,
		RetentionDays: cfg.SessionRetentionDays,
		WorkDir:       cfg.TranscodeWorkDir,
	}
	sweeper.SweepOrphanedWorkDirs(log)

	app := lifecycle.NewApplication(cfg.AppName, log)

	for i := 0; i < concurrency; i++ {
		w := &pipeline.Worker{
			Queue:       queue,
			Processor:   processor,
			Log:         log,
			MaxAttempts: cfg.StageRetryMax,
			BackoffBase: cfg.StageRetryBackoffBase,
			BackoffCap:  cfg.StageRetryBackoffCap,
		}
		bw := lifecycle.NewBackgroundWorker(fmt.Sprintf("pipeline-worker-%d", i), func(ctx context.Context) error {
			w.PollOnce(ctx)
			return nil
		}, time.Second, log)
		if err := app.RegisterResource(bw); err != nil {
			log.Fatal("failed to register pipeline worker", zap.Int("worker", i), zap.Error(err))
		}
	}

	leaseReaper := lifecycle.NewBackgroundWorker("lease-reaper", func(ctx context.Context) error {
		n, err := queue.RequeueExpiredLeases(ctx)
		if err != nil {
			return fmt.Errorf("reaping expired leases: %w", err)
		}
		if n > 0 {
			log.Warn("redelivered jobs with expired leases", zap.Int("count", n))
		}
		return nil
	}, time.Minute, log)
	if err := app.RegisterResource(leaseReaper); err != nil {
		log.Fatal("failed to register lease reaper", zap.Error(err))
	}

	c := cron.New()
	app.RegisterService("retention-sweep").
		WithStart(func(ctx context.Context) error {
			if _, err := c.AddFunc("@daily", func() { sweeper.Run(ctx) }); err != nil {
				return fmt.Errorf("scheduling retention sweep: %w", err)
			}
			c.Start()
			return nil
		}).
		WithStop(func(ctx context.Context) error {
			<-c.Stop().Done()
			return nil
		})

	metrics.Init(fmt.Sprintf(":%s", cfg.MetricsPort))

	log.Info("pipeline worker started", zap.Int("concurrency", concurrency))

	if err := app.Run(); err != nil {
		log.Fatal("application exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func newBlobStore(cfg *config.Config, log *zap.Logger) (blobstore.Store, error) {
	switch cfg.BlobBackend {
	case "azure":
		return blobstore.NewAzureStore(os.Getenv("AZURE_ACCOUNT_NAME"), os.Getenv("AZURE_ACCOUNT_KEY"), cfg.AzureContainerURL, log)
	default:
		return blobstore.NewS3Store(cfg.S3Region, cfg.S3Endpoint, cfg.S3Bucket, log)
	}
}

func redisStreamEmitFunc(client *redis.Client) func(context.Context, interface{}, *zap.Logger, string, string, map[string]interface{}) (string, bool) {
	return func(ctx context.Context, _ interface{}, log *zap.Logger, eventType, eventID string, meta map[string]interface{}) (string, bool) {
		id, err := client.XAdd(ctx, &redis.XAddArgs{
			Stream: "session_events",
			Values: map[string]interface{}{"event_type": eventType, "event_id": eventID},
		}).Result()
		if err != nil {
			if log != nil {
				log.Warn("failed to publish event", zap.String("event_type", eventType), zap.Error(err))
			}
			return "", false
		}
		return id, true
	}
}
