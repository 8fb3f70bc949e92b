// Command server runs the resumable session protocol's HTTP surface:
// create/probe/append/abort/status/draft-update against the session
// repository, blob store, and pipeline queue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nmxmxh/uploadcore/database/connect"
	"github.com/nmxmxh/uploadcore/internal/blobstore"
	"github.com/nmxmxh/uploadcore/internal/config"
	"github.com/nmxmxh/uploadcore/internal/metadata"
	"github.com/nmxmxh/uploadcore/internal/pipeline"
	"github.com/nmxmxh/uploadcore/internal/protocol"
	"github.com/nmxmxh/uploadcore/internal/session"
	"github.com/nmxmxh/uploadcore/pkg/events"
	"github.com/nmxmxh/uploadcore/pkg/health"
	"github.com/nmxmxh/uploadcore/pkg/lifecycle"
	"github.com/nmxmxh/uploadcore/pkg/logger"
	"github.com/nmxmxh/uploadcore/pkg/metrics"
	uploadredis "github.com/nmxmxh/uploadcore/pkg/redis"
	"github.com/nmxmxh/uploadcore/pkg/tracing"
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

	tracerProvider, shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.AppEnv,
	})
	if err != nil {
		log.Warn("failed to initialize tracing", zap.Error(err))
	}
	if tracerProvider != nil {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Warn("failed to shut down tracer provider", zap.Error(err))
			}
		}()
	}

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

	var sessions session.Repository = session.NewPostgresRepository(db, log)
	cacheProvider := uploadredis.NewProvider(log)
	cacheProvider.RegisterCache("session", &uploadredis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		Namespace:    uploadredis.NamespaceCache,
		Context:      uploadredis.ContextSession,
	})
	statusCache, err := cacheProvider.GetCache("session")
	if err != nil {
		log.Warn("status cache unavailable, serving status reads uncached", zap.Error(err))
	} else {
		sessions = session.NewCachingRepository(sessions, statusCache)
	}
	queue := pipeline.NewRedisQueue(redisClient, log)
	var drafts metadata.Client = metadata.NoopClient{}
	emitter := events.NewConcurrentEventEmitter(8, 256, redisStreamEmitFunc(redisClient))

	handler := protocol.NewHandler(sessions, blobs, queue, drafts, redisClient, cfg, log, emitter, "/v1/uploads")

	metrics.Init(fmt.Sprintf(":%s", cfg.MetricsPort))

	dbCheck := health.NewDatabaseHealthCheck("postgres").Bind(func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	redisCheck := health.NewRedisHealthCheck("redis").Bind(func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	cacheCheck := health.NewRedisHealthCheck("session-cache").Bind(cacheProvider.Ping)
	checker := health.NewHealthChecker()
	checker.Register(dbCheck)
	checker.Register(redisCheck)
	checker.Register(cacheCheck)

	mux := http.NewServeMux()
	handler.Routes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		results := checker.Check(r.Context())
		status := http.StatusOK
		for _, err := range results {
			if err != nil {
				status = http.StatusServiceUnavailable
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(errorsToStrings(results))
	})
	root := protocol.MetricsMiddleware(protocol.HeaderIdentityMiddleware(mux))

	app := lifecycle.NewApplication(cfg.AppName, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      root,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	app.RegisterService("http").
		WithStart(func(ctx context.Context) error {
			log.Info("starting http server", zap.String("addr", httpServer.Addr))
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped unexpectedly", zap.Error(err))
				}
			}()
			return nil
		}).
		WithStop(func(ctx context.Context) error {
			if err := cacheProvider.Close(); err != nil {
				log.Warn("failed to close session cache", zap.Error(err))
			}
			return httpServer.Shutdown(ctx)
		}).
		WithHealth(func() error {
			return db.Ping()
		})

	if err := app.Run(); err != nil {
		log.Fatal("application exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func errorsToStrings(results map[string]error) map[string]string {
	out := make(map[string]string, len(results))
	for name, err := range results {
		if err == nil {
			out[name] = "ok"
			continue
		}
		out[name] = err.Error()
	}
	return out
}

func newBlobStore(cfg *config.Config, log *zap.Logger) (blobstore.Store, error) {
	switch cfg.BlobBackend {
	case "azure":
		return blobstore.NewAzureStore(os.Getenv("AZURE_ACCOUNT_NAME"), os.Getenv("AZURE_ACCOUNT_KEY"), cfg.AzureContainerURL, log)
	default:
		return blobstore.NewS3Store(cfg.S3Region, cfg.S3Endpoint, cfg.S3Bucket, log)
	}
}

// redisStreamEmitFunc publishes lifecycle events to a Redis stream, the
// same transport the dead-letter sink uses for failed pipeline jobs.
func redisStreamEmitFunc(client *redis.Client) func(context.Context, interface{}, *zap.Logger, string, string, map[string]interface{}) (string, bool) {
	return func(ctx context.Context, _ interface{}, log *zap.Logger, eventType, eventID string, meta map[string]interface{}) (string, bool) {
		payload, err := json.Marshal(meta)
		if err != nil {
			return "", false
		}
		id, err := client.XAdd(ctx, &redis.XAddArgs{
			Stream: "session_events",
			Values: map[string]interface{}{
				"event_type": eventType,
				"event_id":   eventID,
				"payload":    string(payload),
			},
		}).Result()
		if err != nil {
			_ = uploadredis.EmitToDLQ(ctx, client, log, eventType, meta, err)
			return "", false
		}
		return id, true
	}
}
