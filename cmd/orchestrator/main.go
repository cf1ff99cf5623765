package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/orchestrated/orchestrator/internal/config"
	"github.com/orchestrated/orchestrator/internal/metrics"
	"github.com/orchestrated/orchestrator/internal/orchestrator"
	"github.com/orchestrated/orchestrator/internal/repository"
	"github.com/orchestrated/orchestrator/internal/topology"
	"github.com/orchestrated/orchestrator/internal/transport"
	"github.com/orchestrated/orchestrator/pkg/health"
	"github.com/orchestrated/orchestrator/pkg/logger"
	"github.com/orchestrated/orchestrator/pkg/snowflake"
	"github.com/orchestrated/orchestrator/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log.Printf("Starting %s...", cfg.ServiceName)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	if err := snowflake.Init(cfg.WorkerID); err != nil {
		log.Fatalf("Failed to init snowflake: %v", err)
	}

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	dbPingCtx, dbPingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Printf("Connected to PostgreSQL")

	repo := repository.NewEventRepository(db)
	initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer initCancel()
	if err := repo.InitSchema(initCtx); err != nil {
		log.Fatalf("Failed to init schema: %v", err)
	}

	// 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     100,
		MinIdleConns: 10,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisPingCtx, redisPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisPingCancel()
	if err := redisClient.Ping(redisPingCtx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Printf("Connected to Redis")

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  1.0,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	appLog := logger.New(cfg.ServiceName, os.Stdout)
	m := metrics.New()
	topo := topology.Default()
	bus := transport.NewBus(redisClient)
	ctrl := orchestrator.NewController(topo, repo, bus, snowflakeIDGen{}, appLog, m)

	// 两条消费循环：start-saga 创建事务，orchestrator 接收各阶段回报
	startConsumer := transport.NewConsumer(redisClient, cfg.ConsumerGroup, cfg.ConsumerName+"-start",
		[]string{topology.TopicStartSaga}, ctrl.HandleStart, nil, appLog, m)
	replyConsumer := transport.NewConsumer(redisClient, cfg.ConsumerGroup, cfg.ConsumerName+"-reply",
		[]string{topology.TopicOrchestrator}, ctrl.Handle, nil, appLog, m)

	runConsumer(ctx, "start-saga", startConsumer)
	runConsumer(ctx, "orchestrator", replyConsumer)

	// 周期刷新 pending 指标
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, stream := range []string{topology.TopicStartSaga, topology.TopicOrchestrator} {
					if count, err := bus.PendingCount(ctx, stream, cfg.ConsumerGroup); err == nil {
						m.SetStreamPending(stream, cfg.ConsumerGroup, count)
					}
				}
			}
		}
	}()

	// 健康检查
	h := health.New()
	h.Register(health.NewPostgresChecker(db))
	h.Register(health.NewRedisChecker(redisClient))
	h.Register(health.NewLoopChecker("startSagaConsumer", startConsumer.Monitor(), 45*time.Second))
	h.Register(health.NewLoopChecker("orchestratorConsumer", replyConsumer.Monitor(), 45*time.Second))
	h.SetReady(true)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/live", h.LiveHandler())
	mux.HandleFunc("/ready", h.ReadyHandler())
	mux.HandleFunc("/health", h.ReadyHandler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Printf("HTTP server listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	h.SetReady(false)
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	log.Println("Shutdown complete")
}

// runConsumer restarts a consume loop after transient failures until the
// context ends.
func runConsumer(ctx context.Context, name string, consumer *transport.Consumer) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("%s consumer panic: %v\n%s", name, r, string(debug.Stack()))
			}
		}()
		for {
			err := consumer.Start(ctx)
			if ctx.Err() != nil {
				return
			}
			log.Printf("%s consumer stopped: %v, restarting", name, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

type snowflakeIDGen struct{}

func (g snowflakeIDGen) NextID() int64 {
	return snowflake.MustNextID()
}
