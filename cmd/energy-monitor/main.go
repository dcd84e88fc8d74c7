package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	commoncfg "energy-monitor/common/config"
	"energy-monitor/common/database"
	"energy-monitor/common/logger"
	mqttcommon "energy-monitor/common/mqtt"
	rediscommon "energy-monitor/common/redis"
	"energy-monitor/internal/config"
	"energy-monitor/internal/consumer"
	"energy-monitor/internal/dashboard"
	httpapi "energy-monitor/internal/http"
	"energy-monitor/internal/ingest"
	"energy-monitor/internal/permission"
	"energy-monitor/internal/repository"
	"energy-monitor/internal/rtu"
	"energy-monitor/internal/service"
	"energy-monitor/internal/store"
	"energy-monitor/internal/widget"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "energy-monitor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("energy-monitor exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 存储：DB 不可用时使用内存仓库
	repos := repository.NewMemoryRepository().Set()
	if cfg.DBEnabled {
		if db, err := database.NewPostgresDB(&cfg.Database); err == nil {
			defer database.Close(db)
			repos = repository.NewPostgresSet(db)
			log.Info("DB enabled for energy-monitor", zap.String("host", cfg.Database.Host))
		} else {
			log.Warn("DB enabled but connection failed, falling back to memory repositories", zap.Error(err))
		}
	}

	// 缓存：Redis 不可用时使用进程内 KV
	var kv store.KV = store.NewMemoryKV()
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		client := rediscommon.NewRedisClient(&cfg.Redis.RedisConfig)
		if err := rediscommon.WaitReady(ctx, client, 3, 500*time.Millisecond); err == nil {
			redisClient = client
			kv = store.NewRedisKV(client)
			defer rediscommon.Close(client)
			log.Info("Redis enabled for energy-monitor", zap.String("addr", cfg.Redis.Addr))
		} else {
			_ = client.Close()
			log.Warn("Redis enabled but ping failed, falling back to memory cache", zap.Error(err))
		}
	}

	resolver := permission.NewResolver(repos, kv, cfg.Cache.PermissionTTL, log)
	var baseOpts []widget.Option
	if cfg.Cache.SingleFlight {
		baseOpts = append(baseOpts, widget.WithSingleFlight())
	}
	base := widget.NewBase(kv, cfg.Cache.WidgetTTL, log, baseOpts...)
	factory := dashboard.NewFactory(base, resolver, repos, log)

	rtuCache := rtu.NewCache(kv, log)
	collector := rtu.NewTeltonikaClient(rtu.TeltonikaConfig{
		Scheme:   cfg.Teltonika.Scheme,
		Username: cfg.Teltonika.Username,
		Password: cfg.Teltonika.Password,
		Timeout:  cfg.Teltonika.Timeout,
		Retries:  cfg.Teltonika.Retries,
	}, log)
	dataService := rtu.NewDataService(repos, collector, rtuCache,
		rtu.NewFallbackCache(kv, cfg.Cache.FallbackTTL, log),
		rtu.ControlLimit{Every: cfg.Teltonika.ControlEvery, Burst: cfg.Teltonika.ControlBurst},
		log)
	alertService := rtu.NewAlertService(repos.Devices, repos.Alerts, rtuCache, log)
	ingestor := ingest.NewIngestor(repos, log)

	g, gctx := errgroup.WithContext(ctx)

	// 权限事件：有 Redis 时走 Streams 消费者组，否则进程内直接处理
	invalidator := consumer.NewInvalidator(resolver, kv, log)
	var events consumer.Publisher = consumer.LocalPublisher{Invalidator: invalidator}
	if redisClient != nil {
		events = consumer.NewStreamPublisher(redisClient, cfg.Events.Stream)
		streamConsumer := consumer.NewStreamConsumer(consumer.StreamConfig{
			Stream:   cfg.Events.Stream,
			Group:    cfg.Events.Group,
			Consumer: cfg.Events.Consumer,
			Block:    cfg.Events.Block,
		}, redisClient, invalidator, log)
		g.Go(func() error { return streamConsumer.Start(gctx) })
	}

	if cfg.MQTT.Enabled {
		if err := startMQTT(gctx, g, &cfg.MQTT.MQTTConfig, cfg.MQTT.Topic, ingestor, log); err != nil {
			log.Warn("MQTT ingestion disabled", zap.Error(err))
		}
	}

	handler := httpapi.NewHandler(httpapi.Deps{
		Repos:     repos,
		Resolver:  resolver,
		Factory:   factory,
		Dashboard: dashboard.NewService(factory, resolver, log),
		RTU:       dataService,
		Alerts:    alertService,
		Ingestor:  ingestor,
		Events:    events,
	}, log)
	srv := service.NewServer(cfg.HTTP.Addr, httpapi.NewRouter(handler), log)

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("energy-monitor stopped")
	return nil
}

func startMQTT(ctx context.Context, g *errgroup.Group, cfg *commoncfg.MQTTConfig, topic string, ingestor *ingest.Ingestor, log *zap.Logger) error {
	client, err := mqttcommon.NewClient(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to connect mqtt broker %s: %w", cfg.Broker, err)
	}
	c := ingest.NewMQTTConsumer(client, ingestor, topic, cfg.QoS, log)
	g.Go(func() error {
		defer client.Disconnect()
		return c.Start(ctx)
	})
	return nil
}
