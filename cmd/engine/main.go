package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"regionsync/internal/changelog"
	"regionsync/internal/changelog/feed"
	"regionsync/internal/conflict"
	conflictmetrics "regionsync/internal/conflict/metrics"
	"regionsync/internal/crypto"
	"regionsync/internal/partition"
	"regionsync/internal/platform/config"
	"regionsync/internal/platform/httpserver"
	"regionsync/internal/platform/logger"
	"regionsync/internal/platform/postgres"
	platformredis "regionsync/internal/platform/redis"
	"regionsync/internal/replication"
	replmetrics "regionsync/internal/replication/metrics"
	httptransport "regionsync/internal/transport/http"
)

// main wires the engine: stores, partition router, conflict resolver,
// replication coordinators, key lifecycle manager, change feed and the ops
// HTTP surface. Engine logic lives in the internal packages.
func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "regionsync: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Durable stores when PostgreSQL is configured, in-memory otherwise.
	var (
		changeLog changelog.Store
		conflicts conflict.Store
		status    replication.StatusStore
		cursors   replication.CursorStore
		keys      crypto.KeyStore
		rows      crypto.RowStore
		jobs      crypto.JobStore
		offsets   feed.OffsetStore
	)
	if db != nil {
		changeLog = changelog.NewPostgres(db)
		conflicts = conflict.NewPostgres(db)
		status = replication.NewPostgresStatusStore(db)
		cursors = replication.NewPostgresCursorStore(db)
		keys = crypto.NewPostgresKeyStore(db)
		rows = crypto.NewPostgresRowStore(db)
		jobs = crypto.NewPostgresJobStore(db)
		offsets = feed.NewPostgresOffsets(db)
	} else {
		changeLog = changelog.NewInMemoryStore()
		conflicts = conflict.NewInMemoryStore()
		status = replication.NewInMemoryStatusStore()
		cursors = replication.NewInMemoryCursorStore()
		keys = crypto.NewInMemoryKeyStore()
		rows = crypto.NewInMemoryRowStore()
		jobs = crypto.NewInMemoryJobStore()
		offsets = feed.NewInMemoryOffsets()
	}

	var descriptorCache partition.Cache
	if redisClient != nil {
		descriptorCache = partition.NewRedisCache(redisClient, cfg.Redis.CacheTTL)
	}
	router := partition.NewRouter(partitionShards(cfg.Sharding), cfg.Sharding.ShardCount, log, descriptorCache)

	maintainer := partition.NewMaintainer(router, cfg.Partitions, 0, log)
	if err := maintainer.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap partitions: %w", err)
	}

	resolver := conflict.NewResolver(conflicts, log, conflict.WithMetrics(conflictmetrics.New()))

	keyring, err := crypto.NewKeyring(cfg.Rotation.MasterSecret, keys)
	if err != nil {
		return err
	}
	manager := crypto.NewManager(keyring, keys, rows, jobs, changeLog, localRegion(cfg),
		cfg.Rotation.BatchSize, cfg.Rotation.BatchTimeout, cfg.Rotation.GracePeriod, log)
	if err := manager.Bootstrap(ctx, triggerPurposes(cfg.Rotation.Triggers)); err != nil {
		return fmt.Errorf("bootstrap key versions: %w", err)
	}

	// One partitioned store per target region; coordinators apply through it.
	stores := make(map[string]*partition.Store)
	configs := make([]replication.Config, 0, len(cfg.Replication))
	replMetrics := replmetrics.New()
	var coordinators []*replication.Coordinator
	for _, pair := range cfg.Replication {
		rc := replication.FromPair(pair)
		configs = append(configs, rc)
		if !rc.Active {
			continue
		}
		if stores[rc.TargetRegion] == nil {
			stores[rc.TargetRegion] = partition.NewStore(rc.TargetRegion, router)
		}
		coordinators = append(coordinators, replication.NewCoordinator(
			rc, conflict.BusinessRule, changeLog, cursors, status,
			stores[rc.TargetRegion], resolver, log, replMetrics,
		))
	}

	handler := httptransport.NewHandler(changeLog, conflicts, status, manager, router, stores, configs, log)
	srv := httpserver.New(cfg.Server.Addr, httptransport.NewRouter(handler))

	group, ctx := errgroup.WithContext(ctx)

	for _, coordinator := range coordinators {
		coordinator := coordinator
		group.Go(func() error {
			return ignoreCancel(coordinator.Run(ctx))
		})
	}
	group.Go(func() error {
		return ignoreCancel(maintainer.Run(ctx))
	})
	if len(cfg.Rotation.Triggers) > 0 {
		runner := crypto.NewRunner(manager, cfg.Rotation.Triggers, log)
		group.Go(func() error {
			return ignoreCancel(runner.Run(ctx))
		})
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaClient, err := kgo.NewClient(kgo.SeedBrokers(cfg.Kafka.Brokers...))
		if err != nil {
			return fmt.Errorf("kafka client: %w", err)
		}
		defer kafkaClient.Close()

		publisher := feed.NewPublisher(changeLog, offsets, kafkaClient, sourceRegions(configs),
			cfg.Kafka.TopicPrefix, cfg.Kafka.PollInterval, cfg.Kafka.BatchSize, log)
		group.Go(func() error {
			return ignoreCancel(publisher.Run(ctx))
		})
	}

	group.Go(func() error {
		log.Info("starting regionsync", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func ignoreCancel(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}

func partitionShards(cfg config.ShardingConfig) []partition.Shard {
	shards := make([]partition.Shard, 0, len(cfg.Shards))
	for _, s := range cfg.Shards {
		shards = append(shards, partition.Shard{
			ShardID:   s.ShardID,
			Region:    s.Region,
			Endpoint:  s.Endpoint,
			IsPrimary: s.IsPrimary,
			Active:    s.Active,
		})
	}
	return shards
}

func triggerPurposes(triggers []config.RotationTrigger) []string {
	purposes := make([]string, 0, len(triggers))
	for _, t := range triggers {
		purposes = append(purposes, t.Purpose)
	}
	return purposes
}

// localRegion is the region whose change log the rotation side effects land
// in: the first configured source region, or a default for single-region
// deployments.
func localRegion(cfg *config.Config) string {
	if len(cfg.Replication) > 0 {
		return cfg.Replication[0].SourceRegion
	}
	return "local"
}

func sourceRegions(configs []replication.Config) []string {
	seen := make(map[string]bool)
	var regions []string
	for _, cfg := range configs {
		if !seen[cfg.SourceRegion] {
			seen[cfg.SourceRegion] = true
			regions = append(regions, cfg.SourceRegion)
		}
	}
	return regions
}
