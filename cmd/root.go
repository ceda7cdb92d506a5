// Package cmd wires and runs the service processes.
package cmd

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/danielprocop/lifestory-graph/config"
	"github.com/danielprocop/lifestory-graph/internal/cache"
	"github.com/danielprocop/lifestory-graph/internal/database"
	"github.com/danielprocop/lifestory-graph/internal/graph"
	"github.com/danielprocop/lifestory-graph/internal/metrics"
	"github.com/danielprocop/lifestory-graph/internal/models"
	"github.com/danielprocop/lifestory-graph/internal/policy"
	"github.com/danielprocop/lifestory-graph/internal/replay"
	"github.com/danielprocop/lifestory-graph/internal/repositories"
	"github.com/danielprocop/lifestory-graph/internal/search"
	"github.com/danielprocop/lifestory-graph/internal/services"
)

var rootCmd = &cobra.Command{
	Use:   "lifestory-graph",
	Short: "Cognitive graph engine over free-text journal entries",
	Long:  `Turns journal entries into a governed knowledge graph of people, places, events and shared expenses`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// app bundles everything the api and worker processes share.
type app struct {
	cfg    config.Config
	db     *gorm.DB
	rdb    *gorm.DB
	cache  *cache.RedisCache
	search *search.ElasticClient

	entryRepo  *repositories.EntryRepository
	entityRepo *repositories.EntityRepository
	ledgerRepo *repositories.LedgerRepository
	policyRepo *repositories.PolicyRepository
	replayRepo *repositories.ReplayRepository

	metrics      *metrics.Metrics
	policyCache  *policy.Cache
	mutator      *graph.Mutator
	scheduler    *replay.Scheduler
	graphService *services.GraphService
	governance   *policy.Governance
}

func buildApp(cfg config.Config, migrate bool) (*app, error) {
	db, readOnlyDB, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := models.SetupModels(db); err != nil {
			return nil, err
		}
	}

	a := &app{
		cfg:        cfg,
		db:         db,
		rdb:        readOnlyDB,
		entryRepo:  repositories.NewEntryRepository(db, readOnlyDB),
		entityRepo: repositories.NewEntityRepository(db, readOnlyDB),
		ledgerRepo: repositories.NewLedgerRepository(db, readOnlyDB),
		policyRepo: repositories.NewPolicyRepository(db, readOnlyDB),
		replayRepo: repositories.NewReplayRepository(db, readOnlyDB),
		metrics:    metrics.NewMetrics(),
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	} else {
		a.cache = redisCache
	}

	if cfg.Elastic.Enabled {
		elasticClient, err := search.NewElasticClient(cfg.Elastic)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
		} else {
			a.search = elasticClient
		}
	}

	a.policyCache = policy.NewCache(a.redisClient(), a.loadRules)
	a.mutator = graph.NewMutator(db)
	a.scheduler = replay.NewScheduler(a.replayRepo, cfg.Replay.QueueSize)

	var sink services.SearchSink
	if a.search != nil {
		sink = a.search
	}
	var views services.ViewCache
	if a.cache != nil {
		views = a.cache
	}
	a.graphService = services.NewGraphService(
		a.entryRepo, a.entityRepo, a.ledgerRepo,
		a.policyCache, a.mutator, sink, views, a.metrics,
	)
	a.governance = policy.NewGovernance(
		a.policyRepo, a.entityRepo, a.entryRepo,
		a.policyCache, a.scheduler, a.mutator,
	)

	a.metrics.SetHealth("database", true)
	a.metrics.SetHealth("redis", a.cache != nil)
	a.metrics.SetHealth("elasticsearch", a.search != nil)

	return a, nil
}

func (a *app) loadRules(ctx context.Context, owner uuid.UUID) ([]models.FeedbackAction, int64, error) {
	actions, err := a.policyRepo.ActionsForOwner(ctx, owner)
	if err != nil {
		return nil, 0, err
	}
	version, err := a.policyRepo.CurrentVersion(ctx)
	if err != nil {
		return nil, 0, err
	}
	return actions, version, nil
}

func (a *app) redisClient() *redis.Client {
	if a.cache == nil {
		return nil
	}
	return a.cache.Client()
}
