// Command worker runs the background half of the dispatch subsystem:
// the outreach scheduler, lead replenishment and enrichment, and the
// weekly pattern detectors. Multiple workers may run side by side; the
// rate ledger and per-assignment locks keep them from double-sending.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/agencyos/dispatch/internal/cache"
	"github.com/agencyos/dispatch/internal/config"
	"github.com/agencyos/dispatch/internal/content"
	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/drivers"
	"github.com/agencyos/dispatch/internal/enrichment"
	"github.com/agencyos/dispatch/internal/jit"
	"github.com/agencyos/dispatch/internal/leadpool"
	"github.com/agencyos/dispatch/internal/pattern"
	"github.com/agencyos/dispatch/internal/pkg/distlock"
	"github.com/agencyos/dispatch/internal/pkg/ids"
	"github.com/agencyos/dispatch/internal/rateledger"
	"github.com/agencyos/dispatch/internal/repository/postgres"
	"github.com/agencyos/dispatch/internal/resource"
	"github.com/agencyos/dispatch/internal/scheduler"
	"github.com/agencyos/dispatch/internal/suppression"
)

const suppressionRefreshInterval = 5 * time.Minute

func main() {
	log.Println("[Worker] Starting dispatch worker...")

	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		log.Fatalf("[Worker] Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Worker] Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("[Worker] Database ping failed: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("[Worker] Invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		log.Fatalf("[Worker] Failed to load AWS config: %v", err)
	}
	sesClient := sesv2.NewFromConfig(awsCfg)
	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	s3Client := s3.NewFromConfig(awsCfg)
	bedrockClient := bedrockruntime.NewFromConfig(awsCfg)

	// Repositories.
	leadRepo := postgres.NewLeadRepo(db)
	assignmentRepo := postgres.NewAssignmentRepo(db)
	campaignRepo := postgres.NewCampaignRepo(db)
	tenantRepo := postgres.NewTenantRepo(db)
	activityRepo := postgres.NewActivityRepo(db)
	resourceRepo := postgres.NewResourceRepo(db)
	conversationRepo := postgres.NewConversationRepo(db)
	workerRepo := postgres.NewWorkerRepo(db)

	// Suppression index with a warm in-memory replica.
	index := suppression.NewIndex(postgres.NewSuppressionRepo(db))
	if err := index.Refresh(ctx, time.Now().UTC()); err != nil {
		log.Fatalf("[Worker] Suppression replica load failed: %v", err)
	}

	ledger := rateledger.New(rdb)
	kv := cache.New(rdb, cfg.Cache.VersionPrefix,
		time.Duration(cfg.Cache.EnrichmentTTLDays)*24*time.Hour,
		time.Duration(cfg.Cache.SuppressionTTLHours)*time.Hour)
	fleet := resource.NewPool(resourceRepo, ledger, cfg.RateCaps, cfg.JIT.EmailWarmupDays)

	// Enrichment waterfall.
	primary := enrichment.NewHTTPProvider("primary", cfg.Providers.PrimaryURL, cfg.Providers.PrimaryAPIKey, nil)
	supplement := enrichment.NewHTTPProvider("supplement", cfg.Providers.SupplementURL, cfg.Providers.SupplementKey, nil)
	premium := enrichment.NewHTTPProvider("premium", cfg.Providers.PremiumURL, cfg.Providers.PremiumAPIKey, nil)
	var news *enrichment.NewsSupplement
	if cfg.Providers.NewsFeedURL != "" {
		news = enrichment.NewNewsSupplement(cfg.Providers.NewsFeedURL)
	}
	budget := enrichment.NewBudget(rdb, cfg.Enrichment.PremiumBudgetPercent)
	waterfall := enrichment.NewWaterfall(kv, primary, supplement, premium, news, budget,
		leadRepo, tenantRepo, cfg.Enrichment)

	// Lead pool and allocator.
	var source leadpool.Source
	if cfg.Snowflake.Enabled {
		sf, err := leadpool.NewSnowflakeSource(leadpool.SnowflakeConfig{
			Account:   cfg.Snowflake.Account,
			User:      cfg.Snowflake.User,
			Password:  cfg.Snowflake.Password,
			Database:  cfg.Snowflake.Database,
			Schema:    cfg.Snowflake.Schema,
			Warehouse: cfg.Snowflake.Warehouse,
			Table:     cfg.Snowflake.Table,
		})
		if err != nil {
			log.Fatalf("[Worker] Snowflake source init failed: %v", err)
		}
		defer sf.Close()
		source = sf
	} else {
		log.Println("[Worker] Snowflake disabled; sourcing is a no-op")
		source = emptySource{}
	}

	patternStore := pattern.NewStore(dynamoClient, cfg.AWS.PatternTable)
	poolSvc := leadpool.NewService(source, leadRepo, assignmentRepo, campaignRepo, index,
		patternStore, cfg.Pattern.MinConfidence, cfg.Pattern.MinConversions)

	replenish := leadpool.NewReplenishJob(poolSvc, waterfall, leadRepo, tenantRepo,
		24*time.Hour, 100, time.Duration(cfg.Enrichment.StaleAfterDays)*24*time.Hour)
	replenish.UseScoring(assignmentRepo, patternStore, cfg.Pattern.MinConfidence, cfg.Pattern.MinConversions)
	replenish.UseDeepResearch(waterfall)

	// Pattern detectors, weekly.
	detector := pattern.NewDetector(assignmentRepo, activityRepo, patternStore, cfg.Pattern)
	patternJob := pattern.NewJob(detector, tenantRepo, 7*24*time.Hour)

	// Content generation and channel drivers.
	templates, err := content.NewFileStore(templateCatalogPath())
	if err != nil {
		log.Fatalf("[Worker] Template catalog load failed: %v", err)
	}
	spend := content.NewSpendLedger(rdb, cfg.Reply.SDKLifetimeCapUSD)
	var archiver *content.Archiver
	if cfg.AWS.ArchiveBucket != "" {
		archiver = content.NewArchiver(s3Client, cfg.AWS.ArchiveBucket)
	}
	generator := content.NewGenerator(templates, bedrockClient, cfg.AWS.BedrockModel, spend, archiver)

	redirector := drivers.NewRedirector(cfg.TestMode, rdb)
	registry := drivers.NewRegistry(
		drivers.NewEmailDriver(sesClient, senderName(), redirector),
		drivers.NewSMSDriver(nil, cfg.Providers.SMSProviderURL, cfg.Providers.SMSAPIKey,
			cfg.Providers.DNCRLookupURL, index, redirector),
		drivers.NewVoiceDriver(nil, cfg.Providers.VoiceURL, cfg.Providers.VoiceAPIKey, redirector),
		drivers.NewLinkedInDriver(cfg.Providers.LinkedInURL, cfg.Providers.LinkedInClient,
			cfg.Providers.LinkedInSecret, cfg.Providers.LinkedInTokenURL),
		drivers.NewMailDriver(nil, cfg.Providers.MailURL, cfg.Providers.MailAPIKey),
	)

	// The admission gate and the dispatch loop.
	gate := jit.New(activityRepo, index, fleet, cfg.JIT, cfg.Scoring)
	locks := func(key string) distlock.DistLock {
		return distlock.NewLock(rdb, db, key, 90*time.Second)
	}
	sched := scheduler.New(cfg.Scheduler, assignmentRepo, tenantRepo, campaignRepo, leadRepo,
		activityRepo, conversationRepo, gate, contentAdapter{generator}, registry, fleet, locks)
	sched.UsePauseFlag(scheduler.NewPauseFlag(rdb))

	// Worker registration and heartbeat.
	workerID := ids.New()
	hostname, _ := os.Hostname()
	if err := workerRepo.Register(ctx, workerID, hostname, []string{"scheduler", "replenish", "pattern"}); err != nil {
		log.Printf("[Worker] Registration failed: %v", err)
	}
	go heartbeatLoop(ctx, workerRepo, workerID)
	go refreshLoop(ctx, index)
	go warmupLoop(ctx, resourceRepo, cfg.JIT.EmailWarmupDays)

	sched.Start(ctx)
	replenish.Start(ctx)
	patternJob.Start(ctx)
	log.Println("[Worker] All jobs started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[Worker] Shutting down...")

	sched.Stop()
	replenish.Stop()
	patternJob.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := workerRepo.Deregister(shutdownCtx, workerID); err != nil {
		log.Printf("[Worker] Deregister failed: %v", err)
	}
	log.Println("[Worker] Stopped")
}

// contentAdapter bridges the scheduler's generator port to the content
// package without the scheduler importing it.
type contentAdapter struct{ gen *content.Generator }

func (a contentAdapter) Generate(ctx context.Context, req scheduler.Request) (domain.ContentSnapshot, error) {
	return a.gen.Generate(ctx, content.Request{
		Lead:       req.Lead,
		Tenant:     req.Tenant,
		Assignment: req.Assignment,
		Step:       req.Step,
	})
}

// emptySource stands in when no warehouse is configured. Replenishment
// still allocates from whatever the pool already holds.
type emptySource struct{}

func (emptySource) Query(context.Context, domain.ICP, int) ([]domain.Lead, error) {
	return nil, nil
}

func heartbeatLoop(ctx context.Context, repo *postgres.WorkerRepo, id string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := repo.Heartbeat(ctx, id); err != nil {
				log.Printf("[Worker] Heartbeat failed: %v", err)
			}
			if _, err := repo.ReapStale(ctx, time.Now().UTC().Add(-5*time.Minute)); err != nil {
				log.Printf("[Worker] Stale reap failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func refreshLoop(ctx context.Context, index *suppression.Index) {
	ticker := time.NewTicker(suppressionRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := index.Refresh(ctx, time.Now().UTC()); err != nil {
				log.Printf("[Worker] Suppression refresh failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// warmupLoop promotes warming mailboxes to active once they age past
// the warmup horizon.
func warmupLoop(ctx context.Context, repo *postgres.ResourceRepo, warmupDays int) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -warmupDays)
			n, err := repo.GraduateWarmed(ctx, cutoff)
			if err != nil {
				log.Printf("[Worker] Warmup graduation failed: %v", err)
			} else if n > 0 {
				log.Printf("[Worker] Graduated %d warmed resources", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func loadAWSConfig(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.Region)}
	if c.AccessKey != "" && c.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")))
	}
	if c.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.Profile))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/dispatch.yaml"
}

func templateCatalogPath() string {
	if p := os.Getenv("TEMPLATE_CATALOG"); p != "" {
		return p
	}
	return "configs/templates.yaml"
}

func senderName() string {
	if n := os.Getenv("SENDER_NAME"); n != "" {
		return n
	}
	return "Agency OS"
}
