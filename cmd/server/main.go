// Command server is the HTTP half of the dispatch subsystem: provider
// webhook ingress feeding the reply router, the calendar booking hook,
// the operator admin surface, and the Prometheus metrics endpoint.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/agencyos/dispatch/internal/api"
	"github.com/agencyos/dispatch/internal/cache"
	"github.com/agencyos/dispatch/internal/config"
	"github.com/agencyos/dispatch/internal/content"
	"github.com/agencyos/dispatch/internal/drivers"
	"github.com/agencyos/dispatch/internal/rateledger"
	"github.com/agencyos/dispatch/internal/reply"
	"github.com/agencyos/dispatch/internal/repository/postgres"
	"github.com/agencyos/dispatch/internal/scheduler"
	"github.com/agencyos/dispatch/internal/suppression"
)

func main() {
	log.Println("[Server] Starting dispatch server...")

	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		log.Fatalf("[Server] Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Server] Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("[Server] Database ping failed: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("[Server] Invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		log.Fatalf("[Server] Failed to load AWS config: %v", err)
	}
	sesClient := sesv2.NewFromConfig(awsCfg)
	bedrockClient := bedrockruntime.NewFromConfig(awsCfg)

	// Repositories.
	leadRepo := postgres.NewLeadRepo(db)
	assignmentRepo := postgres.NewAssignmentRepo(db)
	campaignRepo := postgres.NewCampaignRepo(db)
	tenantRepo := postgres.NewTenantRepo(db)
	activityRepo := postgres.NewActivityRepo(db)
	resourceRepo := postgres.NewResourceRepo(db)
	conversationRepo := postgres.NewConversationRepo(db)
	meetingRepo := postgres.NewMeetingRepo(db)

	index := suppression.NewIndex(postgres.NewSuppressionRepo(db))
	if err := index.Refresh(ctx, time.Now().UTC()); err != nil {
		log.Fatalf("[Server] Suppression replica load failed: %v", err)
	}
	go refreshLoop(ctx, index)

	// Channel drivers: the server only needs their webhook ingestion and
	// the send path for delayed automated replies.
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

	// Reply pipeline.
	spend := content.NewSpendLedger(rdb, cfg.Reply.SDKLifetimeCapUSD)
	classifier := reply.NewClassifier(bedrockClient, cfg.AWS.BedrockModel, spend)
	responder := reply.NewAutoResponder(leadRepo, conversationRepo, resourceRepo, registry)
	responder.UseQueue(postgres.NewScheduledReplyRepo(db))
	responder.Start(ctx, 30*time.Second)
	defer responder.Stop()
	router := reply.NewRouter(activityRepo, leadRepo, assignmentRepo, conversationRepo,
		tenantRepo, index, classifier, responder, nil, cfg.Scheduler)

	notifier := reply.NewNotifier(nil, meetingRepo, assignmentRepo, leadRepo, campaignRepo,
		tenantRepo, nil, cfg.Reply)
	notifier.StartRecovery(ctx, time.Duration(cfg.Reply.RecoveryIntervalMin)*time.Minute)
	defer notifier.StopRecovery()

	// Operator surface dependencies.
	pause := scheduler.NewPauseFlag(rdb)
	ledger := rateledger.New(rdb)
	kv := cache.New(rdb, cfg.Cache.VersionPrefix,
		time.Duration(cfg.Cache.EnrichmentTTLDays)*24*time.Hour,
		time.Duration(cfg.Cache.SuppressionTTLHours)*time.Hour)

	handlers := api.NewHandlers(registry, router, notifier, pause, tenantRepo, ledger, kv, redirector)
	handlers.UseConversations(conversationRepo)
	handlers.UseResources(resourceRepo)
	handlers.UseSuppression(index)
	server := api.NewServer(cfg.Server, handlers)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Server] HTTP listener failed: %v", err)
		}
	}()
	log.Printf("[Server] Listening on %s:%d", cfg.Server.Host, cfg.Server.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[Server] Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] Shutdown error: %v", err)
	}
	log.Println("[Server] Stopped")
}

func refreshLoop(ctx context.Context, index *suppression.Index) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := index.Refresh(ctx, time.Now().UTC()); err != nil {
				log.Printf("[Server] Suppression refresh failed: %v", err)
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

func senderName() string {
	if n := os.Getenv("SENDER_NAME"); n != "" {
		return n
	}
	return "Agency OS"
}
