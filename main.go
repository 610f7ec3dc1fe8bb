package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"filbeam-backend/internal/chain"
	"filbeam-backend/internal/config"
	"filbeam-backend/internal/eventbus"
	"filbeam-backend/internal/gateway"
	"filbeam-backend/internal/indexer"
	"filbeam-backend/internal/kv"
	"filbeam-backend/internal/metrics"
	"filbeam-backend/internal/models"
	"filbeam-backend/internal/monitor"
	"filbeam-backend/internal/ops"
	"filbeam-backend/internal/queue"
	"filbeam-backend/internal/reporter"
	"filbeam-backend/internal/store"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if cfg.ScreeningAPIURL == "" {
		log.Fatal("SCREENING_API_URL is required")
	}
	if cfg.WebhookSecret == "" {
		log.Println("WARNING: WEBHOOK_SECRET is not configured, webhook deliveries will be rejected")
	}

	log.Printf("Initializing FilBeam backend (network=%s, commit=%s)...", config.Net().Name, BuildCommit)
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("Redis: %s/%d", cfg.RedisAddr, cfg.RedisDB)
	log.Printf("Public listener: %s, internal listener: %s", cfg.ListenAddr, cfg.InternalListenAddr)

	// 2. Dependencies
	st, err := store.NewStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer st.Close()

	// 2a. Auto-migration (skip with SKIP_MIGRATION=true for replicas)
	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Println("Database migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		schemaPath := os.Getenv("SCHEMA_PATH")
		if schemaPath == "" {
			schemaPath = "schema.sql"
		}
		if err := st.Migrate(schemaPath); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		log.Println("Database migration complete")
	}

	metadata := kv.New(cfg.RedisAddr, cfg.RedisDB)
	defer metadata.Close()

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 10*time.Second)
	if err := st.Ping(bootCtx); err != nil {
		log.Fatalf("DB ping failed: %v", err)
	}
	if err := metadata.Ping(bootCtx); err != nil {
		log.Fatalf("Redis ping failed: %v", err)
	}
	cancelBoot()

	// 2b. Chain access. The operator binding needs the controller key; the
	// service runs without it, minus usage reporting.
	dialCtx, cancelDial := context.WithTimeout(context.Background(), 30*time.Second)
	chainClient, err := chain.Dial(dialCtx, cfg.RPCURL)
	cancelDial()
	if err != nil {
		log.Fatalf("Failed to connect to rpc node %s: %v", cfg.RPCURL, err)
	}
	defer chainClient.Close()

	var operator *chain.Operator
	if cfg.OperatorContractAddr != "" && cfg.ControllerPrivateKey != "" {
		operator, err = chain.NewOperator(chainClient, cfg.OperatorContractAddr, cfg.ControllerPrivateKey)
		if err != nil {
			log.Fatalf("Failed to initialize operator contract binding: %v", err)
		}
		log.Printf("Operator contract %s, controller %s", operator.Contract(), operator.From())
	}

	// 3. Event bus and metrics bridge
	bus := eventbus.New()
	events := make(chan eventbus.Event, 256)
	bus.Subscribe(eventbus.TypeRetrievalCompleted, events)
	go metrics.ObserveRetrievals(events)

	// 4. Components
	screener := indexer.NewScreener(cfg.ScreeningAPIURL, cfg.ScreeningAPIKey)
	var subgraph indexer.MetaProber
	if cfg.SubgraphURL != "" {
		subgraph = indexer.NewSubgraphClient(cfg.SubgraphURL)
	} else {
		log.Println("Subgraph health probe is DISABLED (SUBGRAPH_URL not set)")
	}

	ix := indexer.New(st, metadata, screener, cfg)
	hooks := indexer.NewHandlers(ix, cfg.WebhookSecret, cfg.WebhookSecretHeader)
	indexerCron := indexer.NewCron(st, screener, subgraph, cfg)

	rep := reporter.New(st, chainClient, operator, cfg)
	engine := monitor.NewEngine(st, chainClient, cfg)

	consumer := queue.NewConsumer(st, cfg)
	consumer.Handle(models.MsgDataSetCreated, ix.HandleDataSetCreatedMessage)
	consumer.Handle(models.MsgTransactionConfirmed, rep.HandleTransactionConfirmed)
	if operator != nil {
		retry := monitor.NewRetryHandler(st, chainClient, operator, cfg)
		consumer.Handle(models.MsgTransactionRetry, retry.HandleTransactionRetry)
	}

	gatewaySrv := gateway.NewServer(cfg, st, metadata, bus)
	opsSrv := ops.NewServer(cfg.InternalListenAddr, st, hooks)

	// 5. Start listeners and workers
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := gatewaySrv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Gateway server failed: %v", err)
		}
	}()
	go func() {
		if err := opsSrv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Internal server failed: %v", err)
		}
	}()

	var wg sync.WaitGroup

	if os.Getenv("ENABLE_INDEXER_CRON") != "false" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			indexerCron.Start(ctx)
		}()
	} else {
		log.Println("Indexer cron is DISABLED (ENABLE_INDEXER_CRON=false)")
	}

	if os.Getenv("ENABLE_QUEUE_CONSUMER") != "false" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Start(ctx)
		}()
	} else {
		log.Println("Queue consumer is DISABLED (ENABLE_QUEUE_CONSUMER=false)")
	}

	if os.Getenv("ENABLE_TX_MONITOR") != "false" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.Start(ctx)
		}()
	} else {
		log.Println("Transaction monitor is DISABLED (ENABLE_TX_MONITOR=false)")
	}

	if operator == nil {
		log.Println("Usage reporting is DISABLED (operator contract or controller key not configured)")
	} else if os.Getenv("ENABLE_REPORTER") != "false" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep.Start(ctx)
		}()
	} else {
		log.Println("Usage reporting is DISABLED (ENABLE_REPORTER=false)")
	}

	// Block until shutdown signal. The listeners stay alive even with every
	// worker disabled (serving-only mode).
	<-sigChan
	log.Println("Shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := gatewaySrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Gateway shutdown: %v", err)
	}
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Internal server shutdown: %v", err)
	}

	cancel()
	wg.Wait()

	// Detached measurement tasks may still be writing usage rows.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDrain()
	if err := gatewaySrv.Drain(drainCtx); err != nil {
		log.Printf("Gateway drain incomplete: %v", err)
	}
	bus.Close()
	close(events)
	log.Println("Shutdown complete")
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Avoid leaking secrets embedded in query params; keep only scheme/host/path for debugging.
		u.RawQuery = ""
		return u.String()
	}

	// Best-effort fallback for malformed/DSN-like URLs.
	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)([^\\s]+)`)
	return re.ReplaceAllString(raw, `$1****`)
}
