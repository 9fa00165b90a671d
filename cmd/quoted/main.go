// Command quoted runs the CPQ engine as a single process: the HTTP command
// surface, the execution queue dispatcher, and the approval escalation and
// audit anchor background jobs. Process wiring and graceful shutdown are
// grounded on cmd/appserver/main.go's flag-parse-then-signal-wait shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/junlov/quotey/internal/approval"
	"github.com/junlov/quotey/internal/audit"
	"github.com/junlov/quotey/internal/catalog"
	"github.com/junlov/quotey/internal/command"
	"github.com/junlov/quotey/internal/database"
	"github.com/junlov/quotey/internal/httpapi"
	"github.com/junlov/quotey/internal/ids"
	"github.com/junlov/quotey/internal/ledger"
	"github.com/junlov/quotey/internal/metrics"
	"github.com/junlov/quotey/internal/queue"
	"github.com/junlov/quotey/internal/quote"
	"github.com/junlov/quotey/internal/rules"
	"github.com/junlov/quotey/migrations"
	"github.com/junlov/quotey/pkg/config"
	"github.com/junlov/quotey/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (overrides CONFIG_FILE)")
	flag.Parse()
	if *configPath != "" {
		os.Setenv("CONFIG_FILE", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log0 := logger.New(cfg.Logging)
	clock := ids.SystemClock{}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(rootCtx, database.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifeSecs) * time.Second,
	})
	if err != nil {
		log0.WithError(err).Fatal("connect to database")
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := migrations.Up(db); err != nil {
			log0.WithError(err).Fatal("run migrations")
		}
	}

	rdb := newRedisClient(cfg)
	if rdb != nil {
		defer rdb.Close()
	}

	m := metrics.New()

	auditStore := audit.NewStore(db, clock, cfg.Audit.TamperEvidence)
	catalogStore := catalog.NewStore(db, clock, auditStore)
	snapshots := catalog.NewCache(rdb, catalogStore)
	catalogStore.SetCache(snapshots)
	l := ledger.New(db, clock, time.Duration(cfg.Ledger.EntryTTLHours)*time.Hour)
	qStore := quote.NewStore(db, clock)
	approvals := approval.NewStore(db, clock)
	queueStore := queue.NewStore(db, clock)
	engine := rules.NewEngine()
	quoteSvc := quote.NewService(qStore, snapshots, engine, approvals, queueStore, auditStore, clock)
	handler := command.NewHandler(l, quoteSvc, auditStore, clock)

	dispatcher := buildDispatcher(cfg, queueStore, auditStore, log0)

	sweep := approval.NewEscalationSweep(db, clock, log0, "")
	if err := sweep.Start(rootCtx); err != nil {
		log0.WithError(err).Fatal("start approval escalation sweep")
	}
	defer sweep.Stop()

	anchor := audit.NewAnchorJob(auditStore, log0, cfg.Audit.AnchorIntervalCron, 500)
	if cfg.Audit.TamperEvidence {
		if err := anchor.Start(rootCtx); err != nil {
			log0.WithError(err).Fatal("start audit anchor job")
		}
		defer anchor.Stop()
	}

	dispatchCtx, cancelDispatch := context.WithCancel(rootCtx)
	defer cancelDispatch()
	go dispatcher.Run(dispatchCtx)

	server := httpapi.NewServer(handler, []byte(cfg.Auth.JWTSecret), m)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log0.WithField("addr", addr).Info("quoted listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log0.WithError(err).Fatal("http server failed")
		}
	}()

	<-rootCtx.Done()
	log0.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log0.WithError(err).Error("http server shutdown")
	}
	cancelDispatch()
}

func newRedisClient(cfg *config.Config) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func buildDispatcher(cfg *config.Config, store *queue.Store, auditW audit.Writer, log0 *logger.Logger) *queue.Dispatcher {
	d := queue.NewDispatcher(store, auditW, log0, cfg.Queue.Workers,
		time.Duration(cfg.Queue.PollIntervalMS)*time.Millisecond, nil)

	httpClient := &http.Client{Timeout: time.Duration(cfg.Adapters.RequestTimeoutSecs) * time.Second}

	d.RegisterAdapter(queue.OpCRMWriteback, queue.NewCRMAdapter(queue.HTTPAdapterConfig{
		BaseURL: cfg.Adapters.CRMBaseURL, APIKey: cfg.Adapters.CRMAPIKey, Client: httpClient,
	}))
	d.RegisterAdapter(queue.OpPDFRender, queue.NewDocumentAdapter(queue.HTTPAdapterConfig{
		BaseURL: cfg.Adapters.DocumentBaseURL, Client: httpClient,
	}))
	notify := queue.NewNotificationAdapter(queue.HTTPAdapterConfig{
		BaseURL: cfg.Adapters.SlackWebhookURL, Client: httpClient,
	})
	d.RegisterAdapter(queue.OpSlackAck, notify)
	d.RegisterAdapter(queue.OpSlackMessage, notify)
	d.RegisterAdapter(queue.OpLLMExtraction, queue.NewLLMExtractionAdapter(queue.HTTPAdapterConfig{
		BaseURL: cfg.Adapters.LLMBaseURL, APIKey: cfg.Adapters.LLMAPIKey, Client: httpClient,
	}))

	return d
}
