package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"onboard-mail-agent/internal/compose"
	"onboard-mail-agent/internal/config"
	"onboard-mail-agent/internal/db"
	"onboard-mail-agent/internal/dedup"
	"onboard-mail-agent/internal/extract"
	"onboard-mail-agent/internal/handlers"
	"onboard-mail-agent/internal/listener"
	"onboard-mail-agent/internal/llm"
	"onboard-mail-agent/internal/mailbox"
	"onboard-mail-agent/internal/mailer"
	"onboard-mail-agent/internal/metrics"
	"onboard-mail-agent/internal/models"
	"onboard-mail-agent/internal/recipients"
	"onboard-mail-agent/internal/server"
	"onboard-mail-agent/internal/store"
	"onboard-mail-agent/internal/workflow"
)

// Run initializes and starts the application
func Run() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting Onboard Mail Agent")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	dbConn, err := db.Init(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	m := metrics.NewMetrics()
	st := store.New(dbConn)

	llmClient, err := llm.NewClient(&cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	composer := compose.New(llmClient)
	extractor := extract.New(llmClient)

	mbox, err := mailbox.New(&cfg.Gmail)
	if err != nil {
		return fmt.Errorf("failed to create mailbox reader: %w", err)
	}
	sender, err := mailer.New(&cfg.Gmail)
	if err != nil {
		return fmt.Errorf("failed to create mailer: %w", err)
	}

	engine := workflow.NewEngine(&cfg.Workflow, st, composer, extractor, sender, m, mbox.Address())

	dd := dedup.New(&cfg.Dedup, st)
	if err := dd.StartPruning(); err != nil {
		return fmt.Errorf("failed to start dedup pruning: %w", err)
	}

	processor := listener.NewProcessor(mbox, dd, engine, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var poller *listener.Poller
	var psListener *listener.PubSubListener
	psDone := make(chan error, 1)

	switch cfg.Listener.Mode {
	case "pubsub":
		topic := fmt.Sprintf("projects/%s/topics/%s", cfg.PubSub.ProjectID, cfg.PubSub.Topic)
		if err := mbox.RegisterWatch(ctx, topic); err != nil {
			return fmt.Errorf("failed to register mailbox watch: %w", err)
		}
		psListener, err = listener.NewPubSubListener(&cfg.PubSub, processor)
		if err != nil {
			return fmt.Errorf("failed to create pubsub listener: %w", err)
		}
		go func() {
			psDone <- psListener.Start(ctx)
		}()
		logrus.Info("Using Pub/Sub push notifications for inbound mail")
	case "poll":
		poller = listener.NewPoller(&cfg.Listener, processor)
		if err := poller.Start(); err != nil {
			return fmt.Errorf("failed to start poller: %w", err)
		}
		logrus.Info("Using mailbox polling for inbound mail")
	default:
		return fmt.Errorf("unknown listener mode: %s", cfg.Listener.Mode)
	}

	if cfg.Recipients.CSVPath != "" {
		go seedRecipients(ctx, engine, cfg.Recipients.CSVPath)
	}

	h := handlers.NewHandlers(dbConn, st, engine, m)
	router := server.SetupRouter(h)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-psDone:
		if err != nil {
			logrus.Errorf("Pub/Sub listener stopped: %v", err)
		}
	}

	logrus.Info("Shutting down server...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if poller != nil {
		if err := poller.Stop(); err != nil {
			logrus.Errorf("Failed to stop poller: %v", err)
		}
		poller.Wait()
	}
	if psListener != nil {
		if err := psListener.Close(); err != nil {
			logrus.Errorf("Failed to close pubsub listener: %v", err)
		}
	}
	dd.StopPruning()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	if err := mbox.Close(); err != nil {
		logrus.Errorf("Failed to close mailbox reader: %v", err)
	}
	if err := sender.Close(); err != nil {
		logrus.Errorf("Failed to close mailer: %v", err)
	}

	logrus.Info("Server stopped gracefully")
	return nil
}

// seedRecipients starts an onboarding conversation for every recipient in the
// CSV file. Recipients with a live thread are skipped by the engine, so
// restarting the service with the same file does not double-send.
func seedRecipients(ctx context.Context, engine *workflow.Engine, path string) {
	list, err := recipients.LoadCSV(path)
	if err != nil {
		logrus.Errorf("Failed to load recipient list from %s: %v", path, err)
		return
	}
	logrus.Infof("Seeding conversations for %d recipients from %s", len(list), path)

	started := 0
	for _, r := range list {
		if ctx.Err() != nil {
			return
		}
		state, created, err := engine.Initiate(ctx, models.Recipient{Name: r.Name, Email: r.Email})
		if err != nil {
			logrus.Errorf("Failed to initiate conversation with %s: %v", r.Email, err)
			continue
		}
		if created {
			started++
			logrus.Infof("Started conversation with %s on thread %s", r.Email, state.ThreadID)
		}
	}
	logrus.Infof("Recipient seeding finished, %d new conversations started", started)
}
