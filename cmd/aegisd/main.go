package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/aegisrpa/aegis/internal/admission"
	"github.com/aegisrpa/aegis/internal/automation"
	"github.com/aegisrpa/aegis/internal/cache"
	"github.com/aegisrpa/aegis/internal/executor"
	"github.com/aegisrpa/aegis/internal/gateway"
	"github.com/aegisrpa/aegis/internal/observability"
	"github.com/aegisrpa/aegis/internal/observer"
	"github.com/aegisrpa/aegis/internal/plan"
	"github.com/aegisrpa/aegis/internal/server"
	"github.com/aegisrpa/aegis/internal/session"
	"github.com/aegisrpa/aegis/internal/status"
	"github.com/aegisrpa/aegis/internal/store"
	"github.com/aegisrpa/aegis/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	observability.PrintBanner()
	log.SetOutput(observability.NewTermWriter())

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	if err := os.MkdirAll(cfg.App.DataDir, 0755); err != nil {
		log.Fatal(err)
	}

	history, err := store.NewHistoryStore(cfg.Memory.Path)
	if err != nil {
		log.Fatal(err)
	}
	defer history.Close()

	logger := observability.NewLogger(cfg.App.DataDir)

	// Initialize LLM (using default enabled provider)
	pName, pCfg := cfg.GetDefaultProvider()
	if pName == "" {
		log.Fatal("No enabled provider found in config")
	}

	var llm llms.Model
	switch pName {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(pCfg.APIKey),
			openai.WithModel(pCfg.Model),
		}
		if pCfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pCfg.BaseURL))
		}
		llm, err = openai.New(opts...)
	default:
		log.Fatalf("Provider %s not yet implemented in main", pName)
	}
	if err != nil {
		log.Fatal(err)
	}

	planner := plan.NewLLMPlanner(llm)

	planCache := cache.New(
		cfg.Cache.Capacity,
		time.Duration(cfg.Cache.TTLHours)*time.Hour,
		cfg.Cache.SimilarityThreshold,
		cache.TrigramEmbedder{},
	)

	driver := automation.NewBrowserDriver(cfg.Automation.Headless, cfg.Automation.AppURLs)
	defer driver.Close()

	obs := observer.NewScreenObserver(driver, time.Duration(cfg.Executor.VerifyBudgetSeconds)*time.Second)

	exec := executor.New(driver, obs, executor.NewClock())
	backoff := make([]time.Duration, len(cfg.Executor.BackoffSeconds))
	for i, s := range cfg.Executor.BackoffSeconds {
		backoff[i] = time.Duration(s) * time.Second
	}
	exec.SetRetryPolicy(cfg.Executor.MaxAttempts, backoff)

	publisher := status.NewPublisher()

	// Optional chat gateway: terminal-state notifications ride on the
	// publisher seam.
	var sessionPublisher session.Publisher = publisher
	if tgCfg, ok := cfg.GetTelegramConfig(); ok {
		tg, err := gateway.NewTelegramGateway(tgCfg.Token)
		if err != nil {
			log.Printf("Warning: Failed to initialize telegram gateway: %v", err)
		} else {
			defer tg.Stop()
			chatID := fmt.Sprintf("%d", tgCfg.ChatID)
			sessionPublisher = gateway.NewTerminalNotifier(publisher, tg, chatID)
		}
	}

	manager := session.NewManager(sessionPublisher, history, exec, logger)

	queue := admission.NewQueue(
		manager,
		planCache,
		planner,
		cfg.Session.QueueDepth,
		time.Duration(cfg.Session.BudgetSeconds)*time.Second,
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go queue.Start(ctx)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.Heartbeat()
				logger.LogHeartbeat()
			}
		}
	}()

	srv := server.NewServer(queue, manager, history, publisher, cfg.Server.Host, cfg.Server.Port)
	go func() {
		if err := srv.Start(); err != nil {
			log.Printf("\033[91m[ FAIL ] SERVER CRITICAL ERROR: %v\033[0m", err)
			stop()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	if err := srv.Shutdown(5 * time.Second); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	// Give a short time for final logs/syncs
	time.Sleep(500 * time.Millisecond)
	log.Println("\033[95m[ EXIT ] CORE DE-INITIALIZED. GOODBYE.\033[0m")
}
