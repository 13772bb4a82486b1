package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/sovereign-sentinel/sentinel/internal/api"
	"github.com/sovereign-sentinel/sentinel/internal/auditor"
	"github.com/sovereign-sentinel/sentinel/internal/bus"
	"github.com/sovereign-sentinel/sentinel/internal/config"
	"github.com/sovereign-sentinel/sentinel/internal/policy"
	"github.com/sovereign-sentinel/sentinel/internal/scheduler"
	"github.com/sovereign-sentinel/sentinel/internal/scout"
	"github.com/sovereign-sentinel/sentinel/internal/treasury"
	"github.com/sovereign-sentinel/sentinel/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create logger
	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Broadcast hub feeds every connected war room dashboard.
	hub := bus.NewHub(cfg.WS, zapLogger)

	// OSINT scout
	newsClient := scout.NewNewsClient(cfg.Scout, zapLogger)
	scoutSvc := scout.New(cfg.Scout, newsClient, hub, zapLogger)

	// Loan auditor
	auditSvc := auditor.New(cfg.Audit, zapLogger)

	// Policy brain with its reasoning bank
	bank, err := policy.OpenReasoningBank(cfg.Policy.ReasoningDB, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to open reasoning bank", zap.Error(err))
	}
	brain, err := policy.NewBrain(cfg.Policy, bank, hub, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create policy brain", zap.Error(err))
	}
	if cfg.Policy.WatchPolicy {
		go brain.Watch(ctx)
	}

	// Treasury commander
	venue := treasury.NewRESTVenue(cfg.Treasury)
	commander := treasury.NewCommander(cfg.Treasury, venue, hub, zapLogger)

	// Periodic intelligence loop: scan, re-audit the ledger against the fresh
	// assessment, then let the policy brain decide the escalation level.
	publish := func(kind bus.EventKind, payload interface{}) {
		evt, err := bus.NewEvent(kind, payload)
		if err != nil {
			zapLogger.Warn("Dropping unmarshalable event", zap.String("kind", string(kind)), zap.Error(err))
			return
		}
		hub.Publish(evt)
	}
	scanJob := func(ctx context.Context) error {
		assessment, err := scoutSvc.Scan(ctx, nil)
		if err != nil {
			return err
		}
		result, err := auditSvc.Analyze(cfg.Audit.LedgerPath, assessment.AffectedSectors,
			"Global risk assessment: "+assessment.Sentiment, "", "")
		if err != nil {
			// A missing or malformed ledger must not kill the scan loop.
			zapLogger.Warn("Scheduled ledger analysis skipped", zap.Error(err))
			return nil
		}
		decision := brain.EvaluateRisk(assessment.GlobalRiskScore, result.Flagged)
		alert := brain.GenerateAlert(decision)
		publish(bus.EventLoanUpdate, result.Flagged)
		publish(bus.EventAlert, alert)
		return nil
	}
	schedule := scheduler.New(cfg.Scout.ScanInterval, scanJob, zapLogger)
	if cfg.Scout.SchedulerEnabled {
		schedule.Start(ctx)
		if cfg.Scout.RunInitialScan {
			schedule.RunNow()
		}
	}

	// Create API server
	apiServer := api.NewServer(
		cfg,
		zapLogger,
		hub,
		scoutSvc,
		auditSvc,
		brain,
		commander,
		schedule,
	)

	// Start server in a goroutine
	go func() {
		if err := apiServer.Start(); err != nil {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to shut down API server", zap.Error(err))
	}

	schedule.Stop()
	cancel()
	hub.Shutdown()

	zapLogger.Info("Server exited properly")
}
