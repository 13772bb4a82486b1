// Package api exposes the war room over HTTP: REST endpoints for the agents
// and the websocket stream for dashboards.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sovereign-sentinel/sentinel/internal/auditor"
	"github.com/sovereign-sentinel/sentinel/internal/bus"
	"github.com/sovereign-sentinel/sentinel/internal/config"
	"github.com/sovereign-sentinel/sentinel/internal/policy"
	"github.com/sovereign-sentinel/sentinel/internal/treasury"
	"github.com/sovereign-sentinel/sentinel/pkg/models"
)

const serviceVersion = "1.0.0"

// Scanner is the intelligence surface the API needs.
type Scanner interface {
	Scan(ctx context.Context, sectors []string) (*models.RiskAssessment, error)
	Latest() *models.RiskAssessment
}

// Analyzer runs the forensic loan pipeline.
type Analyzer interface {
	Analyze(path string, riskySectors []string, correlatedEvent, format, priorPath string) (*auditor.AnalysisResult, error)
}

// PolicyService is the policy brain surface the API needs.
type PolicyService interface {
	Current() policy.Policy
	History() []policy.Override
	EvaluateRisk(riskScore float64, flagged []models.FlaggedLoan) models.EscalationDecision
	GenerateAlert(decision models.EscalationDecision) models.Alert
	ApplyOverride(field string, newValue interface{}, appliedBy, reason string) (policy.Override, error)
	Reasoning(limit int) ([]policy.ReasoningEntry, error)
}

// Hedger executes authorized hedges.
type Hedger interface {
	ExecuteHedge(ctx context.Context, auth treasury.Authorization, hedgePercentage float64) (*treasury.HedgeResult, error)
	Memory() []treasury.MemoryEntry
}

// Schedule controls the periodic scan loop.
type Schedule interface {
	Running() bool
	RunNow()
}

// Hub is the broadcast surface the API needs.
type Hub interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Publish(evt bus.Event)
	SessionCount() int
}

// Server wires the agents behind the HTTP surface.
type Server struct {
	cfg      *config.Config
	router   *gin.Engine
	http     *http.Server
	logger   *zap.Logger
	hub      Hub
	scout    Scanner
	auditor  Analyzer
	policy   PolicyService
	treasury Hedger
	schedule Schedule
}

// NewServer builds the router with all middleware and routes registered.
func NewServer(
	cfg *config.Config,
	logger *zap.Logger,
	hub Hub,
	scout Scanner,
	analyzer Analyzer,
	policySvc PolicyService,
	hedger Hedger,
	schedule Schedule,
) *Server {
	server := &Server{
		cfg:      cfg,
		logger:   logger,
		hub:      hub,
		scout:    scout,
		auditor:  analyzer,
		policy:   policySvc,
		treasury: hedger,
		schedule: schedule,
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	server.router = router
	server.registerRoutes()
	return server
}

// Router returns the internal gin engine for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/", s.root)
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	api := s.router.Group("/api")
	{
		risk := api.Group("/risk")
		{
			risk.GET("/latest", s.latestRisk)
		}

		scan := api.Group("/scan")
		{
			scan.POST("/immediate", s.immediateScan)
			scan.GET("/status", s.scanStatus)
		}

		audit := api.Group("/audit")
		{
			audit.POST("/analyze", s.analyze)
		}

		pol := api.Group("/policy")
		{
			pol.GET("", s.getPolicy)
			pol.POST("/override", s.overridePolicy)
			pol.GET("/reasoning", s.getReasoning)
		}

		hedge := api.Group("/hedge")
		{
			hedge.POST("/execute", s.executeHedge)
			hedge.GET("/memory", s.hedgeMemory)
		}
	}
}
