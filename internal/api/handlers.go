package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sovereign-sentinel/sentinel/internal/auditor"
	"github.com/sovereign-sentinel/sentinel/internal/bus"
	"github.com/sovereign-sentinel/sentinel/internal/treasury"
	"github.com/sovereign-sentinel/sentinel/pkg/models"
)

func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "Sovereign Sentinel API",
		"version": serviceVersion,
		"status":  "operational",
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "healthy",
		"scheduler_running": s.schedule.Running(),
		"environment":       s.cfg.Environment,
		"active_clients":    s.hub.SessionCount(),
	})
}

func (s *Server) latestRisk(c *gin.Context) {
	assessment := s.scout.Latest()
	if assessment == nil {
		writeError(c, http.StatusNotFound, "no assessment available yet")
		return
	}
	c.JSON(http.StatusOK, assessment)
}

type scanRequest struct {
	Sectors []string `json:"sectors"`
}

func (s *Server) immediateScan(c *gin.Context) {
	var req scanRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	assessment, err := s.scout.Scan(c.Request.Context(), req.Sectors)
	if err != nil {
		s.logger.Error("Immediate scan failed", zap.Error(err))
		writeError(c, http.StatusInternalServerError, "scan failed: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, assessment)
}

func (s *Server) scanStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"is_running":                  s.schedule.Running(),
		"interval_minutes":            s.cfg.Scout.ScanInterval.Minutes(),
		"latest_assessment_available": s.scout.Latest() != nil,
	})
}

type analyzeRequest struct {
	LedgerPath      string   `json:"ledger_path"`
	RiskySectors    []string `json:"risky_sectors"`
	CorrelatedEvent string   `json:"correlated_event"`
	Format          string   `json:"format"`
	PriorPath       string   `json:"prior_path"`
}

func (s *Server) analyze(c *gin.Context) {
	var req analyzeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	if req.LedgerPath == "" {
		req.LedgerPath = s.cfg.Audit.LedgerPath
	}

	var riskScore float64
	if latest := s.scout.Latest(); latest != nil {
		riskScore = latest.GlobalRiskScore
		if len(req.RiskySectors) == 0 {
			req.RiskySectors = latest.AffectedSectors
		}
		if req.CorrelatedEvent == "" {
			req.CorrelatedEvent = "Global risk assessment: " + latest.Sentiment
		}
	}

	result, err := s.auditor.Analyze(req.LedgerPath, req.RiskySectors, req.CorrelatedEvent, req.Format, req.PriorPath)
	if err != nil {
		s.logger.Error("Ledger analysis failed", zap.Error(err))
		status := http.StatusUnprocessableEntity
		if errors.Is(err, auditor.ErrConfiguration) {
			status = http.StatusBadRequest
		}
		writeError(c, status, "analysis failed: "+err.Error())
		return
	}

	decision := s.policy.EvaluateRisk(riskScore, result.Flagged)
	alert := s.policy.GenerateAlert(decision)

	s.publish(bus.EventLoanUpdate, result.Flagged)
	s.publish(bus.EventAlert, alert)
	if decision.Status == models.EscalationCritical {
		s.publish(bus.EventAudioAlert, gin.H{
			"alertId": alert.AlertID,
			"sound":   "critical",
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"analysis": result,
		"decision": decision,
		"alert":    alert,
	})
}

func (s *Server) getPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"config":  s.policy.Current(),
		"history": s.policy.History(),
	})
}

type overrideRequest struct {
	Field     string      `json:"field" binding:"required"`
	NewValue  interface{} `json:"new_value" binding:"required"`
	AppliedBy string      `json:"applied_by"`
	Reason    string      `json:"reason"`
}

func (s *Server) overridePolicy(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AppliedBy == "" {
		req.AppliedBy = "operator"
	}

	override, err := s.policy.ApplyOverride(req.Field, req.NewValue, req.AppliedBy, req.Reason)
	if err != nil {
		writeError(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"override": override,
		"config":   s.policy.Current(),
	})
}

func (s *Server) getReasoning(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := s.policy.Reasoning(limit)
	if err != nil {
		s.logger.Error("Reasoning bank query failed", zap.Error(err))
		writeError(c, http.StatusInternalServerError, "reasoning bank unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type hedgeRequest struct {
	AlertID         string  `json:"alert_id" binding:"required"`
	Method          string  `json:"method"`
	By              string  `json:"by"`
	HedgePercentage float64 `json:"hedge_percentage" binding:"required,gt=0"`
}

func (s *Server) executeHedge(c *gin.Context) {
	var req hedgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Method == "" {
		req.Method = "api"
	}
	if req.By == "" {
		req.By = "operator"
	}

	auth := treasury.Authorization{
		AlertID:    req.AlertID,
		Authorized: true,
		Method:     req.Method,
		By:         req.By,
	}
	s.publish(bus.EventAuthorization, auth)

	result, err := s.treasury.ExecuteHedge(c.Request.Context(), auth, req.HedgePercentage)
	if err != nil {
		s.logger.Error("Hedge execution failed", zap.Error(err))
		writeError(c, http.StatusBadGateway, "hedge execution failed: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) hedgeMemory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"memory": s.treasury.Memory()})
}

func (s *Server) publish(kind bus.EventKind, payload interface{}) {
	evt, err := bus.NewEvent(kind, payload)
	if err != nil {
		s.logger.Warn("Dropping unmarshalable event", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	s.hub.Publish(evt)
}
