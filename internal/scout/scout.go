// Package scout tracks global crises across a set of monitored sectors and
// distills news coverage into a single global risk score.
package scout

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sovereign-sentinel/sentinel/internal/bus"
	"github.com/sovereign-sentinel/sentinel/internal/config"
	"github.com/sovereign-sentinel/sentinel/pkg/metrics"
	"github.com/sovereign-sentinel/sentinel/pkg/models"
)

// Publisher broadcasts events to connected dashboards.
type Publisher interface {
	Publish(bus.Event)
}

// Keyword bands used for sentiment scoring. A single critical keyword
// dominates every other band.
var (
	criticalKeywords = []string{"crisis", "collapse", "default", "war", "conflict", "emergency", "catastrophe"}
	negativeKeywords = []string{"risk", "threat", "concern", "decline", "fall", "drop", "volatility", "instability"}
	neutralKeywords  = []string{"stable", "steady", "unchanged", "monitor", "watch"}
	positiveKeywords = []string{"growth", "recovery", "improvement", "stability", "agreement", "resolution"}
)

const latestAssessmentFile = "latest_assessment.json"

// Scout queries the news source for each monitored sector, scores the
// coverage, and publishes the resulting assessment.
type Scout struct {
	cfg    config.ScoutConfig
	source NewsSource
	pub    Publisher
	logger *zap.Logger

	mu     sync.RWMutex
	latest *models.RiskAssessment
	now    func() time.Time
}

// New creates a Scout. pub may be nil when no hub is attached, e.g. in
// one-shot CLI analysis.
func New(cfg config.ScoutConfig, source NewsSource, pub Publisher, logger *zap.Logger) *Scout {
	return &Scout{
		cfg:    cfg,
		source: source,
		pub:    pub,
		logger: logger,
		now:    time.Now,
	}
}

// Scan queries every sector, scores the combined coverage, persists the
// assessment, and broadcasts it as a risk update. Sector-level failures are
// logged and skipped; a sector with no reachable news simply contributes
// nothing to the score.
func (s *Scout) Scan(ctx context.Context, sectors []string) (*models.RiskAssessment, error) {
	if len(sectors) == 0 {
		sectors = s.cfg.MonitoredSectors
	}
	s.logger.Info("Starting geopolitical scan", zap.Strings("sectors", sectors))

	var articles []models.NewsArticle
	var affected []string
	for _, sector := range sectors {
		if err := ctx.Err(); err != nil {
			metrics.ScansCompleted.WithLabelValues("cancelled").Inc()
			return nil, err
		}

		found, err := s.source.SearchNews(ctx, sector+" crisis risk", s.cfg.ResultsPerSector)
		if err != nil {
			s.logger.Error("Sector scan failed", zap.String("sector", sector), zap.Error(err))
			continue
		}
		if len(found) > 0 {
			articles = append(articles, found...)
			affected = append(affected, sector)
			s.logger.Info("Found articles for sector",
				zap.String("sector", sector),
				zap.Int("articles", len(found)))
		}
	}

	score := s.RiskScore(articles)
	assessment := &models.RiskAssessment{
		Timestamp:       s.now().UTC(),
		GlobalRiskScore: score,
		AffectedSectors: affected,
		SourceArticles:  articles,
		Sentiment:       SentimentFor(score),
	}

	if err := s.persist(assessment); err != nil {
		// A full disk must not stop the intelligence loop.
		s.logger.Warn("Failed to persist risk assessment", zap.Error(err))
	}

	s.mu.Lock()
	s.latest = assessment
	s.mu.Unlock()

	s.publish(assessment)
	metrics.ScansCompleted.WithLabelValues("success").Inc()
	s.logger.Info("Scan complete",
		zap.Float64("risk_score", score),
		zap.String("sentiment", assessment.Sentiment))
	return assessment, nil
}

// RiskScore computes the global risk score (0-100) for a set of articles.
// Each article's sentiment is weighted by its recency and relevance; with no
// articles the score is zero.
func (s *Scout) RiskScore(articles []models.NewsArticle) float64 {
	return s.riskScoreAt(articles, s.now().UTC())
}

func (s *Scout) riskScoreAt(articles []models.NewsArticle, now time.Time) float64 {
	if len(articles) == 0 {
		return 0
	}

	var weightedSum, totalWeight float64
	for _, a := range articles {
		weight := recencyWeight(now.Sub(a.PublishedDate)) * a.RelevanceScore
		weightedSum += sentimentScore(a) * weight
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0
	}

	score := math.Min(100, math.Max(0, weightedSum/totalWeight))
	return math.Round(score*100) / 100
}

// sentimentScore classifies one article into a band by keyword matching.
// Critical keywords map to 90-100, net-negative coverage to 60-90, neutral or
// balanced coverage to 40-60, and net-positive coverage to 10-40.
func sentimentScore(a models.NewsArticle) float64 {
	text := strings.ToLower(a.Title + " " + a.Snippet)
	count := func(words []string) float64 {
		var n float64
		for _, w := range words {
			if strings.Contains(text, w) {
				n++
			}
		}
		return n
	}

	critical := count(criticalKeywords)
	negative := count(negativeKeywords)
	neutral := count(neutralKeywords)
	positive := count(positiveKeywords)

	switch {
	case critical > 0:
		return 90 + math.Min(critical*2, 10)
	case negative > positive:
		return 60 + math.Min(negative*5, 30)
	case neutral > 0 || negative == positive:
		return 40 + math.Min(neutral*5, 20)
	default:
		return 10 + math.Min(positive*5, 30)
	}
}

// recencyWeight decays an article's influence with age, from 1.0 inside the
// first day down to 0.1 past a week.
func recencyWeight(age time.Duration) float64 {
	switch {
	case age < 24*time.Hour:
		return 1.0
	case age < 48*time.Hour:
		return 0.7
	case age < 72*time.Hour:
		return 0.5
	case age < 168*time.Hour:
		return 0.3
	default:
		return 0.1
	}
}

// SentimentFor maps a global risk score onto the overall sentiment label.
func SentimentFor(score float64) string {
	switch {
	case score >= 80:
		return models.SentimentCritical
	case score >= 60:
		return models.SentimentNegative
	case score >= 40:
		return models.SentimentNeutral
	default:
		return models.SentimentPositive
	}
}

// Latest returns the most recent assessment, falling back to the persisted
// snapshot from a previous run. It returns nil when no scan has ever
// completed.
func (s *Scout) Latest() *models.RiskAssessment {
	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()
	if latest != nil {
		return latest
	}

	raw, err := os.ReadFile(filepath.Join(s.cfg.StoragePath, latestAssessmentFile))
	if err != nil {
		return nil
	}
	var loaded models.RiskAssessment
	if err := json.Unmarshal(raw, &loaded); err != nil {
		s.logger.Error("Failed to load persisted assessment", zap.Error(err))
		return nil
	}

	s.mu.Lock()
	s.latest = &loaded
	s.mu.Unlock()
	return &loaded
}

// persist writes a timestamped snapshot and overwrites the latest marker.
func (s *Scout) persist(assessment *models.RiskAssessment) error {
	if err := os.MkdirAll(s.cfg.StoragePath, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	data, err := json.MarshalIndent(assessment, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal assessment: %w", err)
	}

	name := fmt.Sprintf("risk_assessment_%s.json", assessment.Timestamp.Format("20060102_150405"))
	if err := os.WriteFile(filepath.Join(s.cfg.StoragePath, name), data, 0o644); err != nil {
		return fmt.Errorf("write assessment: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.cfg.StoragePath, latestAssessmentFile), data, 0o644); err != nil {
		return fmt.Errorf("write latest marker: %w", err)
	}

	s.logger.Info("Persisted risk assessment", zap.String("file", name))
	return nil
}

func (s *Scout) publish(assessment *models.RiskAssessment) {
	if s.pub == nil {
		return
	}
	evt, err := bus.NewEvent(bus.EventRiskUpdate, assessment)
	if err != nil {
		s.logger.Error("Failed to build risk update event", zap.Error(err))
		return
	}
	s.pub.Publish(evt)
}
