package scout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sovereign-sentinel/sentinel/internal/config"
	"github.com/sovereign-sentinel/sentinel/pkg/models"
)

// NewsSource supplies articles for a search query. Implementations must be
// safe for concurrent use.
type NewsSource interface {
	SearchNews(ctx context.Context, query string, maxResults int) ([]models.NewsArticle, error)
}

// The search API does not score news results, so every article gets a flat
// relevance until a better signal exists.
const defaultRelevance = 0.5

type cacheEntry struct {
	articles  []models.NewsArticle
	fetchedAt time.Time
}

// NewsClient is a NewsSource backed by the You.com search API. Responses are
// cached per query with a TTL; when the upstream fails, expired entries are
// served rather than returning nothing.
type NewsClient struct {
	baseURL string
	apiKey  string
	ttl     time.Duration
	client  *http.Client
	logger  *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewNewsClient creates a client from scout configuration.
func NewNewsClient(cfg config.ScoutConfig, logger *zap.Logger) *NewsClient {
	return &NewsClient{
		baseURL: cfg.NewsBaseURL,
		apiKey:  cfg.NewsAPIKey,
		ttl:     cfg.CacheTTL,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		logger:  logger,
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// SearchNews returns up to maxResults articles for the query, preferring a
// fresh cache entry, then the live API, then a stale cache entry as a last
// resort. It fails only when the API is down and nothing was ever cached.
func (c *NewsClient) SearchNews(ctx context.Context, query string, maxResults int) ([]models.NewsArticle, error) {
	if articles, ok := c.fromCache(query, false); ok {
		c.logger.Debug("Serving cached news results", zap.String("query", query))
		return truncate(articles, maxResults), nil
	}

	articles, err := c.fetch(ctx, query, maxResults)
	if err != nil {
		if stale, ok := c.fromCache(query, true); ok {
			c.logger.Warn("News API unavailable, serving stale cache",
				zap.String("query", query),
				zap.Error(err))
			return truncate(stale, maxResults), nil
		}
		return nil, fmt.Errorf("search news %q: %w", query, err)
	}

	c.mu.Lock()
	c.cache[query] = cacheEntry{articles: articles, fetchedAt: c.now()}
	c.mu.Unlock()

	c.logger.Info("Retrieved news results",
		zap.String("query", query),
		zap.Int("articles", len(articles)))
	return truncate(articles, maxResults), nil
}

func (c *NewsClient) fromCache(query string, allowStale bool) ([]models.NewsArticle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache[query]
	if !ok {
		return nil, false
	}
	if !allowStale && c.now().Sub(entry.fetchedAt) >= c.ttl {
		return nil, false
	}
	return entry.articles, true
}

func (c *NewsClient) fetch(ctx context.Context, query string, maxResults int) ([]models.NewsArticle, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("count", strconv.Itoa(maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("news API returned status %d", resp.StatusCode)
	}

	var body struct {
		Results struct {
			News []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
				PageAge     string `json:"page_age"`
			} `json:"news"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode news response: %w", err)
	}

	articles := make([]models.NewsArticle, 0, len(body.Results.News))
	for _, item := range body.Results.News {
		if item.Title == "" || item.URL == "" {
			c.logger.Warn("Skipping article with missing required fields", zap.String("url", item.URL))
			continue
		}
		articles = append(articles, models.NewsArticle{
			Title:          item.Title,
			URL:            item.URL,
			PublishedDate:  c.parsePublished(item.PageAge),
			Snippet:        item.Description,
			RelevanceScore: defaultRelevance,
		})
	}
	return articles, nil
}

// parsePublished is lenient: unknown or malformed dates fall back to now so
// the article still participates in scoring at full recency weight.
func (c *NewsClient) parsePublished(raw string) time.Time {
	if raw == "" {
		return c.now().UTC()
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	c.logger.Warn("Could not parse article date, using current time", zap.String("date", raw))
	return c.now().UTC()
}

func truncate(articles []models.NewsArticle, max int) []models.NewsArticle {
	if max <= 0 || len(articles) <= max {
		return articles
	}
	return articles[:max]
}
