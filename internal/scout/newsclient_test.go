package scout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sovereign-sentinel/sentinel/internal/config"
)

const newsResponse = `{
	"results": {
		"news": [
			{
				"title": "Energy crisis deepens",
				"url": "https://news.example.com/energy",
				"description": "Supply shock across the region",
				"page_age": "2026-08-27T10:00:00Z"
			},
			{
				"title": "Missing link",
				"description": "No url on this one"
			},
			{
				"title": "Markets steady",
				"url": "https://news.example.com/steady",
				"page_age": "not-a-date"
			}
		]
	}
}`

func newsClientFor(t *testing.T, serverURL string) *NewsClient {
	t.Helper()
	return NewNewsClient(config.ScoutConfig{
		NewsBaseURL:    serverURL,
		NewsAPIKey:     "test-key",
		CacheTTL:       time.Hour,
		RequestTimeout: 5 * time.Second,
	}, zap.NewNop())
}

func TestSearchNewsParsesResponse(t *testing.T) {
	var gotKey, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotQuery = r.URL.Query().Get("query")
		w.Write([]byte(newsResponse))
	}))
	defer server.Close()

	c := newsClientFor(t, server.URL)
	articles, err := c.SearchNews(context.Background(), "energy crisis", 10)
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "energy crisis", gotQuery)

	// The entry without a url is dropped.
	require.Len(t, articles, 2)
	assert.Equal(t, "Energy crisis deepens", articles[0].Title)
	assert.Equal(t, "Supply shock across the region", articles[0].Snippet)
	assert.Equal(t, defaultRelevance, articles[0].RelevanceScore)
	assert.Equal(t, time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC), articles[0].PublishedDate)

	// Unparseable dates fall back to roughly now.
	assert.WithinDuration(t, time.Now(), articles[1].PublishedDate, time.Minute)
}

func TestSearchNewsCachesWithinTTL(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(newsResponse))
	}))
	defer server.Close()

	c := newsClientFor(t, server.URL)
	_, err := c.SearchNews(context.Background(), "energy", 10)
	require.NoError(t, err)
	_, err = c.SearchNews(context.Background(), "energy", 10)
	require.NoError(t, err)

	assert.Equal(t, int32(1), hits.Load())
}

func TestSearchNewsServesStaleCacheWhenAPIFails(t *testing.T) {
	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(newsResponse))
	}))
	defer server.Close()

	c := newsClientFor(t, server.URL)
	fresh, err := c.SearchNews(context.Background(), "energy", 10)
	require.NoError(t, err)

	// Expire the cache and break the upstream. The expired entry is still
	// better than nothing.
	failing.Store(true)
	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	stale, err := c.SearchNews(context.Background(), "energy", 10)
	require.NoError(t, err)
	assert.Equal(t, fresh, stale)
}

func TestSearchNewsFailsWithoutAnyCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newsClientFor(t, server.URL)
	_, err := c.SearchNews(context.Background(), "energy", 10)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestSearchNewsTruncatesResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(newsResponse))
	}))
	defer server.Close()

	c := newsClientFor(t, server.URL)
	articles, err := c.SearchNews(context.Background(), "energy", 1)
	require.NoError(t, err)
	assert.Len(t, articles, 1)
}
