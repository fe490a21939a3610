// Package firecrawl implements the crawl gateway against the FireCrawl HTTP
// API. Crawls run asynchronously on the service side; completion arrives via
// the webhook endpoint, after which results are fetched in pages.
package firecrawl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/contextive/ingest/internal/ingest"
)

// Config controls the API client.
type Config struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Client implements ingest.CrawlGateway.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient validates the config and constructs a Client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.firecrawl.dev"
	}
	if cfg.APIKey == "" {
		return nil, ingest.Configuration("new firecrawl client", fmt.Errorf("api key is required"))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

type crawlRequest struct {
	URL           string        `json:"url"`
	Limit         int           `json:"limit,omitempty"`
	IncludePaths  []string      `json:"includePaths,omitempty"`
	ExcludePaths  []string      `json:"excludePaths,omitempty"`
	Webhook       string        `json:"webhook,omitempty"`
	ScrapeOptions scrapeOptions `json:"scrapeOptions"`
}

type scrapeOptions struct {
	Formats []string `json:"formats"`
}

type crawlResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Error   string `json:"error"`
}

// StartCrawl registers a crawl with the service and returns its external id.
// The call returns before any page is fetched.
func (c *Client) StartCrawl(ctx context.Context, cfg ingest.CrawlConfig) (string, error) {
	body, err := json.Marshal(crawlRequest{
		URL:           cfg.URL,
		Limit:         cfg.PageLimit,
		IncludePaths:  cfg.IncludePatterns,
		ExcludePaths:  cfg.ExcludePatterns,
		Webhook:       c.cfg.WebhookURL,
		ScrapeOptions: scrapeOptions{Formats: []string{"markdown"}},
	})
	if err != nil {
		return "", ingest.Internal("marshal crawl request", err)
	}

	var resp crawlResponse
	if err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/crawl", body, &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.ID == "" {
		return "", ingest.Permanent("start crawl",
			fmt.Errorf("service rejected crawl: %s", orUnknown(resp.Error)))
	}
	c.logger.Debug("crawl registered", zap.String("external_id", resp.ID), zap.String("url", cfg.URL))
	return resp.ID, nil
}

type statusResponse struct {
	Status string       `json:"status"`
	Total  int          `json:"total"`
	Next   string       `json:"next"`
	Error  string       `json:"error"`
	Data   []resultPage `json:"data"`
}

type resultPage struct {
	Markdown string       `json:"markdown"`
	Metadata pageMetadata `json:"metadata"`
}

type pageMetadata struct {
	Title     string `json:"title"`
	SourceURL string `json:"sourceURL"`
}

// FetchResults retrieves the crawl's pages, following pagination links until
// the full result set is in hand. Calling it before the crawl completes is a
// transient failure so the worker retries.
func (c *Client) FetchResults(ctx context.Context, externalID string) ([]ingest.RawDocument, error) {
	url := fmt.Sprintf("%s/v1/crawl/%s", c.cfg.BaseURL, externalID)
	var docs []ingest.RawDocument
	for url != "" {
		var resp statusResponse
		if err := c.do(ctx, http.MethodGet, url, nil, &resp); err != nil {
			return nil, err
		}
		switch resp.Status {
		case "completed":
		case "failed":
			return nil, ingest.Permanent("fetch crawl results",
				fmt.Errorf("crawl %s failed: %s", externalID, orUnknown(resp.Error)))
		default:
			return nil, ingest.Transient("fetch crawl results",
				fmt.Errorf("crawl %s still %s", externalID, resp.Status))
		}
		for _, page := range resp.Data {
			docs = append(docs, ingest.RawDocument{
				URL:      page.Metadata.SourceURL,
				Title:    page.Metadata.Title,
				Markdown: page.Markdown,
			})
		}
		url = resp.Next
	}
	return docs, nil
}

// do executes one HTTP call and decodes the JSON response. Status codes map
// onto the error taxonomy: 429 and 5xx are transient, other 4xx permanent.
func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return ingest.Internal("build firecrawl request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ingest.Transient("call firecrawl", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return ingest.Transient("read firecrawl response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return ingest.Transient("call firecrawl",
			fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, truncate(respBody)))
	default:
		return ingest.Permanent("call firecrawl",
			fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, truncate(respBody)))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return ingest.Permanent("decode firecrawl response", err)
		}
	}
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown error"
	}
	return s
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
