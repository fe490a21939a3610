// Package local implements the crawl gateway with an in-process Colly
// collector. It exists for development and self-hosted deployments without a
// FireCrawl subscription, and mimics the external service's contract: the
// crawl runs asynchronously and completion is delivered as a webhook payload
// through the notify callback.
package local

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contextive/ingest/internal/ingest"
)

// Config controls the in-process collector.
type Config struct {
	UserAgent      string        `mapstructure:"user_agent"`
	Concurrency    int           `mapstructure:"concurrency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxDepth       int           `mapstructure:"max_depth"`
}

// Notify delivers webhook-style callbacks. The orchestrator wires this to
// the same code path that serves the external webhook endpoint.
type Notify func(payload ingest.WebhookPayload)

// Gateway implements ingest.CrawlGateway by crawling in-process.
type Gateway struct {
	cfg    Config
	logger *zap.Logger
	notify Notify

	mu      sync.Mutex
	results map[string][]ingest.RawDocument
	errs    map[string]error
}

// NewGateway constructs a Gateway. notify must not be nil.
func NewGateway(cfg Config, logger *zap.Logger, notify Notify) (*Gateway, error) {
	if notify == nil {
		return nil, ingest.Configuration("new local gateway", errors.New("notify callback is required"))
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "contextive-ingest/1.0"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 20 * time.Second
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		cfg:     cfg,
		logger:  logger,
		notify:  notify,
		results: make(map[string][]ingest.RawDocument),
		errs:    make(map[string]error),
	}, nil
}

// StartCrawl registers the crawl and runs it in the background. The returned
// id plays the role of the external service's job id; completion or failure
// arrives later through the notify callback.
func (g *Gateway) StartCrawl(_ context.Context, cfg ingest.CrawlConfig) (string, error) {
	root, err := url.Parse(cfg.URL)
	if err != nil || root.Host == "" {
		return "", ingest.Permanent("start local crawl", fmt.Errorf("invalid crawl url %q", cfg.URL))
	}
	externalID := "local-" + uuid.NewString()

	go g.crawl(externalID, root, cfg)

	g.notify(ingest.WebhookPayload{
		ExternalID: externalID,
		Type:       ingest.WebhookCrawlStarted,
		Timestamp:  time.Now().UTC(),
	})
	return externalID, nil
}

// FetchResults returns the collected pages for a finished crawl.
func (g *Gateway) FetchResults(_ context.Context, externalID string) ([]ingest.RawDocument, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.errs[externalID]; ok {
		return nil, ingest.Permanent("fetch local crawl results", err)
	}
	docs, ok := g.results[externalID]
	if !ok {
		return nil, ingest.Transient("fetch local crawl results",
			fmt.Errorf("crawl %s not finished", externalID))
	}
	return docs, nil
}

func (g *Gateway) crawl(externalID string, root *url.URL, cfg ingest.CrawlConfig) {
	collector := colly.NewCollector(
		colly.UserAgent(g.cfg.UserAgent),
		colly.AllowedDomains(root.Host),
		colly.MaxDepth(g.cfg.MaxDepth),
		colly.Async(true),
	)
	collector.AllowURLRevisit = false
	collector.SetRequestTimeout(g.cfg.RequestTimeout)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: g.cfg.Concurrency,
		Delay:       100 * time.Millisecond,
	}); err != nil {
		g.finish(externalID, nil, fmt.Errorf("configure collector: %w", err))
		return
	}

	var (
		mu    sync.Mutex
		pages = make(map[string]*pageBuilder)
		order []string
	)

	builderFor := func(u string) *pageBuilder {
		if pb, ok := pages[u]; ok {
			return pb
		}
		pb := &pageBuilder{url: u}
		pages[u] = pb
		order = append(order, u)
		return pb
	}

	collector.OnHTML("title", func(e *colly.HTMLElement) {
		mu.Lock()
		defer mu.Unlock()
		pb := builderFor(e.Request.URL.String())
		if pb.title == "" {
			pb.title = strings.TrimSpace(e.Text)
		}
	})

	collector.OnHTML("h1, h2, h3, p, pre, li", func(e *colly.HTMLElement) {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		pb := builderFor(e.Request.URL.String())
		switch e.Name {
		case "h1":
			pb.appendLine("# " + text)
		case "h2":
			pb.appendLine("## " + text)
		case "h3":
			pb.appendLine("### " + text)
		case "pre":
			pb.appendLine("```\n" + e.Text + "\n```")
		case "li":
			pb.appendLine("* " + text)
		default:
			pb.appendLine(text)
		}
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		mu.Lock()
		visited := len(order)
		mu.Unlock()
		if cfg.PageLimit > 0 && visited >= cfg.PageLimit {
			return
		}
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if !g.inScope(link, root, cfg) {
			return
		}
		if err := e.Request.Visit(link); err != nil && !benignVisitErr(err) {
			g.logger.Debug("skip link", zap.String("url", link), zap.Error(err))
		}
	})

	var crawlErr error
	collector.OnError(func(r *colly.Response, err error) {
		// Root failure aborts; page failures further in just lose that page.
		if r != nil && r.Request.URL.String() == cfg.URL && r.StatusCode != http.StatusOK {
			crawlErr = fmt.Errorf("fetch %s: status %d: %w", cfg.URL, r.StatusCode, err)
		}
	})

	if err := collector.Visit(cfg.URL); err != nil {
		g.finish(externalID, nil, fmt.Errorf("visit %s: %w", cfg.URL, err))
		return
	}
	collector.Wait()

	if crawlErr != nil {
		g.finish(externalID, nil, crawlErr)
		return
	}

	mu.Lock()
	docs := make([]ingest.RawDocument, 0, len(order))
	for _, u := range order {
		pb := pages[u]
		if cfg.PageLimit > 0 && len(docs) >= cfg.PageLimit {
			break
		}
		md := pb.markdown()
		if strings.TrimSpace(md) == "" {
			continue
		}
		docs = append(docs, ingest.RawDocument{URL: pb.url, Title: pb.title, Markdown: md})
	}
	mu.Unlock()

	g.finish(externalID, docs, nil)
}

func (g *Gateway) finish(externalID string, docs []ingest.RawDocument, err error) {
	g.mu.Lock()
	if err != nil {
		g.errs[externalID] = err
	} else {
		g.results[externalID] = docs
	}
	g.mu.Unlock()

	payload := ingest.WebhookPayload{
		ExternalID: externalID,
		Type:       ingest.WebhookCrawlCompleted,
		Timestamp:  time.Now().UTC(),
	}
	if err != nil {
		payload.Type = ingest.WebhookCrawlFailed
		payload.Error = err.Error()
		g.logger.Warn("local crawl failed", zap.String("external_id", externalID), zap.Error(err))
	}
	g.notify(payload)
}

// benignVisitErr reports link errors that are expected during a crawl and
// not worth logging. Colly reports revisits with the AlreadyVisitedError
// struct type, not a sentinel.
func benignVisitErr(err error) bool {
	var revisit *colly.AlreadyVisitedError
	return errors.As(err, &revisit) || errors.Is(err, colly.ErrMaxDepth)
}

// inScope applies host and include/exclude path patterns.
func (g *Gateway) inScope(link string, root *url.URL, cfg ingest.CrawlConfig) bool {
	u, err := url.Parse(link)
	if err != nil || u.Host != root.Host {
		return false
	}
	path := u.Path
	for _, pattern := range cfg.ExcludePatterns {
		if matchPattern(pattern, path) {
			return false
		}
	}
	if len(cfg.IncludePatterns) == 0 {
		return true
	}
	for _, pattern := range cfg.IncludePatterns {
		if matchPattern(pattern, path) {
			return true
		}
	}
	return false
}

// matchPattern supports trailing-star prefixes ("/docs/*") and exact paths.
func matchPattern(pattern, path string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return path == pattern
}

type pageBuilder struct {
	url   string
	title string
	lines []string
}

func (pb *pageBuilder) appendLine(line string) {
	pb.lines = append(pb.lines, line)
}

func (pb *pageBuilder) markdown() string {
	return strings.Join(pb.lines, "\n\n")
}
