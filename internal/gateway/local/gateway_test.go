package local

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/contextive/ingest/internal/ingest"
)

type notifyRecorder struct {
	mu       sync.Mutex
	payloads []ingest.WebhookPayload
}

func (n *notifyRecorder) record(p ingest.WebhookPayload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
}

func (n *notifyRecorder) byType(t ingest.WebhookEventType) []ingest.WebhookPayload {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []ingest.WebhookPayload
	for _, p := range n.payloads {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

func testSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/docs/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Guide</title></head><body>
			<h1>Guide</h1>
			<p>Welcome to the documentation.</p>
			<a href="/docs/install">Install</a>
			<a href="/internal/admin">Admin</a>
		</body></html>`))
	})
	mux.HandleFunc("/docs/install", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Install</title></head><body>
			<h1>Install</h1>
			<pre>go install example.com/tool@latest</pre>
		</body></html>`))
	})
	mux.HandleFunc("/internal/admin", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Admin</title></head><body><h1>Admin</h1></body></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGatewayCrawlsAndNotifies(t *testing.T) {
	t.Parallel()

	srv := testSite(t)
	rec := &notifyRecorder{}
	gw, err := NewGateway(Config{}, nil, rec.record)
	require.NoError(t, err)

	id, err := gw.StartCrawl(context.Background(), ingest.CrawlConfig{
		URL:             srv.URL + "/docs/",
		PageLimit:       10,
		IncludePatterns: []string{"/docs/*"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Len(t, rec.byType(ingest.WebhookCrawlStarted), 1)
	require.Eventually(t, func() bool {
		return len(rec.byType(ingest.WebhookCrawlCompleted)) == 1
	}, 5*time.Second, 50*time.Millisecond)

	docs, err := gw.FetchResults(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, docs, 2) // /internal/admin is outside the include patterns

	urls := map[string]bool{}
	for _, d := range docs {
		urls[d.URL] = true
		require.NotEmpty(t, d.Markdown)
	}
	require.True(t, urls[srv.URL+"/docs/"])
	require.True(t, urls[srv.URL+"/docs/install"])
}

func TestGatewayRootFailureDeliversFailedWebhook(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	rec := &notifyRecorder{}
	gw, err := NewGateway(Config{}, nil, rec.record)
	require.NoError(t, err)

	id, err := gw.StartCrawl(context.Background(), ingest.CrawlConfig{URL: srv.URL, PageLimit: 5})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.byType(ingest.WebhookCrawlFailed)) == 1
	}, 5*time.Second, 50*time.Millisecond)

	_, err = gw.FetchResults(context.Background(), id)
	require.Error(t, err)
	require.False(t, ingest.Retryable(err))
}

func TestGatewayResultsBeforeCompletionAreTransient(t *testing.T) {
	t.Parallel()

	rec := &notifyRecorder{}
	gw, err := NewGateway(Config{}, nil, rec.record)
	require.NoError(t, err)

	_, err = gw.FetchResults(context.Background(), "local-unknown")
	require.Error(t, err)
	require.True(t, ingest.Retryable(err))
}

func TestGatewayRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	rec := &notifyRecorder{}
	gw, err := NewGateway(Config{}, nil, rec.record)
	require.NoError(t, err)

	_, err = gw.StartCrawl(context.Background(), ingest.CrawlConfig{URL: "::not-a-url"})
	require.Error(t, err)
}

func TestMatchPattern(t *testing.T) {
	t.Parallel()

	require.True(t, matchPattern("/docs/*", "/docs/install"))
	require.True(t, matchPattern("/docs/*", "/docs/"))
	require.False(t, matchPattern("/docs/*", "/blog/post"))
	require.True(t, matchPattern("/changelog", "/changelog"))
	require.False(t, matchPattern("/changelog", "/changelog/2024"))
}

func TestBenignVisitErrors(t *testing.T) {
	t.Parallel()

	dest, err := url.Parse("https://docs.example.com/docs/install")
	require.NoError(t, err)

	require.True(t, benignVisitErr(&colly.AlreadyVisitedError{Destination: dest}))
	require.True(t, benignVisitErr(fmt.Errorf("visit link: %w", &colly.AlreadyVisitedError{Destination: dest})))
	require.True(t, benignVisitErr(colly.ErrMaxDepth))
	require.False(t, benignVisitErr(errors.New("connection refused")))
}
