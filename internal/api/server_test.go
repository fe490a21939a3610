package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	blobmem "github.com/contextive/ingest/internal/blob/memory"
	"github.com/contextive/ingest/internal/chunker"
	"github.com/contextive/ingest/internal/clock/system"
	"github.com/contextive/ingest/internal/config"
	"github.com/contextive/ingest/internal/events"
	"github.com/contextive/ingest/internal/events/sinks"
	"github.com/contextive/ingest/internal/id/uuid"
	"github.com/contextive/ingest/internal/ingest"
	"github.com/contextive/ingest/internal/orchestrator"
	queuemem "github.com/contextive/ingest/internal/queue/memory"
	storemem "github.com/contextive/ingest/internal/store/memory"
	"github.com/contextive/ingest/internal/vector"
)

type stubGateway struct{}

func (stubGateway) StartCrawl(context.Context, ingest.CrawlConfig) (string, error) {
	return "ext-1", nil
}

func (stubGateway) FetchResults(context.Context, string) ([]ingest.RawDocument, error) {
	return nil, nil
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *sinks.SubscriberSink) {
	t.Helper()
	subscribers := sinks.NewSubscriberSink()
	svc, err := orchestrator.New(orchestrator.Config{}, orchestrator.Deps{
		Sources: storemem.NewSourceStore(),
		Jobs:    storemem.NewJobStore(),
		Docs:    storemem.NewDocumentStore(),
		Chunks:  vector.NewMemoryStore(),
		Blobs:   blobmem.NewBlobStore(),
		Queue:   queuemem.NewQueue(16),
		Gateway: stubGateway{},
		Engine:  chunker.New(chunker.Config{}),
		Emitter: events.NopEmitter{},
		Clock:   system.New(),
		IDs:     uuid.NewGenerator(),
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	return NewServer(svc, subscribers, cfg, zap.NewNop(), nil), subscribers
}

func baseConfig() config.Config {
	return config.Config{Server: config.ServerConfig{Port: 8080, TimeoutSeconds: 5}}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, baseConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitSource(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, baseConfig())

	body := `{"url":"https://docs.example.com","page_limit":10}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sources", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Source ingest.Source `json:"source"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.Source.ID)
	require.Equal(t, ingest.SourcePending, resp.Source.Status)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSubmitSourceRejectsBadInput(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, baseConfig())

	cases := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"bad scheme", `{"url":"ftp://example.com","page_limit":10}`},
		{"bad pattern", `{"url":"https://example.com","page_limit":10,"include_patterns":["docs"]}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sources", strings.NewReader(tc.body)))
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetStatusUnknownSource(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, baseConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources/missing/status", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSourceLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, baseConfig())
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sources",
		strings.NewReader(`{"url":"https://docs.example.com","page_limit":5}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		Source ingest.Source `json:"source"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	id := created.Source.ID

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources/"+id+"/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var report ingest.StatusReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	require.Equal(t, ingest.SourcePending, report.Status)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sources/"+id+"/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Cancelling twice fails: the source is already terminal.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sources/"+id+"/cancel", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sources/"+id, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources/"+id, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, baseConfig())
	h := srv.Handler()

	// Malformed shape is the caller's fault.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/webhooks/firecrawl",
		strings.NewReader(`{"type":"bogus"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// A well-formed payload for an unknown crawl is acknowledged so the
	// sender stops retrying.
	payload, err := json.Marshal(ingest.WebhookPayload{
		ExternalID: "never-seen",
		Type:       ingest.WebhookCrawlCompleted,
		Timestamp:  time.Now(),
	})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/webhooks/firecrawl", bytes.NewReader(payload)))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "sekrit"}
	srv, _ := newTestServer(t, cfg)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/sources", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Health endpoints stay open for probes.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEventStreamDeliversEvents(t *testing.T) {
	t.Parallel()
	srv, subscribers := newTestServer(t, baseConfig())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?source_id=src-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription is registered inside the handler goroutine, so keep
	// publishing until the stream yields a data line.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = subscribers.Consume(context.Background(), []events.Event{{
					SourceID: "src-1",
					Type:     events.TypeCreated,
					TS:       time.Now().UTC(),
				}})
			}
		}
	}()
	defer close(done)

	scanner := bufio.NewScanner(resp.Body)
	var dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, dataLine)

	var evt events.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &evt))
	require.Equal(t, "src-1", evt.SourceID)
	require.Equal(t, events.TypeCreated, evt.Type)
}
