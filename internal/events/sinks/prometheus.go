package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/contextive/ingest/internal/events"
)

// PrometheusSink exports lifecycle metrics. It owns the collectors for
// sources created/finished/active and the raw event counter.
type PrometheusSink struct {
	eventsTotal     *prometheus.CounterVec
	sourcesCreated  prometheus.Counter
	sourcesFinished *prometheus.CounterVec
	sourcesActive   prometheus.Gauge

	tracker *activeTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_lifecycle_events_total",
			Help: "Lifecycle events partitioned by type.",
		}, []string{"type"}),
		sourcesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_sources_created_total",
			Help: "Total sources submitted for ingestion.",
		}),
		sourcesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_sources_finished_total",
			Help: "Total sources reaching a terminal state partitioned by result.",
		}, []string{"result"}),
		sourcesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_sources_active",
			Help: "Sources currently being crawled or processed.",
		}),
		tracker: newActiveTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.eventsTotal,
		s.sourcesCreated,
		s.sourcesFinished,
		s.sourcesActive,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register lifecycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	s.eventsTotal.WithLabelValues(string(evt.Type)).Inc()
	switch evt.Type {
	case events.TypeCreated:
		s.sourcesCreated.Inc()
		if s.tracker.start(evt.SourceID) {
			s.sourcesActive.Inc()
		}
	case events.TypeCompleted:
		s.sourcesFinished.WithLabelValues("success").Inc()
		if s.tracker.complete(evt.SourceID) {
			s.sourcesActive.Dec()
		}
	case events.TypeFailed:
		s.sourcesFinished.WithLabelValues("error").Inc()
		if s.tracker.complete(evt.SourceID) {
			s.sourcesActive.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type activeTracker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newActiveTracker() *activeTracker {
	return &activeTracker{active: make(map[string]struct{})}
}

func (t *activeTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *activeTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
