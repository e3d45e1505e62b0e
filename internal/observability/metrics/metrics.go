package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// OutcomeLabel pairs a subject (network, topic, webhook type) with the result
// of the operation performed against it.
type OutcomeLabel struct {
	Subject string
	Outcome string
}

// Outcomes recorded by the orchestration pipeline.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Recorder aggregates in-memory counters and gauges for HTTP requests, stream
// lifecycle events, destination fan-out, webhook deliveries and bus publishes.
// Writers coordinate through a RWMutex; the active push gauge is atomic.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	streamEvents    map[string]uint64
	fanout          map[OutcomeLabel]uint64
	webhooks        map[OutcomeLabel]uint64
	publishes       map[OutcomeLabel]uint64
	statusConflicts atomic.Uint64
	activePushes    atomic.Int64
	componentHealth map[string]float64
	componentState  map[string]string
}

var defaultRecorder = New()

// New constructs an empty Recorder ready for use.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		streamEvents:    make(map[string]uint64),
		fanout:          make(map[OutcomeLabel]uint64),
		webhooks:        make(map[OutcomeLabel]uint64),
		publishes:       make(map[OutcomeLabel]uint64),
		componentHealth: make(map[string]float64),
		componentState:  make(map[string]string),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and duration by method, normalized
// path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveStreamEvent counts a lifecycle event such as "ingest_start",
// "reconnect" or "pull_start".
func (r *Recorder) ObserveStreamEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.streamEvents[normalized]++
	r.mu.Unlock()
}

// PushStarted records a successful fan-out and raises the active push gauge.
func (r *Recorder) PushStarted() {
	r.ObserveStreamEvent("push_start")
	r.activePushes.Add(1)
}

// PushStopped records a push teardown and lowers the active push gauge
// without letting it go negative.
func (r *Recorder) PushStopped() {
	r.ObserveStreamEvent("push_stop")
	r.decrementGauge(&r.activePushes)
}

// ObserveFanout counts a single destination push-start attempt.
func (r *Recorder) ObserveFanout(network string, err error) {
	r.observeOutcome(r.fanout, network, err)
}

// ObserveWebhook counts a single webhook delivery attempt.
func (r *Recorder) ObserveWebhook(kind string, err error) {
	r.observeOutcome(r.webhooks, kind, err)
}

// ObservePublish counts a message bus publish.
func (r *Recorder) ObservePublish(topic string, err error) {
	r.observeOutcome(r.publishes, topic, err)
}

// ObserveStatusConflict counts compare-and-swap retries against the status
// store.
func (r *Recorder) ObserveStatusConflict() {
	r.statusConflicts.Add(1)
}

func (r *Recorder) observeOutcome(target map[OutcomeLabel]uint64, subject string, err error) {
	label := OutcomeLabel{Subject: normalizeName(subject), Outcome: OutcomeOK}
	if err != nil {
		label.Outcome = OutcomeFailed
	}
	r.mu.Lock()
	target[label]++
	r.mu.Unlock()
}

// SetComponentHealth stores the health of a dependency such as the datastore
// or the status store. "ok" maps to 1, "disabled" to 0, anything else to -1.
func (r *Recorder) SetComponentHealth(component, status string) {
	normalizedComponent := normalizeName(component)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := -1.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	}
	r.mu.Lock()
	r.componentHealth[normalizedComponent] = value
	r.componentState[normalizedComponent] = normalizedStatus
	r.mu.Unlock()
}

// ActivePushes exposes the active push gauge.
func (r *Recorder) ActivePushes() int64 {
	return r.activePushes.Load()
}

// FanoutCounts returns a copy of the fan-out counters.
func (r *Recorder) FanoutCounts() map[OutcomeLabel]uint64 {
	return r.copyOutcomes(r.fanout)
}

// WebhookCounts returns a copy of the webhook delivery counters.
func (r *Recorder) WebhookCounts() map[OutcomeLabel]uint64 {
	return r.copyOutcomes(r.webhooks)
}

// PublishCounts returns a copy of the bus publish counters.
func (r *Recorder) PublishCounts() map[OutcomeLabel]uint64 {
	return r.copyOutcomes(r.publishes)
}

// StreamEventCount returns how many times event has been observed.
func (r *Recorder) StreamEventCount(event string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streamEvents[normalizeName(event)]
}

func (r *Recorder) copyOutcomes(source map[OutcomeLabel]uint64) map[OutcomeLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[OutcomeLabel]uint64, len(source))
	for k, v := range source {
		out[k] = v
	}
	return out
}

// Reset clears every counter and gauge. It is intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.streamEvents = make(map[string]uint64)
	r.fanout = make(map[OutcomeLabel]uint64)
	r.webhooks = make(map[OutcomeLabel]uint64)
	r.publishes = make(map[OutcomeLabel]uint64)
	r.componentHealth = make(map[string]float64)
	r.componentState = make(map[string]string)
	r.statusConflicts.Store(0)
	r.activePushes.Store(0)
}

// Handler exposes the Recorder in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with label sets sorted
// for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP relaycast_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE relaycast_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "relaycast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP relaycast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE relaycast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "relaycast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP relaycast_stream_events_total Stream lifecycle events by type")
	fmt.Fprintln(w, "# TYPE relaycast_stream_events_total counter")
	for _, event := range sortedKeys(r.streamEvents) {
		fmt.Fprintf(w, "relaycast_stream_events_total{event=\"%s\"} %d\n", event, r.streamEvents[event])
	}

	fmt.Fprintln(w, "# HELP relaycast_active_pushes Current number of streams pushing to destinations")
	fmt.Fprintln(w, "# TYPE relaycast_active_pushes gauge")
	fmt.Fprintf(w, "relaycast_active_pushes %d\n", r.activePushes.Load())

	writeOutcomes(w, "relaycast_fanout_attempts_total", "Destination push-start attempts by network and outcome", "network", r.fanout)
	writeOutcomes(w, "relaycast_webhook_deliveries_total", "Webhook delivery attempts by type and outcome", "type", r.webhooks)
	writeOutcomes(w, "relaycast_bus_publishes_total", "Message bus publishes by topic and outcome", "topic", r.publishes)

	fmt.Fprintln(w, "# HELP relaycast_status_conflicts_total Compare-and-swap conflicts on the status store")
	fmt.Fprintln(w, "# TYPE relaycast_status_conflicts_total counter")
	fmt.Fprintf(w, "relaycast_status_conflicts_total %d\n", r.statusConflicts.Load())

	fmt.Fprintln(w, "# HELP relaycast_component_health Dependency health (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE relaycast_component_health gauge")
	components := make([]string, 0, len(r.componentHealth))
	for component := range r.componentHealth {
		components = append(components, component)
	}
	sort.Strings(components)
	for _, component := range components {
		fmt.Fprintf(w, "relaycast_component_health{component=\"%s\",status=\"%s\"} %f\n", component, r.componentState[component], r.componentHealth[component])
	}
}

func writeOutcomes(w io.Writer, name, help, subjectLabel string, values map[OutcomeLabel]uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	labels := make([]OutcomeLabel, 0, len(values))
	for label := range values {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Subject != labels[j].Subject {
			return labels[i].Subject < labels[j].Subject
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	for _, label := range labels {
		fmt.Fprintf(w, "%s{%s=\"%s\",outcome=\"%s\"} %d\n", name, subjectLabel, label.Subject, label.Outcome, values[label])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest records a request on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
