package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queryTotal     *prometheus.CounterVec
	queryDuration  prometheus.Histogram
	nodeVisits     *prometheus.CounterVec
	routerDecision *prometheus.CounterVec
	budgetExceeded *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	catalogRequests *prometheus.CounterVec
	tokenRefresh    *prometheus.CounterVec

	llmCallTotal     *prometheus.CounterVec
	llmCallDuration  *prometheus.HistogramVec
	llmErrorsTotal   *prometheus.CounterVec
	providerBreaker  *prometheus.GaugeVec
	transcriptWrites *prometheus.CounterVec

	gatewayRequests *prometheus.CounterVec
	gatewayClients  prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "query_total",
					Help: "Total user queries by status.",
				},
				[]string{"status"},
			),
			queryDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "query_duration_seconds",
					Help:    "End-to-end query duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			nodeVisits: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "node_visits_total",
					Help: "Total dispatch loop node visits by node.",
				},
				[]string{"node"},
			),
			routerDecision: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "router_decisions_total",
					Help: "Total router classifications by destination.",
				},
				[]string{"destination"},
			),
			budgetExceeded: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "budget_exceeded_total",
					Help: "Total queries aborted by an exhausted step budget, by reason.",
				},
				[]string{"reason"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			catalogRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "catalog_requests_total",
					Help: "Total catalog API requests by method and status class.",
				},
				[]string{"method", "status"},
			),
			tokenRefresh: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "token_refresh_total",
					Help: "Total access token refreshes by status.",
				},
				[]string{"status"},
			),
			llmCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_call_total",
					Help: "Total LLM calls by provider, role and status.",
				},
				[]string{"provider", "role", "status"},
			),
			llmCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "llm_call_duration_seconds",
					Help:    "LLM call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			llmErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_errors_total",
					Help: "Total LLM errors by provider.",
				},
				[]string{"provider"},
			),
			providerBreaker: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "provider_breaker_open",
					Help: "Provider circuit breaker state (1 open or half-open, 0 closed).",
				},
				[]string{"provider"},
			),
			transcriptWrites: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "transcript_writes_total",
					Help: "Total transcript writes by backend and status.",
				},
				[]string{"backend", "status"},
			),
			gatewayRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_requests_total",
					Help: "Total gateway requests by route and status.",
				},
				[]string{"route", "status"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_ws_clients",
					Help: "Currently connected websocket clients.",
				},
			),
		}

		prometheus.MustRegister(
			m.queryTotal,
			m.queryDuration,
			m.nodeVisits,
			m.routerDecision,
			m.budgetExceeded,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.catalogRequests,
			m.tokenRefresh,
			m.llmCallTotal,
			m.llmCallDuration,
			m.llmErrorsTotal,
			m.providerBreaker,
			m.transcriptWrites,
			m.gatewayRequests,
			m.gatewayClients,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQuery(duration time.Duration, success bool) {
	m := getMetrics()
	m.queryTotal.WithLabelValues(statusLabel(success)).Inc()
	m.queryDuration.Observe(duration.Seconds())
}

func RecordNodeVisit(node string) {
	getMetrics().nodeVisits.WithLabelValues(node).Inc()
}

func RecordRouterDecision(destination string) {
	getMetrics().routerDecision.WithLabelValues(destination).Inc()
}

func RecordBudgetExceeded(reason string) {
	getMetrics().budgetExceeded.WithLabelValues(reason).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

// RecordCatalogRequest counts a catalog API call. status is the HTTP status
// class ("2xx", "4xx", ...) or "transport" when no response arrived.
func RecordCatalogRequest(method, status string) {
	getMetrics().catalogRequests.WithLabelValues(method, status).Inc()
}

func RecordTokenRefresh(success bool) {
	getMetrics().tokenRefresh.WithLabelValues(statusLabel(success)).Inc()
}

func RecordLLMCall(provider, role string, duration time.Duration, success bool) {
	m := getMetrics()
	m.llmCallTotal.WithLabelValues(provider, role, statusLabel(success)).Inc()
	m.llmCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if !success {
		m.llmErrorsTotal.WithLabelValues(provider).Inc()
	}
}

func SetProviderBreakerOpen(provider string, open bool) {
	value := 0.0
	if open {
		value = 1.0
	}
	getMetrics().providerBreaker.WithLabelValues(provider).Set(value)
}

func RecordTranscriptWrite(backend string, success bool) {
	getMetrics().transcriptWrites.WithLabelValues(backend, statusLabel(success)).Inc()
}

// RecordGatewayRequest counts a gateway request. status is the HTTP status
// code or the RPC outcome.
func RecordGatewayRequest(route, status string) {
	getMetrics().gatewayRequests.WithLabelValues(route, status).Inc()
}

func SetGatewayClients(n int) {
	getMetrics().gatewayClients.Set(float64(n))
}
