package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shiftdesk"

type moduleMetrics struct {
	messagesTotal   *prometheus.CounterVec
	messageDuration prometheus.Histogram
	agentCycles     prometheus.Histogram

	modelCallsTotal    *prometheus.CounterVec
	modelCallDuration  *prometheus.HistogramVec
	toolExecutionTotal *prometheus.CounterVec
	toolDuration       *prometheus.HistogramVec

	historyAppendTotal  *prometheus.CounterVec
	historyLoadDuration prometheus.Histogram
	historyClearTotal   prometheus.Counter

	queueWaiting  *prometheus.GaugeVec
	queueActive   prometheus.Gauge
	taskDuration  prometheus.Histogram
	channelEvents *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			messagesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "messages_total",
					Help:      "Inbound messages handled by outcome (replied, capped, error).",
				},
				[]string{"outcome"},
			),
			messageDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "message_duration_seconds",
					Help:      "End-to-end message handling duration in seconds.",
					Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
				},
			),
			agentCycles: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_tool_cycles",
					Help:      "Tool cycles used per message.",
					Buckets:   []float64{0, 1, 2, 3, 5, 8, 10, 11},
				},
			),
			modelCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_calls_total",
					Help:      "Model backend calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "model_call_duration_seconds",
					Help:      "Model backend call duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Tool invocations by tool and status (success, error, skipped, unknown, invalid, cancelled).",
				},
				[]string{"tool", "status"},
			),
			toolDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool handler duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			historyAppendTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "history_append_total",
					Help:      "History appends by role and status.",
				},
				[]string{"role", "status"},
			),
			historyLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "history_load_duration_seconds",
					Help:      "History window load duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			historyClearTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "history_clear_total",
					Help:      "History clear operations.",
				},
			),
			queueWaiting: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_waiting",
					Help:      "Tasks waiting by lane kind.",
				},
				[]string{"kind"},
			),
			queueActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_active_lanes",
					Help:      "Lanes with a running task.",
				},
			),
			taskDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "queue_task_duration_seconds",
					Help:      "Queued task duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			channelEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "channel_events_total",
					Help:      "Inbound channel events by channel and type.",
				},
				[]string{"channel", "type"},
			),
		}

		prometheus.MustRegister(
			m.messagesTotal,
			m.messageDuration,
			m.agentCycles,
			m.modelCallsTotal,
			m.modelCallDuration,
			m.toolExecutionTotal,
			m.toolDuration,
			m.historyAppendTotal,
			m.historyLoadDuration,
			m.historyClearTotal,
			m.queueWaiting,
			m.queueActive,
			m.taskDuration,
			m.channelEvents,
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

func RecordMessage(outcome string, duration time.Duration, cycles int) {
	m := getMetrics()
	m.messagesTotal.WithLabelValues(outcome).Inc()
	m.messageDuration.Observe(duration.Seconds())
	m.agentCycles.Observe(float64(cycles))
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallsTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordToolExecution counts one invocation. duration is only observed for
// invocations whose handler actually ran.
func RecordToolExecution(tool, status string, duration time.Duration) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	if duration > 0 {
		m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
	}
}

func RecordHistoryAppend(role string, success bool) {
	getMetrics().historyAppendTotal.WithLabelValues(role, statusLabel(success)).Inc()
}

func RecordHistoryLoad(duration time.Duration) {
	getMetrics().historyLoadDuration.Observe(duration.Seconds())
}

func RecordHistoryClear() {
	getMetrics().historyClearTotal.Inc()
}

func SetQueueWaiting(kind string, waiting int) {
	getMetrics().queueWaiting.WithLabelValues(kind).Set(float64(waiting))
}

func SetActiveLanes(active int) {
	getMetrics().queueActive.Set(float64(active))
}

func RecordQueueTask(duration time.Duration) {
	getMetrics().taskDuration.Observe(duration.Seconds())
}

func RecordChannelEvent(channel, eventType string) {
	getMetrics().channelEvents.WithLabelValues(channel, eventType).Inc()
}
