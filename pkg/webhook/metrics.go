package webhook

import (
	"sort"
	"sync"
	"time"
)

// MetricsTracker tracks per-route performance metrics
type MetricsTracker struct {
	metrics map[string]*RouteMetrics
	mu      sync.RWMutex
}

// NewMetricsTracker creates a new metrics tracker
func NewMetricsTracker() *MetricsTracker {
	return &MetricsTracker{
		metrics: make(map[string]*RouteMetrics),
	}
}

// Track records a route execution
func (mt *MetricsTracker) Track(path string, method string, success bool, durationMs float64) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	key := routeKey(method, path)

	m, exists := mt.metrics[key]
	if !exists {
		m = &RouteMetrics{Path: path, Method: method}
		mt.metrics[key] = m
	}

	m.TotalRequests++
	if success {
		m.SuccessCount++
	} else {
		m.FailureCount++
	}

	// Running average
	m.AverageResponseTime = (m.AverageResponseTime*float64(m.TotalRequests-1) + durationMs) / float64(m.TotalRequests)
	m.LastRequestAt = time.Now().UnixMilli()
}

// GetMetrics returns all metrics ordered by route
func (mt *MetricsTracker) GetMetrics() []RouteMetrics {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	result := make([]RouteMetrics, 0, len(mt.metrics))
	for _, m := range mt.metrics {
		result = append(result, *m)
	}
	sort.Slice(result, func(i, j int) bool {
		return routeKey(result[i].Method, result[i].Path) < routeKey(result[j].Method, result[j].Path)
	})
	return result
}

// GetMetricsForRoute returns a copy of the metrics of one route, or nil
func (mt *MetricsTracker) GetMetricsForRoute(path string, method string) *RouteMetrics {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	m, exists := mt.metrics[routeKey(method, path)]
	if !exists {
		return nil
	}
	result := *m
	return &result
}

func routeKey(method, path string) string {
	return method + ":" + path
}
