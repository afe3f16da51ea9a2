package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Server is the inbound HTTP server hosting signed webhook routes plus
// operational endpoints such as /health and /metrics.
type Server struct {
	options        ServerOptions
	server         *http.Server
	routes         map[string]*Route // key: method:path
	extra          map[string]http.Handler
	healthCheck    func() map[string]interface{}
	rateLimiter    *RateLimiter
	metricsTracker *MetricsTracker
	logger         zerolog.Logger
	startTime      time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	routesMu       sync.RWMutex
}

// NewServer creates a new webhook server
func NewServer(options ServerOptions, logger zerolog.Logger) *Server {
	if options.Port == 0 {
		options.Port = 8080
	}
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.RateLimitPerMinute == 0 {
		options.RateLimitPerMinute = 120
	}
	if options.DefaultTimeout == 0 {
		options.DefaultTimeout = 10 * time.Second
	}
	if options.ShutdownTimeout == 0 {
		options.ShutdownTimeout = 30 * time.Second
	}
	if options.MaxBodyBytes == 0 {
		options.MaxBodyBytes = 1 << 20
	}

	return &Server{
		options:        options,
		routes:         make(map[string]*Route),
		extra:          make(map[string]http.Handler),
		rateLimiter:    NewRateLimiter(options.RateLimitPerMinute),
		metricsTracker: NewMetricsTracker(),
		logger:         logger.With().Str("component", "webhook").Logger(),
		startTime:      time.Now(),
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.options.Host, s.options.Port)
}

// Handle mounts a plain handler (for example /metrics) next to the routes.
// Must be called before Start or Handler.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	s.extra[pattern] = h
}

// SetHealthCheck adds fields to the /health response.
func (s *Server) SetHealthCheck(fn func() map[string]interface{}) {
	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	s.healthCheck = fn
}

// Handler builds the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)

	s.routesMu.RLock()
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}
	s.routesMu.RUnlock()

	// Route handler (catch-all)
	mux.HandleFunc("/", s.handleWebhook)
	return mux
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.shutdownMu.Lock()
	s.server = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.shutdownMu.Unlock()

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting webhook server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start webhook server: %w", err)
	}
	return nil
}

// Stop rejects new requests, waits for in-flight ones and shuts down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	srv := s.server
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down webhook server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.options.ShutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown cancelled, forcing close")
	}

	s.rateLimiter.Stop()

	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown webhook server: %w", err)
	}

	s.logger.Info().Msg("Webhook server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.routesMu.RLock()
	response := map[string]interface{}{
		"status":     "ok",
		"uptime":     time.Since(s.startTime).Seconds(),
		"routeCount": len(s.routes),
		"timestamp":  time.Now().UnixMilli(),
	}
	check := s.healthCheck
	s.routesMu.RUnlock()

	if check != nil {
		for k, v := range check() {
			response[k] = v
		}
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	s.inFlightReqs.Add(1)
	s.shutdownMu.RUnlock()
	defer s.inFlightReqs.Done()

	startTime := time.Now()
	ip := clientIP(r)

	route := s.getRoute(r.URL.Path, r.Method)
	if route == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if !s.rateLimiter.CheckLimit(ip) {
		w.Header().Set("Retry-After", strconv.Itoa(s.rateLimiter.GetRetryAfter(ip)))
		s.logger.Warn().Str("ip", ip).Str("path", route.Path).Msg("Rate limit exceeded")
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	rawBody, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.options.MaxBodyBytes))
	if err != nil {
		s.logger.Warn().Err(err).Str("path", route.Path).Msg("Failed to read request body")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if route.Secret != "" {
		signature := r.Header.Get(route.SignatureHeader)
		if !VerifySignature(rawBody, signature, route.Secret, route.SignatureScheme) {
			s.logger.Warn().
				Str("path", route.Path).
				Str("ip", ip).
				Msg("Invalid webhook signature")
			s.metricsTracker.Track(route.Path, route.Method, false, msSince(startTime))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	timeout := route.Timeout
	if timeout == 0 {
		timeout = s.options.DefaultTimeout
	}

	response, err := s.executeHandler(r.Context(), route.Handler, newRequest(r, rawBody, ip), timeout)
	duration := msSince(startTime)
	success := err == nil && response.Status < http.StatusInternalServerError
	s.metricsTracker.Track(route.Path, route.Method, success, duration)

	if err != nil {
		s.logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("ip", ip).
			Float64("duration_ms", duration).
			Msg("Webhook request failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.logger.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("ip", ip).
		Float64("duration_ms", duration).
		Int("status", response.Status).
		Msg("Webhook request completed")

	sendResponse(w, response)
}

func newRequest(r *http.Request, body []byte, ip string) Request {
	req := Request{
		Body:     body,
		Headers:  make(map[string]string, len(r.Header)),
		Query:    make(map[string]string),
		RemoteIP: ip,
	}
	for key, values := range r.Header {
		if len(values) > 0 {
			req.Headers[key] = values[0]
		}
	}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			req.Query[key] = values[0]
		}
	}
	return req
}

// executeHandler runs a handler with a timeout
func (s *Server) executeHandler(parent context.Context, handler Handler, req Request, timeout time.Duration) (Response, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type result struct {
		response Response
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resultChan <- result{err: fmt.Errorf("handler panic: %v", rec)}
			}
		}()
		response, err := handler(ctx, req)
		resultChan <- result{response, err}
	}()

	select {
	case res := <-resultChan:
		return res.response, res.err
	case <-ctx.Done():
		s.logger.Error().
			Dur("timeout", timeout).
			Msg("Webhook handler timed out")
		return Response{
			Status: http.StatusGatewayTimeout,
			Body:   map[string]string{"error": "Gateway Timeout"},
		}, nil
	}
}

func sendResponse(w http.ResponseWriter, response Response) {
	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	status := response.Status
	if status == 0 {
		status = http.StatusOK
	}
	if response.Body == nil {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, response.Body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// clientIP extracts the client IP from the request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}

func (s *Server) getRoute(path string, method string) *Route {
	s.routesMu.RLock()
	defer s.routesMu.RUnlock()
	return s.routes[routeKey(method, path)]
}

// RegisterRoute registers a webhook endpoint
func (s *Server) RegisterRoute(route Route) error {
	if !strings.HasPrefix(route.Path, "/") {
		return fmt.Errorf("webhook path must start with /")
	}

	validMethods := map[string]bool{
		http.MethodPost:   true,
		http.MethodGet:    true,
		http.MethodPut:    true,
		http.MethodDelete: true,
	}
	if !validMethods[route.Method] {
		return fmt.Errorf("invalid HTTP method: %s", route.Method)
	}
	if route.Handler == nil {
		return fmt.Errorf("webhook handler is required")
	}
	if route.Secret != "" {
		if route.SignatureHeader == "" {
			return fmt.Errorf("signature header is required for signed route %s", route.Path)
		}
		if route.SignatureScheme != SchemeHexSHA256 && route.SignatureScheme != SchemeBase64SHA256 {
			return fmt.Errorf("unsupported signature scheme: %q", route.SignatureScheme)
		}
	}

	s.routesMu.Lock()
	s.routes[routeKey(route.Method, route.Path)] = &route
	s.routesMu.Unlock()

	s.logger.Info().
		Str("path", route.Path).
		Str("method", route.Method).
		Bool("signed", route.Secret != "").
		Msg("Webhook route registered")
	return nil
}

// UnregisterRoute removes a webhook endpoint
func (s *Server) UnregisterRoute(path string, method string) bool {
	key := routeKey(method, path)

	s.routesMu.Lock()
	_, exists := s.routes[key]
	delete(s.routes, key)
	s.routesMu.Unlock()

	if exists {
		s.logger.Info().Str("path", path).Str("method", method).Msg("Webhook route unregistered")
	}
	return exists
}

// Routes lists registered routes ordered by path
func (s *Server) Routes() []RouteInfo {
	s.routesMu.RLock()
	defer s.routesMu.RUnlock()

	infos := make([]RouteInfo, 0, len(s.routes))
	for _, route := range s.routes {
		infos = append(infos, RouteInfo{
			Path:            route.Path,
			Method:          route.Method,
			Signed:          route.Secret != "",
			SignatureHeader: route.SignatureHeader,
			Timeout:         route.Timeout.Milliseconds(),
			Description:     route.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return routeKey(infos[i].Method, infos[i].Path) < routeKey(infos[j].Method, infos[j].Path)
	})
	return infos
}

// GetMetrics returns all route metrics
func (s *Server) GetMetrics() []RouteMetrics {
	return s.metricsTracker.GetMetrics()
}

// GetMetricsForRoute returns metrics for a specific route
func (s *Server) GetMetricsForRoute(path string, method string) *RouteMetrics {
	return s.metricsTracker.GetMetricsForRoute(path, method)
}
