// Package server exposes the authenticated tenant-routing HTTP surface and
// the unauthenticated health endpoint.
package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/mcpgate/mcpgate/errs"
	"github.com/mcpgate/mcpgate/internal/auth"
	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/route"
	"github.com/mcpgate/mcpgate/internal/snapshot"
)

const (
	maxRPCBodyBytes int64 = 32 << 20 // 32 MiB

	healthPath = "/healthz"

	initializedMethod = "notifications/initialized"
	jsonrpcVersion    = "2.0"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	logger    *log.Logger
	store     *auth.Store
	resolver  *route.Resolver
	lifecycle *snapshot.Manager

	// rejectLimiter throttles responses to failed authentication so the
	// endpoint cannot be used as a fast token oracle.
	rejectLimiter *rate.Limiter

	proxies sync.Map // instance name -> *httputil.ReverseProxy

	requestCount metric.Int64Counter
}

// NewHandler assembles the gateway's HTTP handler: the routed endpoint under
// routerCfg.EndpointPath plus /healthz.
func NewHandler(routerCfg config.RouterConfig, authCfg config.AuthConfig, store *auth.Store, resolver *route.Resolver, lifecycle *snapshot.Manager, logger *log.Logger) http.Handler {
	server := &httpServer{
		logger:        logger,
		store:         store,
		resolver:      resolver,
		lifecycle:     lifecycle,
		rejectLimiter: rate.NewLimiter(rate.Limit(authCfg.FailureRate), authCfg.FailureBurst),
	}

	meter := otel.Meter("github.com/mcpgate/mcpgate/internal/server")
	var err error
	server.requestCount, err = meter.Int64Counter("mcpgate.requests",
		metric.WithDescription("Routed requests by outcome."))
	if err != nil {
		logger.Printf("request counter init: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(routerCfg.EndpointPath, server.requireAuth(server.handleEndpoint))
	mux.Handle(routerCfg.EndpointPath+"/", server.requireAuth(server.handleEndpoint))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// requireAuth gates a handler behind bearer authentication and hands it the
// resolved instance name.
func (s *httpServer) requireAuth(next func(http.ResponseWriter, *http.Request, string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.rejectUnauthenticated(r.Context(), w)
			return
		}
		if outcome := s.store.Match(token); outcome.Matched {
			next(w, r, s.resolver.Instance(outcome.RoutingKey))
			return
		}
		s.rejectUnauthenticated(r.Context(), w)
	})
}

// rejectUnauthenticated answers every authentication failure identically so
// the response reveals nothing about which check failed, and rate-limits the
// answers themselves.
func (s *httpServer) rejectUnauthenticated(ctx context.Context, w http.ResponseWriter) {
	if !s.rejectLimiter.Allow() {
		s.count(ctx, "throttled")
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	s.count(ctx, "unauthenticated")
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func (s *httpServer) handleEndpoint(w http.ResponseWriter, r *http.Request, instance string) {
	switch r.Method {
	case http.MethodPost:
		s.handleRPC(w, r, instance)
	case http.MethodGet, http.MethodDelete:
		s.forward(w, r, instance)
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodGet, http.MethodPost)
	}
}

// handleRPC inspects the JSON-RPC payload before forwarding: an id-less
// "notifications/initialized" notification expects no response from the
// backend, so the gateway acknowledges it directly.
func (s *httpServer) handleRPC(w http.ResponseWriter, r *http.Request, instance string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isRequestTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read request body")
		return
	}
	_ = r.Body.Close()

	if isInitializedNotification(body) {
		s.count(r.Context(), "short_circuit")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	s.forward(w, r, instance)
}

func (s *httpServer) forward(w http.ResponseWriter, r *http.Request, instance string) {
	proxy, err := s.proxyFor(instance)
	if err != nil {
		s.logger.Printf("resolve upstream for %s: %v", instance, err)
		s.count(r.Context(), "misrouted")
		writeErrorCode(w, http.StatusInternalServerError, errs.CodeMisconfigured, "upstream address invalid")
		return
	}
	s.count(r.Context(), "forwarded")
	proxy.ServeHTTP(w, r)
}

// proxyFor returns the cached reverse proxy for an instance, building it on
// first use. The instance set is bounded by the credential count, so the
// cache never needs eviction.
func (s *httpServer) proxyFor(instance string) (*httputil.ReverseProxy, error) {
	if cached, ok := s.proxies.Load(instance); ok {
		return cached.(*httputil.ReverseProxy), nil
	}
	upstream, err := s.resolver.Upstream(instance)
	if err != nil {
		return nil, err
	}
	proxy := s.newProxy(upstream)
	actual, _ := s.proxies.LoadOrStore(instance, proxy)
	return actual.(*httputil.ReverseProxy), nil
}

func (s *httpServer) newProxy(upstream *url.URL) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	// The GET surface is a long-lived event stream; flush every write.
	proxy.FlushInterval = -1
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Printf("forward %s %s to %s: %v", r.Method, r.URL.Path, upstream.Host, err)
		s.count(r.Context(), "backend_unavailable")
		writeErrorCode(w, http.StatusBadGateway, errs.CodeUnavailable, "backend unavailable")
	}
	return proxy
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"generation": s.resolver.Generation(),
		"mode":       string(s.store.Mode()),
		"snapshot":   s.lifecycle.Status(),
	})
}

func (s *httpServer) count(ctx context.Context, outcome string) {
	if s.requestCount == nil {
		return
	}
	s.requestCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// isInitializedNotification reports whether the payload is an id-less
// JSON-RPC 2.0 "notifications/initialized". A payload carrying an id member,
// even a null one, is a request and must reach the backend.
func isInitializedNotification(body []byte) bool {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return false
	}
	if _, hasID := msg["id"]; hasID {
		return false
	}
	var version string
	if raw, ok := msg["jsonrpc"]; !ok || json.Unmarshal(raw, &version) != nil || version != jsonrpcVersion {
		return false
	}
	var method string
	if raw, ok := msg["method"]; !ok || json.Unmarshal(raw, &method) != nil || method != initializedMethod {
		return false
	}
	return true
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

// writeErrorCode tags the error body with a machine-readable code so callers
// can tell gateway-originated failures apart from backend responses.
func writeErrorCode(w http.ResponseWriter, status int, code errs.Code, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "code": string(code), "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
