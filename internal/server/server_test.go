package server

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/internal/auth"
	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/route"
	"github.com/mcpgate/mcpgate/internal/snapshot"
)

const testToken = "gw-secret-token"

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type backendRecorder struct {
	hits atomic.Int64
	last atomic.Pointer[recordedRequest]
}

func (b *backendRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.hits.Add(1)
		b.last.Store(&recordedRequest{Method: r.Method, Path: r.URL.Path, Body: string(body)})
		w.Header().Set("X-Backend", "reached")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	})
}

func newTestGateway(t *testing.T, upstreamPattern string, authCfg config.AuthConfig) http.Handler {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	store, err := auth.NewStore(testToken, nil)
	require.NoError(t, err)

	resolver := route.NewResolver("v1", upstreamPattern)
	lifecycle := snapshot.NewManager(nil, snapshot.Options{Enabled: false}, logger, nil)

	routerCfg := config.RouterConfig{EndpointPath: "/mcp"}
	return NewHandler(routerCfg, authCfg, store, resolver, lifecycle, logger)
}

func defaultAuthCfg() config.AuthConfig {
	return config.AuthConfig{FailureRate: 1000, FailureBurst: 1000}
}

func doRequest(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRejectsMissingAndUnknownTokens(t *testing.T) {
	backend := new(backendRecorder)
	upstream := httptest.NewServer(backend.handler())
	defer upstream.Close()

	gateway := newTestGateway(t, upstream.URL, defaultAuthCfg())

	tests := []struct {
		name   string
		header string
	}{
		{name: "no header", header: ""},
		{name: "wrong token", header: "not-the-token"},
		{name: "empty bearer", header: " "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, gateway, http.MethodPost, "/mcp", tt.header, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
		})
	}
	require.Equal(t, int64(0), backend.hits.Load(), "rejected requests must never reach the backend")
}

func TestForwardsAuthenticatedMethods(t *testing.T) {
	backend := new(backendRecorder)
	upstream := httptest.NewServer(backend.handler())
	defer upstream.Close()

	gateway := newTestGateway(t, upstream.URL, defaultAuthCfg())

	tests := []struct {
		method string
		body   string
	}{
		{method: http.MethodPost, body: `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`},
		{method: http.MethodGet, body: ""},
		{method: http.MethodDelete, body: ""},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			rec := doRequest(t, gateway, tt.method, "/mcp", testToken, tt.body)
			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, "reached", rec.Header().Get("X-Backend"), "backend response headers must be relayed")

			last := backend.last.Load()
			require.NotNil(t, last)
			require.Equal(t, tt.method, last.Method)
			require.Equal(t, "/mcp", last.Path)
			require.Equal(t, tt.body, last.Body, "request body must be relayed unmodified")
		})
	}
}

func TestMethodNotAllowedOnEndpoint(t *testing.T) {
	backend := new(backendRecorder)
	upstream := httptest.NewServer(backend.handler())
	defer upstream.Close()

	gateway := newTestGateway(t, upstream.URL, defaultAuthCfg())
	rec := doRequest(t, gateway, http.MethodPut, "/mcp", testToken, "{}")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, int64(0), backend.hits.Load())
}

func TestInitializedNotificationShortCircuit(t *testing.T) {
	backend := new(backendRecorder)
	upstream := httptest.NewServer(backend.handler())
	defer upstream.Close()

	gateway := newTestGateway(t, upstream.URL, defaultAuthCfg())

	tests := []struct {
		name      string
		body      string
		forwarded bool
		status    int
	}{
		{
			name:      "id-less initialized notification acknowledged locally",
			body:      `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			forwarded: false,
			status:    http.StatusAccepted,
		},
		{
			name:      "null id still forwarded",
			body:      `{"jsonrpc":"2.0","id":null,"method":"notifications/initialized"}`,
			forwarded: true,
			status:    http.StatusOK,
		},
		{
			name:      "numeric id forwarded",
			body:      `{"jsonrpc":"2.0","id":4,"method":"notifications/initialized"}`,
			forwarded: true,
			status:    http.StatusOK,
		},
		{
			name:      "other notification forwarded",
			body:      `{"jsonrpc":"2.0","method":"notifications/progress"}`,
			forwarded: true,
			status:    http.StatusOK,
		},
		{
			name:      "wrong version forwarded",
			body:      `{"jsonrpc":"1.0","method":"notifications/initialized"}`,
			forwarded: true,
			status:    http.StatusOK,
		},
		{
			name:      "non-object payload forwarded",
			body:      `[1,2,3]`,
			forwarded: true,
			status:    http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := backend.hits.Load()
			rec := doRequest(t, gateway, http.MethodPost, "/mcp", testToken, tt.body)
			require.Equal(t, tt.status, rec.Code)
			if tt.forwarded {
				require.Equal(t, before+1, backend.hits.Load())
				require.Equal(t, tt.body, backend.last.Load().Body)
			} else {
				require.Equal(t, before, backend.hits.Load())
			}
		})
	}
}

func TestBackendUnavailableIsDistinguishable(t *testing.T) {
	// Claim a port then close it so the forward dials a dead address.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	gateway := newTestGateway(t, deadURL, defaultAuthCfg())
	rec := doRequest(t, gateway, http.MethodPost, "/mcp", testToken, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "error", payload["status"])
	require.Equal(t, "backend_unavailable", payload["code"])
}

func TestHealthIsUnauthenticated(t *testing.T) {
	backend := new(backendRecorder)
	upstream := httptest.NewServer(backend.handler())
	defer upstream.Close()

	gateway := newTestGateway(t, upstream.URL, defaultAuthCfg())
	rec := doRequest(t, gateway, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Status     string `json:"status"`
		Generation string `json:"generation"`
		Mode       string `json:"mode"`
		Snapshot   struct {
			State string `json:"state"`
		} `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "ok", payload.Status)
	require.Equal(t, "v1", payload.Generation)
	require.Equal(t, "single", payload.Mode)
	require.Equal(t, "disabled", payload.Snapshot.State)
}

func TestHealthReportsDegradedLifecycle(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	store, err := auth.NewStore(testToken, nil)
	require.NoError(t, err)
	resolver := route.NewResolver("v1", "http://127.0.0.1:24282")

	// Enabled snapshots with no object store degrade at restore time; the
	// health endpoint must surface that.
	lifecycle := snapshot.NewManager(nil, snapshot.Options{Enabled: true}, logger, nil)
	require.NoError(t, lifecycle.Restore(context.Background()))

	gateway := NewHandler(config.RouterConfig{EndpointPath: "/mcp"}, defaultAuthCfg(), store, resolver, lifecycle, logger)
	rec := doRequest(t, gateway, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Snapshot struct {
			State string `json:"state"`
		} `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "degraded", payload.Snapshot.State)
}

func TestFailedAuthIsRateLimited(t *testing.T) {
	backend := new(backendRecorder)
	upstream := httptest.NewServer(backend.handler())
	defer upstream.Close()

	// Rate near zero so the burst is the whole allowance within the test.
	gateway := newTestGateway(t, upstream.URL, config.AuthConfig{FailureRate: 0.001, FailureBurst: 2})

	for i := 0; i < 2; i++ {
		rec := doRequest(t, gateway, http.MethodPost, "/mcp", "wrong", "{}")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := doRequest(t, gateway, http.MethodPost, "/mcp", "wrong", "{}")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A valid credential is unaffected by the failure limiter.
	ok := doRequest(t, gateway, http.MethodPost, "/mcp", testToken, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.Equal(t, http.StatusOK, ok.Code)
}

func TestMultiTokenRoutingSeparatesTenants(t *testing.T) {
	// The backend echoes the request path; with the instance name embedded in
	// the upstream pattern, the echoed path reveals which instance each
	// credential resolved to.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer backend.Close()

	logger := log.New(io.Discard, "", 0)
	store, err := auth.NewStore("", map[string]string{"alice": "tok-alice", "bob": "tok-bob"})
	require.NoError(t, err)

	resolver := route.NewResolver("v1", backend.URL+"/{instance}")
	lifecycle := snapshot.NewManager(nil, snapshot.Options{Enabled: false}, logger, nil)
	gateway := NewHandler(config.RouterConfig{EndpointPath: "/mcp"}, defaultAuthCfg(), store, resolver, lifecycle, logger)

	paths := make(map[string]string)
	for _, token := range []string{"tok-alice", "tok-bob"} {
		rec := doRequest(t, gateway, http.MethodGet, "/mcp", token, "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), "/mcp-")
		paths[token] = rec.Body.String()
	}
	require.NotEqual(t, paths["tok-alice"], paths["tok-bob"],
		"distinct credentials must route to distinct instances")
}
