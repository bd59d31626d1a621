package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portbridge/portbridge/pkg/auth"
	"github.com/portbridge/portbridge/pkg/config"
	"github.com/portbridge/portbridge/pkg/health"
	"github.com/portbridge/portbridge/pkg/logbus"
	"github.com/portbridge/portbridge/pkg/logger"
	"github.com/portbridge/portbridge/pkg/metrics"
	"github.com/portbridge/portbridge/pkg/pairing"
	"github.com/portbridge/portbridge/pkg/registry"
	"github.com/portbridge/portbridge/pkg/router"
	"github.com/portbridge/portbridge/pkg/sandbox"
	"github.com/portbridge/portbridge/pkg/transport"
	"github.com/portbridge/portbridge/pkg/transport/types"
)

// echoAdapter answers every request with an echo of its method.
type echoAdapter struct {
	events chan types.Event
	once   sync.Once
}

func newEchoAdapter() *echoAdapter {
	return &echoAdapter{events: make(chan types.Event, 16)}
}

func (*echoAdapter) Connect(context.Context) error { return nil }

func (*echoAdapter) Send(context.Context, *transport.JSONRPCMessage) error { return nil }

func (*echoAdapter) SendAndReceive(_ context.Context, msg *transport.JSONRPCMessage) (*transport.JSONRPCMessage, error) {
	if msg.Method == "tools/list" {
		return transport.NewResponseMessage(msg.ID, map[string]any{
			"tools": []map[string]any{
				{"name": "echo", "description": "echoes its input", "inputSchema": map[string]any{"type": "object"}},
			},
		})
	}
	return transport.NewResponseMessage(msg.ID, map[string]any{"echo": msg.Method})
}

func (a *echoAdapter) Disconnect(context.Context) error {
	a.once.Do(func() { close(a.events) })
	return nil
}

func (a *echoAdapter) Events() <-chan types.Event { return a.events }
func (*echoAdapter) PID() int                     { return 1234 }

func echoFactory(types.ServiceConfig) (transport.Adapter, error) {
	return newEchoAdapter(), nil
}

type testGateway struct {
	srv      *httptest.Server
	adminKey string
	readKey  string
	registry *registry.Registry
	bus      *logbus.Bus
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	logger.Initialize()

	bus := logbus.New()
	reg := registry.NewRegistry(
		registry.WithFactory(echoFactory),
		registry.WithLogBus(bus),
		registry.WithDebounce(time.Millisecond),
	)
	checker := health.NewChecker(
		func() []health.Target { return nil },
		func(context.Context, health.Target) health.ProbeResult {
			return health.ProbeResult{Healthy: true, LatencyMS: 1, Timestamp: time.Now()}
		},
	)
	authStore := auth.NewStore()
	adminKey, err := authStore.CreateAPIKey("admin", []string{auth.PermissionAll})
	require.NoError(t, err)
	readKey, err := authStore.CreateAPIKey("reader", []string{auth.PermissionRead})
	require.NoError(t, err)

	handler := Handler(Deps{
		Settings:    &config.Settings{Host: config.DefaultHost, Port: config.DefaultPort},
		Registry:    reg,
		Checker:     checker,
		Bus:         bus,
		Router:      router.New(router.StrategyRoundRobin),
		Auth:        authStore,
		Pairing:     pairing.NewManager(),
		Provisioner: sandbox.NewProvisioner(t.TempDir()),
		Marketplace: nil,
		Metrics:     metrics.New(),
		Factory:     echoFactory,
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	return &testGateway{
		srv:      srv,
		adminKey: adminKey.Key,
		readKey:  readKey.Key,
		registry: reg,
		bus:      bus,
	}
}

// do issues a request with the given key and decodes the JSON response.
func (g *testGateway) do(t *testing.T, method, path, key string, body any) (int, map[string]any) {
	t.Helper()

	var payload *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewBuffer(raw)
	} else {
		payload = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, g.srv.URL+path, payload)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func stdioTemplateBody(name string) map[string]any {
	return map[string]any{
		"name":      name,
		"transport": "stdio",
		"command":   "cat",
		"timeout":   2000,
	}
}

func TestHealthcheckIsPublic(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	status, body := g.do(t, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "up", body["services"].(map[string]any)["registry"])
}

func TestAPIRequiresCredential(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	status, body := g.do(t, http.MethodGet, "/api/services", "", nil)

	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, false, body["success"])

	errObj := body["error"].(map[string]any)
	assert.Equal(t, "UNAUTHORIZED", errObj["code"])
	assert.Equal(t, "authentication required", errObj["message"])
	assert.Equal(t, true, errObj["recoverable"])
}

func TestReadKeyCannotWrite(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)

	status, _ := g.do(t, http.MethodGet, "/api/services", g.readKey, nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := g.do(t, http.MethodPost, "/api/templates", g.readKey, stdioTemplateBody("echo"))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", body["error"].(map[string]any)["code"])
}

func TestBearerTokenAuthentication(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)

	status, body := g.do(t, http.MethodPost, "/api/auth/token", g.adminKey, map[string]any{
		"userId":         "ci",
		"permissions":    []string{"read"},
		"expiresInHours": 1,
	})
	require.Equal(t, http.StatusCreated, status)
	token := body["token"].(map[string]any)["token"].(string)

	req, err := http.NewRequest(http.MethodGet, g.srv.URL+"/api/services", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)

	status, body := g.do(t, http.MethodPost, "/api/templates", g.adminKey, stdioTemplateBody("echo"))
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, true, body["success"])

	status, body = g.do(t, http.MethodPost, "/api/services", g.adminKey, map[string]any{"templateName": "echo"})
	require.Equal(t, http.StatusCreated, status)
	serviceID := body["serviceId"].(string)
	require.NotEmpty(t, serviceID)

	status, body = g.do(t, http.MethodGet, "/api/services/"+serviceID, g.adminKey, nil)
	require.Equal(t, http.StatusOK, status)
	svc := body["service"].(map[string]any)
	assert.Equal(t, "running", svc["state"])

	status, body = g.do(t, http.MethodPatch, "/api/services/"+serviceID+"/env", g.adminKey, map[string]any{
		"env": map[string]string{"FOO": "bar"},
	})
	require.Equal(t, http.StatusOK, status)
	newID := body["serviceId"].(string)
	assert.NotEqual(t, serviceID, newID)

	// The old instance is gone after reincarnation.
	status, _ = g.do(t, http.MethodGet, "/api/services/"+serviceID, g.adminKey, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = g.do(t, http.MethodDelete, "/api/services/"+newID, g.adminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])

	status, body = g.do(t, http.MethodDelete, "/api/services/"+newID, g.adminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body["message"], "already stopped")
}

func TestGetUnknownServiceReturns404(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	status, body := g.do(t, http.MethodGet, "/api/services/missing", g.adminKey, nil)

	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body["error"].(map[string]any)["code"])
}

func TestCreateServiceRequiresBody(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	status, body := g.do(t, http.MethodPost, "/api/services", g.adminKey, nil)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "BAD_REQUEST", body["error"].(map[string]any)["code"])
}

func TestRouteAlternatesAcrossInstances(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	_, _ = g.do(t, http.MethodPost, "/api/templates", g.adminKey, stdioTemplateBody("echo"))

	var ids []string
	for i := 0; i < 2; i++ {
		_, body := g.do(t, http.MethodPost, "/api/services", g.adminKey, map[string]any{"templateName": "echo"})
		ids = append(ids, body["serviceId"].(string))
	}

	var picks []string
	for i := 0; i < 4; i++ {
		status, body := g.do(t, http.MethodPost, "/api/route", g.adminKey, map[string]any{
			"method":       "tools/list",
			"serviceGroup": "echo",
		})
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, true, body["success"])
		picks = append(picks, body["selectedService"].(string))
	}

	assert.ElementsMatch(t, ids, []string{picks[0], picks[1]})
	assert.Equal(t, picks[0], picks[2])
	assert.Equal(t, picks[1], picks[3])

	status, body := g.do(t, http.MethodGet, "/api/route/metrics", g.adminKey, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(4), body["totalRequests"])
}

func TestRouteWithoutCandidates(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	status, body := g.do(t, http.MethodPost, "/api/route", g.adminKey, map[string]any{
		"method":       "tools/list",
		"serviceGroup": "ghost",
	})

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["success"])
	decision := body["routingDecision"].(map[string]any)
	assert.Equal(t, "No services available", decision["error"])
}

func TestProxyCallReachesService(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	_, _ = g.do(t, http.MethodPost, "/api/templates", g.adminKey, stdioTemplateBody("echo"))
	_, body := g.do(t, http.MethodPost, "/api/services", g.adminKey, map[string]any{"templateName": "echo"})
	serviceID := body["serviceId"].(string)

	status, resp := g.do(t, http.MethodPost, "/api/proxy/"+serviceID, g.adminKey, map[string]any{
		"jsonrpc": "2.0",
		"id":      "1",
		"method":  "ping",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "2.0", resp["jsonrpc"])
	assert.Equal(t, map[string]any{"echo": "ping"}, resp["result"])
}

func TestLogsTail(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	for i := 0; i < 5; i++ {
		g.bus.Append(logbus.Entry{Level: "info", Message: "entry"})
	}

	req, err := http.NewRequest(http.MethodGet, g.srv.URL+"/api/logs?limit=3", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", g.readKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []logbus.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.Len(t, entries, 3)
}

func TestSandboxStatus(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	status, body := g.do(t, http.MethodGet, "/api/sandbox/status", g.readKey, nil)

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["node"])
	assert.Equal(t, false, body["packages"])
}

func TestMarketplaceDisabled(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	status, body := g.do(t, http.MethodGet, "/api/marketplace/catalog", g.readKey, nil)

	assert.Equal(t, http.StatusNotImplemented, status)
	assert.Equal(t, "DISABLED", body["error"].(map[string]any)["code"])
}

func TestAuthEndpointsRequireAdmin(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	status, _ := g.do(t, http.MethodGet, "/api/auth/apikeys", g.readKey, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = g.do(t, http.MethodGet, "/api/auth/apikeys", g.adminKey, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestPrometheusEndpointIsPublic(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	resp, err := http.Get(g.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCredentialsFromRequest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/api/services", nil)
	r.Header.Set("Authorization", "Bearer tok-123")
	r.Header.Set("X-API-Token", "key-456")

	req := credentialsFromRequest(r)
	assert.Equal(t, "tok-123", req.Token)
	assert.Equal(t, "key-456", req.APIKey)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/api/services", req.Resource)
}
