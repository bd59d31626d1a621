package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"github.com/portbridge/portbridge/pkg/pairing"
)

const localOrigin = "http://localhost:5173"

// localDo issues a request against the local pairing surface with the Origin
// header and optional LocalMCP session token.
func (g *testGateway) localDo(t *testing.T, method, path, sessionToken string, body any) (int, map[string]any) {
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
	req.Header.Set("Origin", localOrigin)
	if sessionToken != "" {
		req.Header.Set("Authorization", "LocalMCP "+sessionToken)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

// pairLocalSession runs the full browser-side pairing flow over HTTP.
func (g *testGateway) pairLocalSession(t *testing.T) string {
	t.Helper()

	status, body := g.localDo(t, http.MethodGet, "/local-proxy/code", "", nil)
	require.Equal(t, http.StatusOK, status)
	code := body["code"].(string)
	require.Len(t, code, 8)

	clientNonce := "test-nonce"
	proof := sha256.Sum256([]byte(code + "|" + localOrigin + "|" + clientNonce))

	status, body = g.localDo(t, http.MethodPost, "/handshake/init", "", map[string]any{
		"clientNonce": clientNonce,
		"codeProof":   hex.EncodeToString(proof[:]),
	})
	require.Equal(t, http.StatusOK, status)
	handshakeID := body["handshakeId"].(string)
	serverNonce := body["serverNonce"].(string)
	require.Equal(t, pairing.KDFName, body["kdf"])

	status, _ = g.localDo(t, http.MethodPost, "/handshake/approve", "", map[string]any{
		"handshakeId": handshakeID,
		"approve":     true,
	})
	require.Equal(t, http.StatusOK, status)

	salt, err := base64.StdEncoding.DecodeString(serverNonce)
	require.NoError(t, err)
	key := pbkdf2.Key([]byte(code), salt, pairing.KDFIterations, pairing.KDFLength, sha256.New)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(localOrigin + "|" + clientNonce + "|" + handshakeID))

	status, body = g.localDo(t, http.MethodPost, "/handshake/confirm", "", map[string]any{
		"handshakeId": handshakeID,
		"response":    base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	})
	require.Equal(t, http.StatusOK, status)
	return body["sessionToken"].(string)
}

func TestLocalPairingFlow(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	_, _ = g.do(t, http.MethodPost, "/api/templates", g.adminKey, stdioTemplateBody("echo"))
	_, _ = g.do(t, http.MethodPost, "/api/services", g.adminKey, map[string]any{"templateName": "echo"})

	token := g.pairLocalSession(t)
	require.NotEmpty(t, token)

	status, body := g.localDo(t, http.MethodGet, "/tools", token, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])
	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].(map[string]any)["name"])

	status, body = g.localDo(t, http.MethodPost, "/call", token, map[string]any{
		"tool":   "echo",
		"params": map[string]any{"text": "hi"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, map[string]any{"echo": "tools/call"}, body["result"])
}

func TestLocalRoutesRequireOrigin(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)

	resp, err := http.Get(g.srv.URL + "/local-proxy/code")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ORIGIN_REQUIRED", body["error"].(map[string]any)["code"])
}

func TestToolsRequireSession(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	status, body := g.localDo(t, http.MethodGet, "/tools", "", nil)

	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", body["error"].(map[string]any)["code"])
}

func TestCallWithoutRunningService(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	token := g.pairLocalSession(t)

	status, body := g.localDo(t, http.MethodPost, "/call", token, map[string]any{"tool": "echo"})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "NOT_READY", body["error"].(map[string]any)["code"])
}

func TestCallRequiresToolName(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t)
	token := g.pairLocalSession(t)

	status, body := g.localDo(t, http.MethodPost, "/call", token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "BAD_REQUEST", body["error"].(map[string]any)["code"])
}
