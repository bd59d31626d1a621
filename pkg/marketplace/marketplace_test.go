package marketplace

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portbridge/portbridge/pkg/config"
	perrors "github.com/portbridge/portbridge/pkg/errors"
	"github.com/portbridge/portbridge/pkg/logger"
	"github.com/portbridge/portbridge/pkg/transport/types"
)

func testCatalog() Catalog {
	return Catalog{
		Version: "1",
		Templates: map[string]types.ServiceConfig{
			"filesystem": {
				Transport:    types.TransportTypeStdio,
				Command:      "npx",
				Args:         []string{"@modelcontextprotocol/server-filesystem"},
				Description:  "Local file access",
				Capabilities: []string{"files", "read", "write"},
			},
			"weather": {
				Transport:    types.TransportTypeHTTP,
				Endpoint:     "https://weather.example/mcp",
				Description:  "Forecast lookups",
				Capabilities: []string{"forecast"},
			},
		},
	}
}

// catalogServer serves the catalog, optionally signing the body with key.
func catalogServer(t *testing.T, catalog Catalog, key string, hits *atomic.Int32) *httptest.Server {
	t.Helper()

	body, err := json.Marshal(catalog)
	require.NoError(t, err)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if key != "" {
			mac := hmac.New(sha256.New, []byte(key))
			mac.Write(body)
			w.Header().Set(SignatureHeader, hex.EncodeToString(mac.Sum(nil)))
		}
		_, _ = w.Write(body)
	}))
}

func newTestClient(url, key string, ttl time.Duration) *Client {
	return NewClient(config.Marketplace{URL: url, HMACKey: key, CacheTTL: ttl, Timeout: 2 * time.Second})
}

func TestNewClientDisabledWithoutURL(t *testing.T) {
	t.Parallel()

	c := NewClient(config.Marketplace{})
	assert.Nil(t, c)
	assert.False(t, c.Enabled())

	_, err := c.GetCatalog(context.Background())
	require.Error(t, err)
	assert.Equal(t, perrors.CodeDisabled, perrors.Code(err))
	assert.Equal(t, http.StatusNotImplemented, perrors.Status(err))
}

func TestGetCatalog(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, testCatalog(), "", nil)
	defer srv.Close()

	c := newTestClient(srv.URL, "", time.Minute)
	require.True(t, c.Enabled())

	catalog, err := c.GetCatalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", catalog.Version)
	assert.Len(t, catalog.Templates, 2)
}

func TestGetCatalogServesFromCache(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := catalogServer(t, testCatalog(), "", &hits)
	defer srv.Close()

	c := newTestClient(srv.URL, "", time.Minute)
	ctx := context.Background()

	_, err := c.GetCatalog(ctx)
	require.NoError(t, err)
	_, err = c.GetCatalog(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(1), hits.Load())
}

func TestGetCatalogFallsBackToStaleCache(t *testing.T) {
	t.Parallel()
	logger.Initialize()

	srv := catalogServer(t, testCatalog(), "", nil)

	// A zero TTL makes every call refetch.
	c := newTestClient(srv.URL, "", 0)
	ctx := context.Background()

	_, err := c.GetCatalog(ctx)
	require.NoError(t, err)

	srv.Close()

	catalog, err := c.GetCatalog(ctx)
	require.NoError(t, err)
	assert.Len(t, catalog.Templates, 2)
}

func TestGetCatalogUnavailableWithoutCache(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, testCatalog(), "", nil)
	srv.Close()

	c := newTestClient(srv.URL, "", time.Minute)
	_, err := c.GetCatalog(context.Background())
	require.Error(t, err)
	assert.Equal(t, perrors.CodeUnavailable, perrors.Code(err))
}

func TestSignatureVerification(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, testCatalog(), "topsecret", nil)
	defer srv.Close()

	c := newTestClient(srv.URL, "topsecret", time.Minute)
	_, err := c.GetCatalog(context.Background())
	assert.NoError(t, err)
}

func TestSignatureMismatch(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, testCatalog(), "other-key", nil)
	defer srv.Close()

	c := newTestClient(srv.URL, "topsecret", time.Minute)
	_, err := c.GetCatalog(context.Background())
	require.Error(t, err)
	assert.Equal(t, perrors.CodeBadResponse, perrors.Code(err))
	assert.Equal(t, http.StatusBadGateway, perrors.Status(err))
}

func TestSignatureMissingHeader(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, testCatalog(), "", nil)
	defer srv.Close()

	c := newTestClient(srv.URL, "topsecret", time.Minute)
	_, err := c.GetCatalog(context.Background())
	require.Error(t, err)
	assert.Equal(t, perrors.CodeBadResponse, perrors.Code(err))
}

func TestBadJSONBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "", time.Minute)
	_, err := c.GetCatalog(context.Background())
	require.Error(t, err)
	assert.Equal(t, perrors.CodeBadResponse, perrors.Code(err))
}

func TestGetCatalogFromFile(t *testing.T) {
	t.Parallel()

	body, err := json.Marshal(testCatalog())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	c := NewClient(config.Marketplace{Path: path, CacheTTL: time.Minute})
	require.True(t, c.Enabled())

	catalog, err := c.GetCatalog(context.Background())
	require.NoError(t, err)
	assert.Len(t, catalog.Templates, 2)
}

func TestGetCatalogFileMissing(t *testing.T) {
	t.Parallel()

	c := NewClient(config.Marketplace{Path: filepath.Join(t.TempDir(), "nope.json")})
	_, err := c.GetCatalog(context.Background())
	require.Error(t, err)
	assert.Equal(t, perrors.CodeUnavailable, perrors.Code(err))
}

func TestFetchSendsBearerToken(t *testing.T) {
	t.Parallel()

	body, err := json.Marshal(testCatalog())
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer cat-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(config.Marketplace{URL: srv.URL, Token: "cat-token", CacheTTL: time.Minute, Timeout: 2 * time.Second})
	catalog, err := c.GetCatalog(context.Background())
	require.NoError(t, err)
	assert.Len(t, catalog.Templates, 2)
}

func TestFetchSendsBasicAuth(t *testing.T) {
	t.Parallel()

	body, err := json.Marshal(testCatalog())
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "svc" || pass != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(config.Marketplace{URL: srv.URL, BasicAuth: "svc:hunter2", CacheTTL: time.Minute, Timeout: 2 * time.Second})
	catalog, err := c.GetCatalog(context.Background())
	require.NoError(t, err)
	assert.Len(t, catalog.Templates, 2)
}

func TestSearch(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, testCatalog(), "", nil)
	defer srv.Close()

	c := newTestClient(srv.URL, "", time.Minute)
	ctx := context.Background()

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"by name", "filesystem", []string{"filesystem"}},
		{"by description", "forecast lookups", []string{"weather"}},
		{"by capability", "files", []string{"filesystem"}},
		{"case insensitive", "FILESYSTEM", []string{"filesystem"}},
		{"empty matches all", "", []string{"filesystem", "weather"}},
		{"no match", "database", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := c.Search(ctx, tt.query)
			require.NoError(t, err)

			var names []string
			for _, r := range results {
				names = append(names, r.Name)
			}
			assert.ElementsMatch(t, tt.want, names)
		})
	}
}
