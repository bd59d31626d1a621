// Package marketplace fetches the remote template catalog. The catalog is a
// signed JSON document of service templates that users can import into the
// local registry.
package marketplace

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/portbridge/portbridge/pkg/config"
	perrors "github.com/portbridge/portbridge/pkg/errors"
	"github.com/portbridge/portbridge/pkg/logger"
	"github.com/portbridge/portbridge/pkg/transport/types"
)

// SignatureHeader carries the hex HMAC-SHA256 of the catalog body.
const SignatureHeader = "X-Catalog-Signature"

// maxCatalogSize bounds the catalog document we are willing to parse.
const maxCatalogSize = 10 * 1024 * 1024

// Catalog is the remote template catalog document.
type Catalog struct {
	Version   string                         `json:"version"`
	UpdatedAt time.Time                      `json:"updatedAt"`
	Templates map[string]types.ServiceConfig `json:"templates"`
}

// Client fetches and caches the catalog from a remote URL or a local file.
type Client struct {
	url       string
	path      string
	token     string
	basicAuth string
	hmacKey   []byte
	ttl       time.Duration
	http      *http.Client

	mu        sync.RWMutex
	cached    *Catalog
	cacheTime time.Time
}

// NewClient creates a catalog client from the marketplace settings. A nil
// client is returned when neither a URL nor a path is configured. A local
// path takes precedence over the URL.
func NewClient(cfg config.Marketplace) *Client {
	if cfg.URL == "" && cfg.Path == "" {
		return nil
	}

	var key []byte
	if cfg.HMACKey != "" {
		key = []byte(cfg.HMACKey)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		url:       cfg.URL,
		path:      cfg.Path,
		token:     cfg.Token,
		basicAuth: cfg.BasicAuth,
		hmacKey:   key,
		ttl:       cfg.CacheTTL,
		http:      &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether the catalog is configured.
func (c *Client) Enabled() bool {
	return c != nil
}

// GetCatalog returns the catalog, serving from cache while fresh and falling
// back to a stale cache when the remote fetch fails.
func (c *Client) GetCatalog(ctx context.Context) (*Catalog, error) {
	if c == nil {
		return nil, perrors.New(perrors.CodeDisabled, http.StatusNotImplemented,
			"marketplace catalog is not configured", false, nil)
	}

	c.mu.RLock()
	if c.cached != nil && time.Since(c.cacheTime) < c.ttl {
		catalog := c.cached
		c.mu.RUnlock()
		return catalog, nil
	}
	c.mu.RUnlock()

	catalog, err := c.fetch(ctx)
	if err != nil {
		c.mu.RLock()
		stale := c.cached
		c.mu.RUnlock()
		if stale != nil {
			logger.Warnf("marketplace fetch failed, serving stale catalog: %v", err)
			return stale, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.cached = catalog
	c.cacheTime = time.Now()
	c.mu.Unlock()

	return catalog, nil
}

// Search returns the catalog templates whose name, description, or
// capabilities contain the query, case-insensitively.
func (c *Client) Search(ctx context.Context, query string) ([]types.ServiceConfig, error) {
	catalog, err := c.GetCatalog(ctx)
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(query)
	var results []types.ServiceConfig

	for name, tpl := range catalog.Templates {
		tpl.Name = name
		if query == "" ||
			strings.Contains(strings.ToLower(name), query) ||
			strings.Contains(strings.ToLower(tpl.Description), query) ||
			capabilitiesMatch(tpl.Capabilities, query) {
			results = append(results, tpl)
		}
	}

	return results, nil
}

func capabilitiesMatch(capabilities []string, query string) bool {
	for _, c := range capabilities {
		if strings.Contains(strings.ToLower(c), query) {
			return true
		}
	}
	return false
}

func (c *Client) fetch(ctx context.Context) (*Catalog, error) {
	if c.path != "" {
		return c.fetchFile()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, perrors.NewInternal(perrors.CodeInternal, "failed to build catalog request", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.basicAuth != "" {
		if user, pass, found := strings.Cut(c.basicAuth, ":"); found {
			req.SetBasicAuth(user, pass)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, perrors.NewUnavailable(perrors.CodeUnavailable,
			fmt.Sprintf("failed to fetch catalog from %s: %v", c.url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, perrors.NewUnavailable(perrors.CodeUnavailable,
			fmt.Sprintf("catalog fetch from %s returned %s", c.url, resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogSize))
	if err != nil {
		return nil, perrors.NewUnavailable(perrors.CodeUnavailable,
			fmt.Sprintf("failed to read catalog body: %v", err))
	}

	if len(c.hmacKey) > 0 {
		if err := c.verifySignature(body, resp.Header.Get(SignatureHeader)); err != nil {
			return nil, err
		}
	}

	var catalog Catalog
	if err := json.Unmarshal(body, &catalog); err != nil {
		return nil, perrors.New(perrors.CodeBadResponse, http.StatusBadGateway,
			"catalog document is not valid JSON", false, err)
	}
	if catalog.Templates == nil {
		catalog.Templates = map[string]types.ServiceConfig{}
	}

	return &catalog, nil
}

// fetchFile loads the catalog from the configured local path. Signature
// verification does not apply to local files.
func (c *Client) fetchFile() (*Catalog, error) {
	body, err := os.ReadFile(c.path)
	if err != nil {
		return nil, perrors.NewUnavailable(perrors.CodeUnavailable,
			fmt.Sprintf("failed to read catalog file %s: %v", c.path, err))
	}

	var catalog Catalog
	if err := json.Unmarshal(body, &catalog); err != nil {
		return nil, perrors.New(perrors.CodeBadResponse, http.StatusBadGateway,
			"catalog document is not valid JSON", false, err)
	}
	if catalog.Templates == nil {
		catalog.Templates = map[string]types.ServiceConfig{}
	}
	return &catalog, nil
}

func (c *Client) verifySignature(body []byte, header string) error {
	if header == "" {
		return perrors.New(perrors.CodeBadResponse, http.StatusBadGateway,
			"catalog response is missing the signature header", false, nil)
	}

	want, err := hex.DecodeString(header)
	if err != nil {
		return perrors.New(perrors.CodeBadResponse, http.StatusBadGateway,
			"catalog signature is not valid hex", false, err)
	}

	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), want) {
		return perrors.New(perrors.CodeBadResponse, http.StatusBadGateway,
			"catalog signature verification failed", false, nil)
	}
	return nil
}
