package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Pinned runtime versions. Bumping one means updating its URL table and the
// published checksums together.
const (
	nodeVersion   = "20.18.1"
	pythonVersion = "3.12.8"
	goVersion     = "1.23.4"
)

// ChecksumEnvVars name the env vars holding the expected SHA-256 of each
// runtime archive. Verification is skipped for components without one.
var ChecksumEnvVars = map[Component]string{
	ComponentNode:   "PB_RUNTIME_SHA256_NODE",
	ComponentPython: "PB_RUNTIME_SHA256_PYTHON",
	ComponentGo:     "PB_RUNTIME_SHA256_GO",
}

// archiveURL resolves the pinned download URL for a component on the current
// platform.
func archiveURL(component Component) (string, error) {
	platform := runtime.GOOS + "/" + runtime.GOARCH

	switch component {
	case ComponentNode:
		suffix, ok := map[string]string{
			"linux/amd64":   "linux-x64.tar.gz",
			"linux/arm64":   "linux-arm64.tar.gz",
			"darwin/amd64":  "darwin-x64.tar.gz",
			"darwin/arm64":  "darwin-arm64.tar.gz",
			"windows/amd64": "win-x64.zip",
		}[platform]
		if !ok {
			return "", fmt.Errorf("no pinned nodejs build for %s", platform)
		}
		return fmt.Sprintf("https://nodejs.org/dist/v%s/node-v%s-%s", nodeVersion, nodeVersion, suffix), nil

	case ComponentPython:
		triple, ok := map[string]string{
			"linux/amd64":   "x86_64-unknown-linux-gnu",
			"linux/arm64":   "aarch64-unknown-linux-gnu",
			"darwin/amd64":  "x86_64-apple-darwin",
			"darwin/arm64":  "aarch64-apple-darwin",
			"windows/amd64": "x86_64-pc-windows-msvc",
		}[platform]
		if !ok {
			return "", fmt.Errorf("no pinned python build for %s", platform)
		}
		return fmt.Sprintf(
			"https://github.com/astral-sh/python-build-standalone/releases/download/20250106/cpython-%s+20250106-%s-install_only.tar.gz",
			pythonVersion, triple), nil

	case ComponentGo:
		suffix, ok := map[string]string{
			"linux/amd64":   "linux-amd64.tar.gz",
			"linux/arm64":   "linux-arm64.tar.gz",
			"darwin/amd64":  "darwin-amd64.tar.gz",
			"darwin/arm64":  "darwin-arm64.tar.gz",
			"windows/amd64": "windows-amd64.zip",
		}[platform]
		if !ok {
			return "", fmt.Errorf("no pinned go build for %s", platform)
		}
		return fmt.Sprintf("https://go.dev/dl/go%s.%s", goVersion, suffix), nil

	default:
		return "", fmt.Errorf("component %q has no download", component)
	}
}

// downloadArchive fetches url into a temp file inside targetDir and verifies
// the optional checksum. The temp file lives in the target directory so the
// later rename never crosses filesystems.
func downloadArchive(ctx context.Context, url, targetDir, wantSHA256 string) (string, error) {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", err
	}

	name := filepath.Base(url)
	tmp, err := os.CreateTemp(targetDir, ".download-*-"+name)
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cleanup()
		return "", err
	}

	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		cleanup()
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		cleanup()
		return "", fmt.Errorf("download failed: %s returned %s", url, resp.Status)
	}

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body); err != nil {
		cleanup()
		return "", fmt.Errorf("download failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	if wantSHA256 != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, wantSHA256) {
			os.Remove(tmpPath)
			return "", fmt.Errorf("checksum mismatch for %s: got %s, want %s", name, got, wantSHA256)
		}
	}

	// Keep the archive suffix so extraction can pick the right format.
	finalPath := filepath.Join(targetDir, name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return finalPath, nil
}
