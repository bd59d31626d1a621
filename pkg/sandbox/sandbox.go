// Package sandbox provisions pinned runtime toolchains (node, python, go)
// and a fixed set of MCP packages under a local directory tree. Installs are
// single-flight and broadcast progress to SSE subscribers.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	perrors "github.com/portbridge/portbridge/pkg/errors"
	"github.com/portbridge/portbridge/pkg/logger"
)

// Component identifies one installable piece of the sandbox.
type Component string

// Installable components.
const (
	ComponentNode     Component = "node"
	ComponentPython   Component = "python"
	ComponentGo       Component = "go"
	ComponentPackages Component = "packages"
)

// AllComponents in install order: packages last, since they need node.
var AllComponents = []Component{ComponentNode, ComponentPython, ComponentGo, ComponentPackages}

// mcpPackages is the fixed dependency set installed into the packages tree.
var mcpPackages = []string{
	"@modelcontextprotocol/server-filesystem",
	"@modelcontextprotocol/server-memory",
	"@modelcontextprotocol/server-everything",
}

// Status reports the readiness of each component plus resolved detail.
type Status struct {
	Node     bool           `json:"node"`
	Python   bool           `json:"python"`
	Go       bool           `json:"go"`
	Packages bool           `json:"packages"`
	Details  map[string]any `json:"details"`
}

// ComponentResult is the per-component outcome of a sync install.
type ComponentResult struct {
	Component Component `json:"component"`
	Installed bool      `json:"installed"`
	Skipped   bool      `json:"skipped"`
	Error     string    `json:"error,omitempty"`
}

// Provisioner owns the sandbox tree and the singleton install lock.
type Provisioner struct {
	root   string
	stream *broadcaster

	mu         sync.Mutex
	installing bool

	// fetch downloads and extracts one runtime component. Injectable for
	// tests.
	fetch func(ctx context.Context, component Component, targetDir string) error
	// installPackages runs the provisioned package manager. Injectable for
	// tests.
	installPackages func(ctx context.Context) error
}

// NewProvisioner creates a provisioner rooted at the given directory.
func NewProvisioner(root string) *Provisioner {
	p := &Provisioner{
		root:   root,
		stream: newBroadcaster(),
	}
	p.fetch = p.fetchComponent
	p.installPackages = p.npmInstall
	return p
}

// Root returns the sandbox root directory.
func (p *Provisioner) Root() string {
	return p.root
}

// RuntimeDir returns the directory a runtime component installs into.
func (p *Provisioner) RuntimeDir(component Component) string {
	switch component {
	case ComponentNode:
		return filepath.Join(p.root, "runtimes", "nodejs")
	case ComponentPython:
		return filepath.Join(p.root, "runtimes", "python")
	case ComponentGo:
		return filepath.Join(p.root, "runtimes", "go")
	case ComponentPackages:
		return filepath.Join(p.root, "packages", "@modelcontextprotocol")
	default:
		return filepath.Join(p.root, "runtimes", string(component))
	}
}

// GetStatus probes the on-disk tree and reports readiness per component.
func (p *Provisioner) GetStatus() Status {
	details := map[string]any{"root": p.root}

	node := p.binaryPath(ComponentNode)
	python := p.binaryPath(ComponentPython)
	goBin := p.binaryPath(ComponentGo)

	status := Status{
		Node:     fileExists(node),
		Python:   fileExists(python),
		Go:       fileExists(goBin),
		Packages: dirNonEmpty(filepath.Join(p.RuntimeDir(ComponentPackages), "node_modules")),
		Details:  details,
	}

	details["nodePath"] = node
	details["pythonPath"] = python
	details["goPath"] = goBin
	details["packagesPath"] = p.RuntimeDir(ComponentPackages)
	if status.Node {
		details["nodeVersion"] = nodeVersion
	}
	if status.Python {
		details["pythonVersion"] = pythonVersion
	}
	if status.Go {
		details["goVersion"] = goVersion
	}

	return status
}

// Installing reports whether an install is currently in flight.
func (p *Provisioner) Installing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installing
}

// Subscribe attaches a progress listener. If an install is already running
// the listener immediately receives an attach event followed by the
// remaining broadcast stream.
func (p *Provisioner) Subscribe() (<-chan Event, func(), bool) {
	p.mu.Lock()
	attached := p.installing
	p.mu.Unlock()

	ch, cancel := p.stream.subscribe()
	return ch, cancel, attached
}

// Install provisions the requested components (all when empty). Components
// already ready on disk are skipped. A concurrent install returns BUSY.
func (p *Provisioner) Install(ctx context.Context, components []Component) ([]ComponentResult, error) {
	return p.install(ctx, components, false)
}

// Repair reinstalls the requested components regardless of their on-disk
// state, after clearing archive leftovers.
func (p *Provisioner) Repair(ctx context.Context, components []Component) ([]ComponentResult, error) {
	if _, err := p.Cleanup(); err != nil {
		logger.Warnf("sandbox cleanup before repair failed: %v", err)
	}
	return p.install(ctx, components, true)
}

func (p *Provisioner) install(ctx context.Context, components []Component, force bool) ([]ComponentResult, error) {
	p.mu.Lock()
	if p.installing {
		p.mu.Unlock()
		return nil, perrors.NewConflict(perrors.CodeBusy, "a sandbox install is already in progress")
	}
	p.installing = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.installing = false
		p.mu.Unlock()
	}()

	if len(components) == 0 {
		components = AllComponents
	}

	total := len(components)
	p.stream.publish(Event{Type: EventStart, Progress: 0})

	results := make([]ComponentResult, 0, total)
	done := 0

	for _, component := range components {
		p.stream.publish(Event{Type: EventComponentStart, Component: string(component), Progress: pct(done, total)})

		res := p.installComponent(ctx, component, force)
		results = append(results, res)
		done++

		if res.Error != "" {
			p.stream.publish(Event{Type: EventError, Component: string(component), Progress: pct(done, total), Error: res.Error})
			return results, perrors.NewInternal(perrors.CodeInternal,
				fmt.Sprintf("failed to install %s", component), fmt.Errorf("%s", res.Error))
		}

		p.stream.publish(Event{
			Type: EventComponentDone, Component: string(component),
			Progress: pct(done, total), Skipped: res.Skipped,
		})
	}

	p.stream.publish(Event{Type: EventComplete, Progress: 100})
	return results, nil
}

func (p *Provisioner) installComponent(ctx context.Context, component Component, force bool) ComponentResult {
	res := ComponentResult{Component: component}

	if !force && p.componentReady(component) {
		res.Skipped = true
		return res
	}

	var err error
	if component == ComponentPackages {
		err = p.installPackages(ctx)
	} else {
		err = p.fetch(ctx, component, p.RuntimeDir(component))
	}

	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Installed = true
	logger.Infow("sandbox component installed", "component", component)
	return res
}

// fetchComponent downloads the pinned archive for a runtime component,
// verifies the optional env-provided checksum, extracts and flattens it.
func (p *Provisioner) fetchComponent(ctx context.Context, component Component, targetDir string) error {
	url, err := archiveURL(component)
	if err != nil {
		return err
	}

	want := ""
	if envVar, ok := ChecksumEnvVars[component]; ok {
		want = os.Getenv(envVar)
	}

	archivePath, err := downloadArchive(ctx, url, targetDir, want)
	if err != nil {
		return err
	}
	defer os.Remove(archivePath)

	return extractArchive(archivePath, targetDir)
}

// npmInstall installs the fixed MCP package set using the provisioned node
// runtime.
func (p *Provisioner) npmInstall(ctx context.Context) error {
	if !p.componentReady(ComponentNode) {
		return fmt.Errorf("packages require the nodejs runtime to be installed first")
	}

	dir := p.RuntimeDir(ComponentPackages)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	npm := filepath.Join(p.RuntimeDir(ComponentNode), "bin", "npm")
	if runtime.GOOS == "windows" {
		npm = filepath.Join(p.RuntimeDir(ComponentNode), "npm.cmd")
	}

	args := append([]string{"install", "--no-audit", "--no-fund"}, mcpPackages...)
	cmd := exec.CommandContext(ctx, npm, args...) // #nosec G204 -- fixed package set
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "PATH="+filepath.Join(p.RuntimeDir(ComponentNode), "bin")+string(os.PathListSeparator)+os.Getenv("PATH"))

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("npm install failed: %w: %s", err, string(out))
	}
	return nil
}

// Cleanup removes archive leftovers from the runtime directories without
// touching installed files.
func (p *Provisioner) Cleanup() ([]string, error) {
	var removed []string

	for _, component := range []Component{ComponentNode, ComponentPython, ComponentGo} {
		dir := p.RuntimeDir(component)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, err
		}
		for _, e := range entries {
			if e.IsDir() || !isArchiveName(e.Name()) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil {
				return removed, err
			}
			removed = append(removed, path)
		}
	}

	return removed, nil
}

func (p *Provisioner) componentReady(component Component) bool {
	status := p.GetStatus()
	switch component {
	case ComponentNode:
		return status.Node
	case ComponentPython:
		return status.Python
	case ComponentGo:
		return status.Go
	case ComponentPackages:
		return status.Packages
	default:
		return false
	}
}

func (p *Provisioner) binaryPath(component Component) string {
	var name string
	switch component {
	case ComponentNode:
		name = "node"
	case ComponentPython:
		name = "python3"
	case ComponentGo:
		name = "go"
	default:
		return ""
	}

	if runtime.GOOS == "windows" {
		if component == ComponentPython {
			return filepath.Join(p.RuntimeDir(component), "python.exe")
		}
		return filepath.Join(p.RuntimeDir(component), name+".exe")
	}
	return filepath.Join(p.RuntimeDir(component), "bin", name)
}

// ParseComponents converts the wire component names, rejecting unknowns.
func ParseComponents(names []string) ([]Component, error) {
	out := make([]Component, 0, len(names))
	for _, name := range names {
		c := Component(name)
		switch c {
		case ComponentNode, ComponentPython, ComponentGo, ComponentPackages:
			out = append(out, c)
		default:
			return nil, perrors.NewBadRequest(fmt.Sprintf("unknown sandbox component %q", name), nil)
		}
	}
	return out, nil
}

func pct(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirNonEmpty(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}
