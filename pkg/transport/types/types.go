// Package types provides common types for the transport package used in
// communication between the gateway and MCP services.
package types

import (
	"encoding/json"

	"github.com/portbridge/portbridge/pkg/transport/errors"
)

// TransportType represents the type of transport used to reach a service.
//
//nolint:revive // Intentionally named TransportType despite package name
type TransportType string

const (
	// TransportTypeStdio represents the stdio transport.
	TransportTypeStdio TransportType = "stdio"

	// TransportTypeHTTP represents the plain HTTP transport.
	TransportTypeHTTP TransportType = "http"

	// TransportTypeStreamableHTTP represents the streamable HTTP transport.
	TransportTypeStreamableHTTP TransportType = "streamable-http"
)

// String returns the string representation of the transport type.
func (t TransportType) String() string {
	return string(t)
}

// ParseTransportType parses a string into a transport type.
func ParseTransportType(s string) (TransportType, error) {
	switch s {
	case "stdio", "STDIO":
		return TransportTypeStdio, nil
	case "http", "HTTP":
		return TransportTypeHTTP, nil
	case "streamable-http", "STREAMABLE-HTTP":
		return TransportTypeStreamableHTTP, nil
	default:
		return "", errors.ErrUnsupportedTransport
	}
}

// VolumeMount describes a host path mounted into a container.
type VolumeMount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly,omitempty"`
}

// ResourceLimits bounds the resources available to a containerized service.
type ResourceLimits struct {
	CPUs   string `json:"cpus,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// ContainerConfig is the optional container block of a service config.
type ContainerConfig struct {
	Image          string          `json:"image"`
	Workdir        string          `json:"workdir,omitempty"`
	Network        string          `json:"network,omitempty"`
	ReadonlyRootfs bool            `json:"readonlyRootfs,omitempty"`
	Resources      *ResourceLimits `json:"resources,omitempty"`
	Volumes        []VolumeMount   `json:"volumes,omitempty"`
}

// ServiceConfig is the effective configuration of an MCP service. It doubles
// as the template blueprint; instances carry a merged copy of it.
type ServiceConfig struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Version     string        `json:"version,omitempty"`
	Transport   TransportType `json:"transport"`

	// Stdio transport.
	Command          string   `json:"command,omitempty"`
	Args             []string `json:"args,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`

	// HTTP transports.
	Endpoint string `json:"endpoint,omitempty"`

	Env       map[string]string `json:"env,omitempty"`
	Container *ContainerConfig  `json:"container,omitempty"`

	// TimeoutMS bounds each sendAndReceive round trip, in milliseconds.
	TimeoutMS int `json:"timeout,omitempty"`
	Retries   int `json:"retries,omitempty"`

	// Capabilities is advisory: tool names the service claims to expose.
	Capabilities []string `json:"capabilities,omitempty"`
}

// EventKind identifies the kind of an adapter event.
type EventKind string

const (
	// EventStderr is emitted for every stderr line of a stdio child.
	EventStderr EventKind = "stderr"

	// EventSent is emitted after a frame has been written to the peer.
	EventSent EventKind = "sent"

	// EventMessage is emitted for every frame received from the peer.
	EventMessage EventKind = "message"

	// EventExit is emitted when a stdio child terminates.
	EventExit EventKind = "exit"
)

// Event is a single adapter event. Line is set for stderr events, Payload for
// sent/message events, and ExitCode for exit events.
type Event struct {
	Kind     EventKind       `json:"kind"`
	Line     string          `json:"line,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	ExitCode int             `json:"exitCode,omitempty"`
}
