package v1

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	apierrors "github.com/portbridge/portbridge/pkg/api/errors"
	perrors "github.com/portbridge/portbridge/pkg/errors"
	"github.com/portbridge/portbridge/pkg/pairing"
	"github.com/portbridge/portbridge/pkg/registry"
	"github.com/portbridge/portbridge/pkg/transport"
)

// localAuthScheme is the Authorization scheme for paired local clients.
const localAuthScheme = "LocalMCP"

// LocalRoutes defines the local pairing surface: code display, the
// three-step handshake, and the paired tools/call endpoints.
type LocalRoutes struct {
	pairing  *pairing.Manager
	registry *registry.Registry
	factory  transport.Factory
}

// RegisterLocalRoutes attaches the local pairing surface to the root router.
// The routes live at the server root rather than under /api, are exempt from
// API credential auth, and are gated by the handshake and session token
// instead.
func RegisterLocalRoutes(r chi.Router, mgr *pairing.Manager, reg *registry.Registry, factory transport.Factory) {
	routes := LocalRoutes{pairing: mgr, registry: reg, factory: factory}

	r.Group(func(g chi.Router) {
		g.Use(routes.checkLocal)
		g.Get("/local-proxy/code", apierrors.ErrorHandler(routes.getCode))
		g.Post("/handshake/init", apierrors.ErrorHandler(routes.handshakeInit))
		g.Post("/handshake/approve", apierrors.ErrorHandler(routes.handshakeApprove))
		g.Post("/handshake/confirm", apierrors.ErrorHandler(routes.handshakeConfirm))
		g.Get("/tools", apierrors.ErrorHandler(routes.listTools))
		g.Post("/call", apierrors.ErrorHandler(routes.callTool))
	})
}

// checkLocal enforces the loopback host, Origin, and Sec-Fetch-Site rules on
// every local route.
func (l *LocalRoutes) checkLocal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := pairing.CheckRequest(r); err != nil {
			apierrors.WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *LocalRoutes) getCode(w http.ResponseWriter, _ *http.Request) error {
	code, expiresIn := l.pairing.CurrentCode()
	writeJSON(w, http.StatusOK, map[string]any{"code": code, "expiresIn": expiresIn})
	return nil
}

type handshakeInitRequest struct {
	ClientNonce string `json:"clientNonce"`
	CodeProof   string `json:"codeProof"`
}

func (l *LocalRoutes) handshakeInit(w http.ResponseWriter, r *http.Request) error {
	var req handshakeInitRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	resp, err := l.pairing.Init(r.Header.Get("Origin"), req.ClientNonce, req.CodeProof)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

type handshakeApproveRequest struct {
	HandshakeID string `json:"handshakeId"`
	Approve     bool   `json:"approve"`
}

func (l *LocalRoutes) handshakeApprove(w http.ResponseWriter, r *http.Request) error {
	var req handshakeApproveRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	if err := l.pairing.Approve(req.HandshakeID, req.Approve); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
	return nil
}

type handshakeConfirmRequest struct {
	HandshakeID string `json:"handshakeId"`
	Response    string `json:"response"`
}

func (l *LocalRoutes) handshakeConfirm(w http.ResponseWriter, r *http.Request) error {
	var req handshakeConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	resp, err := l.pairing.Confirm(r.Header.Get("Origin"), req.HandshakeID, req.Response)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

// requireSession validates the LocalMCP session token against the request
// origin.
func (l *LocalRoutes) requireSession(r *http.Request) error {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, localAuthScheme) {
		return perrors.NewUnauthorized("LocalMCP session token required")
	}
	return l.pairing.ValidateSession(strings.TrimSpace(token), r.Header.Get("Origin"))
}

func (l *LocalRoutes) listTools(w http.ResponseWriter, r *http.Request) error {
	if err := l.requireSession(r); err != nil {
		return err
	}

	inst, err := l.resolveService(r.URL.Query().Get("serviceId"))
	if err != nil {
		return err
	}

	requestID := uuid.NewString()
	msg, err := transport.NewRequestMessage("tools/list", nil, requestID)
	if err != nil {
		return perrors.NewInternal(perrors.CodeInternal, "failed to build request", err)
	}

	resp, err := l.callService(r, inst, msg)
	if err != nil {
		return err
	}

	var tools mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &tools); err != nil {
		return perrors.NewInternal(perrors.CodeAdapterProtocol,
			"service returned a malformed tools/list result", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"tools":     tools.Tools,
		"requestId": requestID,
	})
	return nil
}

type callToolRequest struct {
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params,omitempty"`
	ServiceID string          `json:"serviceId,omitempty"`
}

func (l *LocalRoutes) callTool(w http.ResponseWriter, r *http.Request) error {
	if err := l.requireSession(r); err != nil {
		return err
	}

	var req callToolRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Tool == "" {
		return perrors.NewBadRequest("tool is required", nil)
	}

	inst, err := l.resolveService(req.ServiceID)
	if err != nil {
		return err
	}

	requestID := uuid.NewString()
	msg, err := transport.NewRequestMessage("tools/call", map[string]any{
		"name":      req.Tool,
		"arguments": req.Params,
	}, requestID)
	if err != nil {
		return perrors.NewInternal(perrors.CodeInternal, "failed to encode tool call", err)
	}

	resp, err := l.callService(r, inst, msg)
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"result":    resp.Result,
		"requestId": requestID,
	})
	return nil
}

// resolveService returns the addressed instance, or any running instance
// when no id was given.
func (l *LocalRoutes) resolveService(serviceID string) (*registry.Instance, error) {
	if serviceID != "" {
		return l.registry.GetService(serviceID)
	}

	for _, inst := range l.registry.ListServices() {
		if inst.State == registry.StateRunning {
			return inst, nil
		}
	}
	return nil, perrors.NewUnavailable(perrors.CodeNotReady, "no running service available")
}

// callService issues one request over a fresh adapter and surfaces JSON-RPC
// level errors as BAD_RESPONSE.
func (l *LocalRoutes) callService(r *http.Request, inst *registry.Instance, msg *transport.JSONRPCMessage) (*transport.JSONRPCMessage, error) {
	adapter, err := l.factory(inst.Config)
	if err != nil {
		return nil, perrors.NewInternal(perrors.CodeAdapterConnect, "failed to build adapter", err)
	}

	ctx := r.Context()
	if err := adapter.Connect(ctx); err != nil {
		return nil, perrors.NewInternal(perrors.CodeAdapterConnect, "failed to connect to service", err)
	}
	defer func() { _ = adapter.Disconnect(ctx) }()

	resp, err := adapter.SendAndReceive(ctx, msg)
	if err != nil {
		return nil, adapterError(err)
	}
	if resp.Error != nil {
		return nil, perrors.New(perrors.CodeBadResponse, http.StatusBadGateway,
			resp.Error.Message, true, nil)
	}
	return resp, nil
}
