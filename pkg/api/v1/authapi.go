package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/portbridge/portbridge/pkg/api/errors"
	"github.com/portbridge/portbridge/pkg/auth"
)

// AuthRoutes defines the credential management routes. The auth middleware
// restricts this whole subtree to admin subjects.
type AuthRoutes struct {
	store *auth.Store
}

// AuthRouter creates a new router for credential management.
func AuthRouter(store *auth.Store) http.Handler {
	routes := AuthRoutes{store: store}

	r := chi.NewRouter()
	r.Get("/apikeys", apierrors.ErrorHandler(routes.listAPIKeys))
	r.Post("/apikey", apierrors.ErrorHandler(routes.createAPIKey))
	r.Delete("/apikey/{key}", apierrors.ErrorHandler(routes.deleteAPIKey))
	r.Get("/tokens", apierrors.ErrorHandler(routes.listTokens))
	r.Post("/token", apierrors.ErrorHandler(routes.createToken))
	r.Delete("/token/{token}", apierrors.ErrorHandler(routes.revokeToken))
	return r
}

type createAPIKeyRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

type createTokenRequest struct {
	UserID         string   `json:"userId"`
	Permissions    []string `json:"permissions"`
	ExpiresInHours int      `json:"expiresInHours"`
}

func (a *AuthRoutes) listAPIKeys(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, a.store.ListAPIKeys())
	return nil
}

func (a *AuthRoutes) createAPIKey(w http.ResponseWriter, r *http.Request) error {
	var req createAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	key, err := a.store.CreateAPIKey(req.Name, req.Permissions)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]any{"apiKey": key})
	return nil
}

func (a *AuthRoutes) deleteAPIKey(w http.ResponseWriter, r *http.Request) error {
	if err := a.store.DeleteAPIKey(chi.URLParam(r, "key")); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
	return nil
}

func (a *AuthRoutes) listTokens(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, a.store.ListTokens())
	return nil
}

func (a *AuthRoutes) createToken(w http.ResponseWriter, r *http.Request) error {
	var req createTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	token, err := a.store.GenerateToken(req.UserID, req.Permissions, req.ExpiresInHours)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]any{"token": token})
	return nil
}

func (a *AuthRoutes) revokeToken(w http.ResponseWriter, r *http.Request) error {
	if err := a.store.RevokeToken(chi.URLParam(r, "token")); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
	return nil
}
