package v1

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/portbridge/portbridge/pkg/api/errors"
	perrors "github.com/portbridge/portbridge/pkg/errors"
	"github.com/portbridge/portbridge/pkg/marketplace"
	"github.com/portbridge/portbridge/pkg/registry"
)

// MarketplaceRoutes defines the remote template catalog endpoints.
type MarketplaceRoutes struct {
	client   *marketplace.Client
	registry *registry.Registry
}

// MarketplaceRouter creates a new router for the catalog API. The client may
// be nil, in which case every endpoint reports the catalog as disabled.
func MarketplaceRouter(client *marketplace.Client, reg *registry.Registry) http.Handler {
	routes := MarketplaceRoutes{client: client, registry: reg}

	r := chi.NewRouter()
	r.Get("/catalog", apierrors.ErrorHandler(routes.getCatalog))
	r.Get("/search", apierrors.ErrorHandler(routes.search))
	r.Post("/import/{name}", apierrors.ErrorHandler(routes.importTemplate))
	return r
}

func (m *MarketplaceRoutes) getCatalog(w http.ResponseWriter, r *http.Request) error {
	catalog, err := m.client.GetCatalog(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, catalog)
	return nil
}

func (m *MarketplaceRoutes) search(w http.ResponseWriter, r *http.Request) error {
	results, err := m.client.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": results})
	return nil
}

// importTemplate copies one catalog template into the local registry.
func (m *MarketplaceRoutes) importTemplate(w http.ResponseWriter, r *http.Request) error {
	catalog, err := m.client.GetCatalog(r.Context())
	if err != nil {
		return err
	}

	name := chi.URLParam(r, "name")
	tpl, ok := catalog.Templates[name]
	if !ok {
		return perrors.NewNotFound(fmt.Sprintf("catalog template %q not found", name))
	}
	tpl.Name = name

	if err := m.registry.RegisterTemplate(tpl); err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "template": name})
	return nil
}
