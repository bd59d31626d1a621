package v1

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/portbridge/portbridge/pkg/api/errors"
	"github.com/portbridge/portbridge/pkg/registry"
	"github.com/portbridge/portbridge/pkg/transport/types"
)

// TemplateRoutes defines the routes for the template API.
type TemplateRoutes struct {
	registry *registry.Registry
}

// TemplateRouter creates a new router for the template API.
func TemplateRouter(reg *registry.Registry) http.Handler {
	routes := TemplateRoutes{registry: reg}

	r := chi.NewRouter()
	r.Get("/", apierrors.ErrorHandler(routes.listTemplates))
	r.Post("/", apierrors.ErrorHandler(routes.registerTemplate))
	r.Post("/repair", apierrors.ErrorHandler(routes.repairTemplates))
	r.Post("/repair-images", apierrors.ErrorHandler(routes.repairImages))
	r.Get("/{name}", apierrors.ErrorHandler(routes.getTemplate))
	r.Put("/{name}", apierrors.ErrorHandler(routes.putTemplate))
	r.Delete("/{name}", apierrors.ErrorHandler(routes.deleteTemplate))
	r.Post("/{name}/diagnose", apierrors.ErrorHandler(routes.diagnoseTemplate))
	return r
}

func (t *TemplateRoutes) listTemplates(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, t.registry.ListTemplates())
	return nil
}

func (t *TemplateRoutes) getTemplate(w http.ResponseWriter, r *http.Request) error {
	tpl, err := t.registry.GetTemplate(chi.URLParam(r, "name"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, tpl)
	return nil
}

func (t *TemplateRoutes) registerTemplate(w http.ResponseWriter, r *http.Request) error {
	var tpl types.ServiceConfig
	if err := decodeJSON(r, &tpl); err != nil {
		return err
	}
	if err := t.registry.RegisterTemplate(tpl); err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "template": tpl.Name})
	return nil
}

// putTemplate upserts the template under the URL name, which wins over any
// name in the body.
func (t *TemplateRoutes) putTemplate(w http.ResponseWriter, r *http.Request) error {
	var tpl types.ServiceConfig
	if err := decodeJSON(r, &tpl); err != nil {
		return err
	}
	tpl.Name = chi.URLParam(r, "name")

	if err := t.registry.RegisterTemplate(tpl); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "template": tpl.Name})
	return nil
}

func (t *TemplateRoutes) deleteTemplate(w http.ResponseWriter, r *http.Request) error {
	if err := t.registry.RemoveTemplate(chi.URLParam(r, "name")); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
	return nil
}

// repairTemplates normalizes every template in place.
func (t *TemplateRoutes) repairTemplates(w http.ResponseWriter, _ *http.Request) error {
	repaired := 0
	for _, tpl := range t.registry.ListTemplates() {
		changed, err := t.registry.UpdateTemplate(tpl.Name, registry.RepairTemplate)
		if err != nil {
			return err
		}
		if changed {
			repaired++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "repaired": repaired})
	return nil
}

// repairImages pins untagged container image references to :latest.
func (t *TemplateRoutes) repairImages(w http.ResponseWriter, _ *http.Request) error {
	fixed := []string{}
	updated := 0

	for _, tpl := range t.registry.ListTemplates() {
		changed, err := t.registry.UpdateTemplate(tpl.Name, func(cfg *types.ServiceConfig) bool {
			if cfg.Container == nil || cfg.Container.Image == "" {
				return false
			}
			if imageHasTag(cfg.Container.Image) {
				return false
			}
			cfg.Container.Image += ":latest"
			return true
		})
		if err != nil {
			return err
		}
		if changed {
			fixed = append(fixed, tpl.Name)
			updated++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "fixed": fixed, "updated": updated})
	return nil
}

func (t *TemplateRoutes) diagnoseTemplate(w http.ResponseWriter, r *http.Request) error {
	tpl, err := t.registry.GetTemplate(chi.URLParam(r, "name"))
	if err != nil {
		return err
	}

	d := registry.DiagnoseTemplate(tpl)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"transport": d.Transport,
		"required":  d.Required,
		"provided":  d.Provided,
		"missing":   d.Missing,
	})
	return nil
}

// imageHasTag reports whether an image reference carries a tag or digest. The
// port in a registry host does not count as a tag.
func imageHasTag(image string) bool {
	if strings.Contains(image, "@") {
		return true
	}
	lastSlash := strings.LastIndex(image, "/")
	return strings.Contains(image[lastSlash+1:], ":")
}
