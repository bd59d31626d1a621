// Package v1 contains the resource handlers of the gateway API.
package v1

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	perrors "github.com/portbridge/portbridge/pkg/errors"
	"github.com/portbridge/portbridge/pkg/logger"
)

// maxBodySize bounds request bodies on all JSON endpoints.
const maxBodySize = 4 * 1024 * 1024

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("failed to encode response: %v", err)
	}
}

// decodeJSON decodes the request body into v, mapping malformed input to a
// 400 BAD_REQUEST.
func decodeJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodySize)
	defer body.Close()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return perrors.NewBadRequest("request body is required", nil)
		}
		return perrors.NewBadRequest("request body is not valid JSON", err)
	}
	return nil
}
