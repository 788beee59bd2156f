// Package pbxapi exposes a tiny read-only HTTP status endpoint over the
// registry: occupancy and registered TU count as JSON. It has no control
// surface — nothing here can register, dial, or hang up a TU, so it can't
// be used to bypass the wire protocol's command set. Built on net/http
// alone rather than a router library; see DESIGN.md for why.
package pbxapi

import (
	"encoding/json"
	"net/http"

	"github.com/sebas/switchpbx/internal/pbx"
)

// StatusResponse is the JSON shape returned by GET /status.
type StatusResponse struct {
	ActiveTUs         int   `json:"active_tus"`
	MaxExtensions     int   `json:"max_extensions"`
	OccupiedExtension []int `json:"occupied_extensions"`
}

// Handler returns an http.Handler serving GET /status from the registry.
func Handler(p *pbx.PBX, maxExtensions int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		resp := StatusResponse{
			ActiveTUs:         p.ActiveCount(),
			MaxExtensions:     maxExtensions,
			OccupiedExtension: p.Occupied(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}
