package flags

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// FlagResponse is the JSON shape of one flag on the admin surface.
type FlagResponse struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	UpdatedAt string `json:"updated_at"`
}

type updateFlagRequest struct {
	Enabled *bool `json:"enabled"`
}

// RegisterAdminRoutes mounts the flag admin endpoints on the router.
func (s *Service) RegisterAdminRoutes(r *mux.Router) {
	r.HandleFunc("/admin/flags", s.handleListFlags).Methods(http.MethodGet)
	r.HandleFunc("/admin/flags/{name}", s.handleUpdateFlag).Methods(http.MethodPut)
}

func (s *Service) handleListFlags(w http.ResponseWriter, r *http.Request) {
	stored, err := s.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list feature flags")
		http.Error(w, "failed to list flags", http.StatusInternalServerError)
		return
	}

	resp := make([]FlagResponse, 0, len(stored))
	for _, f := range stored {
		resp = append(resp, FlagResponse{
			Name:      f.Name,
			Enabled:   f.Enabled,
			UpdatedAt: f.UpdatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Service) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req updateFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		http.Error(w, "body must be {\"enabled\": true|false}", http.StatusBadRequest)
		return
	}

	flag, err := s.Set(r.Context(), name, *req.Enabled)
	if err != nil {
		s.logger.Error().Err(err).Str("flag", name).Msg("Failed to update feature flag")
		http.Error(w, "failed to update flag", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(FlagResponse{
		Name:      flag.Name,
		Enabled:   flag.Enabled,
		UpdatedAt: flag.UpdatedAt.Format(time.RFC3339),
	})
}
