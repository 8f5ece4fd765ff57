package health

import (
	"encoding/json"
	"net/http"
)

type Api struct {
	statusService *Service
}

func NewApi(statusService *Service) *Api {
	return &Api{
		statusService: statusService,
	}
}

func (api *Api) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", api.GetHealth)
	mux.HandleFunc("GET /ready", api.GetReady)
}

func (api *Api) GetHealth(w http.ResponseWriter, r *http.Request) {
	if api.statusService.IsShuttingDown() {
		writeStatus(w, http.StatusServiceUnavailable, map[string]string{
			"status": "shutting down",
		})
		return
	}

	writeStatus(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// GetReady reports whether the service's dependencies answer.
func (api *Api) GetReady(w http.ResponseWriter, r *http.Request) {
	if api.statusService.IsShuttingDown() {
		writeStatus(w, http.StatusServiceUnavailable, map[string]string{
			"status": "shutting down",
		})
		return
	}

	ready, results := api.statusService.Ready(r.Context())
	code, status := http.StatusOK, "ready"
	if !ready {
		code, status = http.StatusServiceUnavailable, "not ready"
	}
	writeStatus(w, code, map[string]any{
		"status": status,
		"checks": results,
	})
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
