package server

import (
	"encoding/json"
	"net/http"

	"github.com/hashlb/pkg/logging"
	"github.com/hashlb/pkg/routing"
)

// handleBackends serves the runtime reconfiguration API on the metrics
// listener:
//
//	GET    /backends            list backends and their health state
//	POST   /backends?addr=h:p   add a backend to the pool and ring
//	DELETE /backends?addr=h:p   remove a backend
//
// Changes apply to new selections immediately and never drop existing
// sessions.
func (s *ProxyServer) handleBackends(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.pool.Statuses()); err != nil {
			logging.Logf("[admin] encode backends failed: %v", err)
		}

	case http.MethodPost, http.MethodDelete:
		addr, err := routing.NormalizeBackendAddr(r.URL.Query().Get("addr"), "localhost", "80")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Method == http.MethodPost {
			s.AddBackend(addr)
		} else {
			s.RemoveBackend(addr)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.pool.Statuses())

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
