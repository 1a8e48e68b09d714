package server

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.deps.Store.Orders().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusOK, order)
}

// handleListOffers returns the live catalog: offers whose delivery window
// has not ended, with provider and available-block counts.
func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Store.Catalog().ListEntries(r.Context(), s.deps.Clock.Now())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusOK, entries)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.System().Stats(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusOK, stats)
}

type healthReport struct {
	Database string `json:"database"`
	KV       string `json:"kv"`
}

// handleHealth probes both stores. Either failing turns the whole report
// into a 503 so load balancers stop routing here.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{Database: "ok", KV: "ok"}
	healthy := true

	if err := s.deps.Store.System().Ping(r.Context()); err != nil {
		report.Database = err.Error()
		healthy = false
	}
	if s.deps.KV != nil {
		if err := s.deps.KV.Ping(r.Context()); err != nil {
			report.KV = err.Error()
			healthy = false
		}
	}

	if !healthy {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(envelope{Status: "error", Data: report, Error: &errorBody{
			Kind:    "UNAVAILABLE",
			Message: "dependency probe failed",
		}})
		return
	}
	writeOK(w, http.StatusOK, report)
}
