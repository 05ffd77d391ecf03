package main

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/HitoriSensei/bullmq/observability"
)

type health struct {
	Status string          `json:"status"`
	Queues map[string]bool `json:"queues"`
}

// newRouter serves /metrics with metrics and /healthz from the running
// state of every queue's scheduler.
func newRouter(metrics http.Handler, running map[string]observability.RunningFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", metrics)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h := health{Status: "ok", Queues: make(map[string]bool, len(running))}
		names := make([]string, 0, len(running))
		for name := range running {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			up := running[name]()
			h.Queues[name] = up
			if !up {
				h.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if h.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	return r
}
