// Package middleware serves the operator-facing HTTP endpoints: Prometheus
// metrics and the pipeline status.
package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/breez/anon-sync/syncer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// StatusFunc reports the current pipeline state.
type StatusFunc func() syncer.Status

func NewOpsHandler(gatherer prometheus.Gatherer, status StatusFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux)
}
