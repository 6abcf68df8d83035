package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/heptiolabs/healthcheck"

	"github.com/Brownie44l1/image-classifier/internal/metrics"
)

const maxGoroutines = 10000

// CORS lets the browser frontend call the API from any origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetHandlers registers the API, the upload file server and the liveness and
// readiness probes on router.
func (h *Handler) SetHandlers(router *mux.Router) {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	health.AddReadinessCheck("classifier", h.Ready)

	router.Use(metrics.Middleware, CORS)

	router.HandleFunc("/", h.Root).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/classify-image", h.ClassifyImage).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/previous-classifications", h.PreviousClassifications).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/live", health.LiveEndpoint).Methods(http.MethodGet)
	router.HandleFunc("/ready", health.ReadyEndpoint).Methods(http.MethodGet)
	router.PathPrefix(UploadPrefix).Handler(
		http.StripPrefix(UploadPrefix, http.FileServer(http.Dir(h.opts.UploadDir))),
	).Methods(http.MethodGet, http.MethodHead)
}
