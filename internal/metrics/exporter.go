package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Serve exposes the metrics endpoint on addr. It blocks, so callers run it
// in its own goroutine; an empty addr disables the exporter.
func Serve(addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	log.Printf("Metrics exporter listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
