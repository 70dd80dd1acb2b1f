package app

import (
	"fmt"
	"net/http"
)

// healthHandler answers liveness probes.
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// healthcheckServer returns the health check HTTP server.
func (a *App) healthcheckServer() *http.Server {
	a.logger.Debug("Configuring health check server.")
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.healthHandler)
	return &http.Server{Handler: mux}
}
