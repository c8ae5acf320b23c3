package runtime

import (
	"net/http"
	"strings"

	configpkg "github.com/denmarkmeralpis/listenable/internal/runtime/config"
	jsoncodec "github.com/denmarkmeralpis/listenable/internal/runtime/jsoncodec"
)

// registerStatsAPI mounts the listener stats endpoint when enabled.
func (d *Dispatcher) registerStatsAPI() {
	if !d.Conf.StatsAPIEnabled {
		return
	}

	port := d.Conf.StatsAPIPort
	if port == 0 {
		port = configpkg.DefaultStatsAPIPort
	}

	d.RegisterHTTPHandler(port, "/api/listeners", http.HandlerFunc(d.handleGetListeners))
}

func (d *Dispatcher) handleGetListeners(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Set CORS headers based on configuration
	if d.Conf != nil && len(d.Conf.StatsAPICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := d.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	// Handle preflight requests
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := jsoncodec.Encode(w, d.Listeners()); err != nil {
		d.Logger.Error("Failed to encode listeners", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (d *Dispatcher) getAllowedCORSOrigin(requestOrigin string) string {
	if d.Conf == nil {
		return ""
	}
	for _, allowed := range d.Conf.StatsAPICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
