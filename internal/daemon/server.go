package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/harun/tabula/internal/observability"
)

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status   string  `json:"status"`
	Backend  string  `json:"backend"`
	Library  string  `json:"library,omitempty"`
	Sessions int     `json:"sessions"`
	Uptime   float64 `json:"uptime"`
}

func (d *Daemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", d.handleHealth)
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:  "ok",
		Backend: d.registry.Backend(),
		Library: d.registry.Library(),
		Uptime:  d.Status().Uptime.Seconds(),
	}

	code := http.StatusOK
	size, err := d.registry.Size(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Health check failed to size backend")
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	resp.Sessions = size

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// startServer binds the listener synchronously so bind errors surface from
// Start, then serves in the background.
func (d *Daemon) startServer() error {
	ln, err := net.Listen("tcp", d.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.config.Addr(), err)
	}

	d.server = &http.Server{
		Handler:           d.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	d.addr = ln.Addr().String()

	d.logger.Info().Str("addr", d.addr).Msg("Health and metrics server started")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error().Err(err).Msg("Health and metrics server failed")
		}
	}()
	return nil
}

func (d *Daemon) stopServer() error {
	if d.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	d.logger.Info().Msg("Health and metrics server stopped")
	return nil
}
