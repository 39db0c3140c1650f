// Package monitor serves a grid over HTTP: a JSON API for summaries,
// queries and regrid triggers, plus HTML charts and PNG plots of the
// gridded surface.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/bathygrid/internal/grid"
	"github.com/banshee-data/bathygrid/internal/monitoring"
)

// WebServer handles the HTTP interface of one grid.
type WebServer struct {
	address   string
	grid      *grid.Grid
	regridder *grid.Regridder
	server    *http.Server
	log       *zap.Logger

	maxPoints      int
	maxChartPoints int
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address string
	Grid    *grid.Grid
	// Regridder, when set, serves POST /api/regrid so that triggered passes
	// also save the grid. Without it the grid is regridded directly.
	Regridder *grid.Regridder
	// MaxPoints caps /api/points responses. 0 selects 100000.
	MaxPoints int
	// MaxChartPoints caps the cells drawn by /chart/depth. 0 selects 40000.
	MaxChartPoints int
	Logger         *zap.Logger
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:        config.Address,
		grid:           config.Grid,
		regridder:      config.Regridder,
		log:            config.Logger,
		maxPoints:      config.MaxPoints,
		maxChartPoints: config.MaxChartPoints,
	}
	if ws.log == nil {
		ws.log = monitoring.Named("monitor")
	}
	if ws.maxPoints <= 0 {
		ws.maxPoints = 100_000
	}
	if ws.maxChartPoints <= 0 {
		ws.maxChartPoints = 40_000
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws
}

// Handler returns the routes, for embedding or tests.
func (ws *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/info", ws.handleInfo)
	mux.HandleFunc("/api/tiles", ws.handleTiles)
	mux.HandleFunc("/api/containers", ws.handleContainers)
	mux.HandleFunc("/api/containers/", ws.handleContainer)
	mux.HandleFunc("/api/stale", ws.handleStale)
	mux.HandleFunc("/api/points", ws.handlePoints)
	mux.HandleFunc("/api/points/polygon", ws.handlePolygon)
	mux.HandleFunc("/api/cells", ws.handleCells)
	mux.HandleFunc("/api/regrid", ws.handleRegrid)
	mux.HandleFunc("/chart/depth", ws.handleDepthChart)
	mux.HandleFunc("/chart/states", ws.handleStatesChart)
	mux.HandleFunc("/plot/depth.png", ws.handleDepthPlot)

	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully. It
// returns the listener error if the server fails to start.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		ws.log.Info("starting HTTP server", zap.String("addr", ws.address))
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	ws.log.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		ws.log.Warn("HTTP server shutdown error", zap.Error(err))
		if err := ws.server.Close(); err != nil {
			ws.log.Warn("HTTP server force close error", zap.Error(err))
		}
	}
	<-errCh
	ws.log.Info("HTTP server routine stopped")
	return nil
}

// Close stops the server immediately.
func (ws *WebServer) Close() error {
	return ws.server.Close()
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}
