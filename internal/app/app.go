package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Dhanuja2006/Asset-Tracking-System/internal/config"
	"github.com/Dhanuja2006/Asset-Tracking-System/internal/ingest"
	"github.com/Dhanuja2006/Asset-Tracking-System/internal/model"
	"github.com/Dhanuja2006/Asset-Tracking-System/internal/pipeline"
	"github.com/Dhanuja2006/Asset-Tracking-System/internal/store"

	"github.com/grandcat/zeroconf"
)

// App wires together the asset tracking services and manages their lifecycle.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	ingestor *ingest.Ingestor
	zone     *time.Location
	mdns     *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is
// cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	zone, err := time.LoadLocation(a.cfg.ReferenceZone)
	if err != nil {
		return fmt.Errorf("load reference zone %q: %w", a.cfg.ReferenceZone, err)
	}
	a.zone = zone

	db, err := store.Open(a.cfg.DatabasePath, a.cfg.DBMaxConns)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	pipe := pipeline.New(a.store, a.logger, zone, a.cfg.DuplicateWindow)
	a.ingestor = ingest.New(a.cfg.BrokerURL, a.cfg.TopicNamespace, pipe.HandleMessage, a.logger)
	if err := a.ingestor.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("ingestion loop started", "broker", a.cfg.BrokerURL,
		"topic", ingest.TopicFilter(a.cfg.TopicNamespace))

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.cfg.EnableMDNS {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			a.ingestor.Stop()
			a.logger.Info("ingestion loop stopped")

			a.stopMDNS()
			return nil
		case err := <-httpErrCh:
			if err != nil {
				a.ingestor.Stop()
				a.stopMDNS()
				return err
			}
		}
	}
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/api/scans", a.handleRecentScans)
	mux.HandleFunc("/api/alerts", a.handleRecentAlerts)
	mux.HandleFunc("/api/tracking/current", a.handleCurrentLocations)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.ingestor == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleRecentScans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	scans, err := a.store.RecentScans(ctx, queryLimit(r, 50, 500))
	if err != nil {
		a.logger.Error("failed to load recent scans", "error", err)
		http.Error(w, "failed to load scans", http.StatusInternalServerError)
		return
	}

	response := struct {
		Scans []model.StoredScan `json:"scans"`
	}{Scans: scans}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode scans response", "error", err)
	}
}

func (a *App) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	alerts, err := a.store.RecentAlerts(ctx, queryLimit(r, 50, 500))
	if err != nil {
		a.logger.Error("failed to load recent alerts", "error", err)
		http.Error(w, "failed to load alerts", http.StatusInternalServerError)
		return
	}

	response := struct {
		Alerts []model.Alert `json:"alerts"`
	}{Alerts: alerts}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode alerts response", "error", err)
	}
}

func (a *App) handleCurrentLocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	locations, err := a.store.CurrentLocations(ctx, time.Now().In(a.zone))
	if err != nil {
		a.logger.Error("failed to load current locations", "error", err)
		http.Error(w, "failed to load locations", http.StatusInternalServerError)
		return
	}

	response := struct {
		Assets []model.AssetLocation `json:"assets"`
	}{Assets: locations}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode locations response", "error", err)
	}
}

func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= max {
				limit = parsed
			}
		}
	}
	return limit
}
