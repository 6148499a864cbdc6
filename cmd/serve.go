package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/monitoring"
	"github.com/sells-group/consensus-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Monitoring.Enabled {
			watchdog := monitoring.NewWatchdog(env.Metrics, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go watchdog.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env, cfg.Monitoring.LookbackWindowHours),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func newRouter(env *appEnv, lookbackHours int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		hours := lookbackHours
		if h := req.URL.Query().Get("lookback_hours"); h != "" {
			if parsed, err := strconv.Atoi(h); err == nil && parsed > 0 {
				hours = parsed
			}
		}
		if hours <= 0 {
			hours = 24
		}
		snap, err := env.Metrics.Collect(req.Context(), hours)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to collect metrics")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", handleSubmitJobs(env))
		r.Get("/jobs/{id}", handleGetJob(env))
		r.Post("/jobs/{id}/cancel", handleCancelJob(env))
		r.Get("/groups/{id}", handleGetGroup(env))
		r.Post("/claims", handleAppendClaims(env))
		r.Get("/claims/{entityID}", handleListClaims(env))
		r.Get("/records/{entityID}", handleGetRecord(env))
	})

	return r
}

func handleSubmitJobs(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Snapshots []model.EntitySnapshot `json:"snapshots"`
			Force     bool                   `json:"force"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(body.Snapshots) == 0 {
			writeError(w, http.StatusBadRequest, "snapshots is required")
			return
		}
		for _, snap := range body.Snapshots {
			if err := snap.Validate(); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		group, items, err := env.Manager.Submit(req.Context(), "api", body.Snapshots, body.Force)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create jobs")
			return
		}

		// Process in the background; the caller polls the group.
		go func() {
			if err := env.Manager.Run(context.Background(), items); err != nil {
				zap.L().Error("background job run failed",
					zap.String("group_id", group.ID), zap.Error(err))
			}
		}()

		writeJSON(w, http.StatusAccepted, map[string]any{
			"group": group,
			"items": items,
		})
	}
}

func handleGetJob(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		item, err := env.Store.GetItem(req.Context(), chi.URLParam(req, "id"))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load job")
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func handleCancelJob(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := env.Manager.Cancel(req.Context(), chi.URLParam(req, "id"))
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, store.ErrIllegalTransition):
			writeError(w, http.StatusConflict, "job already finished")
		case err != nil:
			writeError(w, http.StatusInternalServerError, "failed to cancel job")
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		}
	}
}

func handleGetGroup(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		group, items, err := env.Store.GetGroup(req.Context(), chi.URLParam(req, "id"))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "group not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load group")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"group": group,
			"items": items,
		})
	}
}

func handleAppendClaims(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Claims []model.Claim `json:"claims"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(body.Claims) == 0 {
			writeError(w, http.StatusBadRequest, "claims is required")
			return
		}

		accepted, rejected, err := env.Ledger.AppendBatch(req.Context(), body.Claims)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to append claims")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"accepted":   accepted,
			"duplicates": len(body.Claims) - len(rejected) - accepted,
			"rejected":   rejected,
		})
	}
}

func handleListClaims(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		claims, err := env.Ledger.Query(req.Context(),
			chi.URLParam(req, "entityID"), req.URL.Query().Get("field_path"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list claims")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"claims": claims})
	}
}

func handleGetRecord(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		rec, err := env.Store.GetCurrentRecord(req.Context(), chi.URLParam(req, "entityID"))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no record for entity")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load record")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
