package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/overstory-labs/terrascout/internal/geometry"
	"github.com/overstory-labs/terrascout/internal/store"
	"github.com/overstory-labs/terrascout/internal/survey"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only run status API",
	Long:  "Exposes run history, run details, and shortlists over HTTP for dashboards and scripts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort > 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: newRouter(st),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newRouter wires the status API endpoints against a store.
func newRouter(st store.Store) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := st.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
			q := req.URL.Query()
			limit, _ := strconv.Atoi(q.Get("limit"))
			if limit <= 0 {
				limit = 50
			}
			offset, _ := strconv.Atoi(q.Get("offset"))

			runs, err := st.ListRuns(req.Context(), store.RunFilter{
				Status: survey.RunStatus(q.Get("status")),
				Limit:  limit,
				Offset: offset,
			})
			if err != nil {
				http.Error(w, `{"error":"list runs"}`, http.StatusInternalServerError)
				return
			}
			if runs == nil {
				runs = []survey.Run{}
			}
			writeJSON(w, http.StatusOK, runs)
		})

		api.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
			run, err := st.GetRun(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				if strings.Contains(err.Error(), "not found") {
					http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
					return
				}
				http.Error(w, `{"error":"get run"}`, http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, run)
		})

		api.Get("/runs/{id}/shortlist", func(w http.ResponseWriter, req *http.Request) {
			id := chi.URLParam(req, "id")
			if _, err := st.GetRun(req.Context(), id); err != nil {
				if strings.Contains(err.Error(), "not found") {
					http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
					return
				}
				http.Error(w, `{"error":"get run"}`, http.StatusInternalServerError)
				return
			}

			records, err := st.ListShortlist(req.Context(), id)
			if err != nil {
				http.Error(w, `{"error":"list shortlist"}`, http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, shortlistResponse(records))
		})
	})

	return r
}

// shortlistEntry is the wire form of one shortlisted site. Geometry is
// embedded as GeoJSON.
type shortlistEntry struct {
	Position int                `json:"position"`
	Score    float64            `json:"score"`
	Props    map[string]float64 `json:"props"`
	Advice   string             `json:"advice,omitempty"`
	Rating   int                `json:"rating,omitempty"`
	Geometry json.RawMessage    `json:"geometry,omitempty"`
}

func shortlistResponse(records []survey.ScoredRecord) []shortlistEntry {
	out := make([]shortlistEntry, len(records))
	for i, rec := range records {
		e := shortlistEntry{
			Position: i + 1,
			Score:    rec.Score(),
			Props:    rec.Props,
			Advice:   rec.Advice,
			Rating:   rec.Rating,
		}
		if rec.Geometry != nil {
			if gj, err := geometry.EncodeGeoJSON(rec.Geometry); err == nil {
				e.Geometry = json.RawMessage(gj)
			}
		}
		out[i] = e
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
