package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/zyn1030z/SLA-service-sub000/internal/log"
	"github.com/zyn1030z/SLA-service-sub000/pkg/calendar"
	"github.com/zyn1030z/SLA-service-sub000/pkg/service"
	"github.com/zyn1030z/SLA-service-sub000/pkg/storage"
)

// Deps is what the HTTP surface needs. Metrics may be nil.
type Deps struct {
	Sweeper *service.Sweeper
	Records *service.RecordService
	Metrics http.Handler
}

// NewRouter wires the manual trigger, record lookups and the deadline
// preview.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", HealthHandler)
	r.Post("/sweep", SweepHandler(d.Sweeper))
	r.Get("/sweep/counts", CountsHandler(d.Sweeper))
	r.Get("/deadline", DeadlineHandler(d.Records))
	r.Route("/records", func(r chi.Router) {
		r.Post("/", StartStepHandler(d.Records))
		r.Get("/{key}", RecordHandler(d.Records))
		r.Post("/{key}/complete", CompleteHandler(d.Records))
		r.Get("/{key}/actions", ActionsHandler(d.Records))
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	return r
}

// StartServer serves handler on port until ctx is cancelled, then shuts down
// gracefully.
func StartServer(ctx context.Context, port string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting SLA guard server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.GetLogger().Infof("Shutting down SLA guard server")
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "SLA guard is running")
}

// SweepHandler runs one sweep synchronously and returns its TriggerResult.
func SweepHandler(sweeper *service.Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := sweeper.Trigger(r.Context())
		status := http.StatusOK
		if !res.Success {
			status = http.StatusInternalServerError
			if res.Error == service.ErrSweepRunning.Error() {
				status = http.StatusConflict
			}
		}
		writeJSON(w, status, res)
	}
}

func CountsHandler(sweeper *service.Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		waiting, violated, err := sweeper.Counts(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"waitingCount": waiting, "violatedCount": violated})
	}
}

func StartStepHandler(records *service.RecordService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.StartStepRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
			return
		}
		if req.Key == "" {
			http.Error(w, "Missing 'key' field", http.StatusBadRequest)
			return
		}
		rec, err := records.StartStep(r.Context(), req)
		if errors.Is(err, service.ErrInvalidRequest) {
			http.Error(w, fmt.Sprintf("Failed to start step: %v", err), http.StatusBadRequest)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	}
}

func RecordHandler(records *service.RecordService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := records.Get(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func CompleteHandler(records *service.RecordService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := records.Complete(r.Context(), chi.URLParam(r, "key")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func ActionsHandler(records *service.RecordService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logs, err := records.History(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

// DeadlineHandler previews ComputeDueAt:
// GET /deadline?start=2026-01-15T08:40:18Z&slaHours=1&count=0
func DeadlineHandler(records *service.RecordService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		start, err := time.Parse(time.RFC3339, q.Get("start"))
		if err != nil {
			http.Error(w, "Invalid 'start' parameter, expected RFC3339", http.StatusBadRequest)
			return
		}
		slaHours, err := strconv.Atoi(q.Get("slaHours"))
		if err != nil || slaHours <= 0 {
			http.Error(w, "Invalid 'slaHours' parameter, expected a positive integer", http.StatusBadRequest)
			return
		}
		count := 0
		if v := q.Get("count"); v != "" {
			if count, err = strconv.Atoi(v); err != nil || count < 0 {
				http.Error(w, "Invalid 'count' parameter", http.StatusBadRequest)
				return
			}
		}
		if err := calendar.ValidateWindow(slaHours, count); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		due := records.DueAt(start, slaHours, count)
		writeJSON(w, http.StatusOK, map[string]string{"dueAt": due.UTC().Format(time.RFC3339)})
	}
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	log.GetLogger().Errorf("Request failed: %v", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
