package api

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rhythm/internal/agenda"
	"rhythm/internal/domain"
	"rhythm/internal/handlers/autoschedule"
	"rhythm/internal/processor"
	"rhythm/internal/queue"
)

type Server struct {
	r      *chi.Mux
	store  queue.Store
	agenda agenda.Store
	procs  *processor.Registry
}

func NewServer(store queue.Store, agendaStore agenda.Store, procs *processor.Registry) http.Handler {
	return NewServerWithDebug(store, agendaStore, procs, false)
}

func NewServerWithDebug(store queue.Store, agendaStore agenda.Store, procs *processor.Registry, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: store, agenda: agendaStore, procs: procs}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/jobs", s.submitJob)
	r.Get("/api/jobs", s.listJobs)
	r.Get("/api/jobs/{id}", s.getJob)
	r.Get("/api/stats", s.stats)

	r.Post("/api/triggers", s.createTrigger)
	r.Get("/api/triggers", s.listTriggers)
	r.Get("/api/triggers/{name}", s.getTrigger)
	r.Put("/api/triggers/{name}", s.updateTrigger)
	r.Delete("/api/triggers/{name}", s.deleteTrigger)

	r.Post("/api/schedule", s.scheduleRun)
	r.Get("/api/users/{id}/conflicts", s.conflicts)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type submitReq struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	MaxAttempts  int             `json:"max_attempts"`
	DelaySeconds int             `json:"delay_seconds"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", 400)
		return
	}
	proc, ok := s.procs.Get(req.Type)
	if !ok {
		http.Error(w, "unknown job type: "+req.Type, 400)
		return
	}
	opts := processor.EnqueueOptions{Priority: req.Priority, MaxAttempts: req.MaxAttempts}
	if req.DelaySeconds > 0 {
		opts.ScheduledFor = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	id, err := proc.Enqueue(r.Context(), req.Payload, opts)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be 1-500", 400)
			return
		}
		limit = n
	}
	jobs, err := s.store.ListRecentJobs(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobJSON(j))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, jobJSON(j))
}

func jobJSON(j domain.Job) map[string]any {
	resp := map[string]any{
		"id":            j.ID,
		"type":          j.Type,
		"status":        j.Status,
		"priority":      j.Priority,
		"attempts":      j.Attempts,
		"max_attempts":  j.MaxAttempts,
		"scheduled_for": j.ScheduledFor.Format(time.RFC3339),
	}
	if len(j.Result) > 0 {
		resp["result"] = j.Result
	}
	if j.Error != "" {
		resp["error"] = j.Error
	}
	if j.CompletedAt != nil {
		resp["completed_at"] = j.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]processor.Stats)
	for _, typ := range s.procs.Types() {
		proc, ok := s.procs.Get(typ)
		if !ok {
			continue
		}
		st, err := proc.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		out[typ] = st
	}
	writeJSON(w, 200, out)
}

type triggerReq struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Schedule string          `json:"schedule"`
	Payload  json.RawMessage `json:"payload"`
	Enabled  *bool           `json:"enabled"`
}

func (s *Server) createTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" || req.Type == "" || req.Schedule == "" {
		http.Error(w, "name, type and schedule are required", 400)
		return
	}
	if err := processor.ValidateSpec(req.Schedule); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	proc, ok := s.procs.Get(req.Type)
	if !ok {
		http.Error(w, "unknown job type: "+req.Type, 400)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	t := domain.RecurringTrigger{
		Name:     req.Name,
		Type:     req.Type,
		Schedule: req.Schedule,
		Payload:  req.Payload,
		Enabled:  enabled,
	}
	if err := proc.AddTrigger(r.Context(), t); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) updateTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	existing, err := s.store.GetRecurring(r.Context(), name)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	var req triggerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Schedule != "" {
		if err := processor.ValidateSpec(req.Schedule); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
		existing.Schedule = req.Schedule
		existing.NextRunAt = time.Time{} // recomputed on register
	}
	if len(req.Payload) > 0 {
		existing.Payload = req.Payload
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}
	proc, ok := s.procs.Get(existing.Type)
	if !ok {
		http.Error(w, "no processor for type "+existing.Type, 500)
		return
	}
	if err := proc.AddTrigger(r.Context(), existing); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]string{"name": name})
}

func (s *Server) listTriggers(w http.ResponseWriter, r *http.Request) {
	var out []map[string]any
	for _, typ := range s.procs.Types() {
		triggers, err := s.store.ListRecurring(r.Context(), typ, false)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		for _, t := range triggers {
			out = append(out, triggerJSON(t))
		}
	}
	writeJSON(w, 200, out)
}

func (s *Server) getTrigger(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetRecurring(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, triggerJSON(t))
}

func (s *Server) deleteTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t, err := s.store.GetRecurring(r.Context(), name)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	proc, ok := s.procs.Get(t.Type)
	if !ok {
		http.Error(w, "no processor for type "+t.Type, 500)
		return
	}
	if err := proc.RemoveTrigger(r.Context(), name); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scheduleReq struct {
	UserID    string   `json:"user_id"`
	CompanyID *string  `json:"company_id,omitempty"`
	TaskIDs   []string `json:"task_ids,omitempty"`
	Mode      string   `json:"mode,omitempty"`
	DryRun    bool     `json:"dry_run,omitempty"`
}

// scheduleRun enqueues a scheduling job; placement happens on the
// processor's poll loop, not in the request path.
func (s *Server) scheduleRun(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", 400)
		return
	}
	proc, ok := s.procs.Get("autoschedule")
	if !ok {
		http.Error(w, "scheduler not running", 503)
		return
	}
	payload, err := json.Marshal(autoschedule.Request{
		UserID:    req.UserID,
		CompanyID: req.CompanyID,
		TaskIDs:   req.TaskIDs,
		Mode:      req.Mode,
		DryRun:    req.DryRun,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	id, err := proc.Enqueue(r.Context(), payload, processor.EnqueueOptions{Priority: 2})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) conflicts(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	events, err := s.agenda.UpcomingEvents(r.Context(), userID, time.Now())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{
		"user_id":   userID,
		"conflicts": agenda.Conflicts(events),
	})
}

func triggerJSON(t domain.RecurringTrigger) map[string]any {
	out := map[string]any{
		"name":        t.Name,
		"type":        t.Type,
		"schedule":    t.Schedule,
		"enabled":     t.Enabled,
		"next_run_at": t.NextRunAt.Format(time.RFC3339),
	}
	if t.LastRunAt != nil {
		out["last_run_at"] = t.LastRunAt.Format(time.RFC3339)
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
