// Package api serves the task lifecycle over JSON HTTP and streams
// lifecycle events over SSE.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"sylvia/pkg/agent"
	"sylvia/pkg/analytics"
	"sylvia/pkg/events"
	"sylvia/pkg/orchestrator"
	"sylvia/pkg/pattern"
	"sylvia/pkg/session"
	"sylvia/pkg/task"
)

// Tasks is the task service the API drives.
type Tasks interface {
	CreateTask(ctx context.Context, userID string, in task.NewTask) (*task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	UpdateTask(ctx context.Context, id string, p task.Patch) (*task.Task, error)
	DeleteTask(ctx context.Context, id string) error
	GetUserTasks(ctx context.Context, userID string, f task.Filter) ([]task.Task, error)
	Subtasks(ctx context.Context, parentID string) ([]task.Task, error)
	ScoreTask(ctx context.Context, sc task.Score, m task.ScoreMetrics) (*task.ScoreResult, error)
	GetPatterns(ctx context.Context, userID, patternType string) ([]pattern.Pattern, error)
}

// Sessions records work sessions.
type Sessions interface {
	Log(ctx context.Context, e *session.Entry) (*session.Entry, error)
}

// Calendar serves calendar analytics.
type Calendar interface {
	Calendar(ctx context.Context, userID string, start, end time.Time) (*analytics.Calendar, error)
}

// Triggers runs agents on demand.
type Triggers interface {
	TriggerPlanner(ctx context.Context, in agent.PlannerInput) (agent.PlanResult, error)
	TriggerAssessor(ctx context.Context, in agent.AssessorInput) (agent.AssessResult, error)
	TriggerAnalyzer(ctx context.Context, in agent.AnalyzerInput) (agent.AnalysisResult, error)
	RunDailyAnalysis(ctx context.Context) (*orchestrator.DailySummary, error)
}

// Subscriber fans out appended events.
type Subscriber interface {
	Subscribe() chan events.Envelope
	Unsubscribe(ch chan events.Envelope)
}

// Deps are the services behind the API.
type Deps struct {
	Tasks    Tasks
	Sessions Sessions
	Calendar Calendar
	Triggers Triggers
	Events   Subscriber
	// Location interprets calendar dates; UTC when nil.
	Location *time.Location
}

// Server is the HTTP API server.
type Server struct {
	deps Deps
	loc  *time.Location
	now  func() time.Time
	log  *slog.Logger
	mux  *http.ServeMux
}

// New creates a new Server.
func New(deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	s := &Server{
		deps: deps,
		loc:  loc,
		now:  time.Now,
		log:  log.With("component", "api"),
		mux:  http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Tasks
	s.mux.HandleFunc("GET /api/tasks", s.handleTaskList)
	s.mux.HandleFunc("POST /api/tasks", s.handleTaskCreate)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskGet)
	s.mux.HandleFunc("PATCH /api/tasks/{id}", s.handleTaskUpdate)
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.handleTaskDelete)
	s.mux.HandleFunc("GET /api/tasks/{id}/subtasks", s.handleSubtasks)
	s.mux.HandleFunc("POST /api/tasks/{id}/score", s.handleTaskScore)

	// Sessions, patterns, analytics
	s.mux.HandleFunc("POST /api/sessions", s.handleSessionLog)
	s.mux.HandleFunc("GET /api/patterns", s.handlePatterns)
	s.mux.HandleFunc("GET /api/analytics/calendar", s.handleCalendar)

	// Agents
	s.mux.HandleFunc("POST /api/agents/{agent}", s.handleAgentTrigger)
	s.mux.HandleFunc("POST /api/analysis/daily", s.handleDailyAnalysis)

	// Events
	s.mux.HandleFunc("GET /api/events/stream", s.handleEventStream)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("write json", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps service errors to status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var verr *task.ValidationError
	switch {
	case errors.Is(err, task.ErrNotFound), errors.Is(err, pattern.ErrNotFound):
		writeError(w, 404, err.Error())
	case errors.As(err, &verr):
		writeError(w, 422, err.Error())
	case errors.Is(err, orchestrator.ErrNoAgent):
		writeError(w, 503, err.Error())
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, 500, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
