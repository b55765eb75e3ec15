package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"sylvia/pkg/agent"
	"sylvia/pkg/task"
)

type createTaskRequest struct {
	UserID string `json:"userId"`
	task.NewTask
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.deps.Tasks.CreateTask(r.Context(), req.UserID, req.NewTask)
	if t == nil {
		s.writeErr(w, err)
		return
	}
	if err != nil {
		// Stored but not announced; the caller still gets the task.
		s.log.Warn("task created without event", "task", t.ID, "err", err)
	}
	writeJSON(w, 201, t)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user := q.Get("user")
	if user == "" {
		writeError(w, 400, "user is required")
		return
	}
	f := task.Filter{Status: task.Status(q.Get("status")), Limit: queryInt(r, "limit", 100)}
	if q.Has("parent") {
		parent := q.Get("parent")
		f.ParentID = &parent
	}
	if v := q.Get("due_before"); v != "" {
		due, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, 400, "due_before must be RFC 3339")
			return
		}
		f.DueBefore = &due
	}
	if v := q.Get("tags"); v != "" {
		f.Tags = strings.Split(v, ",")
	}
	tasks, err := s.deps.Tasks.GetUserTasks(r.Context(), user, f)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Tasks.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleSubtasks(w http.ResponseWriter, r *http.Request) {
	subtasks, err := s.deps.Tasks.Subtasks(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, 200, subtasks)
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	var p task.Patch
	if !decode(w, r, &p) {
		return
	}
	t, err := s.deps.Tasks.UpdateTask(r.Context(), r.PathValue("id"), p)
	if t == nil {
		s.writeErr(w, err)
		return
	}
	if err != nil {
		s.log.Warn("task updated without event", "task", t.ID, "err", err)
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tasks.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scoreRequest struct {
	Difficulty   int      `json:"difficulty"`
	Innovation   int      `json:"innovation"`
	Quality      int      `json:"quality"`
	Speed        int      `json:"speed"`
	Reasoning    string   `json:"reasoning"`
	Highlights   []string `json:"highlights"`
	Improvements []string `json:"improvements"`
	UserFeedback string   `json:"userFeedback"`
}

// handleTaskScore records a score given by the user instead of the
// assessor. Overall score, XP and time metrics are derived the same way.
func (s *Server) handleTaskScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	t, err := s.deps.Tasks.GetTask(ctx, r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if t.Status != task.StatusDone || t.CompletedAt == nil {
		s.writeErr(w, &task.ValidationError{Field: "status", Message: "only completed tasks can be scored"})
		return
	}
	subtasks, err := s.deps.Tasks.Subtasks(ctx, t.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	m := agent.ComputeTimeMetrics(t, *t.CompletedAt, len(subtasks) > 0)
	overall := agent.OverallScore(req.Difficulty, req.Innovation, req.Quality, req.Speed)
	res, err := s.deps.Tasks.ScoreTask(ctx, task.Score{
		TaskID:       t.ID,
		Difficulty:   req.Difficulty,
		Innovation:   req.Innovation,
		Quality:      req.Quality,
		Speed:        req.Speed,
		OverallScore: overall,
		XPEarned:     agent.ExperiencePoints(overall, req.Innovation, req.Quality, m.OnTime, m.HasSubtasks),
		Reasoning:    req.Reasoning,
		Highlights:   req.Highlights,
		Improvements: req.Improvements,
		UserFeedback: req.UserFeedback,
	}, m)
	if res == nil {
		s.writeErr(w, err)
		return
	}
	if err != nil {
		s.log.Warn("task scored without event", "task", t.ID, "err", err)
	}
	writeJSON(w, 200, res)
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
