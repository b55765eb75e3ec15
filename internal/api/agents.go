package api

import (
	"net/http"
	"time"

	"sylvia/pkg/agent"
	"sylvia/pkg/session"
	"sylvia/pkg/task"
)

const dateLayout = "2006-01-02"

// defaultCalendarDays is the range served when no start date is given.
const defaultCalendarDays = 7

func (s *Server) handleSessionLog(w http.ResponseWriter, r *http.Request) {
	var e session.Entry
	if !decode(w, r, &e) {
		return
	}
	if err := task.Validate(e); err != nil {
		s.writeErr(w, err)
		return
	}
	if e.EndedAt != nil && e.EndedAt.Before(e.StartedAt) {
		s.writeErr(w, &task.ValidationError{Field: "endedAt", Message: "must not be before startedAt"})
		return
	}
	saved, err := s.deps.Sessions.Log(r.Context(), &e)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, 201, saved)
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, 400, "user is required")
		return
	}
	patterns, err := s.deps.Tasks.GetPatterns(r.Context(), user, r.URL.Query().Get("type"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, 200, patterns)
}

// handleCalendar serves the calendar for [start, end], both dates inclusive
// and interpreted in the analytics time zone. Without dates it covers the
// last seven days including today.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user := q.Get("user")
	if user == "" {
		writeError(w, 400, "user is required")
		return
	}

	now := s.now().In(s.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	end := today
	if v := q.Get("end"); v != "" {
		d, err := time.ParseInLocation(dateLayout, v, s.loc)
		if err != nil {
			writeError(w, 400, "end must be YYYY-MM-DD")
			return
		}
		end = d
	}
	start := end.AddDate(0, 0, -(defaultCalendarDays - 1))
	if v := q.Get("start"); v != "" {
		d, err := time.ParseInLocation(dateLayout, v, s.loc)
		if err != nil {
			writeError(w, 400, "start must be YYYY-MM-DD")
			return
		}
		start = d
	}

	cal, err := s.deps.Calendar.Calendar(r.Context(), user, start, end.AddDate(0, 0, 1))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, 200, cal)
}

type triggerRequest struct {
	TaskID string        `json:"taskId"`
	UserID string        `json:"userId"`
	Type   agent.Trigger `json:"type"`
	RunKey string        `json:"runKey"`
}

// handleAgentTrigger runs one agent synchronously. A failed run answers 422
// with the agent's result body.
func (s *Server) handleAgentTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	var (
		res    any
		result agent.Result
		err    error
	)
	switch r.PathValue("agent") {
	case "planner":
		if req.TaskID == "" {
			writeError(w, 400, "taskId is required")
			return
		}
		var pr agent.PlanResult
		pr, err = s.deps.Triggers.TriggerPlanner(ctx, agent.PlannerInput{TaskID: req.TaskID, UserID: req.UserID})
		res, result = pr, pr.Result
	case "assessor":
		if req.TaskID == "" {
			writeError(w, 400, "taskId is required")
			return
		}
		var ar agent.AssessResult
		ar, err = s.deps.Triggers.TriggerAssessor(ctx, agent.AssessorInput{TaskID: req.TaskID, UserID: req.UserID})
		res, result = ar, ar.Result
	case "analyzer":
		if req.UserID == "" {
			writeError(w, 400, "userId is required")
			return
		}
		var an agent.AnalysisResult
		an, err = s.deps.Triggers.TriggerAnalyzer(ctx, agent.AnalyzerInput{
			UserID: req.UserID, Type: req.Type, TaskID: req.TaskID, RunKey: req.RunKey,
		})
		res, result = an, an.Result
	default:
		writeError(w, 404, "unknown agent "+r.PathValue("agent"))
		return
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !result.Success {
		writeJSON(w, 422, res)
		return
	}
	writeJSON(w, 200, res)
}

func (s *Server) handleDailyAnalysis(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Triggers.RunDailyAnalysis(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, 200, sum)
}
