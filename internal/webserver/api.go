package webserver

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/zsprackett/jobkit/internal/history"
	"github.com/zsprackett/jobkit/internal/jobs"
	"github.com/zsprackett/jobkit/internal/output"
)

// requestJob resolves the {jobName} path value.
func (s *Server) requestJob(r *http.Request) (*jobs.Job, error) {
	return s.manager.Job(r.PathValue("jobName"))
}

// requestInvocation resolves the {jobName} and {id} path values. The id
// may be "current" or "last".
func (s *Server) requestInvocation(r *http.Request) (*history.Invocation, error) {
	return s.manager.Invocation(r.Context(), r.PathValue("jobName"), r.PathValue("id"))
}

func (s *Server) handleAPIPause(w http.ResponseWriter, r *http.Request) {
	s.manager.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleAPIResume(w http.ResponseWriter, r *http.Request) {
	s.manager.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleAPIJobs(w http.ResponseWriter, r *http.Request) {
	sel := jobs.Everything
	if q := r.URL.Query().Get("selector"); q != "" {
		parsed, err := jobs.ParseSelector(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sel = parsed
	}
	writeJSON(w, http.StatusOK, s.manager.Status(r.Context(), sel).Jobs)
}

func (s *Server) handleAPIJobsRunning(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, history.Summaries(s.manager.Running()))
}

func (s *Server) handleAPIJob(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.JobStatus(r.Context(), r.PathValue("jobName"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAPIJobParameters(w http.ResponseWriter, r *http.Request) {
	job, err := s.requestJob(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	params := job.Parameters()
	if params == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, params)
}

// handleAPIJobRun starts the job with parameter values from an optional
// JSON object body.
func (s *Server) handleAPIJobRun(w http.ResponseWriter, r *http.Request) {
	job, err := s.requestJob(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var params map[string]string
	if len(body) > 0 {
		params, err = jobs.ValuesFromJSON(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	inv, err := s.manager.RunJob(r.Context(), job.Name(), params)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history.Summary{Invocation: inv})
}

func (s *Server) handleAPIJobCancel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("jobName")
	if err := s.manager.CancelJob(name); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": name + " cancelled"})
}

func (s *Server) handleAPIJobEnable(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("jobName")
	if err := s.manager.EnableJob(name); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": name + " enabled"})
}

func (s *Server) handleAPIJobDisable(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("jobName")
	if err := s.manager.DisableJob(name); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": name + " disabled"})
}

func (s *Server) handleAPIInvocation(w http.ResponseWriter, r *http.Request) {
	inv, err := s.requestInvocation(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

type outputResponse struct {
	ServerTimeNanos int64          `json:"serverTimeNanos"`
	Complete        bool           `json:"complete"`
	Chunks          []output.Chunk `json:"chunks"`
}

// handleAPIInvocationOutput returns the chunks written after the
// afterNanos query value, or all of them, for clients that poll.
func (s *Server) handleAPIInvocationOutput(w http.ResponseWriter, r *http.Request) {
	inv, err := s.requestInvocation(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var after time.Time
	if q := r.URL.Query().Get("afterNanos"); q != "" {
		nanos, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if nanos > 0 {
			after = time.Unix(0, nanos)
		}
	}
	chunks := inv.Output.ChunksAfter(after)
	if chunks == nil {
		chunks = []output.Chunk{}
	}
	writeJSON(w, http.StatusOK, outputResponse{
		ServerTimeNanos: time.Now().UTC().UnixNano(),
		Complete:        inv.Output.Closed(),
		Chunks:          chunks,
	})
}
