package webserver

import (
	"bytes"
	"html/template"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zsprackett/jobkit/internal/history"
	"github.com/zsprackett/jobkit/internal/jobs"
)

var pageFuncs = template.FuncMap{
	"since": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return humanize.Time(t)
	},
	"sinceptr": func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return humanize.Time(*t)
	},
	"bytes": func(n int) string {
		return humanize.IBytes(uint64(n))
	},
	"duration": func(d time.Duration) string {
		if d <= 0 {
			return "-"
		}
		return d.Round(time.Millisecond).String()
	},
	"percent": func(f float64) string {
		return humanize.FormatFloat("#,###.#", f*100) + "%"
	},
	"comma": func(n int) string {
		return humanize.Comma(int64(n))
	},
	"path": url.PathEscape,
}

func parsePages() *template.Template {
	return template.Must(template.New("").Funcs(pageFuncs).ParseFS(templateFS, "templates/*.html"))
}

type page struct {
	Title    string
	Selector string
	Data     any
}

type jobPage struct {
	Job     jobs.JobStatus
	History []*history.Invocation
}

type errorPage struct {
	Status int
	Err    string
}

func (s *Server) render(w http.ResponseWriter, status int, name string, p page) {
	p.Title = s.cfg.Title
	var buf bytes.Buffer
	if err := s.pages.ExecuteTemplate(&buf, name, p); err != nil {
		s.logger.Error("render page", "page", name, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

func (s *Server) renderError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("page failed", "err", err)
	}
	s.render(w, status, "error.html", page{Data: errorPage{Status: status, Err: err.Error()}})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "index.html", page{Data: s.manager.Status(r.Context(), nil)})
}

// handleSearch is the index filtered by a label selector.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("selector")
	if q == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	sel, err := jobs.ParseSelector(q)
	if err != nil {
		s.render(w, http.StatusBadRequest, "error.html", page{Data: errorPage{Status: http.StatusBadRequest, Err: err.Error()}})
		return
	}
	s.render(w, http.StatusOK, "index.html", page{Selector: q, Data: s.manager.Status(r.Context(), sel)})
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "login.html", page{})
}

func (s *Server) handlePausePage(w http.ResponseWriter, r *http.Request) {
	s.manager.Pause()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleResumePage(w http.ResponseWriter, r *http.Request) {
	s.manager.Resume()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleJobPage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("jobName")
	status, err := s.manager.JobStatus(r.Context(), name)
	if err != nil {
		s.renderError(w, err)
		return
	}
	list, err := s.manager.History(r.Context(), name)
	if err != nil {
		s.renderError(w, err)
		return
	}
	list = slices.Clone(list)
	slices.Reverse(list)
	s.render(w, http.StatusOK, "job.html", page{Data: jobPage{Job: status, History: list}})
}

func (s *Server) handleJobParametersPage(w http.ResponseWriter, r *http.Request) {
	job, err := s.requestJob(r)
	if err != nil {
		s.renderError(w, err)
		return
	}
	if len(job.Parameters()) == 0 {
		http.Redirect(w, r, "/job.run/"+url.PathEscape(job.Name()), http.StatusSeeOther)
		return
	}
	status, err := s.manager.JobStatus(r.Context(), job.Name())
	if err != nil {
		s.renderError(w, err)
		return
	}
	s.render(w, http.StatusOK, "parameters.html", page{Data: status})
}

// handleJobRunPage starts the job with parameter values from the query
// string submitted by the parameters form.
func (s *Server) handleJobRunPage(w http.ResponseWriter, r *http.Request) {
	job, err := s.requestJob(r)
	if err != nil {
		s.renderError(w, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.render(w, http.StatusBadRequest, "error.html", page{Data: errorPage{Status: http.StatusBadRequest, Err: err.Error()}})
		return
	}
	params := jobs.ValuesFromForm(job.Parameters(), r.Form)
	inv, err := s.manager.RunJob(r.Context(), job.Name(), params)
	if err != nil {
		s.renderError(w, err)
		return
	}
	http.Redirect(w, r, "/job.invocation/"+url.PathEscape(job.Name())+"/"+inv.ID, http.StatusSeeOther)
}

func (s *Server) handleJobEnablePage(w http.ResponseWriter, r *http.Request) {
	s.redirectAfter(w, r, s.manager.EnableJob(r.PathValue("jobName")))
}

func (s *Server) handleJobDisablePage(w http.ResponseWriter, r *http.Request) {
	s.redirectAfter(w, r, s.manager.DisableJob(r.PathValue("jobName")))
}

func (s *Server) handleJobCancelPage(w http.ResponseWriter, r *http.Request) {
	s.redirectAfter(w, r, s.manager.CancelJob(r.PathValue("jobName")))
}

func (s *Server) redirectAfter(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.renderError(w, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleInvocationPage renders the terminal page that follows the
// invocation's output stream.
func (s *Server) handleInvocationPage(w http.ResponseWriter, r *http.Request) {
	inv, err := s.requestInvocation(r)
	if err != nil {
		s.renderError(w, err)
		return
	}
	s.render(w, http.StatusOK, "invocation.html", page{Data: inv})
}
