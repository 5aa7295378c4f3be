// pkg/api/server.go
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/valpere/crawlguard/internal/proxy"
	"github.com/valpere/crawlguard/internal/scraper"
	"github.com/valpere/crawlguard/internal/utils"
)

var logger = utils.NewComponentLogger("api")

// Options tune the HTTP surface.
type Options struct {
	// RequestsPerSecond limits API calls; zero disables the limiter.
	RequestsPerSecond float64
	Burst             int
}

// Server exposes a wired runtime over HTTP.
type Server struct {
	rt      *scraper.Runtime
	router  *mux.Router
	limiter *rate.Limiter
}

// NewServer creates the router for rt.
func NewServer(rt *scraper.Runtime, opts Options) *Server {
	s := &Server{rt: rt, router: mux.NewRouter()}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Handle("/health", s.rt.Health.HealthHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", s.rt.Metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.rateLimit)
	v1.HandleFunc("/extract", s.handleExtract).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", s.handleJobs).Methods(http.MethodPost)
	v1.HandleFunc("/sites/{site}/outcome", s.handleJobOutcome).Methods(http.MethodPost)
	v1.HandleFunc("/proxies", s.handleProxies).Methods(http.MethodGet)
	v1.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleSession).Methods(http.MethodGet)
	v1.HandleFunc("/strategies", s.handleStrategies).Methods(http.MethodGet)
	v1.HandleFunc("/patterns/summary", s.handlePatternSummary).Methods(http.MethodGet)
	v1.HandleFunc("/recovery/stats", s.handleRecoveryStats).Methods(http.MethodGet)
	v1.HandleFunc("/errors", s.handleErrorCounts).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractRequest asks for one field of one page.
type ExtractRequest struct {
	Site  string `json:"site"`
	URL   string `json:"url"`
	Field string `json:"field"`
}

// JobsRequest submits a batch of jobs.
type JobsRequest struct {
	Jobs []scraper.Job `json:"jobs"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req ExtractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Site == "" || req.URL == "" || req.Field == "" {
		writeError(w, http.StatusBadRequest, "site, url and field are required")
		return
	}
	if !utils.IsPageURL(req.URL) {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}

	result := s.rt.Engine.ExtractField(r.Context(), req.Site, req.URL, req.Field)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	var req JobsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Jobs) == 0 {
		writeError(w, http.StatusBadRequest, "at least one job is required")
		return
	}
	for _, j := range req.Jobs {
		if j.Site == "" || len(j.Fields) == 0 || !utils.IsPageURL(j.URL) {
			writeError(w, http.StatusBadRequest, "every job needs a site, an absolute url and fields")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": s.rt.Engine.Run(r.Context(), req.Jobs),
	})
}

func (s *Server) handleJobOutcome(w http.ResponseWriter, r *http.Request) {
	site := mux.Vars(r)["site"]
	var summary scraper.JobSummary
	if err := json.NewDecoder(r.Body).Decode(&summary); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	switch summary.Status {
	case scraper.JobCompleted, scraper.JobPartial, scraper.JobFailed, scraper.JobAbandoned:
	default:
		writeError(w, http.StatusBadRequest, "unknown job status: "+string(summary.Status))
		return
	}

	s.rt.Engine.ReportJobOutcome(site, summary)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	report := []proxy.Metrics{}
	if s.rt.Proxies != nil {
		report = s.rt.Proxies.Report()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"proxies": report})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.rt.Engine.Sessions
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions.List(),
		"stats":    sessions.Stats(),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, ok := s.rt.Engine.Sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"strategies": s.rt.Engine.Recovery.Stats()})
}

func (s *Server) handlePatternSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.rt.Engine.Extractor.Store().Summary(r.Context())
	if err != nil {
		logger.Errorf("pattern summary: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to summarise patterns")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRecoveryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.rt.Store.RecoveryStats(r.Context())
	if err != nil {
		logger.Errorf("recovery stats: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load recovery stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stats": stats})
}

// handleErrorCounts reports logged errors per kind over ?since=<duration>,
// one hour by default.
func (s *Server) handleErrorCounts(w http.ResponseWriter, r *http.Request) {
	span := time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "since must be a positive duration")
			return
		}
		span = d
	}

	counts, err := s.rt.Store.ErrorCounts(r.Context(), time.Now().Add(-span))
	if err != nil {
		logger.Errorf("error counts: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to count errors")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"since":  span.String(),
		"counts": counts,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
