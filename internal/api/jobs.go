package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/scrape-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const (
	signalCaptchaDetected = "captcha_detected"
	signalCaptchaSolved   = "captcha_solved"

	defaultTransitionLimit = 100
	maxTransitionLimit     = 1000
)

type submitRequest struct {
	URL          string                `json:"url"`
	Selectors    scrape.ExtractionSpec `json:"selectors"`
	Config       scrape.JobConfig      `json:"config"`
	Priority     int                   `json:"priority"`
	DelaySeconds float64               `json:"delaySeconds"`
}

type submitResponse struct {
	JobID  string          `json:"jobId"`
	Status scrape.JobState `json:"status"`
}

type jobResponse struct {
	ID              string          `json:"id"`
	Status          scrape.JobState `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	ResultRef       string          `json:"resultRef,omitempty"`
	Error           string          `json:"error,omitempty"`
	Attempts        int             `json:"attempts"`
	PreferredRegion string          `json:"preferredRegion,omitempty"`
}

type signalRequest struct {
	Type        string `json:"type"`
	JobID       string `json:"jobId"`
	CaptchaType string `json:"captchaType"`
	Element     string `json:"element"`
}

type transitionDTO struct {
	From      scrape.JobState `json:"from,omitempty"`
	To        scrape.JobState `json:"to"`
	Attempt   int             `json:"attempt"`
	Region    string          `json:"region,omitempty"`
	ResultRef string          `json:"resultRef,omitempty"`
	Error     string          `json:"error,omitempty"`
	Note      string          `json:"note,omitempty"`
	TS        time.Time       `json:"ts"`
}

func toJobResponse(job scrape.ScrapeJob) jobResponse {
	return jobResponse{
		ID:              job.ID,
		Status:          job.State,
		CreatedAt:       job.CreatedAt,
		CompletedAt:     job.CompletedAt,
		ResultRef:       job.ResultRef,
		Error:           job.Error,
		Attempts:        job.Attempts,
		PreferredRegion: job.Config.PreferredRegion,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &scrape.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	return nil
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	job, err := s.jobs.Submit(r.Context(), dispatcher.Submission{
		UserID:    userFrom(r.Context()),
		URL:       req.URL,
		Selectors: req.Selectors,
		Config:    req.Config,
		Priority:  req.Priority,
		Delay:     time.Duration(req.DelaySeconds * float64(time.Second)),
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: job.State})
}

// ownedJob loads the job and hides it from anyone but its owner.
func (s *Server) ownedJob(r *http.Request, id string) (scrape.ScrapeJob, error) {
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		return scrape.ScrapeJob{}, err
	}
	if job.UserID != userFrom(r.Context()) {
		return scrape.ScrapeJob{}, fmt.Errorf("job %s: %w", id, scrape.ErrNotFound)
	}
	return job, nil
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ownedJob(r, chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.ownedJob(r, jobID); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if err := s.jobs.Cancel(r.Context(), jobID); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) getCaptcha(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.ownedJob(r, jobID); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	evt, ok := s.captcha.Lookup(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "no pending captcha")
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

// postSignal handles the extension's captcha hand-off. Signals for jobs the
// caller does not own are reported as not found.
func (s *Server) postSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if req.JobID == "" {
		s.writeFailure(w, r, &scrape.ValidationError{Field: "jobId", Reason: "is required"})
		return
	}
	if _, err := s.ownedJob(r, req.JobID); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	switch req.Type {
	case signalCaptchaDetected:
		if req.CaptchaType == "" {
			s.writeFailure(w, r, &scrape.ValidationError{Field: "captchaType", Reason: "is required"})
			return
		}
		evt, created, err := s.captcha.Detect(r.Context(), req.JobID, scrape.Challenge{
			Type:    req.CaptchaType,
			Element: req.Element,
		})
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, evt)
	case signalCaptchaSolved:
		if err := s.captcha.Solve(r.Context(), req.JobID); err != nil {
			s.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"jobId": req.JobID, "status": string(scrape.StateProcessing)})
	default:
		s.writeFailure(w, r, &scrape.ValidationError{Field: "type", Reason: "unknown signal " + strconv.Quote(req.Type)})
	}
}

// listTransitions serves the audit trail. It answers 503 when no durable
// transition repository is configured.
func (s *Server) listTransitions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Transitions == nil {
		writeError(w, http.StatusServiceUnavailable, "transition repository unavailable")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.ownedJob(r, jobID); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	limit, err := parseLimit(r, defaultTransitionLimit, maxTransitionLimit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	events, err := s.opts.Transitions.ListTransitions(r.Context(), jobID, limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	out := make([]transitionDTO, 0, len(events))
	for _, evt := range events {
		out = append(out, transitionDTO{
			From:      evt.From,
			To:        evt.To,
			Attempt:   evt.Attempt,
			Region:    evt.Region,
			ResultRef: evt.ResultRef,
			Error:     evt.Error,
			Note:      evt.Note,
			TS:        evt.TS,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": out})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, &scrape.ValidationError{Field: "limit", Reason: "must be a positive integer"}
	}
	return min(val, maxLimit), nil
}
