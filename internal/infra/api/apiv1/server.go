// Package apiv1 exposes job submission, status, results, credits and usage over HTTP.
package apiv1

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/infra/logging"
	"hackthestudy/internal/usecase"
)

// Limits bound multipart uploads before they reach the use case.
type Limits struct {
	MaxFiles     int
	MaxFileBytes int64
}

type Server struct {
	jobs    usecase.JobUseCase
	credits usecase.CreditUseCase
	limits  Limits
	log     *zerolog.Logger
}

func NewServer(jobs usecase.JobUseCase, credits usecase.CreditUseCase, limits Limits, logger *zerolog.Logger) *Server {
	if limits.MaxFiles <= 0 {
		limits.MaxFiles = model.MaxFilesPerSession
	}
	if limits.MaxFileBytes <= 0 {
		limits.MaxFileBytes = 20 << 20
	}
	return &Server{jobs: jobs, credits: credits, limits: limits, log: logger}
}

// RegisterAPIV1 mounts the v1 routes on r. optional attaches a user when a
// token is sent; required rejects anonymous callers.
func RegisterAPIV1(r chi.Router, s *Server, optional, required func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(optional)
			r.Post("/jobs", s.submitJob)
			r.Post("/sessions/{id}/jobs", s.submitJob)
			r.Get("/sessions/{id}/status", s.getStatus)
			r.Get("/sessions/{id}/result", s.getResult)
		})
		r.Group(func(r chi.Router) {
			r.Use(required)
			r.Get("/credits/balance", s.getBalance)
			r.Post("/credits/charge", s.charge)
			r.Get("/usage", s.listUsage)
		})
	})
}

// ---- jobs ----

const multipartOverhead = 1 << 20

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	limit := int64(s.limits.MaxFiles)*s.limits.MaxFileBytes + multipartOverhead
	if r.ContentLength > limit {
		tooLarge(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			tooLarge(w)
			return
		}
		writeError(w, s.log, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	opts, err := parseOptions(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) > s.limits.MaxFiles {
		writeError(w, s.log, fmt.Errorf("%w: at most %d files", domain.ErrTooManyFiles, s.limits.MaxFiles))
		return
	}
	files := make([]usecase.FileUpload, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > s.limits.MaxFileBytes {
			tooLarge(w)
			return
		}
		f, err := fh.Open()
		if err != nil {
			writeError(w, s.log, fmt.Errorf("%w: %s: %v", domain.ErrInvalidArgument, fh.Filename, err))
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			writeError(w, s.log, fmt.Errorf("%w: %s: %v", domain.ErrInvalidArgument, fh.Filename, err))
			return
		}
		files = append(files, usecase.FileUpload{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Content:  data,
		})
	}

	res, err := s.jobs.SubmitJob(r.Context(), usecase.SubmitRequest{
		SessionID: chi.URLParam(r, "id"),
		UserID:    logging.UserID(r.Context()),
		Files:     files,
		Options:   opts,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func parseOptions(r *http.Request) (model.JobOptions, error) {
	opts := model.JobOptions{
		Mode:  model.GenerationMode(r.FormValue("mode")),
		Model: r.FormValue("model"),
	}
	for name, dst := range map[string]*int{
		"topics":     &opts.Topics,
		"flashcards": &opts.Flashcards,
		"questions":  &opts.Questions,
	} {
		v := r.FormValue(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrInvalidArgument, name)
		}
		*dst = n
	}
	return opts, nil
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.jobs.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.jobs.GetResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ---- credits ----

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	uid := logging.UserID(r.Context())
	bal, err := s.credits.GetBalance(r.Context(), uid)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: uid, Balance: bal})
}

type chargeRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) charge(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, s.log, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument))
		return
	}
	if req.Amount <= 0 {
		writeError(w, s.log, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidArgument))
		return
	}
	res, err := s.credits.Charge(r.Context(), logging.UserID(r.Context()), req.Amount)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	code := http.StatusOK
	if !res.OK {
		code = http.StatusPaymentRequired
	}
	writeJSON(w, code, res)
}

// ---- usage ----

type usageResponse struct {
	Items   []*model.UsageRecord `json:"items"`
	Summary *model.UsageSummary  `json:"summary"`
}

func (s *Server) listUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.UsageFilter{
		UserID:    logging.UserID(r.Context()),
		SessionID: q.Get("session_id"),
		Model:     q.Get("model"),
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		writeError(w, s.log, err)
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		writeError(w, s.log, err)
		return
	}
	if f.Limit, err = parseInt(q.Get("limit")); err != nil {
		writeError(w, s.log, err)
		return
	}
	if f.Offset, err = parseInt(q.Get("offset")); err != nil {
		writeError(w, s.log, err)
		return
	}

	items, sum, err := s.credits.Usage(r.Context(), f)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if items == nil {
		items = []*model.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, usageResponse{Items: items, Summary: sum})
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not RFC 3339", domain.ErrInvalidArgument, v)
	}
	return &t, nil
}

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", domain.ErrInvalidArgument, v)
	}
	return n, nil
}

// ---- responses ----

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Required  int64  `json:"required,omitempty"`
	Available int64  `json:"available,omitempty"`
}

func tooLarge(w http.ResponseWriter) {
	writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Code: domain.CodeInvalidArgument, Message: "upload too large"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, log *zerolog.Logger, err error) {
	body := errorBody{Code: domain.CodeOf(err), Message: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
		body.Code = "RateLimited"
	case errors.Is(err, domain.ErrInsufficientCredits):
		status = http.StatusPaymentRequired
		var ice *domain.InsufficientCreditsError
		if errors.As(err, &ice) {
			body.Required, body.Available = ice.Required, ice.Available
		}
	case errors.Is(err, domain.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrTooManyFiles):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}
