package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bot-backend/internal/broadcast"
	"bot-backend/internal/models"
	"bot-backend/internal/subscription"
	"bot-backend/internal/telemetry"
)

type Broadcaster interface {
	Enqueue(ctx context.Context, recipientIDs []int64, payload broadcast.Payload) (broadcast.Ack, error)
}

type Recipients interface {
	RecipientChatIDs(ctx context.Context, plan models.Plan) ([]int64, error)
}

type Jobs interface {
	Counts(ctx context.Context, queue string) (models.JobCounts, error)
	Lookup(ctx context.Context, queue, key string) (models.Job, bool, error)
	Cancel(ctx context.Context, queue, key string) (bool, error)
}

// Inspector exposes broker internals for debugging failed jobs.
type Inspector interface {
	FailedIDs(ctx context.Context, queue string, count int64) ([]string, error)
	Logs(ctx context.Context, queue, id string) ([]string, error)
}

type Subscriptions interface {
	Purchase(ctx context.Context, userID int64, plan models.Plan, months int, amount int64, currency models.Currency) (subscription.Result, error)
	Prolong(ctx context.Context, userID int64, months int) (subscription.Result, error)
	GrantTrial(ctx context.Context, userID int64, hours int, plan models.Plan) (models.Subscription, error)
	CancelAll(ctx context.Context, userID int64) (int64, error)
}

// Deps are the services behind the admin API.
type Deps struct {
	Broadcasts    Broadcaster
	Recipients    Recipients
	Jobs          Jobs
	Inspector     Inspector
	Subscriptions Subscriptions
	// Queues lists the queue names the API may inspect.
	Queues []string
}

// Server wires HTTP handlers for the admin API.
type Server struct {
	adminToken string
	deps       Deps
	queues     map[string]bool
	log        *slog.Logger
}

// New constructs the API server.
func New(adminToken string, deps Deps, log *slog.Logger) *Server {
	queues := make(map[string]bool, len(deps.Queues))
	for _, q := range deps.Queues {
		queues[q] = true
	}
	return &Server{adminToken: adminToken, deps: deps, queues: queues, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(s.adminToken))

		r.Post("/broadcasts", s.handleBroadcast)

		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Use(s.knownQueue)
			r.Get("/counts", s.handleCounts)
			r.Get("/failed", s.handleFailed)
			r.Get("/jobs/{key}", s.handleGetJob)
			r.Delete("/jobs/{key}", s.handleCancelJob)
		})

		r.Route("/users/{userID}/subscription", func(r chi.Router) {
			r.Post("/purchase", s.handlePurchase)
			r.Post("/prolong", s.handleProlong)
			r.Post("/trial", s.handleTrial)
			r.Delete("/", s.handleCancelSubscriptions)
		})
	})
	return r
}

type broadcastRequest struct {
	broadcast.Payload
	RecipientIDs []int64     `json:"recipient_ids"`
	Plan         models.Plan `json:"plan"`
}

type broadcastResponse struct {
	Message string `json:"message"`
	broadcast.Ack
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Plan != "" && !req.Plan.Valid() {
		writeError(w, http.StatusBadRequest, "unknown plan")
		return
	}

	ids := req.RecipientIDs
	if len(ids) == 0 {
		var err error
		if ids, err = s.deps.Recipients.RecipientChatIDs(r.Context(), req.Plan); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	ack, err := s.deps.Broadcasts.Enqueue(r.Context(), ids, req.Payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, broadcastResponse{
		Message: fmt.Sprintf("queued for %d recipients", ack.Recipients),
		Ack:     ack,
	})
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Jobs.Counts(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	ids, err := s.deps.Inspector.FailedIDs(r.Context(), chi.URLParam(r, "queue"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ids})
}

type jobResponse struct {
	models.Job
	Logs []string `json:"logs"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	queue, key := chi.URLParam(r, "queue"), chi.URLParam(r, "key")
	job, found, err := s.deps.Jobs.Lookup(r.Context(), queue, key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	logs, err := s.deps.Inspector.Logs(r.Context(), queue, key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job, Logs: logs})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	removed, err := s.deps.Jobs.Cancel(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

type purchaseRequest struct {
	Plan     models.Plan     `json:"plan"`
	Months   int             `json:"months"`
	Amount   int64           `json:"amount"`
	Currency models.Currency `json:"currency"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.deps.Subscriptions.Purchase(r.Context(), userID, req.Plan, req.Months, req.Amount, req.Currency)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

type prolongRequest struct {
	Months int `json:"months"`
}

func (s *Server) handleProlong(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req prolongRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.deps.Subscriptions.Prolong(r.Context(), userID, req.Months)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type trialRequest struct {
	Hours int         `json:"hours"`
	Plan  models.Plan `json:"plan"`
}

func (s *Server) handleTrial(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req trialRequest
	if !decode(w, r, &req) {
		return
	}
	sub, err := s.deps.Subscriptions.GrantTrial(r.Context(), userID, req.Hours, req.Plan)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleCancelSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	n, err := s.deps.Subscriptions.CancelAll(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cancelled": n})
}

func (s *Server) knownQueue(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.queues[chi.URLParam(r, "queue")] {
			writeError(w, http.StatusNotFound, "unknown queue")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// fail maps service errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidArgument), errors.Is(err, models.ErrFreePlan):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNoActiveSubscription), errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case models.IsRetryable(err):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		s.log.Warn("request hit unavailable dependency", slog.String("path", r.URL.Path), slog.Any("error", err))
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
		s.log.Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
