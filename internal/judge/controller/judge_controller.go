package controller

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"codejudge/internal/judge/model"
	"codejudge/internal/judge/service"
	pkgrepo "codejudge/pkg/repository"
	"codejudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// SubmissionService is the judge surface used by the HTTP handlers.
type SubmissionService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*model.Submission, error)
	Get(ctx context.Context, submissionID string) (*model.Submission, error)
	List(ctx context.Context, opts pkgrepo.ListOptions) (*pkgrepo.PaginationResult[model.Submission], error)
}

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JudgeController handles submit and status requests.
type JudgeController struct {
	submissions SubmissionService
	deps        map[string]Pinger
}

// NewJudgeController creates a new controller. deps are pinged by Health.
func NewJudgeController(submissions SubmissionService, deps map[string]Pinger) *JudgeController {
	return &JudgeController{submissions: submissions, deps: deps}
}

// Register mounts the judge routes. submitGuards run before Create only.
func (h *JudgeController) Register(r gin.IRouter, submitGuards ...gin.HandlerFunc) {
	r.GET("/healthz", h.Health)
	api := r.Group("/api/v1/judge")
	api.POST("/submissions", append(submitGuards, h.Create)...)
	api.GET("/submissions", h.List)
	api.GET("/submissions/:id", h.GetStatus)
}

// Create stores a submission and queues its first attempt.
func (h *JudgeController) Create(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	sub, err := h.submissions.Submit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, SubmitResponse{
		SubmissionID: sub.ID,
		Status:       string(sub.Status),
	})
}

// GetStatus returns status for one submission.
func (h *JudgeController) GetStatus(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	sub, err := h.submissions.Get(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toStatusResponse(sub))
}

// List pages through submissions. Filters: owner_id, problem_id,
// contest_id, language_id and status (comma separated).
func (h *JudgeController) List(c *gin.Context) {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		response.BadRequest(c, "Invalid page")
		return
	}
	pageSize, err := queryInt(c, "page_size", pkgrepo.DefaultLimit)
	if err != nil {
		response.BadRequest(c, "Invalid page_size")
		return
	}
	var opts pkgrepo.ListOptions
	opts.SetPagination(page, pageSize)
	for _, field := range []string{"owner_id", "problem_id", "contest_id", "language_id"} {
		opts.AddFilter(field, c.Query(field))
	}
	if raw := c.Query("status"); raw != "" {
		opts.AddInFilter("status", strings.Split(strings.ToUpper(raw), ","))
	}

	result, err := h.submissions.List(c.Request.Context(), opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	out := ListResponse{
		Items:      make([]StatusResponse, 0, len(result.Items)),
		Total:      result.Total,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalPages: result.TotalPages,
		HasMore:    result.HasMore,
	}
	for _, sub := range result.Items {
		out.Items = append(out.Items, toStatusResponse(sub))
	}
	response.Success(c, out)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// Health pings every registered dependency.
func (h *JudgeController) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.deps))
	healthy := true
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "checks": checks})
}

// SubmitResponse acknowledges a queued submission.
type SubmitResponse struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
}

// AttemptResponse is one history entry.
type AttemptResponse struct {
	AttemptNumber int    `json:"attempt_number"`
	Outcome       string `json:"outcome"`
	ErrorDetail   string `json:"error_detail,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// StatusResponse is the verdict read model.
type StatusResponse struct {
	SubmissionID  string            `json:"submission_id"`
	ProblemID     string            `json:"problem_id"`
	ContestID     string            `json:"contest_id,omitempty"`
	LanguageID    string            `json:"language_id"`
	Status        string            `json:"status"`
	Finished      bool              `json:"finished"`
	ExecutionTime float64           `json:"execution_time"`
	AttemptCount  int               `json:"attempt_count"`
	LastRetryAt   string            `json:"last_retry_at,omitempty"`
	History       []AttemptResponse `json:"history"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
}

// ListResponse is one page of status read models.
type ListResponse struct {
	Items      []StatusResponse `json:"items"`
	Total      int64            `json:"total"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
	TotalPages int              `json:"total_pages"`
	HasMore    bool             `json:"has_more"`
}

func toStatusResponse(sub *model.Submission) StatusResponse {
	out := StatusResponse{
		SubmissionID:  sub.ID,
		ProblemID:     sub.ProblemID,
		ContestID:     sub.ContestID,
		LanguageID:    sub.LanguageID,
		Status:        string(sub.Status),
		Finished:      sub.Status.IsTerminal(),
		ExecutionTime: sub.ExecutionTime,
		AttemptCount:  sub.AttemptCount,
		History:       make([]AttemptResponse, 0, len(sub.History)),
		CreatedAt:     formatTime(sub.CreatedAt),
		UpdatedAt:     formatTime(sub.UpdatedAt),
	}
	if sub.LastRetryAt != nil {
		out.LastRetryAt = formatTime(*sub.LastRetryAt)
	}
	for _, rec := range sub.History {
		out.History = append(out.History, AttemptResponse{
			AttemptNumber: rec.AttemptNumber,
			Outcome:       string(rec.Outcome),
			ErrorDetail:   rec.ErrorDetail,
			Timestamp:     formatTime(rec.Timestamp),
		})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
