package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/repository"
	"github.com/kursadbilgin/rollout-engine/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type RolloutService interface {
	Create(ctx context.Context, r *domain.Rollout) (*domain.Rollout, error)
	GetByID(ctx context.Context, id string) (*domain.Rollout, error)
	GetSummary(ctx context.Context, id string) (*service.RolloutSummary, error)
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context, params repository.ListParams) ([]domain.Rollout, int64, error)
}

var _ RolloutService = (*service.RolloutService)(nil)

type RolloutHandler struct {
	service RolloutService
}

func NewRolloutHandler(service RolloutService) (*RolloutHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("rollout service is required")
	}
	return &RolloutHandler{service: service}, nil
}

func RegisterRolloutRoutes(router fiber.Router, service RolloutService) error {
	h, err := NewRolloutHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/rollouts", h.CreateRollout)
	v1.Get("/rollouts", h.ListRollouts)
	v1.Get("/rollouts/:id", h.GetRollout)
	v1.Get("/rollouts/:id/batches", h.GetRolloutBatches)
	v1.Post("/rollouts/:id/cancel", h.CancelRollout)

	return nil
}

type createRolloutRequest struct {
	CorrelationID string  `json:"correlationId"`
	Protocol      string  `json:"protocol"`
	TargetVersion string  `json:"targetVersion"`
	BatchSize     int     `json:"batchSize"`
	Strategy      string  `json:"strategy"`
	ScheduledAt   *string `json:"scheduledAt,omitempty"`
}

type rolloutResponse struct {
	ID              string     `json:"id"`
	CorrelationID   string     `json:"correlationId"`
	Protocol        string     `json:"protocol"`
	TargetVersion   string     `json:"targetVersion"`
	PreviousVersion *string    `json:"previousVersion,omitempty"`
	BatchSize       int        `json:"batchSize"`
	Strategy        string     `json:"strategy"`
	Status          string     `json:"status"`
	ScheduledAt     *time.Time `json:"scheduledAt,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
	Error           *string    `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"createdAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt,omitempty"`
}

type listRolloutsResponse struct {
	Data []rolloutResponse `json:"data"`
	Meta listMeta          `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type rolloutBatchesResponse struct {
	Rollout  rolloutResponse    `json:"rollout"`
	Batches  []batchResponse    `json:"batches"`
	Outcomes []outcomeCountItem `json:"outcomes"`
}

type batchResponse struct {
	ID            string            `json:"id"`
	Phase         string            `json:"phase"`
	Sequence      int               `json:"sequence"`
	CorrelationID string            `json:"correlationId"`
	EntityCount   int               `json:"entityCount"`
	Outcome       string            `json:"outcome"`
	Pending       []domain.EntityID `json:"pending"`
	TeardownError *string           `json:"teardownError,omitempty"`
	StartedAt     time.Time         `json:"startedAt"`
	FinishedAt    time.Time         `json:"finishedAt"`
}

type outcomeCountItem struct {
	Phase   string `json:"phase"`
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}

func (h *RolloutHandler) CreateRollout(c *fiber.Ctx) error {
	var req createRolloutRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	rollout, err := requestToDomainRollout(req, requestCorrelationID(c))
	if err != nil {
		return toHTTPError(err)
	}

	created, err := h.service.Create(c.UserContext(), &rollout)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toRolloutResponse(created))
}

func (h *RolloutHandler) GetRollout(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	rollout, err := h.service.GetByID(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toRolloutResponse(rollout))
}

func (h *RolloutHandler) GetRolloutBatches(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	summary, err := h.service.GetSummary(c.UserContext(), id)
	if err != nil {
		return toHTTPError(err)
	}

	batches := make([]batchResponse, 0, len(summary.Batches))
	for _, b := range summary.Batches {
		pending := b.Pending
		if pending == nil {
			pending = []domain.EntityID{}
		}
		batches = append(batches, batchResponse{
			ID:            b.ID,
			Phase:         b.Phase.String(),
			Sequence:      b.Sequence,
			CorrelationID: b.CorrelationID,
			EntityCount:   b.EntityCount,
			Outcome:       b.Outcome.String(),
			Pending:       pending,
			TeardownError: b.TeardownError,
			StartedAt:     b.StartedAt,
			FinishedAt:    b.FinishedAt,
		})
	}

	outcomes := make([]outcomeCountItem, 0, len(summary.Outcomes))
	for _, o := range summary.Outcomes {
		outcomes = append(outcomes, outcomeCountItem{
			Phase:   o.Phase.String(),
			Outcome: o.Outcome.String(),
			Count:   o.Count,
		})
	}

	return c.Status(fiber.StatusOK).JSON(rolloutBatchesResponse{
		Rollout:  toRolloutResponse(&summary.Rollout),
		Batches:  batches,
		Outcomes: outcomes,
	})
}

func (h *RolloutHandler) CancelRollout(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if err := h.service.Cancel(c.UserContext(), id); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"rolloutId": id,
		"status":    domain.RolloutStatusCanceled.String(),
	})
}

func (h *RolloutHandler) ListRollouts(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	rollouts, total, err := h.service.List(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]rolloutResponse, 0, len(rollouts))
	for i := range rollouts {
		data = append(data, toRolloutResponse(&rollouts[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listRolloutsResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseRolloutStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if protocol := strings.TrimSpace(c.Query("protocol")); protocol != "" {
		params.Protocol = &protocol
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	if from != nil && to != nil && from.After(*to) {
		return repository.ListParams{}, fmt.Errorf("%w: from must not be after to", domain.ErrValidation)
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestToDomainRollout(req createRolloutRequest, fallbackCorrelationID string) (domain.Rollout, error) {
	r := domain.Rollout{
		CorrelationID: strings.TrimSpace(req.CorrelationID),
		Protocol:      strings.TrimSpace(req.Protocol),
		TargetVersion: strings.TrimSpace(req.TargetVersion),
		BatchSize:     req.BatchSize,
	}

	if r.CorrelationID == "" {
		r.CorrelationID = strings.TrimSpace(fallbackCorrelationID)
	}

	if strings.TrimSpace(req.Strategy) != "" {
		strategy, err := domain.ParseStrategyFromString(req.Strategy)
		if err != nil {
			return domain.Rollout{}, err
		}
		r.Strategy = strategy
	}

	if req.ScheduledAt != nil {
		scheduledAt, err := parseRFC3339Query(*req.ScheduledAt, "scheduledAt")
		if err != nil {
			return domain.Rollout{}, err
		}
		if scheduledAt != nil {
			utc := scheduledAt.UTC()
			r.ScheduledAt = &utc
		}
	}

	return r, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toRolloutResponse(r *domain.Rollout) rolloutResponse {
	if r == nil {
		return rolloutResponse{}
	}

	return rolloutResponse{
		ID:              r.ID,
		CorrelationID:   r.CorrelationID,
		Protocol:        r.Protocol,
		TargetVersion:   r.TargetVersion,
		PreviousVersion: r.PreviousVersion,
		BatchSize:       r.BatchSize,
		Strategy:        r.Strategy.String(),
		Status:          r.Status.String(),
		ScheduledAt:     r.ScheduledAt,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		Error:           r.Error,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}
