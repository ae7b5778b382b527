package handler

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/repository"
	"github.com/kursadbilgin/rollout-engine/internal/service"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestRolloutIntegration_CreateRollout(t *testing.T) {
	t.Parallel()

	svc := &stubRolloutService{
		createFn: func(ctx context.Context, r *domain.Rollout) (*domain.Rollout, error) {
			if r.BatchSize == 0 {
				r.BatchSize = service.DefaultBatchSize
			}
			if r.Strategy == "" {
				r.Strategy = domain.StrategySubscription
			}
			if err := r.Validate(); err != nil {
				return nil, err
			}
			r.ID = "r-created"
			r.Status = domain.RolloutStatusQueued
			return r, nil
		},
	}

	app := newRolloutTestApp(t, svc)

	validBody := `{"protocol":"Generic Meter","targetVersion":"1.0.0.2","batchSize":25,"strategy":"polling"}`
	resp, body := performRequest(t, app, http.MethodPost, "/v1/rollouts", validBody)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(body))
	}

	var accepted map[string]any
	if err := json.Unmarshal(body, &accepted); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if accepted["id"] != "r-created" {
		t.Fatalf("id = %v, want r-created", accepted["id"])
	}
	if accepted["status"] != domain.RolloutStatusQueued.String() {
		t.Fatalf("status = %v, want %s", accepted["status"], domain.RolloutStatusQueued)
	}
	if accepted["strategy"] != domain.StrategyPolling.String() {
		t.Fatalf("strategy = %v, want POLLING", accepted["strategy"])
	}
	if accepted["batchSize"] != float64(25) {
		t.Fatalf("batchSize = %v, want 25", accepted["batchSize"])
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/rollouts", `{"protocol":"","targetVersion":"1.0.0.2"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing protocol", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/rollouts", `{"protocol":"Meter","targetVersion":"2","strategy":"gossip"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown strategy", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/rollouts", `{not json`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for malformed body", resp.StatusCode)
	}
}

func TestRolloutIntegration_CreateRolloutUsesRequestID(t *testing.T) {
	t.Parallel()

	svc := &stubRolloutService{
		createFn: func(ctx context.Context, r *domain.Rollout) (*domain.Rollout, error) {
			if r.CorrelationID != "req-123" {
				t.Fatalf("correlation id = %q, want req-123", r.CorrelationID)
			}
			r.ID = "r-1"
			return r, nil
		},
	}

	app := newRolloutTestApp(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/rollouts", bytes.NewBufferString(`{"protocol":"Meter","targetVersion":"2"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(fiber.HeaderXRequestID, "req-123")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
}

func TestRolloutIntegration_CreateRolloutScheduledAt(t *testing.T) {
	t.Parallel()

	expectedScheduledAt, _ := time.Parse(time.RFC3339, "2026-03-01T10:00:00Z")
	svc := &stubRolloutService{
		createFn: func(ctx context.Context, r *domain.Rollout) (*domain.Rollout, error) {
			if r.ScheduledAt == nil {
				t.Fatal("ScheduledAt should be parsed from request")
			}
			if !r.ScheduledAt.Equal(expectedScheduledAt) {
				t.Fatalf("ScheduledAt = %v, want %v", r.ScheduledAt, expectedScheduledAt)
			}
			r.ID = "r-scheduled"
			r.Status = domain.RolloutStatusAccepted
			return r, nil
		},
	}

	app := newRolloutTestApp(t, svc)

	validBody := `{"protocol":"Meter","targetVersion":"2","scheduledAt":"2026-03-01T12:00:00+02:00"}`
	resp, body := performRequest(t, app, http.MethodPost, "/v1/rollouts", validBody)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(body))
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["scheduledAt"] != "2026-03-01T10:00:00Z" {
		t.Fatalf("scheduledAt = %v, want 2026-03-01T10:00:00Z", parsed["scheduledAt"])
	}

	invalidBody := `{"protocol":"Meter","targetVersion":"2","scheduledAt":"tomorrow"}`
	resp, _ = performRequest(t, app, http.MethodPost, "/v1/rollouts", invalidBody)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for invalid scheduledAt", resp.StatusCode)
	}
}

func TestRolloutIntegration_GetRollout(t *testing.T) {
	t.Parallel()

	svc := &stubRolloutService{
		getByIDFn: func(ctx context.Context, id string) (*domain.Rollout, error) {
			if id == "r-found" {
				return &domain.Rollout{
					ID:            "r-found",
					CorrelationID: "corr-1",
					Protocol:      "Meter",
					TargetVersion: "2",
					BatchSize:     10,
					Strategy:      domain.StrategySubscription,
					Status:        domain.RolloutStatusRunning,
				}, nil
			}
			return nil, domain.ErrNotFound
		},
	}

	app := newRolloutTestApp(t, svc)

	resp, _ := performRequest(t, app, http.MethodGet, "/v1/rollouts/r-found", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	resp, body := performRequest(t, app, http.MethodGet, "/v1/rollouts/missing", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if _, ok := parsed["error"]; !ok {
		t.Fatalf("body = %s, want error field", string(body))
	}
}

func TestRolloutIntegration_GetRolloutBatches(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := &stubRolloutService{
		getSummaryFn: func(ctx context.Context, id string) (*service.RolloutSummary, error) {
			if id != "r-42" {
				return nil, domain.ErrNotFound
			}
			return &service.RolloutSummary{
				Rollout: domain.Rollout{ID: "r-42", Status: domain.RolloutStatusPartialFailure},
				Batches: []domain.BatchRecord{
					{
						ID:          "b-1",
						Phase:       domain.PhaseStop,
						Sequence:    1,
						EntityCount: 2,
						Outcome:     domain.OutcomeTimeout,
						Pending:     []domain.EntityID{{HostID: 7, EntityID: 3}},
						StartedAt:   started,
						FinishedAt:  started.Add(time.Minute),
					},
					{
						ID:          "b-2",
						Phase:       domain.PhaseStart,
						Sequence:    1,
						EntityCount: 2,
						Outcome:     domain.OutcomeSuccess,
						StartedAt:   started.Add(2 * time.Minute),
						FinishedAt:  started.Add(3 * time.Minute),
					},
				},
				Outcomes: []service.OutcomeCount{
					{Phase: domain.PhaseStop, Outcome: domain.OutcomeTimeout, Count: 1},
					{Phase: domain.PhaseStart, Outcome: domain.OutcomeSuccess, Count: 1},
				},
			}, nil
		},
	}

	app := newRolloutTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/rollouts/r-42/batches", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Rollout struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"rollout"`
		Batches []struct {
			Outcome string            `json:"outcome"`
			Pending []domain.EntityID `json:"pending"`
		} `json:"batches"`
		Outcomes []struct {
			Phase   string `json:"phase"`
			Outcome string `json:"outcome"`
			Count   int    `json:"count"`
		} `json:"outcomes"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.Rollout.ID != "r-42" || parsed.Rollout.Status != domain.RolloutStatusPartialFailure.String() {
		t.Fatalf("rollout = %+v", parsed.Rollout)
	}
	if len(parsed.Batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(parsed.Batches))
	}
	if len(parsed.Batches[0].Pending) != 1 || parsed.Batches[0].Pending[0] != (domain.EntityID{HostID: 7, EntityID: 3}) {
		t.Fatalf("pending = %+v, want [7/3]", parsed.Batches[0].Pending)
	}
	if parsed.Batches[1].Pending == nil {
		t.Fatal("pending should render as an empty list")
	}
	if len(parsed.Outcomes) != 2 || parsed.Outcomes[0].Outcome != domain.OutcomeTimeout.String() {
		t.Fatalf("outcomes = %+v", parsed.Outcomes)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/rollouts/other/batches", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRolloutIntegration_CancelRollout(t *testing.T) {
	t.Parallel()

	svc := &stubRolloutService{
		cancelFn: func(ctx context.Context, id string) error {
			if id == "r-cancelable" {
				return nil
			}
			return domain.ErrConflict
		},
	}

	app := newRolloutTestApp(t, svc)

	resp, _ := performRequest(t, app, http.MethodPost, "/v1/rollouts/r-cancelable/cancel", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/rollouts/r-running/cancel", "")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestRolloutIntegration_ListRolloutsPaginationAndFilters(t *testing.T) {
	t.Parallel()

	fromExpected, _ := time.Parse(time.RFC3339, "2026-01-01T00:00:00Z")
	toExpected, _ := time.Parse(time.RFC3339, "2026-01-31T23:59:59Z")

	svc := &stubRolloutService{
		listFn: func(ctx context.Context, params repository.ListParams) ([]domain.Rollout, int64, error) {
			if params.Page != 2 {
				t.Fatalf("page = %d, want 2", params.Page)
			}
			if params.PageSize != 10 {
				t.Fatalf("pageSize = %d, want 10", params.PageSize)
			}
			if params.Status == nil || *params.Status != domain.RolloutStatusCompleted {
				t.Fatalf("status filter = %v, want COMPLETED", params.Status)
			}
			if params.Protocol == nil || *params.Protocol != "Generic Meter" {
				t.Fatalf("protocol filter = %v, want Generic Meter", params.Protocol)
			}
			if params.From == nil || !params.From.Equal(fromExpected) {
				t.Fatalf("from = %v, want %v", params.From, fromExpected)
			}
			if params.To == nil || !params.To.Equal(toExpected) {
				t.Fatalf("to = %v, want %v", params.To, toExpected)
			}

			return []domain.Rollout{
				{
					ID:            "r-list-1",
					Protocol:      "Generic Meter",
					TargetVersion: "2",
					BatchSize:     10,
					Strategy:      domain.StrategySubscription,
					Status:        domain.RolloutStatusCompleted,
				},
			}, 1, nil
		},
	}

	app := newRolloutTestApp(t, svc)

	path := "/v1/rollouts?page=2&pageSize=10&status=completed&protocol=Generic%20Meter&from=2026-01-01T00:00:00Z&to=2026-01-31T23:59:59Z"
	resp, body := performRequest(t, app, http.MethodGet, path, "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Data []map[string]any `json:"data"`
		Meta struct {
			Page     int   `json:"page"`
			PageSize int   `json:"pageSize"`
			Total    int64 `json:"total"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}

	if parsed.Meta.Page != 2 || parsed.Meta.PageSize != 10 || parsed.Meta.Total != 1 {
		t.Fatalf("meta = %+v, want page=2,pageSize=10,total=1", parsed.Meta)
	}
	if len(parsed.Data) != 1 {
		t.Fatalf("data len = %d, want 1", len(parsed.Data))
	}

	badQueries := []string{
		"/v1/rollouts?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z",
		"/v1/rollouts?pageSize=101",
		"/v1/rollouts?page=0",
		"/v1/rollouts?status=unknown",
		"/v1/rollouts?from=yesterday",
	}
	for _, q := range badQueries {
		resp, _ = performRequest(t, app, http.MethodGet, q, "")
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestHealthIntegration_LivezAndReadyz(t *testing.T) {
	t.Parallel()

	t.Run("livez returns 200", func(t *testing.T) {
		t.Parallel()

		app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sql.OpenDB(stubConnector{}), newStubRedisClient(nil), nil)

		resp, body := performRequest(t, app, http.MethodGet, "/livez", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 200 when dependencies healthy", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(nil)
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, rdb, stubPinger{})

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}

		var parsed struct {
			Checks map[string]string `json:"checks"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			t.Fatalf("json unmarshal error = %v", err)
		}
		if parsed.Checks["rabbitmq"] != "ok" {
			t.Fatalf("checks = %+v, want rabbitmq ok", parsed.Checks)
		}
	})

	t.Run("readyz returns 503 when dependencies down", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{pingErr: errors.New("postgres down")})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(errors.New("redis down"))
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, rdb, nil)

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 503 when broker down", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(nil)
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, rdb, stubPinger{err: errors.New("connection closed")})

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
	})
}

type stubRolloutService struct {
	createFn     func(ctx context.Context, r *domain.Rollout) (*domain.Rollout, error)
	getByIDFn    func(ctx context.Context, id string) (*domain.Rollout, error)
	getSummaryFn func(ctx context.Context, id string) (*service.RolloutSummary, error)
	cancelFn     func(ctx context.Context, id string) error
	listFn       func(ctx context.Context, params repository.ListParams) ([]domain.Rollout, int64, error)
}

func (s *stubRolloutService) Create(ctx context.Context, r *domain.Rollout) (*domain.Rollout, error) {
	if s.createFn != nil {
		return s.createFn(ctx, r)
	}
	return nil, errors.New("not implemented")
}

func (s *stubRolloutService) GetByID(ctx context.Context, id string) (*domain.Rollout, error) {
	if s.getByIDFn != nil {
		return s.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubRolloutService) GetSummary(ctx context.Context, id string) (*service.RolloutSummary, error) {
	if s.getSummaryFn != nil {
		return s.getSummaryFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubRolloutService) Cancel(ctx context.Context, id string) error {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, id)
	}
	return nil
}

func (s *stubRolloutService) List(
	ctx context.Context,
	params repository.ListParams,
) ([]domain.Rollout, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, params)
	}
	return nil, 0, nil
}

func newRolloutTestApp(t *testing.T, svc RolloutService) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: ErrorHandler(zap.NewNop()),
	})

	if err := RegisterRolloutRoutes(app, svc); err != nil {
		t.Fatalf("RegisterRolloutRoutes() error = %v", err)
	}

	return app
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubConnector struct {
	pingErr error
}

func (c stubConnector) Connect(context.Context) (driver.Conn, error) {
	return stubConn(c), nil
}

func (c stubConnector) Driver() driver.Driver {
	return stubDriver(c)
}

type stubDriver struct {
	pingErr error
}

func (d stubDriver) Open(string) (driver.Conn, error) {
	return stubConn(d), nil
}

type stubConn struct {
	pingErr error
}

func (c stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c stubConn) Close() error                        { return nil }
func (c stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }
func (c stubConn) Ping(context.Context) error          { return c.pingErr }

type stubRedisHook struct {
	pingErr error
}

func (h stubRedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h stubRedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.EqualFold(cmd.Name(), "ping") && h.pingErr != nil {
			cmd.SetErr(h.pingErr)
			return h.pingErr
		}
		cmd.SetErr(nil)
		return nil
	}
}

func (h stubRedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			cmd.SetErr(nil)
		}
		return nil
	}
}

func newStubRedisClient(pingErr error) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:6379",
		DialTimeout:  time.Millisecond,
		ReadTimeout:  time.Millisecond,
		WriteTimeout: time.Millisecond,
	})
	rdb.AddHook(stubRedisHook{pingErr: pingErr})
	return rdb
}
