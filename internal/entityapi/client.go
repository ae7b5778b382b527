package entityapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/rollout-engine/internal/channel"
	"github.com/kursadbilgin/rollout-engine/internal/domain"
	"github.com/kursadbilgin/rollout-engine/internal/observability"
)

const (
	defaultTimeout = 10 * time.Second

	correlationHeader = "X-Correlation-ID"
)

var (
	_ channel.StateReader     = (*Client)(nil)
	_ channel.BulkStateReader = (*Client)(nil)
	_ channel.Actor           = (*Client)(nil)
)

type entityRef struct {
	HostID   int `json:"hostId"`
	EntityID int `json:"entityId"`
}

type entityDTO struct {
	HostID          int    `json:"hostId"`
	EntityID        int    `json:"entityId"`
	Name            string `json:"name"`
	State           string `json:"state"`
	StartupComplete bool   `json:"startupComplete"`
}

type stateQueryRequest struct {
	Entities []entityRef `json:"entities"`
}

type entityListResponse struct {
	Entities []entityDTO `json:"entities"`
}

type actionRequest struct {
	DesiredState string `json:"desiredState"`
}

type versionBody struct {
	Version string `json:"version"`
}

// FleetQuery selects entities by protocol, version and state.
type FleetQuery struct {
	Protocol string
	Version  string
	State    domain.EntityState
}

// Client talks to the entity management API. It reads entity state, issues
// start and stop requests and manages protocol production versions.
type Client struct {
	client *resty.Client
}

func NewClient(baseURL string) (*Client, error) {
	client := resty.New()
	client.SetTimeout(defaultTimeout)
	client.SetRetryCount(0)

	return NewClientWithResty(baseURL, client)
}

func NewClientWithResty(baseURL string, client *resty.Client) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("entity api url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid entity api url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultTimeout)
	}
	client.SetBaseURL(trimmed)
	client.SetHeader("Accept", "application/json")

	return &Client{client: client}, nil
}

func (c *Client) QueryState(ctx context.Context, id domain.EntityID) (domain.EntitySnapshot, error) {
	var dto entityDTO
	_, err := c.do("query state", c.request(ctx).
		SetPathParams(entityPath(id)).
		SetResult(&dto),
		http.MethodGet, "/v1/entities/{hostId}/{entityId}")
	if err != nil {
		return domain.EntitySnapshot{}, err
	}
	return dto.snapshot(), nil
}

// QueryStates reads many entities in one request. Entities unknown to the
// API are absent from the result.
func (c *Client) QueryStates(ctx context.Context, ids []domain.EntityID) (map[domain.EntityID]domain.EntitySnapshot, error) {
	out := make(map[domain.EntityID]domain.EntitySnapshot, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	body := stateQueryRequest{Entities: make([]entityRef, 0, len(ids))}
	for _, id := range ids {
		body.Entities = append(body.Entities, entityRef{HostID: id.HostID, EntityID: id.EntityID})
	}

	var resp entityListResponse
	_, err := c.do("query states", c.request(ctx).
		SetBody(body).
		SetResult(&resp),
		http.MethodPost, "/v1/entities/state-query")
	if err != nil {
		return nil, err
	}

	for _, dto := range resp.Entities {
		snapshot := dto.snapshot()
		out[snapshot.ID] = snapshot
	}
	return out, nil
}

// IssueAction asks the API to move an entity to desired. The API accepts the
// request asynchronously.
func (c *Client) IssueAction(ctx context.Context, id domain.EntityID, desired domain.EntityState) error {
	if desired != domain.EntityStateActive && desired != domain.EntityStateStopped {
		return fmt.Errorf("%w: unsupported desired state %q", domain.ErrValidation, desired)
	}

	_, err := c.do("issue action", c.request(ctx).
		SetPathParams(entityPath(id)).
		SetBody(actionRequest{DesiredState: desired.String()}),
		http.MethodPost, "/v1/entities/{hostId}/{entityId}/actions")
	return err
}

func (c *Client) ListFleet(ctx context.Context, query FleetQuery) ([]domain.EntitySnapshot, error) {
	if strings.TrimSpace(query.Protocol) == "" {
		return nil, fmt.Errorf("%w: protocol is required", domain.ErrValidation)
	}

	params := map[string]string{"protocol": query.Protocol}
	if query.Version != "" {
		params["version"] = query.Version
	}
	if query.State != "" {
		params["state"] = query.State.String()
	}

	var resp entityListResponse
	_, err := c.do("list fleet", c.request(ctx).
		SetQueryParams(params).
		SetResult(&resp),
		http.MethodGet, "/v1/entities")
	if err != nil {
		return nil, err
	}

	fleet := make([]domain.EntitySnapshot, 0, len(resp.Entities))
	for _, dto := range resp.Entities {
		fleet = append(fleet, dto.snapshot())
	}
	return fleet, nil
}

// ProductionVersion returns the version currently marked as production for
// protocol. It returns an error wrapping domain.ErrNotFound when the protocol
// has none.
func (c *Client) ProductionVersion(ctx context.Context, protocol string) (string, error) {
	var body versionBody
	_, err := c.do("get production version", c.request(ctx).
		SetPathParam("protocol", protocol).
		SetResult(&body),
		http.MethodGet, "/v1/protocols/{protocol}/production")
	if err != nil {
		return "", err
	}
	return body.Version, nil
}

func (c *Client) VersionExists(ctx context.Context, protocol string, version string) (bool, error) {
	_, err := c.do("get version", c.request(ctx).
		SetPathParams(map[string]string{"protocol": protocol, "version": version}),
		http.MethodGet, "/v1/protocols/{protocol}/versions/{version}")
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) SetProductionVersion(ctx context.Context, protocol string, version string) error {
	_, err := c.do("set production version", c.request(ctx).
		SetPathParam("protocol", protocol).
		SetBody(versionBody{Version: version}),
		http.MethodPut, "/v1/protocols/{protocol}/production")
	return err
}

func (c *Client) request(ctx context.Context) *resty.Request {
	req := c.client.R().SetContext(ctx)
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		req.SetHeader(correlationHeader, correlationID)
	}
	return req
}

func (c *Client) do(op string, req *resty.Request, method string, path string) (*resty.Response, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("entity api client is not initialized")
	}

	response, err := req.Execute(method, path)
	if err != nil {
		return nil, &APIError{
			Op:        op,
			Message:   "request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &APIError{Op: op, Message: "empty response", Transient: true}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return response, nil
	}

	return nil, &APIError{
		Op:         op,
		StatusCode: statusCode,
		Message:    strings.TrimSpace(response.String()),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func entityPath(id domain.EntityID) map[string]string {
	return map[string]string{
		"hostId":   strconv.Itoa(id.HostID),
		"entityId": strconv.Itoa(id.EntityID),
	}
}

// snapshot maps a wire entity to its domain form. States the API reports
// outside the known set become UNKNOWN so one odd entity does not hide the
// others.
func (d entityDTO) snapshot() domain.EntitySnapshot {
	state, err := domain.ParseEntityStateFromString(d.State)
	if err != nil {
		state = domain.EntityStateUnknown
	}
	return domain.EntitySnapshot{
		ID:              domain.EntityID{HostID: d.HostID, EntityID: d.EntityID},
		Name:            d.Name,
		State:           state,
		StartupComplete: d.StartupComplete,
	}
}
