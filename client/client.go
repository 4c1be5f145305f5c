// Package client is the Go client for the orchestrator HTTP API. Both the
// agent and the command-line tool go through it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	perrors "github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/jobdeck/jobdeck/model"
	"github.com/jobdeck/jobdeck/pkg/errors"
	"github.com/jobdeck/jobdeck/registry"
)

const defaultTimeout = 30 * time.Second

// Config configures a Client.
type Config struct {
	// BaseURL is the orchestrator address, e.g. "http://jobdeck:8620".
	BaseURL string
	// Token, when non-empty, is sent as a bearer token on every request.
	Token string
	// Timeout bounds each request; zero means 30s.
	Timeout time.Duration
}

// Client talks to one orchestrator.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// CreateApplicationRequest registers or revises an application.
type CreateApplicationRequest struct {
	ID       model.ApplicationID  `json:"id,omitempty"`
	Name     string               `json:"name"`
	Tenant   model.TenantID       `json:"tenant"`
	Template model.TemplateSource `json:"template"`
	Schema   []model.ParamSpec    `json:"schema"`
}

// CreateApplicationResponse is the server's acknowledgement.
type CreateApplicationResponse struct {
	ID      model.ApplicationID `json:"id"`
	Version int64               `json:"version"`
}

// CreateApplication uploads an application template.
func (c *Client) CreateApplication(ctx context.Context, req CreateApplicationRequest) (*CreateApplicationResponse, error) {
	resp := &CreateApplicationResponse{}
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/applications", req, resp, errors.ErrAppNotFound)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetApplication fetches one application; version 0 means latest.
func (c *Client) GetApplication(ctx context.Context, id model.ApplicationID, version int64) (*model.Application, error) {
	path := "/api/v1/applications/" + url.PathEscape(id)
	if version > 0 {
		path += fmt.Sprintf("?version=%d", version)
	}
	app := &model.Application{}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, app, errors.ErrAppNotFound); err != nil {
		return nil, err
	}
	return app, nil
}

// ApplicationPage is one page of a list call.
type ApplicationPage struct {
	Results []*model.Application `json:"results"`
	Page    int                  `json:"page"`
	PerPage int                  `json:"per-page"`
	Total   int                  `json:"total"`
}

// ListApplications fetches one page of applications, latest version each.
// Pages count from zero; perPage 0 leaves the page size to the server.
func (c *Client) ListApplications(ctx context.Context, page, perPage int) (*ApplicationPage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	if perPage > 0 {
		query.Set("per-page", strconv.Itoa(perPage))
	}
	result := &ApplicationPage{}
	path := "/api/v1/applications?" + query.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, result, errors.ErrAppNotFound); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateSubmissionRequest asks for one new submission.
type CreateSubmissionRequest struct {
	AppID      model.ApplicationID    `json:"app-id"`
	AppVersion int64                  `json:"app-version,omitempty"`
	Site       model.SiteID           `json:"site"`
	Tenant     model.TenantID         `json:"tenant"`
	Params     map[string]interface{} `json:"params"`
}

// CreateSubmission renders and enqueues a submission.
func (c *Client) CreateSubmission(ctx context.Context, req CreateSubmissionRequest) (*model.Submission, error) {
	sub := &model.Submission{}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/submissions", req, sub, errors.ErrAppNotFound); err != nil {
		return nil, err
	}
	return sub, nil
}

// GetSubmission fetches one submission record.
func (c *Client) GetSubmission(ctx context.Context, id model.SubmissionID) (*model.Submission, error) {
	sub := &model.Submission{}
	path := "/api/v1/submissions/" + url.PathEscape(id)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, sub, errors.ErrSubmissionNotFound); err != nil {
		return nil, err
	}
	return sub, nil
}

// GetHistory fetches the full state history of a submission.
func (c *Client) GetHistory(ctx context.Context, id model.SubmissionID) ([]model.StateChange, error) {
	var history []model.StateChange
	path := "/api/v1/submissions/" + url.PathEscape(id) + "/history"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &history, errors.ErrSubmissionNotFound); err != nil {
		return nil, err
	}
	return history, nil
}

// CancelResult tells whether the cancellation took effect immediately.
type CancelResult struct {
	Immediate bool `json:"immediate"`
}

// CancelSubmission requests cancellation of a submission.
func (c *Client) CancelSubmission(ctx context.Context, id model.SubmissionID) (*CancelResult, error) {
	result := &CancelResult{}
	path := "/api/v1/submissions/" + url.PathEscape(id) + "/cancel"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, result, errors.ErrSubmissionNotFound); err != nil {
		return nil, err
	}
	return result, nil
}

type pollRequest struct {
	AgentID  model.AgentID `json:"agent-id"`
	Capacity int           `json:"capacity"`
}

type pollResponse struct {
	Offers []*registry.Offer `json:"offers"`
}

// Poll asks for up to capacity claims on the given site.
func (c *Client) Poll(ctx context.Context, site model.SiteID, agent model.AgentID, capacity int) ([]*registry.Offer, error) {
	resp := &pollResponse{}
	path := "/api/v1/sites/" + url.PathEscape(site) + "/poll"
	err := c.doJSON(ctx, http.MethodPost, path, pollRequest{AgentID: agent, Capacity: capacity}, resp, errors.ErrSubmissionNotFound)
	if err != nil {
		return nil, err
	}
	return resp.Offers, nil
}

type heartbeatRequest struct {
	AgentID model.AgentID `json:"agent-id"`
	Epoch   model.Epoch   `json:"epoch"`
}

// Heartbeat renews the lease on a claimed submission.
func (c *Client) Heartbeat(ctx context.Context, id model.SubmissionID, agent model.AgentID, epoch model.Epoch) (*registry.HeartbeatResult, error) {
	result := &registry.HeartbeatResult{}
	path := "/api/v1/submissions/" + url.PathEscape(id) + "/heartbeat"
	err := c.doJSON(ctx, http.MethodPost, path, heartbeatRequest{AgentID: agent, Epoch: epoch}, result, errors.ErrSubmissionNotFound)
	if err != nil {
		return nil, err
	}
	return result, nil
}

type reportRequest struct {
	AgentID model.AgentID `json:"agent-id"`
	Epoch   model.Epoch   `json:"epoch"`
	registry.Report
}

// Report delivers a phase update. A duplicate terminal report is treated as
// success by the server, so retried deliveries are safe.
func (c *Client) Report(ctx context.Context, id model.SubmissionID, agent model.AgentID, epoch model.Epoch, report registry.Report) error {
	path := "/api/v1/submissions/" + url.PathEscape(id) + "/report"
	req := reportRequest{AgentID: agent, Epoch: epoch, Report: report}
	return c.doJSON(ctx, http.MethodPost, path, req, nil, errors.ErrSubmissionNotFound)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// codeIndex maps wire error codes back to the normalized errors, so a
// caller-side Equal check sees the same error the server raised.
var codeIndex = func() map[string]*perrors.Error {
	index := make(map[string]*perrors.Error)
	for _, normalized := range []*perrors.Error{
		errors.ErrInvalidParameter,
		errors.ErrUnknownParameter,
		errors.ErrTemplateParse,
		errors.ErrAppNotFound,
		errors.ErrAppAlreadyExists,
		errors.ErrBadBundle,
		errors.ErrSubmissionNotFound,
		errors.ErrClaimMismatch,
		errors.ErrAlreadyTerminal,
		errors.ErrMetaOp,
		errors.ErrUnauthenticated,
		errors.ErrBadRequest,
	} {
		index[string(normalized.RFCCode())] = normalized
	}
	return index
}()

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}, notFound *perrors.Error) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Trace(err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	log.L().Debug("api request", zap.String("method", method), zap.String("path", path))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrRemoteAPI, err, method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.asError(resp, method, path, notFound)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(errors.ErrRemoteAPI, err, method, path)
	}
	return nil
}

func (c *Client) asError(resp *http.Response, method, path string, notFound *perrors.Error) error {
	var body errorResponse
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr == nil {
		// best effort; a proxy may answer with a non-JSON body.
		_ = json.Unmarshal(raw, &body)
	}
	if body.Error == "" {
		body.Error = resp.Status
	}
	if normalized, ok := codeIndex[body.Code]; ok {
		return normalized.GenWithStack("%s", body.Error)
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return errors.ErrBadRequest.GenWithStack("%s", body.Error)
	case http.StatusUnauthorized:
		return errors.ErrUnauthenticated.GenWithStackByArgs()
	case http.StatusNotFound:
		return notFound.GenWithStack("%s", body.Error)
	case http.StatusConflict:
		return errors.ErrClaimMismatch.GenWithStack("%s", body.Error)
	default:
		return errors.ErrRemoteAPI.GenWithStack("api call %s %s failed: status %d: %s", method, path, resp.StatusCode, body.Error)
	}
}
