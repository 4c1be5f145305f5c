// Package server exposes the orchestrator over HTTP: a client surface for
// applications and submissions, and the pull-only agent surface. Agents are
// behind firewalls, so every interaction is agent-initiated request/response;
// the server never dials out.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jobdeck/jobdeck/appstore"
	"github.com/jobdeck/jobdeck/model"
	"github.com/jobdeck/jobdeck/pkg/autoid"
	"github.com/jobdeck/jobdeck/pkg/errors"
	"github.com/jobdeck/jobdeck/pkg/promutil"
	"github.com/jobdeck/jobdeck/registry"
)

const shutdownTimeout = 10 * time.Second

// Server wires the registry and application store to the HTTP surface.
type Server struct {
	cfg      *Config
	registry *registry.Registry
	apps     *appstore.Store
	verifier TokenVerifier
	metrics  *promutil.Factory
	idAlloc  autoid.Allocator
}

// Option tweaks server construction.
type Option func(*Server)

// WithVerifier replaces the credential check on agent endpoints.
func WithVerifier(v TokenVerifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithMetricFactory shares a metric factory with other components.
func WithMetricFactory(f *promutil.Factory) Option {
	return func(s *Server) { s.metrics = f }
}

// New creates a Server.
func New(cfg *Config, reg *registry.Registry, apps *appstore.Store, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		registry: reg,
		apps:     apps,
		idAlloc:  autoid.NewUUIDAllocator("app"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.verifier == nil {
		if cfg.AgentToken != "" {
			s.verifier = StaticToken{Token: cfg.AgentToken}
		} else {
			s.verifier = AllowAll{}
		}
	}
	if s.metrics == nil {
		s.metrics = promutil.NewFactory("jobdeck")
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// agent surface
	mux.HandleFunc("POST /api/v1/sites/{site}/poll", s.withAuth(s.handlePoll))
	mux.HandleFunc("POST /api/v1/submissions/{id}/heartbeat", s.withAuth(s.handleHeartbeat))
	mux.HandleFunc("POST /api/v1/submissions/{id}/report", s.withAuth(s.handleReport))

	// client surface
	mux.HandleFunc("POST /api/v1/applications", s.withAuth(s.handleCreateApplication))
	mux.HandleFunc("GET /api/v1/applications", s.withAuth(s.handleListApplications))
	mux.HandleFunc("GET /api/v1/applications/{id}", s.withAuth(s.handleGetApplication))
	mux.HandleFunc("POST /api/v1/submissions", s.withAuth(s.handleCreateSubmission))
	mux.HandleFunc("GET /api/v1/submissions/{id}", s.withAuth(s.handleGetSubmission))
	mux.HandleFunc("GET /api/v1/submissions/{id}/history", s.withAuth(s.handleGetHistory))
	mux.HandleFunc("POST /api/v1/submissions/{id}/cancel", s.withAuth(s.handleCancelSubmission))

	mux.Handle("GET /metrics", s.metrics.HTTPHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.L().Info("http server listening", zap.String("addr", s.cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Trace(err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Trace(httpServer.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.verifier.Verify(r); err != nil {
			writeError(w, err)
			return
		}
		next(w, r)
	}
}

type pollRequest struct {
	AgentID  model.AgentID `json:"agent-id"`
	Capacity int           `json:"capacity"`
}

type pollResponse struct {
	Offers []*registry.Offer `json:"offers"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AgentID == "" {
		writeError(w, errors.ErrBadRequest.GenWithStackByArgs("agent-id is required"))
		return
	}
	if req.Capacity <= 0 {
		req.Capacity = 1
	}
	offers, err := s.registry.Poll(r.Context(), r.PathValue("site"), req.AgentID, req.Capacity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{Offers: offers})
}

type heartbeatRequest struct {
	AgentID model.AgentID `json:"agent-id"`
	Epoch   model.Epoch   `json:"epoch"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.registry.Heartbeat(r.Context(), r.PathValue("id"), req.AgentID, req.Epoch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type reportRequest struct {
	AgentID model.AgentID `json:"agent-id"`
	Epoch   model.Epoch   `json:"epoch"`
	registry.Report
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	err := s.registry.ProcessReport(r.Context(), r.PathValue("id"), req.AgentID, req.Epoch, req.Report)
	if err != nil {
		// a duplicate terminal report is a success for the caller.
		if errors.ErrAlreadyTerminal.Equal(err) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "already-terminal"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type createApplicationRequest struct {
	// ID revises an existing application when set; empty allocates a new one.
	ID       model.ApplicationID  `json:"id,omitempty"`
	Name     string               `json:"name"`
	Tenant   model.TenantID       `json:"tenant"`
	Template model.TemplateSource `json:"template"`
	Schema   []model.ParamSpec    `json:"schema"`
}

type createApplicationResponse struct {
	ID      model.ApplicationID `json:"id"`
	Version int64               `json:"version"`
}

func (s *Server) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var req createApplicationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, errors.ErrBadRequest.GenWithStackByArgs("name is required"))
		return
	}
	if req.Template.Entrypoint == "" || len(req.Template.Files) == 0 {
		writeError(w, errors.ErrBadRequest.GenWithStackByArgs("template needs an entrypoint and files"))
		return
	}
	app := &model.Application{
		ID:       req.ID,
		Name:     req.Name,
		Tenant:   req.Tenant,
		Template: req.Template,
		Schema:   req.Schema,
	}
	if app.ID == "" {
		app.ID = s.idAlloc.AllocID()
	}
	version, err := s.apps.Put(r.Context(), app)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createApplicationResponse{ID: app.ID, Version: version})
}

// applicationPage is the paged envelope of a list call.
type applicationPage struct {
	Results []*model.Application `json:"results"`
	Page    int                  `json:"page"`
	PerPage int                  `json:"per-page"`
	Total   int                  `json:"total"`
}

const defaultPerPage = 50

// pageParams reads the page/per-page query parameters. Pages count from
// zero; a negative page or a per-page below one is rejected.
func pageParams(r *http.Request) (page int, perPage int, err error) {
	page, perPage = 0, defaultPerPage
	if raw := r.URL.Query().Get("page"); raw != "" {
		page, err = strconv.Atoi(raw)
		if err != nil || page < 0 {
			return 0, 0, errors.ErrBadRequest.GenWithStackByArgs("page must be a non-negative integer")
		}
	}
	if raw := r.URL.Query().Get("per-page"); raw != "" {
		perPage, err = strconv.Atoi(raw)
		if err != nil || perPage < 1 {
			return 0, 0, errors.ErrBadRequest.GenWithStackByArgs("per-page must be a positive integer")
		}
	}
	return page, perPage, nil
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	page, perPage, err := pageParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	apps, err := s.apps.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	total := len(apps)
	start := page * perPage
	if start > total || start < 0 {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}
	writeJSON(w, http.StatusOK, applicationPage{
		Results: apps[start:end],
		Page:    page,
		PerPage: perPage,
		Total:   total,
	})
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		app *model.Application
		err error
	)
	if raw := r.URL.Query().Get("version"); raw != "" {
		version, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			writeError(w, errors.ErrBadRequest.GenWithStackByArgs("version must be an integer"))
			return
		}
		app, err = s.apps.Get(r.Context(), id, version)
	} else {
		app, err = s.apps.Latest(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

type createSubmissionRequest struct {
	AppID      model.ApplicationID    `json:"app-id"`
	AppVersion int64                  `json:"app-version,omitempty"`
	Site       model.SiteID           `json:"site"`
	Tenant     model.TenantID         `json:"tenant"`
	Params     map[string]interface{} `json:"params"`
}

func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req createSubmissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AppID == "" || req.Site == "" {
		writeError(w, errors.ErrBadRequest.GenWithStackByArgs("app-id and site are required"))
		return
	}
	sub, err := s.registry.Create(r.Context(), registry.CreateRequest{
		AppID:      req.AppID,
		AppVersion: req.AppVersion,
		Site:       req.Site,
		Tenant:     req.Tenant,
		Params:     req.Params,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub.History)
}

type cancelResponse struct {
	Immediate bool `json:"immediate"`
}

func (s *Server) handleCancelSubmission(w http.ResponseWriter, r *http.Request) {
	immediate, err := s.registry.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.ErrAlreadyTerminal.Equal(err) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "already-terminal"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Immediate: immediate})
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return errors.Wrap(errors.ErrBadRequest, err, "malformed request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.L().Warn("response encode failed", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorResponse{
		Error: err.Error(),
		Code:  errors.RFCCode(err),
	})
}

func statusOf(err error) int {
	switch {
	case errors.ErrBadRequest.Equal(err),
		errors.ErrInvalidParameter.Equal(err),
		errors.ErrUnknownParameter.Equal(err),
		errors.ErrTemplateParse.Equal(err),
		errors.ErrBadBundle.Equal(err):
		return http.StatusBadRequest
	case errors.ErrUnauthenticated.Equal(err):
		return http.StatusUnauthorized
	case errors.ErrAppNotFound.Equal(err),
		errors.ErrSubmissionNotFound.Equal(err):
		return http.StatusNotFound
	case errors.ErrClaimMismatch.Equal(err),
		errors.ErrAlreadyTerminal.Equal(err):
		return http.StatusConflict
	case errors.ErrMetaOp.Equal(err),
		errors.ErrCASConflictExceeded.Equal(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
