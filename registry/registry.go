// Package registry owns submission records and enforces their state
// machine. All mutation goes through per-record conditional updates keyed
// on the store revision, so concurrent poll, heartbeat and report calls
// never take a lock wider than one submission.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/jobdeck/jobdeck/appstore"
	"github.com/jobdeck/jobdeck/model"
	"github.com/jobdeck/jobdeck/pkg/autoid"
	"github.com/jobdeck/jobdeck/pkg/errors"
	"github.com/jobdeck/jobdeck/pkg/meta"
	"github.com/jobdeck/jobdeck/pkg/notifier"
	"github.com/jobdeck/jobdeck/pkg/promutil"
	"github.com/jobdeck/jobdeck/registry/dispatch"
	"github.com/jobdeck/jobdeck/renderer"
)

// CreateRequest asks for one new submission.
type CreateRequest struct {
	AppID model.ApplicationID
	// AppVersion pins the application version; zero means latest.
	AppVersion int64
	Site       model.SiteID
	Tenant     model.TenantID
	Params     map[string]interface{}
}

// Offer is one granted claim returned from Poll. It carries everything the
// agent needs to execute without another round trip.
type Offer struct {
	SubmissionID model.SubmissionID     `json:"submission-id"`
	Site         model.SiteID           `json:"site"`
	Epoch        model.Epoch            `json:"epoch"`
	Script       string                 `json:"script"`
	Files        map[string]string      `json:"files,omitempty"`
	Params       map[string]interface{} `json:"params,omitempty"`
	LeaseExpiry  time.Time              `json:"lease-expiry"`
}

// Phase is the agent-reported execution phase.
type Phase string

const (
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// Report is one status update from the claiming agent.
type Report struct {
	Phase       Phase  `json:"phase"`
	RemoteID    string `json:"remote-id,omitempty"`
	ExitCode    int    `json:"exit-code,omitempty"`
	ArtifactURI string `json:"artifact-uri,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// HeartbeatResult is returned from a successful lease renewal.
type HeartbeatResult struct {
	LeaseExpiry time.Time `json:"lease-expiry"`
	// CancelRequested tells the agent a user asked for cancellation; the
	// agent should stop local execution and report the cancelled phase.
	CancelRequested bool `json:"cancel-requested"`
}

// Registry is the authoritative submission lifecycle engine.
type Registry struct {
	metaKV meta.KV
	apps   *appstore.Store
	queue  *dispatch.Queue

	cfg      Config
	clock    clock.Clock
	idAlloc  autoid.Allocator
	notifier *notifier.Notifier[model.Event]
	metrics  *metrics

	closeCh chan struct{}
}

// Option tweaks registry construction.
type Option func(*Registry)

// WithClock replaces the wall clock, used by tests to drive leases.
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) { r.clock = clk }
}

// WithMetricFactory registers the registry's metrics on the given factory.
func WithMetricFactory(factory *promutil.Factory) Option {
	return func(r *Registry) { r.metrics = newMetrics(factory) }
}

// New creates a Registry. Call Run to start the reclaim checker and Close
// to tear everything down.
func New(metaKV meta.KV, apps *appstore.Store, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		metaKV:   metaKV,
		apps:     apps,
		queue:    dispatch.NewQueue(),
		cfg:      cfg.Adjust(),
		clock:    clock.New(),
		idAlloc:  autoid.NewUUIDAllocator("sub"),
		notifier: notifier.NewNotifier[model.Event](),
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = newMetrics(promutil.NewFactory("jobdeck_registry"))
	}
	return r
}

// Watch subscribes to submission state-change events. The caller must close
// the receiver when done.
func (r *Registry) Watch() *notifier.Receiver[model.Event] {
	return r.notifier.NewReceiver()
}

// Run starts the background lease checker and blocks until ctx is done or
// Close is called.
func (r *Registry) Run(ctx context.Context) error {
	ticker := r.clock.Ticker(r.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-r.closeCh:
			return nil
		case <-ticker.C:
			if err := r.reclaimExpired(ctx); err != nil {
				log.L().Warn("lease reclaim pass failed", zap.Error(err))
			}
		}
	}
}

// Close stops the registry and its subscribers.
func (r *Registry) Close() {
	close(r.closeCh)
	r.notifier.Close()
}

// Create validates, renders and records a new submission. Validation or
// render failures reject the request before any record is written.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*model.Submission, error) {
	var (
		app *model.Application
		err error
	)
	if req.AppVersion == 0 {
		app, err = r.apps.Latest(ctx, req.AppID)
	} else {
		app, err = r.apps.Get(ctx, req.AppID, req.AppVersion)
	}
	if err != nil {
		return nil, err
	}

	params, err := renderer.ResolveParams(app.Schema, req.Params)
	if err != nil {
		return nil, err
	}
	artifact, err := renderer.Render(app.Template, params)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()
	sub := &model.Submission{
		ID:         r.idAlloc.AllocID(),
		Tenant:     req.Tenant,
		AppID:      app.ID,
		AppVersion: app.Version,
		Site:       req.Site,
		Params:     params,
		Script:     artifact.Script,
		Manifest:   artifact.Files,
		CreatedAt:  now,
	}
	sub.AppendState(model.StateCreated, now, "submission created")
	sub.AppendState(model.StatePending, now, "rendered, awaiting dispatch")

	value, err := json.Marshal(sub)
	if err != nil {
		return nil, errors.Trace(err)
	}
	_, ok, err := r.metaKV.PutIf(ctx, meta.SubmissionKey(sub.ID), string(value), 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.ErrMetaOp.GenWithStack("submission id collision: %s", sub.ID)
	}

	r.publish(sub, "", sub.History)
	r.enqueue(dispatch.Entry{
		Site:         sub.Site,
		SubmissionID: sub.ID,
		EnqueueTime:  now,
		CreatedAt:    now,
	})
	log.L().Info("submission created",
		zap.String("submission-id", sub.ID),
		zap.String("app-id", app.ID),
		zap.Int64("app-version", app.Version),
		zap.String("site", sub.Site))
	return sub, nil
}

// Get returns a copy of the submission record.
func (r *Registry) Get(ctx context.Context, id model.SubmissionID) (*model.Submission, error) {
	sub, _, err := r.load(ctx, id)
	return sub, err
}

// Poll atomically claims up to capacity pending submissions for the site.
// Two concurrent polls never receive the same submission: the dispatch
// queue hands each entry to one caller, and the claim itself is a
// conditional update on the record.
func (r *Registry) Poll(ctx context.Context, site model.SiteID, agent model.AgentID, capacity int) ([]*Offer, error) {
	if capacity <= 0 {
		return nil, nil
	}

	offers := make([]*Offer, 0, capacity)
	for len(offers) < capacity {
		entries := r.popN(site, capacity-len(offers))
		if len(entries) == 0 {
			break
		}
		for i, entry := range entries {
			offer, err := r.tryClaim(ctx, entry.SubmissionID, agent)
			if err != nil {
				// storage trouble: put the unprocessed entries back so
				// nothing is lost. Claims already granted in this call must
				// still reach the agent, or they would sit unexecuted until
				// lease expiry and burn reclaim budget for nothing.
				for _, rest := range entries[i:] {
					r.enqueue(rest)
				}
				if len(offers) > 0 {
					log.L().Warn("poll cut short by storage error",
						zap.String("site", site),
						zap.Int("granted", len(offers)),
						zap.Error(err))
					return offers, nil
				}
				return nil, err
			}
			if offer == nil {
				// stale queue entry (no longer pending), drop it.
				continue
			}
			offers = append(offers, offer)
		}
	}

	if len(offers) > 0 {
		log.L().Info("claims granted",
			zap.String("site", site),
			zap.String("agent-id", agent),
			zap.Int("count", len(offers)))
	}
	return offers, nil
}

// tryClaim transitions one submission PENDING -> CLAIMED on behalf of the
// agent. Returns nil without error when the submission is no longer
// claimable.
func (r *Registry) tryClaim(ctx context.Context, id model.SubmissionID, agent model.AgentID) (*Offer, error) {
	var offer *Offer
	_, err := r.update(ctx, id, func(sub *model.Submission) error {
		if sub.State() != model.StatePending {
			return errors.ErrInvalidTransition.GenWithStackByArgs(id, sub.State(), model.StateClaimed)
		}
		now := r.clock.Now().UTC()
		sub.Epoch++
		sub.Claim = &model.Claim{
			AgentID:     agent,
			Epoch:       sub.Epoch,
			LeaseExpiry: now.Add(r.cfg.LeaseTTL),
		}
		sub.AppendState(model.StateClaimed, now,
			fmt.Sprintf("claimed by agent %s (epoch %d)", agent, sub.Epoch))

		offer = &Offer{
			SubmissionID: sub.ID,
			Site:         sub.Site,
			Epoch:        sub.Epoch,
			Script:       sub.Script,
			Files:        sub.Manifest,
			Params:       sub.Params,
			LeaseExpiry:  sub.Claim.LeaseExpiry,
		}
		return nil
	})
	if err != nil {
		if errors.ErrInvalidTransition.Equal(err) {
			return nil, nil
		}
		return nil, err
	}
	r.metrics.claimsGranted.Inc()
	return offer, nil
}

// Heartbeat extends the lease of an active claim. The claim generation is
// the source of truth: a caller holding a stale generation is rejected and
// must abandon local execution.
func (r *Registry) Heartbeat(ctx context.Context, id model.SubmissionID, agent model.AgentID, epoch model.Epoch) (*HeartbeatResult, error) {
	var result *HeartbeatResult
	_, err := r.update(ctx, id, func(sub *model.Submission) error {
		if sub.State().IsTerminal() {
			return errors.ErrAlreadyTerminal.GenWithStackByArgs(id, sub.State())
		}
		if sub.Claim == nil || sub.Claim.AgentID != agent || sub.Claim.Epoch != epoch {
			return r.claimMismatch(sub, epoch)
		}
		sub.Claim.LeaseExpiry = r.clock.Now().UTC().Add(r.cfg.LeaseTTL)
		result = &HeartbeatResult{
			LeaseExpiry:     sub.Claim.LeaseExpiry,
			CancelRequested: sub.CancelRequested,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ProcessReport applies a progress or terminal report from an agent.
// Duplicate terminal reports from the owning agent and generation surface
// as ErrAlreadyTerminal, which callers treat as success.
func (r *Registry) ProcessReport(ctx context.Context, id model.SubmissionID, agent model.AgentID, epoch model.Epoch, report Report) error {
	_, err := r.update(ctx, id, func(sub *model.Submission) error {
		if sub.State().IsTerminal() {
			if sub.Claim != nil && sub.Claim.AgentID == agent && sub.Claim.Epoch == epoch {
				return errors.ErrAlreadyTerminal.GenWithStackByArgs(id, sub.State())
			}
			return r.claimMismatch(sub, epoch)
		}
		if sub.Claim == nil || sub.Claim.AgentID != agent || sub.Claim.Epoch != epoch {
			return r.claimMismatch(sub, epoch)
		}

		now := r.clock.Now().UTC()
		if report.RemoteID != "" {
			sub.RemoteID = report.RemoteID
		}

		switch report.Phase {
		case PhaseRunning:
			if sub.State() == model.StateClaimed {
				sub.AppendState(model.StateRunning, now, report.Detail)
			}
			// a progress report is as good as a heartbeat.
			sub.Claim.LeaseExpiry = now.Add(r.cfg.LeaseTTL)
		case PhaseCompleted:
			sub.Result = &model.ResultSummary{ExitCode: report.ExitCode, ArtifactURI: report.ArtifactURI}
			sub.AppendState(model.StateCompleted, now, report.Detail)
		case PhaseFailed:
			sub.Result = &model.ResultSummary{ExitCode: report.ExitCode, ArtifactURI: report.ArtifactURI}
			sub.AppendState(model.StateFailed, now, report.Detail)
		case PhaseCancelled:
			// CANCELLED is a user decision; an agent may only acknowledge
			// a pending cancellation request, never originate one.
			if !sub.CancelRequested {
				return errors.ErrBadRequest.GenWithStackByArgs(
					fmt.Sprintf("submission %s has no cancellation pending", id))
			}
			sub.AppendState(model.StateCancelled, now, "cancelled by agent "+string(agent))
		default:
			return errors.ErrBadRequest.GenWithStackByArgs(fmt.Sprintf("unknown report phase %q", report.Phase))
		}
		return nil
	})
	return err
}

// Cancel asks for the submission to stop. Without an active claim the
// cancellation is immediate; with one it stays advisory until the agent
// acknowledges or the lease expires. Returns true when immediate.
func (r *Registry) Cancel(ctx context.Context, id model.SubmissionID) (bool, error) {
	immediate := false
	sub, err := r.update(ctx, id, func(sub *model.Submission) error {
		state := sub.State()
		if state.IsTerminal() {
			return errors.ErrAlreadyTerminal.GenWithStackByArgs(id, state)
		}
		switch state {
		case model.StateCreated, model.StatePending:
			immediate = true
			sub.AppendState(model.StateCancelled, r.clock.Now().UTC(), "cancelled by user")
		default:
			// CLAIMED or RUNNING: advisory until the agent acknowledges
			// or the lease expires.
			immediate = false
			sub.CancelRequested = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if immediate {
		r.dequeue(sub.Site, sub.ID)
	}
	return immediate, nil
}

// Reject forces a non-terminal submission to REJECTED. This is an
// orchestrator-side decision (e.g. a site policy), never an agent outcome.
func (r *Registry) Reject(ctx context.Context, id model.SubmissionID, reason string) error {
	sub, err := r.update(ctx, id, func(sub *model.Submission) error {
		if sub.State().IsTerminal() {
			return errors.ErrAlreadyTerminal.GenWithStackByArgs(id, sub.State())
		}
		sub.AppendState(model.StateRejected, r.clock.Now().UTC(), reason)
		return nil
	})
	if err != nil {
		return err
	}
	r.dequeue(sub.Site, sub.ID)
	return nil
}

// Rebuild repopulates the dispatch queue from a store scan of PENDING
// submissions. Called once on startup; the queue itself is never persisted.
func (r *Registry) Rebuild(ctx context.Context) error {
	kvs, err := r.metaKV.Scan(ctx, meta.SubmissionKeyPrefix())
	if err != nil {
		return err
	}
	restored := 0
	for _, kv := range kvs {
		sub := &model.Submission{}
		if err := json.Unmarshal([]byte(kv.Value), sub); err != nil {
			return errors.Wrap(errors.ErrMetaOp, err)
		}
		if sub.State() != model.StatePending {
			continue
		}
		enqueueTime := sub.CreatedAt
		if len(sub.History) > 0 {
			enqueueTime = sub.History[len(sub.History)-1].Time
		}
		r.enqueue(dispatch.Entry{
			Site:         sub.Site,
			SubmissionID: sub.ID,
			EnqueueTime:  enqueueTime,
			CreatedAt:    sub.CreatedAt,
		})
		restored++
	}
	if restored > 0 {
		log.L().Info("dispatch queue rebuilt", zap.Int("pending", restored))
	}
	return nil
}

// reclaimExpired is one pass of the lease checker. Expired claims either
// re-enqueue the submission, force FAILED past the reclaim budget, or
// finalize a pending cancellation.
func (r *Registry) reclaimExpired(ctx context.Context) error {
	kvs, err := r.metaKV.Scan(ctx, meta.SubmissionKeyPrefix())
	if err != nil {
		return err
	}
	now := r.clock.Now().UTC()
	for _, kv := range kvs {
		sub := &model.Submission{}
		if err := json.Unmarshal([]byte(kv.Value), sub); err != nil {
			return errors.Wrap(errors.ErrMetaOp, err)
		}
		state := sub.State()
		if state != model.StateClaimed && state != model.StateRunning {
			continue
		}
		if sub.Claim == nil || !sub.Claim.Expired(now) {
			continue
		}
		if err := r.reclaimOne(ctx, sub.ID); err != nil {
			log.L().Warn("reclaim failed",
				zap.String("submission-id", sub.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (r *Registry) reclaimOne(ctx context.Context, id model.SubmissionID) error {
	requeue := false
	sub, err := r.update(ctx, id, func(sub *model.Submission) error {
		state := sub.State()
		if state != model.StateClaimed && state != model.StateRunning {
			return errors.ErrInvalidTransition.GenWithStackByArgs(id, state, model.StatePending)
		}
		now := r.clock.Now().UTC()
		if sub.Claim == nil || !sub.Claim.Expired(now) {
			// renewed between the scan and this update; nothing to do.
			return errors.ErrInvalidTransition.GenWithStackByArgs(id, state, model.StatePending)
		}

		expiredAgent := sub.Claim.AgentID
		sub.Claim = nil
		requeue = false

		switch {
		case sub.CancelRequested:
			sub.AppendState(model.StateCancelled, now,
				fmt.Sprintf("cancel forced after lease of agent %s expired", expiredAgent))
		case sub.ReclaimCount()+1 > r.cfg.MaxReclaims:
			sub.AppendState(model.StateFailed, now,
				fmt.Sprintf("lease expired %d times, giving up", sub.ReclaimCount()+1))
		default:
			requeue = true
			sub.AppendState(model.StatePending, now,
				fmt.Sprintf("lease of agent %s expired, re-queued", expiredAgent))
		}
		return nil
	})
	if err != nil {
		if errors.ErrInvalidTransition.Equal(err) {
			return nil
		}
		return err
	}

	r.metrics.leasesExpired.Inc()
	if requeue {
		now := r.clock.Now().UTC()
		r.enqueue(dispatch.Entry{
			Site:         sub.Site,
			SubmissionID: sub.ID,
			EnqueueTime:  now,
			CreatedAt:    sub.CreatedAt,
		})
	}
	return nil
}

func (r *Registry) claimMismatch(sub *model.Submission, callerEpoch model.Epoch) error {
	return errors.ErrClaimMismatch.GenWithStackByArgs(sub.ID, sub.Epoch, callerEpoch)
}

// load reads and decodes one submission record.
func (r *Registry) load(ctx context.Context, id model.SubmissionID) (*model.Submission, int64, error) {
	kv, err := r.metaKV.Get(ctx, meta.SubmissionKey(id))
	if err != nil {
		return nil, 0, err
	}
	if kv == nil {
		return nil, 0, errors.ErrSubmissionNotFound.GenWithStackByArgs(id)
	}
	sub := &model.Submission{}
	if err := json.Unmarshal([]byte(kv.Value), sub); err != nil {
		return nil, 0, errors.Wrap(errors.ErrMetaOp, err)
	}
	return sub, kv.Revision, nil
}

// update applies mutate under optimistic concurrency: load, mutate, write
// conditionally on the loaded revision, retry on conflict. Domain errors
// from mutate abort without retrying.
func (r *Registry) update(ctx context.Context, id model.SubmissionID, mutate func(*model.Submission) error) (*model.Submission, error) {
	for attempt := 0; attempt < r.cfg.CASRetries; attempt++ {
		sub, rev, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}

		prevLen := len(sub.History)
		prevState := sub.State()
		if err := mutate(sub); err != nil {
			return nil, err
		}

		value, err := json.Marshal(sub)
		if err != nil {
			return nil, errors.Trace(err)
		}
		_, ok, err := r.metaKV.PutIf(ctx, meta.SubmissionKey(id), string(value), rev)
		if err != nil {
			return nil, err
		}
		if ok {
			r.publish(sub, prevState, sub.History[prevLen:])
			return sub, nil
		}

		r.metrics.casConflicts.Inc()
		select {
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		default:
		}
	}
	return nil, errors.ErrCASConflictExceeded.GenWithStackByArgs(id)
}

// publish emits one event per appended history entry.
func (r *Registry) publish(sub *model.Submission, from model.State, appended []model.StateChange) {
	for _, change := range appended {
		r.notifier.Notify(model.Event{
			SubmissionID: sub.ID,
			Site:         sub.Site,
			From:         from,
			To:           change.State,
			Epoch:        sub.Epoch,
			Time:         change.Time,
		})
		r.metrics.stateTransitions.WithLabelValues(string(change.State)).Inc()
		from = change.State
	}
}

func (r *Registry) enqueue(entry dispatch.Entry) {
	r.queue.Push(entry)
	r.metrics.queueDepth.WithLabelValues(string(entry.Site)).Set(float64(r.queue.Len(entry.Site)))
}

func (r *Registry) popN(site model.SiteID, n int) []dispatch.Entry {
	entries := r.queue.PopN(site, n)
	r.metrics.queueDepth.WithLabelValues(string(site)).Set(float64(r.queue.Len(site)))
	return entries
}

func (r *Registry) dequeue(site model.SiteID, id model.SubmissionID) {
	r.queue.Remove(site, id)
	r.metrics.queueDepth.WithLabelValues(string(site)).Set(float64(r.queue.Len(site)))
}
