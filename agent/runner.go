package agent

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jobdeck/jobdeck/model"
	"github.com/jobdeck/jobdeck/pkg/errors"
	"github.com/jobdeck/jobdeck/registry"
)

// API is the slice of the orchestrator client the runner needs.
// *client.Client satisfies it.
type API interface {
	Poll(ctx context.Context, site model.SiteID, agent model.AgentID, capacity int) ([]*registry.Offer, error)
	Heartbeat(ctx context.Context, id model.SubmissionID, agent model.AgentID, epoch model.Epoch) (*registry.HeartbeatResult, error)
	Report(ctx context.Context, id model.SubmissionID, agent model.AgentID, epoch model.Epoch, report registry.Report) error
}

// Config configures a Runner.
type Config struct {
	Site    model.SiteID
	AgentID model.AgentID
	// Capacity is the number of submissions executed concurrently.
	Capacity int
	// PollInterval paces the pull loop when there is spare capacity.
	PollInterval time.Duration
	// HeartbeatInterval paces lease renewal per running submission. It must
	// be well below the server's lease TTL.
	HeartbeatInterval time.Duration
}

// Adjust fills defaults for unset fields.
func (c Config) Adjust() Config {
	adjusted := c
	if adjusted.Capacity <= 0 {
		adjusted.Capacity = 4
	}
	if adjusted.PollInterval <= 0 {
		adjusted.PollInterval = 5 * time.Second
	}
	if adjusted.HeartbeatInterval <= 0 {
		adjusted.HeartbeatInterval = 15 * time.Second
	}
	return adjusted
}

// Runner drives the agent: poll for claims, execute each claim while keeping
// its lease alive, and report the outcome.
type Runner struct {
	cfg  Config
	api  API
	exec Executor

	clock    clock.Clock
	limiter  *rate.Limiter
	inFlight *atomic.Int64
}

// RunnerOption tweaks runner construction.
type RunnerOption func(*Runner)

// WithClock replaces the wall clock, used by tests.
func WithClock(clk clock.Clock) RunnerOption {
	return func(r *Runner) { r.clock = clk }
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, api API, exec Executor, opts ...RunnerOption) *Runner {
	cfg = cfg.Adjust()
	r := &Runner{
		cfg:      cfg,
		api:      api,
		exec:     exec,
		clock:    clock.New(),
		limiter:  rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		inFlight: atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until ctx is cancelled. It returns nil on a clean shutdown after
// all in-flight executions have finished.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			if err := r.limiter.Wait(gctx); err != nil {
				// shutdown; the group waits for in-flight executions.
				return nil
			}
			free := int(int64(r.cfg.Capacity) - r.inFlight.Load())
			if free <= 0 {
				continue
			}
			offers, err := r.api.Poll(gctx, r.cfg.Site, r.cfg.AgentID, free)
			if err != nil {
				log.L().Warn("poll failed", zap.Error(err))
				continue
			}
			for _, offer := range offers {
				offer := offer
				r.inFlight.Inc()
				g.Go(func() error {
					defer r.inFlight.Dec()
					r.runOne(gctx, offer)
					return nil
				})
			}
		}
	})
	return g.Wait()
}

// runOne executes a single claim. The lease keeper cancels execution when
// the claim is lost or a cancellation request comes back on a heartbeat.
func (r *Runner) runOne(ctx context.Context, offer *registry.Offer) {
	logger := log.L().With(
		zap.String("submission-id", offer.SubmissionID),
		zap.Int64("epoch", offer.Epoch))
	logger.Info("claim accepted")

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	var (
		claimLost = atomic.NewBool(false)
		cancelled = atomic.NewBool(false)
	)
	keeperDone := make(chan struct{})
	go func() {
		defer close(keeperDone)
		r.keepLease(execCtx, offer, claimLost, cancelled, cancelExec)
	}()

	if err := r.api.Report(ctx, offer.SubmissionID, r.cfg.AgentID, offer.Epoch, registry.Report{
		Phase: registry.PhaseRunning,
	}); err != nil {
		logger.Warn("running report failed", zap.Error(err))
		if errors.ErrClaimMismatch.Equal(err) {
			cancelExec()
			<-keeperDone
			return
		}
	}

	result, execErr := r.exec.Execute(execCtx, offer)
	cancelExec()
	<-keeperDone

	if claimLost.Load() {
		// another epoch owns the submission now; anything we report would
		// be rejected, so just drop the work.
		logger.Warn("claim lost during execution, abandoning")
		return
	}

	report := registry.Report{Phase: registry.PhaseCompleted}
	switch {
	case cancelled.Load():
		report = registry.Report{Phase: registry.PhaseCancelled, Detail: "cancelled on user request"}
	case execErr != nil:
		report = registry.Report{Phase: registry.PhaseFailed, Detail: execErr.Error()}
	default:
		report.ExitCode = result.ExitCode
		report.RemoteID = result.RemoteID
		report.ArtifactURI = result.ArtifactURI
		if result.ExitCode != 0 {
			report.Phase = registry.PhaseFailed
			report.Detail = "non-zero exit"
		}
	}
	r.deliverReport(ctx, offer, report, logger)
}

// keepLease renews the claim until execCtx ends. A lost claim or a
// cancellation request stops execution through cancelExec.
func (r *Runner) keepLease(ctx context.Context, offer *registry.Offer,
	claimLost, cancelled *atomic.Bool, cancelExec context.CancelFunc) {
	ticker := r.clock.Ticker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		result, err := r.api.Heartbeat(ctx, offer.SubmissionID, r.cfg.AgentID, offer.Epoch)
		if err != nil {
			if errors.ErrClaimMismatch.Equal(err) || errors.ErrAlreadyTerminal.Equal(err) {
				claimLost.Store(true)
				cancelExec()
				return
			}
			// transient; the lease survives until the server-side TTL.
			log.L().Warn("heartbeat failed", zap.String("submission-id", offer.SubmissionID), zap.Error(err))
			continue
		}
		if result.CancelRequested {
			cancelled.Store(true)
			cancelExec()
			return
		}
	}
}

// deliverReport retries the terminal report a few times; duplicates are safe
// because the server treats a repeated terminal report as success.
func (r *Runner) deliverReport(ctx context.Context, offer *registry.Offer, report registry.Report, logger *zap.Logger) {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		err := r.api.Report(ctx, offer.SubmissionID, r.cfg.AgentID, offer.Epoch, report)
		if err == nil {
			logger.Info("outcome reported", zap.String("phase", string(report.Phase)))
			return
		}
		if errors.ErrClaimMismatch.Equal(err) {
			logger.Warn("outcome rejected, claim moved on", zap.Error(err))
			return
		}
		logger.Warn("report failed", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(time.Duration(i+1) * time.Second):
		}
	}
}
