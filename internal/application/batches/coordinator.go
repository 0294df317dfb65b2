package batches

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/analyzer-engine/internal/application"
	"github.com/bryanwahyu/analyzer-engine/internal/application/validation"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/analyzers"
	domain "github.com/bryanwahyu/analyzer-engine/internal/domain/batches"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/projects"
	"github.com/bryanwahyu/analyzer-engine/internal/domain/sandbox"
	"github.com/bryanwahyu/analyzer-engine/internal/logging"
	"github.com/bryanwahyu/analyzer-engine/internal/telemetry"
)

var logger = logging.For("batches")

// diagnosticLimit caps the script output kept in a failure record.
const diagnosticLimit = 8 << 10

// InputResolver narrows project metadata to an analyzer's inputs.
type InputResolver interface {
	ResolveFor(ctx context.Context, a *analyzers.Analyzer, pid projects.ID) (map[string]any, error)
}

// EnvironmentSource hands out ready environments.
type EnvironmentSource interface {
	Acquire(ctx context.Context, requirements []byte) (sandbox.Environment, error)
}

// Coordinator drives one batch from PENDING to a terminal status.
// It is safe for concurrent use on different batches.
type Coordinator struct {
	Batches      domain.Repository
	Analyzers    analyzers.Repository
	Artifacts    analyzers.ArtifactStore
	Resolver     InputResolver
	Environments EnvironmentSource
	Executor     sandbox.Executor
	Clock        application.Clock
	Metrics      *telemetry.Metrics

	// Timeout bounds a single script run.
	Timeout time.Duration
	// Parallelism is how many projects of one batch run at once; values below 1 mean 1.
	Parallelism int
	// WriteRetry bounds how long a failed outcome write is retried; 0 means 30s.
	WriteRetry time.Duration
}

// job is the per-batch state shared by the project runs.
type job struct {
	batch    *domain.Batch
	analyzer *analyzers.Analyzer
	script   []byte
	env      sandbox.Environment
	log      *logrus.Entry
}

// Run executes batch id. Running a terminal batch is a no-op, so a
// redelivered queue message does no harm. A RUNNING batch resumes with the
// projects that have no outcome yet.
func (c *Coordinator) Run(ctx context.Context, id domain.ID) error {
	// writes must land even when ctx is cancelled by a shutdown
	wctx := context.WithoutCancel(ctx)
	log := logger.WithField("batch", id)

	b, err := c.Batches.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", id, err)
	}
	if b.Status.Terminal() {
		log.WithField("status", b.Status).Info("batch already finished, skipping")
		return nil
	}
	if b.Status == domain.StatusPending && b.CancelRequested {
		if err := c.cancelPending(wctx, b); err != nil {
			return err
		}
		return c.finish(wctx, b, domain.StatusCancelled, "cancelled before start")
	}
	if b.Status == domain.StatusPending {
		if err := c.Batches.UpdateStatus(wctx, id, domain.StatusRunning, ""); err != nil {
			return fmt.Errorf("start batch %s: %w", id, err)
		}
		b.Status = domain.StatusRunning
	}
	log = log.WithFields(logrus.Fields{"analyzer": b.AnalyzerID, "projects": len(b.ProjectIDs)})
	log.Info("batch running")

	j := &job{batch: b, log: log}
	if err := c.prepare(ctx, j); err != nil {
		if ctx.Err() != nil {
			if err := c.cancelPending(wctx, b); err != nil {
				return err
			}
			return c.finish(wctx, b, domain.StatusCancelled, "")
		}
		log.WithError(err).Error("batch cannot run")
		f := &domain.Failure{Kind: domain.FailureEnvironment, Detail: err.Error()}
		var perr *sandbox.ProvisioningError
		if errors.As(err, &perr) {
			f.Output = tail(perr.Log)
		}
		if err := c.failPending(wctx, b, f); err != nil {
			return err
		}
		return c.finish(wctx, b, domain.StatusFailed, err.Error())
	}

	pending, err := c.pendingProjects(ctx, b)
	if err != nil {
		return err
	}

	// the slot is taken before the cancellation check so the check sees
	// every outcome recorded so far
	slots := make(chan struct{}, max(c.Parallelism, 1))
	g := new(errgroup.Group)
	stopped := false
	for _, pid := range pending {
		slots <- struct{}{}
		if c.stopRequested(ctx, id) {
			<-slots
			stopped = true
			break
		}
		pid := pid
		g.Go(func() error {
			defer func() { <-slots }()
			return c.runProject(ctx, j, pid)
		})
	}
	if err := g.Wait(); err != nil {
		// stays RUNNING; a redelivery resumes the unrecorded projects
		log.WithError(err).Error("recording outcome failed, leaving batch running")
		return err
	}
	if !stopped && ctx.Err() != nil {
		stopped = true
	}

	if stopped {
		if err := c.cancelPending(wctx, b); err != nil {
			return err
		}
		return c.finish(wctx, b, domain.StatusCancelled, "")
	}

	outcomes, err := c.Batches.Outcomes(wctx, id)
	if err != nil {
		return fmt.Errorf("count outcomes of batch %s: %w", id, err)
	}
	var succeeded, failed, open int
	for _, o := range outcomes {
		switch o.State {
		case domain.OutcomeSucceeded:
			succeeded++
		case domain.OutcomeFailed:
			failed++
		case domain.OutcomePending:
			open++
		}
	}
	if open > 0 {
		return fmt.Errorf("batch %s still has %d pending projects", id, open)
	}
	return c.finish(wctx, b, domain.FinalStatus(succeeded, failed), "")
}

// prepare snapshots the analyzer and its files, then acquires the environment.
func (c *Coordinator) prepare(ctx context.Context, j *job) error {
	a, err := c.Analyzers.GetAnalyzer(ctx, j.batch.AnalyzerID)
	if err != nil {
		return fmt.Errorf("load analyzer %d: %w", j.batch.AnalyzerID, err)
	}
	script, err := c.Artifacts.Script(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("load script of analyzer %d: %w", a.ID, err)
	}
	var reqs []byte
	if a.HasRequirements {
		reqs, err = c.Artifacts.Requirements(ctx, a.ID)
		if err != nil && !errors.Is(err, analyzers.ErrArtifactNotFound) {
			return fmt.Errorf("load requirements of analyzer %d: %w", a.ID, err)
		}
	}
	env, err := c.Environments.Acquire(ctx, reqs)
	if err != nil {
		return err
	}
	j.analyzer, j.script, j.env = a, script, env
	return nil
}

func (c *Coordinator) runProject(ctx context.Context, j *job, pid projects.ID) error {
	wctx := context.WithoutCancel(ctx)
	log := j.log.WithField("project", pid)

	inputs, err := c.Resolver.ResolveFor(ctx, j.analyzer, pid)
	if err != nil {
		return c.fail(wctx, j.batch, pid, &domain.Failure{Kind: domain.FailureContract, Detail: err.Error()})
	}

	inv := sandbox.Invocation{
		ID:          xid.New().String(),
		Environment: j.env,
		Script:      j.script,
		Inputs:      inputs,
		Timeout:     c.Timeout,
	}
	log = log.WithField("invocation", inv.ID)
	res, err := c.Executor.Execute(ctx, inv)
	switch {
	case ctx.Err() != nil && (err != nil || res.TimedOut || res.ExitCode != 0):
		// killed by shutdown, not by the script
		return c.record(wctx, j.batch, domain.Outcome{ProjectID: pid, State: domain.OutcomeCancelled}, nil)
	case err != nil:
		log.WithError(err).Error("sandbox failed")
		return c.fail(wctx, j.batch, pid, &domain.Failure{Kind: domain.FailureExecution, Detail: err.Error()})
	case res.TimedOut:
		return c.fail(wctx, j.batch, pid, &domain.Failure{
			Kind:     domain.FailureTimeout,
			ExitCode: res.ExitCode,
			Output:   tail(string(res.Stderr)),
			Detail:   fmt.Sprintf("exceeded %s", c.Timeout),
		})
	case res.ExitCode != 0:
		return c.fail(wctx, j.batch, pid, &domain.Failure{
			Kind:     domain.FailureNonZeroExit,
			ExitCode: res.ExitCode,
			Output:   tail(string(res.Stderr)),
			Detail:   tail(string(res.Stdout)),
		})
	}

	vres, err := validation.Validate(res.Stdout, j.analyzer.Outputs)
	if err != nil {
		return c.fail(wctx, j.batch, pid, &domain.Failure{
			Kind:   domain.FailureMalformedOutput,
			Output: tail(string(res.Stdout)),
			Detail: err.Error(),
		})
	}

	now := c.now()
	report := &domain.Report{
		ID:        uuid.New().String(),
		ProjectID: pid,
		BatchID:   j.batch.ID,
		Values:    vres.Values,
		CreatedAt: now,
	}
	log.WithField("duration", res.Duration).Debug("project succeeded")
	return c.record(wctx, j.batch, domain.Outcome{ProjectID: pid, State: domain.OutcomeSucceeded, FinishedAt: now}, report)
}

func (c *Coordinator) fail(ctx context.Context, b *domain.Batch, pid projects.ID, f *domain.Failure) error {
	logger.WithFields(logrus.Fields{
		"batch":   b.ID,
		"project": pid,
		"kind":    f.Kind,
	}).Warn("project failed: ", f.Detail)
	return c.record(ctx, b, domain.Outcome{ProjectID: pid, State: domain.OutcomeFailed, Failure: f, FinishedAt: c.now()}, nil)
}

// record persists o, retrying transient errors. When a result cannot be
// stored the project is recorded as an execution failure instead, so it
// never stays pending under a finished batch.
func (c *Coordinator) record(ctx context.Context, b *domain.Batch, o domain.Outcome, report *domain.Report) error {
	if o.FinishedAt.IsZero() {
		o.FinishedAt = c.now()
	}
	log := logger.WithFields(logrus.Fields{"batch": b.ID, "project": o.ProjectID})

	err := c.write(ctx, b.ID, o, report)
	if err != nil && o.State != domain.OutcomeFailed && !permanent(err) {
		log.WithError(err).Error("outcome write keeps failing, recording execution error")
		o = domain.Outcome{
			ProjectID:  o.ProjectID,
			State:      domain.OutcomeFailed,
			Failure:    &domain.Failure{Kind: domain.FailureExecution, Detail: "outcome could not be stored: " + err.Error()},
			FinishedAt: o.FinishedAt,
		}
		err = c.write(ctx, b.ID, o, nil)
	}
	if errors.Is(err, domain.ErrOutcomeRecorded) {
		log.Info("outcome already recorded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("record outcome of project %d: %w", o.ProjectID, err)
	}
	kind := ""
	if o.Failure != nil {
		kind = string(o.Failure.Kind)
	}
	c.Metrics.ProjectOutcome(string(o.State), kind)
	return nil
}

// write retries RecordOutcome with exponential backoff until it succeeds,
// fails permanently or WriteRetry runs out.
func (c *Coordinator) write(ctx context.Context, id domain.ID, o domain.Outcome, report *domain.Report) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = c.WriteRetry
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = 30 * time.Second
	}
	bo.Reset()

	var final error
	op := func() error {
		err := c.Batches.RecordOutcome(ctx, id, o, report)
		if err != nil && !permanent(err) {
			return err
		}
		final = err
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.WithError(err).WithFields(logrus.Fields{
			"batch":    id,
			"project":  o.ProjectID,
			"retry_in": wait,
		}).Warn("record outcome failed")
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return err
	}
	return final
}

// permanent errors are answers from the store, not failures to reach it.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrOutcomeRecorded) ||
		errors.Is(err, domain.ErrBatchNotFound) ||
		errors.Is(err, domain.ErrDuplicateReport) ||
		errors.Is(err, projects.ErrProjectNotFound)
}

func (c *Coordinator) failPending(ctx context.Context, b *domain.Batch, f *domain.Failure) error {
	pending, err := c.pendingProjects(ctx, b)
	if err != nil {
		return err
	}
	for _, pid := range pending {
		ff := *f
		if err := c.record(ctx, b, domain.Outcome{ProjectID: pid, State: domain.OutcomeFailed, Failure: &ff}, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) cancelPending(ctx context.Context, b *domain.Batch) error {
	pending, err := c.pendingProjects(ctx, b)
	if err != nil {
		return err
	}
	for _, pid := range pending {
		if err := c.record(ctx, b, domain.Outcome{ProjectID: pid, State: domain.OutcomeCancelled}, nil); err != nil {
			return err
		}
	}
	return nil
}

// pendingProjects returns the projects of b without a final outcome, in submission order.
func (c *Coordinator) pendingProjects(ctx context.Context, b *domain.Batch) ([]projects.ID, error) {
	outcomes, err := c.Batches.Outcomes(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("load outcomes of batch %s: %w", b.ID, err)
	}
	done := make(map[projects.ID]bool, len(outcomes))
	for _, o := range outcomes {
		if o.State != domain.OutcomePending {
			done[o.ProjectID] = true
		}
	}
	out := make([]projects.ID, 0, len(b.ProjectIDs))
	for _, pid := range b.ProjectIDs {
		if !done[pid] {
			out = append(out, pid)
		}
	}
	return out, nil
}

// stopRequested checks for worker shutdown and staff cancellation.
func (c *Coordinator) stopRequested(ctx context.Context, id domain.ID) bool {
	if ctx.Err() != nil {
		return true
	}
	b, err := c.Batches.Get(ctx, id)
	if err != nil {
		logger.WithError(err).WithField("batch", id).Warn("cancellation check failed")
		return false
	}
	return b.CancelRequested
}

func (c *Coordinator) finish(ctx context.Context, b *domain.Batch, status domain.Status, msg string) error {
	if err := c.Batches.UpdateStatus(ctx, b.ID, status, msg); err != nil {
		return fmt.Errorf("finish batch %s as %s: %w", b.ID, status, err)
	}
	b.Status = status
	c.Metrics.BatchFinished(string(status))
	logger.WithFields(logrus.Fields{"batch": b.ID, "status": status}).Info("batch finished")
	return nil
}

func (c *Coordinator) now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now()
}

// tail keeps the end of s, where tracebacks usually are.
func tail(s string) string {
	if len(s) <= diagnosticLimit {
		return s
	}
	return "..." + s[len(s)-diagnosticLimit:]
}
