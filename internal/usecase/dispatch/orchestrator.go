package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"subdispatch/internal/domain"
	"subdispatch/internal/infra/tracer"
	"subdispatch/internal/security"
)

// Delegator performs one resilient delegated call. *Transport implements it.
type Delegator interface {
	Delegate(ctx context.Context, req domain.DelegationRequest) (*domain.DelegationResponse, error)
}

// DispatchRequest is the caller-supplied input of one dispatch.
type DispatchRequest struct {
	Template        string
	Arguments       []domain.Arguments
	AgentName       string
	Model           string
	MaxParallel     int
	TimeoutPerAgent time.Duration
	// Limits defaults to domain.DefaultLimits() when nil.
	Limits *domain.DispatchResourceLimits
	// Aggregate defaults to CollectAll when nil.
	Aggregate AggregateFunc
}

// DispatchResult is the outcome of a dispatch that was not aborted.
type DispatchResult struct {
	ID             string                  `json:"id"`
	Results        []domain.SubAgentResult `json:"results"`
	Aggregated     any                     `json:"aggregated,omitempty"`
	AggregateError string                  `json:"aggregate_error,omitempty"`
	TotalCost      decimal.Decimal         `json:"total_cost"`
	Succeeded      int                     `json:"succeeded"`
	Failed         int                     `json:"failed"`
	Duration       time.Duration           `json:"duration"`
}

// Orchestrator fans a templated task out to many agents with bounded
// concurrency and aggregate limits.
type Orchestrator struct {
	catalog   domain.CapabilityResolver
	delegator Delegator
	pii       *security.PIIDetector
	secrets   *security.SecretsRedactor
	recorder  domain.EventRecorder
	logger    *slog.Logger
}

// NewOrchestrator wires an Orchestrator. recorder may be nil.
func NewOrchestrator(catalog domain.CapabilityResolver, delegator Delegator, secrets *security.SecretsRedactor, recorder domain.EventRecorder, logger *slog.Logger) *Orchestrator {
	if secrets == nil {
		secrets = security.NewSecretsRedactor()
	}
	if recorder == nil {
		recorder = domain.NoopRecorder{}
	}
	return &Orchestrator{
		catalog:   catalog,
		delegator: delegator,
		pii:       security.NewPIIDetector(),
		secrets:   secrets,
		recorder:  recorder,
		logger:    logger,
	}
}

// DispatchAgents runs one task per argument mapping and returns the results in
// input order. A single agent's failure is captured in its result; only
// aggregate limit breaches, unsafe templates and invalid input fail the call.
// A *domain.DispatchQuotaExceeded error carries the results settled so far.
func (o *Orchestrator) DispatchAgents(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	const op = "Orchestrator.DispatchAgents"
	start := time.Now()

	if req.AgentName == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "agent name is required")
	}
	template, err := security.SanitizeTemplate(req.Template)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	limits := domain.DefaultLimits()
	if req.Limits != nil {
		limits = *req.Limits
	}

	capability, err := o.catalog.Resolve(ctx, req.AgentName)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	depth := domain.DispatchDepthFromContext(ctx)
	tracker := NewLimitTracker(limits, depth)
	id := newDispatchID(start)
	ctx = domain.ContextWithDispatchID(ctx, id)

	if err := tracker.CheckPreDispatch(len(req.Arguments), capability.CostEstimate); err != nil {
		o.recordSummary(ctx, domain.EventDispatchAborted, req, tracker, err)
		return nil, domain.WrapOp(op, err)
	}

	tasks, err := o.buildTasks(template, capability, req, limits)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	ctx, span := tracer.StartSpan(ctx, "dispatch.run")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("dispatch.id", id),
		tracer.StringAttr("dispatch.agent", req.AgentName),
		tracer.IntAttr("dispatch.tasks", len(tasks)),
		tracer.IntAttr("dispatch.depth", depth),
	)

	o.logger.Info("dispatch started",
		"dispatch_id", id,
		"agent", req.AgentName,
		"tasks", len(tasks),
		"depth", depth,
	)
	o.recorder.Record(ctx, domain.NewEvent(ctx, domain.EventDispatchStarted, domain.DispatchSummaryPayload{
		Agent: req.AgentName, Tasks: len(tasks), Depth: depth,
	}))

	results, settled, runErr := o.run(ctx, capability, tasks, limits, req.MaxParallel, tracker)

	if runErr == nil {
		runErr = tracker.CheckMinSuccess()
	}
	if runErr != nil {
		o.recordSummary(ctx, domain.EventDispatchAborted, req, tracker, runErr)
		tracer.RecordError(span, runErr)
		var qe *domain.DispatchQuotaExceeded
		if errors.As(runErr, &qe) {
			return nil, domain.WrapOp(op, &domain.DispatchQuotaExceeded{
				Reason:  qe.Reason,
				Limit:   qe.Limit,
				Partial: partialResults(results, settled),
			})
		}
		return nil, domain.WrapOp(op, runErr)
	}

	snap := tracker.Snapshot()
	out := &DispatchResult{
		ID:        id,
		Results:   results,
		TotalCost: snap.TotalCost,
		Succeeded: snap.Succeeded,
		Failed:    snap.Failed,
		Duration:  time.Since(start),
	}

	aggregate := req.Aggregate
	if aggregate == nil {
		aggregate = CollectAll
	}
	if out.Aggregated, err = aggregate(results); err != nil {
		out.AggregateError = err.Error()
		o.logger.Warn("aggregation failed", "dispatch_id", id, "error", err)
	}

	o.recordSummary(ctx, domain.EventDispatchCompleted, req, tracker, nil)
	o.logger.Info("dispatch completed",
		"dispatch_id", id,
		"succeeded", out.Succeeded,
		"failed", out.Failed,
		"total_cost", out.TotalCost.String(),
		"duration", out.Duration,
	)
	tracer.SetOK(span)
	return out, nil
}

func (o *Orchestrator) buildTasks(template string, capability domain.AgentCapability, req DispatchRequest, limits domain.DispatchResourceLimits) ([]domain.SubAgentTask, error) {
	validator, err := NewSchemaValidator(capability.InputSchema)
	if err != nil {
		return nil, &domain.ValidationError{Detail: err.Error()}
	}
	timeout := req.TimeoutPerAgent
	if limits.MaxAgentDuration > 0 && (timeout <= 0 || timeout > limits.MaxAgentDuration) {
		timeout = limits.MaxAgentDuration
	}

	tasks := make([]domain.SubAgentTask, len(req.Arguments))
	for i, args := range req.Arguments {
		if err := domain.ValidateArguments(args); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		if err := validator.Validate(args); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		prompt, err := FillTemplate(template, args)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		tasks[i] = domain.SubAgentTask{
			Index:          i,
			Template:       template,
			Prompt:         prompt,
			Arguments:      args,
			AgentName:      req.AgentName,
			Model:          req.Model,
			Timeout:        timeout,
			IdempotencyKey: GenerateKey(template, args, req.AgentName),
		}
	}
	return tasks, nil
}

// run drives every task through a semaphore that gates goroutine creation.
// A tracker breach or the total-duration deadline cancels the run context:
// unstarted tasks are skipped and in-flight tasks settle as failures.
func (o *Orchestrator) run(
	ctx context.Context,
	capability domain.AgentCapability,
	tasks []domain.SubAgentTask,
	limits domain.DispatchResourceLimits,
	maxParallel int,
	tracker *LimitTracker,
) ([]domain.SubAgentResult, []bool, error) {
	childCtx := domain.ContextWithDispatchDepth(ctx, tracker.Snapshot().Depth+1)
	if limits.MaxTotalDuration > 0 {
		var cancelTimeout context.CancelFunc
		childCtx, cancelTimeout = context.WithTimeout(childCtx, limits.MaxTotalDuration)
		defer cancelTimeout()
	}
	runCtx, cancel := context.WithCancelCause(childCtx)
	defer cancel(nil)
	if limits.RequestsPerSecond > 0 {
		runCtx = withDispatchLimiter(runCtx, NewRateLimiter(limits.RequestsPerSecond, 0))
	}

	results := make([]domain.SubAgentResult, len(tasks))
	settled := make([]bool, len(tasks))
	sem := make(chan struct{}, parallelism(maxParallel, limits.MaxConcurrent, len(tasks)))

	var wg sync.WaitGroup
launch:
	for _, task := range tasks {
		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
			break launch
		}
		if runCtx.Err() != nil {
			<-sem
			break
		}
		if err := tracker.Admit(); err != nil {
			<-sem
			cancel(err)
			break
		}

		wg.Add(1)
		go func(task domain.SubAgentTask) {
			defer wg.Done()
			defer func() { <-sem }()

			res := o.runTask(runCtx, capability, task)
			results[task.Index] = res
			settled[task.Index] = true
			o.recordTask(context.WithoutCancel(runCtx), capability, res)
			if err := tracker.RecordAgentCompletion(res.Cost, res.Success); err != nil {
				o.logger.Warn("dispatch limit breached, aborting",
					"dispatch_id", domain.DispatchIDFromContext(ctx),
					"error", err,
				)
				cancel(err)
			}
		}(task)
	}
	wg.Wait()

	cause := context.Cause(runCtx)
	switch {
	case cause == nil:
		return results, settled, nil
	case ctx.Err() != nil:
		return results, settled, ctx.Err()
	case errors.Is(cause, context.DeadlineExceeded):
		return results, settled, &domain.DispatchQuotaExceeded{
			Limit:  LimitTotalDuration,
			Reason: fmt.Sprintf("dispatch exceeded %s", limits.MaxTotalDuration),
		}
	default:
		return results, settled, cause
	}
}

func (o *Orchestrator) runTask(ctx context.Context, capability domain.AgentCapability, task domain.SubAgentTask) domain.SubAgentResult {
	start := time.Now()
	res := domain.SubAgentResult{Index: task.Index, Arguments: task.Arguments, Cost: decimal.Zero}
	fail := func(err error) domain.SubAgentResult {
		res.Err = err
		res.Error = o.secrets.Redact(err.Error())
		res.DurationMS = time.Since(start).Milliseconds()
		return res
	}
	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("task %d not run: %w", task.Index, context.Cause(ctx)))
	}

	ctx, span := tracer.StartSpan(ctx, "dispatch.task")
	defer span.End()
	span.SetAttributes(tracer.IntAttr("task.index", task.Index))

	payload := map[string]any{
		"prompt":    task.Prompt,
		"arguments": task.Arguments,
	}
	if task.Model != "" {
		payload["model"] = task.Model
	}
	resp, err := o.delegator.Delegate(ctx, domain.DelegationRequest{
		Capability:     capability,
		Payload:        payload,
		IdempotencyKey: task.IdempotencyKey,
		Timeout:        task.Timeout,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return fail(err)
	}

	eventCtx := context.WithoutCancel(ctx)
	filter := security.NewResponseFilter(o.pii, o.secrets, security.WithPIIObserver(func(path string, cats []string) {
		o.recorder.Record(eventCtx, domain.NewEvent(eventCtx, domain.EventPIIDetected, domain.PIIDetectedPayload{
			Index: task.Index, Path: path, Categories: cats,
		}))
	}))
	res.Output = filter.FilterValue(resp.Output)
	res.Cached = resp.Cached
	// A replayed result was already paid for.
	if !resp.Cached {
		res.Cost = resp.Cost
	}
	if !resp.Success {
		detail := resp.Error
		if detail == "" {
			detail = "agent reported failure"
		}
		r := fail(domain.NewDomainError("agent "+capability.Name, domain.ErrProviderError, detail))
		r.Output = res.Output
		return r
	}
	res.Success = true
	res.DurationMS = time.Since(start).Milliseconds()
	tracer.SetOK(span)
	return res
}

func (o *Orchestrator) recordTask(ctx context.Context, capability domain.AgentCapability, res domain.SubAgentResult) {
	p := domain.TaskCompletedPayload{
		Index:      res.Index,
		Agent:      capability.Name,
		Success:    res.Success,
		Cached:     res.Cached,
		DurationMS: res.DurationMS,
		Cost:       res.Cost.String(),
		Error:      res.Error,
	}
	if res.Err != nil {
		p.ErrorCode = string(domain.ErrorCodeOf(res.Err))
	}
	o.recorder.Record(ctx, domain.NewEvent(ctx, domain.EventDispatchTaskCompleted, p))
}

func (o *Orchestrator) recordSummary(ctx context.Context, typ domain.EventType, req DispatchRequest, tracker *LimitTracker, cause error) {
	snap := tracker.Snapshot()
	p := domain.DispatchSummaryPayload{
		Agent:      req.AgentName,
		Tasks:      len(req.Arguments),
		Succeeded:  snap.Succeeded,
		Failed:     snap.Failed,
		TotalCost:  snap.TotalCost.String(),
		DurationMS: snap.Elapsed.Milliseconds(),
		Depth:      snap.Depth,
	}
	if cause != nil {
		p.Reason = o.secrets.Redact(cause.Error())
		o.logger.Warn("dispatch aborted",
			"dispatch_id", domain.DispatchIDFromContext(ctx),
			"agent", req.AgentName,
			"error", cause,
		)
	}
	o.recorder.Record(ctx, domain.NewEvent(ctx, typ, p))
}

func parallelism(maxParallel, maxConcurrent, tasks int) int {
	n := tasks
	if maxParallel > 0 && maxParallel < n {
		n = maxParallel
	}
	if maxConcurrent > 0 && maxConcurrent < n {
		n = maxConcurrent
	}
	if n < 1 {
		n = 1
	}
	return n
}

func partialResults(results []domain.SubAgentResult, settled []bool) []domain.SubAgentResult {
	var out []domain.SubAgentResult
	for i, ok := range settled {
		if ok {
			out = append(out, results[i])
		}
	}
	return out
}

func newDispatchID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
