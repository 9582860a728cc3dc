package process

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fulcrumbus/commandbus/internal/audit"
	"github.com/fulcrumbus/commandbus/internal/command"
	"github.com/fulcrumbus/commandbus/internal/observability"
	"github.com/fulcrumbus/commandbus/internal/queue"
)

// envelope is the engine's own wrapper around a concrete manager's opaque
// state: the process table's state column holds this, not S directly, so
// the engine can track a pending compensation queue and the terminal
// status a compensation run should land on without the manager ever
// needing to know compensation is in flight. Per spec.md §9, TState
// remains owned by the manager; PendingCompensation/Trigger are engine
// bookkeeping the manager never sees.
type envelope[S any] struct {
	User                S      `json:"user"`
	PendingCompensation []Step `json:"pending_compensation,omitempty"`
	Trigger             string `json:"trigger,omitempty"`
}

func (e envelope[S]) marshal() (json.RawMessage, error) {
	return json.Marshal(e)
}

func unmarshalEnvelope[S any](raw json.RawMessage) (envelope[S], error) {
	var e envelope[S]
	if len(raw) == 0 {
		return e, nil
	}
	err := json.Unmarshal(raw, &e)
	return e, err
}

// Trigger values recorded on envelope.Trigger, determining the terminal
// status a fully-drained compensation run ends in (spec.md §4.9.4).
const (
	triggerTSQCancel    = "tsq_cancel"
	triggerBusinessRule = "business_rule"
)

// ReplyHandler is the type-erased facet of Engine[S] the router dispatches
// through: the router knows a process's process_type but not its concrete
// state type, so it can only hold a map of these.
type ReplyHandler interface {
	HandleReply(ctx context.Context, meta *Metadata, reply command.Reply) error
}

// Engine is the generic orchestrator of spec.md §4.9: it owns every
// transactional step (start, execute a step, fold a reply, compensate) for
// one concrete ProcessManager[S]. No teacher analogue exists for saga
// orchestration; the transactional shape throughout follows internal/bus's
// begin/defer-rollback/commit idiom, and a step's command send is built
// directly from C1 (queue.Client) and C2 (command.Repository) rather than
// routed through Bus, because Bus.Send owns its own transaction boundary
// and can't share one with the process-row update the spec requires it be
// atomic with (spec.md §4.9.2 step 3-4).
type Engine[S any] struct {
	pool      *pgxpool.Pool
	queue     *queue.Client
	commands  *command.Repository
	processes *Repository
	auditRepo *audit.Repository
	manager   ProcessManager[S]
	log       *slog.Logger
	metrics   *observability.Metrics

	defaultMaxAttempts int
}

// NewEngine constructs the orchestrator for one concrete manager.
func NewEngine[S any](
	pool *pgxpool.Pool,
	q *queue.Client,
	commands *command.Repository,
	processes *Repository,
	auditRepo *audit.Repository,
	manager ProcessManager[S],
	defaultMaxAttempts int,
	log *slog.Logger,
	metrics *observability.Metrics,
) *Engine[S] {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	return &Engine[S]{
		pool:               pool,
		queue:              q,
		commands:           commands,
		processes:          processes,
		auditRepo:          auditRepo,
		manager:            manager,
		log:                log.With(slog.String("component", "process_engine"), slog.String("process_type", manager.ProcessType())),
		metrics:            metrics,
		defaultMaxAttempts: defaultMaxAttempts,
	}
}

// Start implements spec.md §4.9.1: allocate a process_id, build the
// initial state, insert the process row, and issue its first step, all in
// one transaction.
func (e *Engine[S]) Start(ctx context.Context, initialData json.RawMessage) (uuid.UUID, error) {
	processID := uuid.New()
	domain := e.manager.Domain()

	state, err := e.manager.CreateInitialState(initialData)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create initial state: %w", err)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback(ctx)

	env := envelope[S]{User: state}
	initialStateJSON, err := env.marshal()
	if err != nil {
		return uuid.Nil, err
	}
	if err := e.processes.Insert(ctx, tx, Metadata{
		Domain:      domain,
		ProcessID:   processID,
		ProcessType: e.manager.ProcessType(),
		Status:      StatusPending,
		State:       initialStateJSON,
	}); err != nil {
		return uuid.Nil, err
	}

	step := e.manager.GetFirstStep(state)
	if err := e.executeStep(ctx, tx, domain, processID, step, env); err != nil {
		return uuid.Nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}
	e.log.Info("process started", slog.String("process_id", processID.String()), slog.String("step", string(step)))
	return processID, nil
}

// executeStep implements spec.md §4.9.2: build the step's command, append
// its process_audit row, move the process to WAITING_FOR_REPLY (or, when
// env.Trigger marks a compensation run in progress, COMPENSATING — see
// HandleReply's dispatch on meta.Status), and send the command correlated
// by process_id — all within the caller's transaction. Used for both
// forward steps and compensation steps.
func (e *Engine[S]) executeStep(ctx context.Context, tx command.DB, domain string, processID uuid.UUID, step Step, env envelope[S]) error {
	commandType, data, err := e.manager.BuildCommand(step, env.User)
	if err != nil {
		return fmt.Errorf("build command for step %s: %w", step, err)
	}

	commandID := uuid.New()
	if err := e.auditRepo.RecordStep(ctx, tx, domain, processID, string(step), commandID, commandType, data); err != nil {
		return err
	}

	stateJSON, err := env.marshal()
	if err != nil {
		return err
	}
	stepStr := string(step)
	waitingStatus := StatusWaitingForReply
	if env.Trigger != "" {
		// A compensation run is in flight: leave the row in COMPENSATING
		// so HandleReply routes the eventual reply to advanceCompensation
		// instead of folding it as a forward step.
		waitingStatus = StatusCompensating
	}
	if err := e.processes.UpdateStep(ctx, tx, domain, processID, waitingStatus, &stepStr, stateJSON); err != nil {
		return err
	}

	replyQueue := queue.ProcessRepliesQueue(domain)
	wirePayload, err := json.Marshal(command.Envelope{
		Domain:        domain,
		CommandType:   commandType,
		CommandID:     commandID,
		CorrelationID: processID,
		Data:          data,
		ReplyTo:       &replyQueue,
	})
	if err != nil {
		return err
	}
	if _, err := e.queue.Send(ctx, tx, queue.CommandsQueue(domain), wirePayload, 0); err != nil {
		return err
	}

	if err := e.commands.Insert(ctx, tx, command.Metadata{
		Domain:        domain,
		CommandID:     commandID,
		CommandType:   commandType,
		MaxAttempts:   e.defaultMaxAttempts,
		CorrelationID: processID,
		ReplyTo:       &replyQueue,
	}); err != nil {
		return err
	}
	return e.commands.RecordEvent(ctx, tx, domain, commandID, command.EventSent, json.RawMessage(`{}`))
}

// HandleReply implements spec.md §4.9.3: stamp the step ledger, then
// branch on the reply's outcome and (if the process is mid-compensation)
// on that separate state machine instead. meta is the process row the
// router already loaded by correlation_id.
func (e *Engine[S]) HandleReply(ctx context.Context, meta *Metadata, reply command.Reply) error {
	domain := meta.Domain
	env, err := unmarshalEnvelope[S](meta.State)
	if err != nil {
		return fmt.Errorf("unmarshal process state: %w", err)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := e.auditRepo.RecordReply(ctx, tx, reply.CommandID, string(reply.Outcome), replyDetails(reply)); err != nil {
		return err
	}

	if e.metrics != nil && meta.CurrentStep != nil {
		e.metrics.ProcessStepDuration.WithLabelValues(domain, e.manager.ProcessType(), *meta.CurrentStep).Observe(time.Since(meta.UpdatedAt).Seconds())
	}

	if meta.Status == StatusCompensating {
		if err := e.advanceCompensation(ctx, tx, meta, env, reply); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	switch {
	case reply.Outcome == command.OutcomeCanceled:
		if err := e.beginCompensation(ctx, tx, meta, env, triggerTSQCancel); err != nil {
			return err
		}

	case reply.Outcome == command.OutcomeFailed && reply.ErrorType == command.ErrorTypeBusinessRule:
		if err := e.beginCompensation(ctx, tx, meta, env, triggerBusinessRule); err != nil {
			return err
		}

	case reply.Outcome == command.OutcomeFailed:
		// Legacy FAILED: the correlated command was archived to the
		// troubleshooting queue (exhausted retries or a permanent
		// error), not a terminal business-rule rejection. The process
		// waits for an operator action on that command.
		errCode, errMsg := reply.ErrorCode, reply.ErrorMessage
		if err := e.processes.SetError(ctx, tx, domain, meta.ProcessID, StatusWaitingForTSQ, &errCode, &errMsg); err != nil {
			return err
		}

	case reply.Outcome == command.OutcomeSuccess:
		if err := e.advanceForward(ctx, tx, meta, env, reply); err != nil {
			return err
		}

	default:
		return fmt.Errorf("process %s: unrecognised reply outcome %q", meta.ProcessID, reply.Outcome)
	}

	return tx.Commit(ctx)
}

// advanceForward folds a successful reply to the current step into the
// next step, or completes the process if get_next_step says there is none.
func (e *Engine[S]) advanceForward(ctx context.Context, tx command.DB, meta *Metadata, env envelope[S], reply command.Reply) error {
	if meta.CurrentStep == nil {
		return fmt.Errorf("process %s: reply received with no current step", meta.ProcessID)
	}
	currentStep := Step(*meta.CurrentStep)

	newState, err := e.manager.UpdateState(env.User, currentStep, reply)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	env.User = newState

	next, ok := e.manager.GetNextStep(currentStep, reply, newState)
	if !ok {
		stateJSON, err := env.marshal()
		if err != nil {
			return err
		}
		return e.processes.Finish(ctx, tx, meta.Domain, meta.ProcessID, StatusCompleted, stateJSON)
	}
	return e.executeStep(ctx, tx, meta.Domain, meta.ProcessID, next, env)
}

// beginCompensation implements spec.md §4.9.4's ordering rule: enumerate
// every step with a recorded SUCCESS reply, reverse chronological order,
// map each through get_compensation_step, and queue the results. It then
// kicks off the first queued compensation step, or resolves immediately to
// the trigger's terminal status if nothing needs reversing.
func (e *Engine[S]) beginCompensation(ctx context.Context, tx command.DB, meta *Metadata, env envelope[S], trigger string) error {
	trail, err := e.auditRepo.GetProcessTrail(ctx, meta.Domain, meta.ProcessID)
	if err != nil {
		return err
	}

	var pending []Step
	for i := len(trail) - 1; i >= 0; i-- {
		entry := trail[i]
		if entry.ReplyOutcome == nil || *entry.ReplyOutcome != string(command.OutcomeSuccess) {
			continue
		}
		if compStep, ok := e.manager.GetCompensationStep(Step(entry.StepName)); ok {
			pending = append(pending, compStep)
		}
	}

	env.Trigger = trigger
	env.PendingCompensation = pending
	return e.advanceCompensationQueue(ctx, tx, meta, env)
}

// advanceCompensation handles a reply received while a process is
// COMPENSATING: a successful compensation step pops the next one off the
// queue (or resolves the process if the queue is drained); any other
// outcome is a compensation failure, which per spec.md §4.9.4 routes
// straight to FAILED with no attempt to compensate the compensation.
func (e *Engine[S]) advanceCompensation(ctx context.Context, tx command.DB, meta *Metadata, env envelope[S], reply command.Reply) error {
	if reply.Outcome != command.OutcomeSuccess {
		e.log.Warn("compensation step failed, process terminating FAILED",
			slog.String("process_id", meta.ProcessID.String()), slog.String("outcome", string(reply.Outcome)))
		errCode, errMsg := reply.ErrorCode, reply.ErrorMessage
		if errCode == "" {
			errCode = "COMPENSATION_FAILED"
		}
		return e.processes.SetError(ctx, tx, meta.Domain, meta.ProcessID, StatusFailed, &errCode, &errMsg)
	}

	if meta.CurrentStep != nil {
		newState, err := e.manager.UpdateState(env.User, Step(*meta.CurrentStep), reply)
		if err != nil {
			return fmt.Errorf("update state during compensation: %w", err)
		}
		env.User = newState
	}
	return e.advanceCompensationQueue(ctx, tx, meta, env)
}

// advanceCompensationQueue pops the next compensation step and executes
// it, or — once the queue is empty — resolves the process to the terminal
// status its trigger specifies (COMPENSATED for an operator TSQ cancel,
// CANCELED for an automatic business-rule compensation).
func (e *Engine[S]) advanceCompensationQueue(ctx context.Context, tx command.DB, meta *Metadata, env envelope[S]) error {
	if len(env.PendingCompensation) == 0 {
		final := StatusCompensated
		if env.Trigger == triggerBusinessRule {
			final = StatusCanceled
		}
		env.Trigger = ""
		stateJSON, err := env.marshal()
		if err != nil {
			return err
		}
		return e.processes.Finish(ctx, tx, meta.Domain, meta.ProcessID, final, stateJSON)
	}

	next := env.PendingCompensation[0]
	env.PendingCompensation = env.PendingCompensation[1:]

	// env.Trigger is already set (by beginCompensation), so executeStep
	// itself will write status=COMPENSATING along with the popped step's
	// command send, atomically in this same transaction.
	return e.executeStep(ctx, tx, meta.Domain, meta.ProcessID, next, env)
}

// replyDetails is the blob stamped onto a step's process_audit row: the
// result for a SUCCESS outcome, or the error fields otherwise.
func replyDetails(reply command.Reply) json.RawMessage {
	if reply.Outcome == command.OutcomeSuccess {
		if len(reply.Result) > 0 {
			return reply.Result
		}
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(map[string]any{
		"error_type":    reply.ErrorType,
		"error_code":    reply.ErrorCode,
		"error_message": reply.ErrorMessage,
	})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
