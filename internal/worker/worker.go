// Package worker drives one domain's commands queue to quiescence: it
// dispatches commands with bounded concurrency, enforces the two-phase
// receive/process-and-complete transactional contract, and upholds the
// failure-handling table that routes a handler's error into a retry,
// an archive to the troubleshooting queue, or a terminal business-rule
// failure. Grounded on the teacher's queue.Worker (processLoop,
// processNext, handleFailure) and queue.Coordinator (LISTEN/NOTIFY with
// polling fallback, graceful Stop with a timeout-bounded doneCh), adapted
// from one worker per WhatsApp instance to one worker per command-bus
// domain, and from a single dequeue-mark-done step to the spec's split
// Phase 1 (receive, no enclosing transaction) / Phase 2 (dispatch, delete,
// finish, all in one transaction) contract.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fulcrumbus/commandbus/internal/alerting"
	"github.com/fulcrumbus/commandbus/internal/auditbridge"
	"github.com/fulcrumbus/commandbus/internal/batch"
	"github.com/fulcrumbus/commandbus/internal/command"
	"github.com/fulcrumbus/commandbus/internal/handler"
	"github.com/fulcrumbus/commandbus/internal/observability"
	"github.com/fulcrumbus/commandbus/internal/queue"
)

// Config is one domain worker's tunables, loaded from config.Config.Worker
// plus the domain it serves and the retry policy it applies on transient
// failure.
type Config struct {
	Domain            string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	Concurrency       int
	UseNotify         bool
	ShutdownTimeout   time.Duration
	RetryPolicy       RetryPolicy
}

// BatchNotifier is the subset of *bus.Bus a worker needs: firing the
// in-memory batch completion callback once a batch's counters resolve.
// Kept as a narrow interface rather than importing internal/bus directly
// so the worker package doesn't need the rest of the bus's surface.
type BatchNotifier interface {
	NotifyBatchComplete(domain string, batchID uuid.UUID, status string)
}

// Worker processes commands for a single domain, maintaining the
// at-least-once, exactly-once-effect contract described in spec.md §4.7.
type Worker struct {
	cfg      Config
	pool     *pgxpool.Pool
	queue    *queue.Client
	commands *command.Repository
	batches  *batch.Repository
	registry *handler.Registry
	notifier BatchNotifier
	log      *slog.Logger
	metrics  *observability.Metrics
	health   *Health
	auditBus *auditbridge.Client

	sem           chan struct{}
	wg            sync.WaitGroup
	shutdown      atomic.Bool
	doneCh        chan struct{}
	notifications <-chan struct{}
}

// New constructs a domain worker. Call Start to begin processing.
func New(
	pool *pgxpool.Pool,
	q *queue.Client,
	commands *command.Repository,
	batches *batch.Repository,
	registry *handler.Registry,
	notifier BatchNotifier,
	log *slog.Logger,
	metrics *observability.Metrics,
	cfg Config,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RetryPolicy.MaxAttempts == 0 && len(cfg.RetryPolicy.Schedule) == 0 {
		cfg.RetryPolicy = DefaultRetryPolicy()
	}
	return &Worker{
		cfg:      cfg,
		pool:     pool,
		queue:    q,
		commands: commands,
		batches:  batches,
		registry: registry,
		notifier: notifier,
		log:      log.With(slog.String("component", "worker"), slog.String("domain", cfg.Domain)),
		metrics:  metrics,
		health:   NewHealth(DefaultHealthThresholds(), cfg.VisibilityTimeout),
		sem:      make(chan struct{}, cfg.Concurrency),
		doneCh:   make(chan struct{}),
	}
}

// SetAuditBridge attaches a best-effort JetStream audit mirror. When set,
// every terminal finish additionally publishes its audit event to
// "<domain>.audit" after the finishing transaction commits; a nil or
// unset bridge simply skips this, since the command/batch/process tables
// are the system of record regardless.
func (w *Worker) SetAuditBridge(c *auditbridge.Client) {
	w.auditBus = c
}

// Start begins the main loop in a background goroutine.
func (w *Worker) Start(ctx context.Context) {
	if w.metrics != nil {
		w.metrics.WorkerConcurrency.WithLabelValues(w.cfg.Domain).Set(float64(w.cfg.Concurrency))
	}

	if w.cfg.UseNotify {
		notifications, err := w.queue.Listen(ctx, queue.CommandsQueue(w.cfg.Domain))
		if err != nil {
			w.log.Warn("listen setup failed, falling back to polling only", slog.String("error", err.Error()))
		} else {
			w.notifications = notifications
		}
	}

	w.health.StartWatchdog(ctx, w.log)
	go w.run(ctx)
}

// Stop sets the shutdown signal, lets drain_queue return, and waits up to
// timeout for in-flight handlers to finish. Unfinished handlers keep
// running; their messages simply reappear once visibility expires,
// preserving at-least-once delivery.
func (w *Worker) Stop(ctx context.Context) error {
	w.shutdown.Store(true)
	select {
	case <-w.doneCh:
		w.log.Info("worker stopped gracefully")
		return nil
	case <-ctx.Done():
		w.log.Warn("worker stop timeout, in-flight handlers left running")
		return ctx.Err()
	}
}

// run is the main loop from spec.md §4.7.2.
func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	for !w.shutdown.Load() {
		w.drainQueue(ctx)
		if w.shutdown.Load() || ctx.Err() != nil {
			break
		}
		w.waitForMessages(ctx)
	}

	w.drainInFlight(w.cfg.ShutdownTimeout)
}

// drainQueue loops while dispatch slots are available: read up to
// (N - in_flight) messages, dispatch each asynchronously, and return to the
// outer loop once a read comes back empty.
func (w *Worker) drainQueue(ctx context.Context) {
	for {
		if ctx.Err() != nil || w.shutdown.Load() {
			return
		}

		available := cap(w.sem) - len(w.sem)
		if available <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(25 * time.Millisecond):
			}
			continue
		}

		msgs, err := w.queue.Read(ctx, nil, queue.CommandsQueue(w.cfg.Domain), w.cfg.VisibilityTimeout, available)
		if err != nil {
			w.log.Error("queue read failed", slog.String("error", err.Error()))
			w.health.RecordFailure()
			return
		}
		if len(msgs) == 0 {
			return
		}

		for _, m := range msgs {
			select {
			case w.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			if w.metrics != nil {
				w.metrics.WorkerInFlight.WithLabelValues(w.cfg.Domain).Inc()
			}
			w.wg.Add(1)
			go func(msg queue.Message) {
				defer func() {
					<-w.sem
					w.wg.Done()
					if w.metrics != nil {
						w.metrics.WorkerInFlight.WithLabelValues(w.cfg.Domain).Dec()
					}
				}()
				w.processMessage(ctx, msg)
			}(m)
		}
	}
}

// waitForMessages registers a LISTEN-driven wait up to PollInterval, or
// simply sleeps PollInterval when no notification channel is active.
// NOTIFY arrival never itself pops a message; it only shortens the idle
// wait before the next drainQueue pass.
func (w *Worker) waitForMessages(ctx context.Context) {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()

	if w.notifications == nil {
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		return
	}

	select {
	case <-ctx.Done():
	case <-timer.C:
	case _, ok := <-w.notifications:
		if !ok {
			w.notifications = nil
		}
	}
}

// drainInFlight waits up to timeout for in-flight handlers dispatched by
// drainQueue to finish.
func (w *Worker) drainInFlight(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		w.log.Warn("shutdown timeout reached with handlers still in flight")
	}
}

// processMessage implements the central two-phase contract of spec.md
// §4.7.3 plus the failure-handling table of §4.7.4.
func (w *Worker) processMessage(ctx context.Context, msg queue.Message) {
	domain := w.cfg.Domain
	started := time.Now()
	w.health.TrackStart(msg.ID)
	defer w.health.TrackEnd(msg.ID)

	var envelope command.Envelope
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		// A malformed envelope carries no command identity to act on;
		// there is nothing sp_receive_command can key off, so it is
		// deleted outright rather than left to loop forever.
		w.log.Error("malformed queue payload, deleting", slog.Int64("msg_id", msg.ID), slog.String("error", err.Error()))
		if _, derr := w.queue.Delete(ctx, nil, queue.CommandsQueue(domain), msg.ID); derr != nil {
			w.log.Error("failed to delete malformed message", slog.Int64("msg_id", msg.ID), slog.String("error", derr.Error()))
		}
		return
	}

	// Phase 1 — receive, no enclosing transaction; visibility timeout is
	// the lock on redelivery.
	meta, err := w.commands.Receive(ctx, domain, envelope.CommandID, msg.ID)
	if err != nil {
		w.log.Error("receive failed", slog.String("command_id", envelope.CommandID.String()), slog.String("error", err.Error()))
		w.health.RecordFailure()
		return
	}
	if meta == nil {
		// Terminal state or missing row: discard without deletion. It
		// ages out of visibility and is only read again if the row
		// transitions back to a receivable state via operator retry.
		return
	}
	if w.metrics != nil {
		w.metrics.CommandsReceived.WithLabelValues(domain, envelope.CommandType).Inc()
	}

	cmd := handler.Command{
		Domain:        domain,
		CommandType:   envelope.CommandType,
		CommandID:     envelope.CommandID,
		CorrelationID: envelope.CorrelationID,
		Data:          envelope.Data,
		ReplyTo:       envelope.ReplyTo,
	}
	hctx := handler.NewContext(cmd, meta.Attempts, meta.MaxAttempts, msg.ID, func(d time.Duration) error {
		return w.queue.SetVisibility(ctx, nil, queue.CommandsQueue(domain), msg.ID, d)
	})

	// Phase 2 — dispatch, queue delete/archive, and finish, all in one
	// transaction so a crash between handler success and commit leaves
	// the command's status unchanged and therefore safely re-deliverable.
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.log.Error("begin phase-2 transaction failed", slog.String("error", err.Error()))
		w.health.RecordFailure()
		return
	}
	defer tx.Rollback(ctx)

	result, herr, found := w.registry.Dispatch(hctx)

	if !found {
		w.log.Error("no handler registered", slog.String("domain", domain), slog.String("command_type", envelope.CommandType))
		alerting.Capture(domain, envelope.CommandType, "HANDLER_NOT_FOUND", errors.New("no handler registered"))
		w.finishToTSQ(ctx, tx, domain, meta, msg, command.ErrorTypePermanent, "HANDLER_NOT_FOUND", "no handler registered for command type")
		w.health.RecordFailure()
		return
	}

	if herr != nil {
		w.handleFailure(ctx, tx, domain, meta, msg, herr)
		return
	}

	w.health.RecordSuccess()
	isComplete, err := w.commands.Finish(ctx, tx, domain, meta.CommandID, meta.Status, command.StatusCompleted, command.EventCompleted, nil, nil, nil, result, meta.BatchID)
	if err != nil {
		w.log.Error("finish(completed) failed", slog.String("command_id", envelope.CommandID.String()), slog.String("error", err.Error()))
		return
	}
	if _, err := w.queue.Delete(ctx, tx, queue.CommandsQueue(domain), msg.ID); err != nil {
		w.log.Error("delete after completion failed", slog.String("command_id", envelope.CommandID.String()), slog.String("error", err.Error()))
		return
	}
	if err := tx.Commit(ctx); err != nil {
		w.log.Error("commit(completed) failed", slog.String("command_id", envelope.CommandID.String()), slog.String("error", err.Error()))
		return
	}

	if w.metrics != nil {
		w.metrics.CommandsFinished.WithLabelValues(domain, envelope.CommandType, string(command.StatusCompleted)).Inc()
	}
	w.log.Debug("command completed", slog.String("command_id", envelope.CommandID.String()), slog.Duration("duration", time.Since(started)))

	w.afterCommit(ctx, domain, meta, isComplete, cmd, command.EventCompleted, command.OutcomeSuccess, result, "", "", "")
}

// handleFailure is the failure-handling table of spec.md §4.7.4,
// type-dispatched on the concrete error the handler returned.
func (w *Worker) handleFailure(ctx context.Context, tx pgx.Tx, domain string, meta *command.Metadata, msg queue.Message, herr error) {
	var businessErr *handler.BusinessRuleException
	var permanentErr *handler.PermanentCommandError
	var transientErr *handler.TransientCommandError

	switch {
	case errors.As(herr, &businessErr):
		w.log.Warn("business rule rejection", slog.String("command_id", meta.CommandID.String()), slog.String("code", businessErr.Code))
		isComplete, err := w.commands.Finish(ctx, tx, domain, meta.CommandID, meta.Status, command.StatusFailed, command.EventBusinessRule,
			strPtr("BusinessRuleException"), strPtr(businessErr.Code), strPtr(businessErr.Message), businessErr.Details, meta.BatchID)
		if err != nil {
			w.log.Error("finish(failed/business) failed", slog.String("error", err.Error()))
			return
		}
		// Never archived: a business-rule rejection is a resolved
		// domain decision, not a transport or infrastructure problem.
		if _, err := w.queue.Delete(ctx, tx, queue.CommandsQueue(domain), msg.ID); err != nil {
			w.log.Error("delete after business failure failed", slog.String("error", err.Error()))
			return
		}
		if err := tx.Commit(ctx); err != nil {
			w.log.Error("commit(failed/business) failed", slog.String("error", err.Error()))
			return
		}
		if w.metrics != nil {
			w.metrics.CommandsFinished.WithLabelValues(domain, meta.CommandType, string(command.StatusFailed)).Inc()
		}
		w.health.RecordSuccess()
		w.afterCommit(ctx, domain, meta, isComplete, commandOf(meta), command.EventBusinessRule, command.OutcomeFailed, nil, command.ErrorTypeBusinessRule, businessErr.Code, businessErr.Message)

	case errors.As(herr, &permanentErr):
		w.log.Warn("permanent command failure", slog.String("command_id", meta.CommandID.String()), slog.String("code", permanentErr.Code))
		w.finishToTSQ(ctx, tx, domain, meta, msg, command.ErrorTypePermanent, permanentErr.Code, permanentErr.Message)
		w.health.RecordFailure()

	case errors.As(herr, &transientErr):
		w.handleTransient(ctx, tx, domain, meta, msg, transientErr.Code, transientErr.Message)

	default:
		// Anything else, including a handler panic recovered upstream,
		// is treated as transient with the synthetic INTERNAL_ERROR code.
		alerting.Capture(domain, meta.CommandType, handler.InternalErrorCode, herr)
		w.handleTransient(ctx, tx, domain, meta, msg, handler.InternalErrorCode, herr.Error())
	}
}

// handleTransient applies the TransientCommandError branch of the failure
// table: retry with backoff while attempts remain, else archive to TSQ.
func (w *Worker) handleTransient(ctx context.Context, tx pgx.Tx, domain string, meta *command.Metadata, msg queue.Message, code, message string) {
	if meta.Attempts < meta.MaxAttempts {
		if err := w.commands.Fail(ctx, tx, domain, meta.CommandID, command.ErrorTypeTransient, code, message); err != nil {
			w.log.Error("fail(transient, retry) failed", slog.String("error", err.Error()))
			return
		}
		if err := tx.Commit(ctx); err != nil {
			w.log.Error("commit(transient, retry) failed", slog.String("error", err.Error()))
			return
		}
		backoff := w.cfg.RetryPolicy.Backoff(meta.Attempts)
		if err := w.queue.SetVisibility(ctx, nil, queue.CommandsQueue(domain), msg.ID, backoff); err != nil {
			w.log.Error("set_visibility after transient failure failed", slog.String("error", err.Error()))
		}
		if w.metrics != nil {
			w.metrics.RetriesScheduled.WithLabelValues(domain, meta.CommandType).Inc()
		}
		w.health.RecordFailure()
		return
	}

	w.log.Warn("retries exhausted, moving to troubleshooting queue", slog.String("command_id", meta.CommandID.String()), slog.Int("attempts", meta.Attempts))
	w.finishToTSQ(ctx, tx, domain, meta, msg, command.ErrorTypeTransient, code, message)
	w.health.RecordFailure()
}

// finishToTSQ applies the archive + IN_TROUBLESHOOTING_QUEUE transition
// shared by exhausted-retry transient failures, permanent failures, and a
// missing handler.
func (w *Worker) finishToTSQ(ctx context.Context, tx pgx.Tx, domain string, meta *command.Metadata, msg queue.Message, errType, code, message string) {
	isComplete, err := w.commands.Finish(ctx, tx, domain, meta.CommandID, meta.Status, command.StatusInTroubleshooting, command.EventMovedToTSQ,
		&errType, &code, &message, nil, meta.BatchID)
	if err != nil {
		w.log.Error("finish(tsq) failed", slog.String("error", err.Error()))
		return
	}
	if _, err := w.queue.Archive(ctx, tx, queue.CommandsQueue(domain), msg.ID); err != nil {
		w.log.Error("archive failed", slog.String("error", err.Error()))
		return
	}
	if err := tx.Commit(ctx); err != nil {
		w.log.Error("commit(tsq) failed", slog.String("error", err.Error()))
		return
	}
	if w.metrics != nil {
		w.metrics.CommandsFinished.WithLabelValues(domain, meta.CommandType, string(command.StatusInTroubleshooting)).Inc()
		w.metrics.TSQSize.WithLabelValues(domain).Inc()
	}
	w.afterCommit(ctx, domain, meta, isComplete, commandOf(meta), command.EventMovedToTSQ, command.OutcomeFailed, nil, errType, code, message)
}

// afterCommit runs the side effects spec.md places strictly after the
// finishing transaction commits: firing the batch on_complete callback,
// mirroring the audit event to JetStream, and emitting a best-effort
// reply. None of these reopen the transaction; a failure in any is
// logged only.
func (w *Worker) afterCommit(ctx context.Context, domain string, meta *command.Metadata, isComplete bool, cmd handler.Command, eventType command.EventType, outcome command.Outcome, result json.RawMessage, errorType, errorCode, errorMessage string) {
	if w.auditBus != nil {
		if err := w.auditBus.PublishAuditEvent(ctx, domain, eventType, cmd.CommandID, result); err != nil {
			w.log.Debug("audit bridge publish failed", slog.String("command_id", cmd.CommandID.String()), slog.String("error", err.Error()))
		}
	}

	if isComplete && meta.BatchID != nil && w.notifier != nil {
		b, err := w.batches.Get(ctx, domain, *meta.BatchID)
		if err != nil {
			w.log.Error("fetch batch after completion failed", slog.String("error", err.Error()))
		} else if b != nil {
			w.notifier.NotifyBatchComplete(domain, *meta.BatchID, string(b.Status))
			if w.metrics != nil {
				w.metrics.BatchCompleted.WithLabelValues(domain, string(b.Status)).Inc()
			}
		}
	}

	if cmd.ReplyTo == nil {
		return
	}
	reply := command.Reply{
		CommandID:     cmd.CommandID,
		CorrelationID: &cmd.CorrelationID,
		Outcome:       outcome,
		Result:        result,
		ErrorType:     errorType,
		ErrorCode:     errorCode,
		ErrorMessage:  errorMessage,
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("marshal reply failed", slog.String("error", err.Error()))
		return
	}
	if _, err := w.queue.Send(ctx, nil, *cmd.ReplyTo, payload, 0); err != nil {
		w.log.Error("reply emission failed", slog.String("reply_to", *cmd.ReplyTo), slog.String("error", err.Error()))
	}
}

func commandOf(meta *command.Metadata) handler.Command {
	return handler.Command{
		Domain:        meta.Domain,
		CommandType:   meta.CommandType,
		CommandID:     meta.CommandID,
		CorrelationID: meta.CorrelationID,
		ReplyTo:       meta.ReplyTo,
	}
}

func strPtr(s string) *string { return &s }
