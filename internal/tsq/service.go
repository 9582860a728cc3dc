// Package tsq implements the troubleshooting queue (C8): a logical view
// over commands with status IN_TROUBLESHOOTING_QUEUE and the three
// transactional operator actions that can move a command out of it. No
// teacher analogue exists for an operator-facing retry/cancel/complete
// surface; the transactional shape (conditional UPDATE as the atomicity
// guard, audit row alongside it, batch counters adjusted in the same
// transaction) follows the command and batch repositories' own style, and
// the advisory-lock guard is grounded on the teacher's Redis lock usage
// pattern, adapted here from internal/oplock rather than reimplemented.
package tsq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fulcrumbus/commandbus/internal/auditbridge"
	"github.com/fulcrumbus/commandbus/internal/batch"
	"github.com/fulcrumbus/commandbus/internal/command"
	"github.com/fulcrumbus/commandbus/internal/observability"
	"github.com/fulcrumbus/commandbus/internal/oplock"
	"github.com/fulcrumbus/commandbus/internal/queue"
	"github.com/fulcrumbus/commandbus/internal/workerreg"
)

// BatchNotifier is the subset of *bus.Bus the troubleshooting queue needs:
// firing the in-memory batch completion callback when an operator action
// resolves a batch's last outstanding command. Declared locally, mirroring
// worker.BatchNotifier, so this package doesn't need to import bus.
type BatchNotifier interface {
	NotifyBatchComplete(domain string, batchID uuid.UUID, status string)
}

// Entry is one troubleshooting-queue row: command metadata joined with its
// archived original payload, for operator inspection.
type Entry struct {
	command.Metadata
	OriginalPayload json.RawMessage
}

// Config tunes the operator-action lock.
type Config struct {
	LockTTLSeconds int
}

func DefaultConfig() Config {
	return Config{LockTTLSeconds: 30}
}

// Service implements list/retry/cancel/complete over the troubleshooting
// queue view.
type Service struct {
	cfg      Config
	pool     *pgxpool.Pool
	queue    *queue.Client
	commands *command.Repository
	batches  *batch.Repository
	locks    oplock.Manager
	notifier BatchNotifier
	log      *slog.Logger
	metrics  *observability.Metrics
	auditBus *auditbridge.Client
	fleet    *workerreg.Registry
}

func New(cfg Config, pool *pgxpool.Pool, q *queue.Client, commands *command.Repository, batches *batch.Repository, locks oplock.Manager, notifier BatchNotifier, log *slog.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		cfg:      cfg,
		pool:     pool,
		queue:    q,
		commands: commands,
		batches:  batches,
		locks:    locks,
		notifier: notifier,
		log:      log.With(slog.String("component", "tsq")),
		metrics:  metrics,
	}
}

// SetAuditBridge attaches a best-effort JetStream audit mirror, mirroring
// internal/worker.Worker.SetAuditBridge.
func (s *Service) SetAuditBridge(c *auditbridge.Client) {
	s.auditBus = c
}

// SetFleetRegistry attaches the worker heartbeat registry backing
// GetFleetStatus. Unset, GetFleetStatus returns an empty list rather than
// erroring, since fleet visibility is observability, not a dispatch
// dependency.
func (s *Service) SetFleetRegistry(r *workerreg.Registry) {
	s.fleet = r
}

// GetFleetStatus reports the workers currently heartbeating against this
// app_env, for an operator inspecting whether dispatch capacity looks
// healthy before triaging a troubleshooting-queue backlog. When no worker
// row is live, the registry reports its own identity as the single entry.
func (s *Service) GetFleetStatus() []workerreg.Info {
	if s.fleet == nil {
		return nil
	}
	return s.fleet.ActiveWorkers()
}

// List joins command metadata to its archived original payload, ordered by
// updated_at DESC, optionally filtered by command_type.
func (s *Service) List(ctx context.Context, domain string, commandType *string, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := `
		SELECT c.domain, c.command_id, c.command_type, c.status, c.attempts, c.max_attempts, c.msg_id,
		       c.correlation_id, c.reply_to, c.last_error_type, c.last_error_code, c.last_error_message,
		       c.batch_id, c.created_at, c.updated_at, a.payload
		FROM command c
		LEFT JOIN queue_archive a
		  ON a.queue_name = $1 AND a.payload->>'command_id' = c.command_id::text
		WHERE c.domain = $2 AND c.status = $3`
	args := []any{queue.CommandsQueue(domain), domain, command.StatusInTroubleshooting}
	if commandType != nil {
		args = append(args, *commandType)
		sql += fmt.Sprintf(" AND c.command_type = $%d", len(args))
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY c.updated_at DESC LIMIT $%d", len(args))
	args = append(args, offset)
	sql += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Domain, &e.CommandID, &e.CommandType, &e.Status, &e.Attempts, &e.MaxAttempts, &e.MsgID,
			&e.CorrelationID, &e.ReplyTo, &e.LastErrorType, &e.LastErrorCode, &e.LastErrorMessage,
			&e.BatchID, &e.CreatedAt, &e.UpdatedAt, &e.OriginalPayload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// withLock guards an operator action against a concurrent action on the
// same command; the conditional UPDATE each action performs is the actual
// correctness guarantee, this lock only prevents wasted duplicate work
// (e.g. two racing retries both reading the same archived payload).
func (s *Service) withLock(ctx context.Context, domain string, commandID uuid.UUID, fn func(ctx context.Context) error) error {
	if s.locks == nil {
		return fn(ctx)
	}
	key := fmt.Sprintf("tsq:%s:%s", domain, commandID)
	lock, acquired, err := s.locks.Acquire(ctx, key, s.cfg.LockTTLSeconds)
	if err != nil {
		s.log.Warn("operator lock acquire error, proceeding on DB CAS alone", slog.String("error", err.Error()))
		return fn(ctx)
	}
	if !acquired {
		return ErrLocked
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			s.log.Warn("operator lock release failed", slog.String("error", err.Error()))
		}
	}()
	return fn(ctx)
}

// OperatorRetry implements operator_retry: fetch the archived payload
// (failing if missing), re-send it fresh, and flip the command back to
// PENDING with a reset attempt counter.
func (s *Service) OperatorRetry(ctx context.Context, domain string, commandID uuid.UUID, operator string) error {
	return s.withLock(ctx, domain, commandID, func(ctx context.Context) error {
		queueName := queue.CommandsQueue(domain)
		archived, err := s.queue.GetFromArchive(ctx, nil, queueName, commandID.String())
		if err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				return command.NewInvalidOperation("no archived payload for command " + commandID.String())
			}
			return err
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		msgID, err := s.queue.Send(ctx, tx, queueName, archived.Payload, 0)
		if err != nil {
			return err
		}

		var batchID *uuid.UUID
		err = tx.QueryRow(ctx, `
			UPDATE command
			SET status = $4, attempts = 0, msg_id = $3, last_error_type = NULL, last_error_code = NULL, last_error_message = NULL, updated_at = NOW()
			WHERE domain = $1 AND command_id = $2 AND status = $5
			RETURNING batch_id
		`, domain, commandID, msgID, command.StatusPending, command.StatusInTroubleshooting).Scan(&batchID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return command.NewInvalidOperation("command is not in the troubleshooting queue")
			}
			return err
		}

		if err := s.commands.RecordEvent(ctx, tx, domain, commandID, command.EventOperatorRetry, mustJSON(map[string]any{"operator": operator})); err != nil {
			return err
		}
		if _, err := s.batches.TSQRetry(ctx, tx, domain, batchID); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.TSQSize.WithLabelValues(domain).Dec()
		}
		if s.auditBus != nil {
			if err := s.auditBus.PublishAuditEvent(ctx, domain, command.EventOperatorRetry, commandID, mustJSON(map[string]any{"operator": operator})); err != nil {
				s.log.Debug("audit bridge publish failed", slog.String("command_id", commandID.String()), slog.String("error", err.Error()))
			}
		}
		return nil
	})
}

// OperatorCancel implements operator_cancel: move the command to CANCELED,
// best-effort reply CANCELED to reply_to after commit, and adjust batch
// counters.
func (s *Service) OperatorCancel(ctx context.Context, domain string, commandID uuid.UUID, reason, operator string) error {
	return s.withLock(ctx, domain, commandID, func(ctx context.Context) error {
		_, batchID, replyTo, correlationID, err := s.transitionOut(ctx, domain, commandID, command.StatusCanceled, command.EventOperatorCancel, reason, operator)
		if err != nil {
			return err
		}
		s.finishOperatorAction(ctx, domain, command.EventOperatorCancel, batchID, replyTo, correlationID, commandID, command.OutcomeCanceled, nil, "OPERATOR_CANCELED", reason)
		return nil
	})
}

// OperatorComplete implements operator_complete: move the command to
// COMPLETED, best-effort reply SUCCESS (with result) to reply_to after
// commit, and adjust batch counters.
func (s *Service) OperatorComplete(ctx context.Context, domain string, commandID uuid.UUID, result json.RawMessage, operator string) error {
	return s.withLock(ctx, domain, commandID, func(ctx context.Context) error {
		_, batchID, replyTo, correlationID, err := s.transitionOut(ctx, domain, commandID, command.StatusCompleted, command.EventOperatorComplete, "", operator)
		if err != nil {
			return err
		}
		s.finishOperatorAction(ctx, domain, command.EventOperatorComplete, batchID, replyTo, correlationID, commandID, command.OutcomeSuccess, result, "", "")
		return nil
	})
}

// transitionOut applies the conditional UPDATE shared by cancel/complete:
// only a row currently IN_TROUBLESHOOTING_QUEUE is affected, which is the
// actual atomicity guarantee for this operation (the advisory lock above
// only prevents wasted duplicate work).
func (s *Service) transitionOut(ctx context.Context, domain string, commandID uuid.UUID, newStatus command.Status, eventType command.EventType, reason, operator string) (bool, *uuid.UUID, *string, uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, nil, nil, uuid.Nil, err
	}
	defer tx.Rollback(ctx)

	var batchID *uuid.UUID
	var replyTo *string
	var correlationID uuid.UUID
	var commandType string
	var errMsg any
	if reason != "" {
		errMsg = reason
	}
	err = tx.QueryRow(ctx, `
		UPDATE command
		SET status = $4, last_error_message = COALESCE($5, last_error_message), updated_at = NOW()
		WHERE domain = $1 AND command_id = $2 AND status = $3
		RETURNING batch_id, reply_to, correlation_id, command_type
	`, domain, commandID, command.StatusInTroubleshooting, newStatus, errMsg).Scan(&batchID, &replyTo, &correlationID, &commandType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil, nil, uuid.Nil, command.NewInvalidOperation("command is not in the troubleshooting queue")
		}
		return false, nil, nil, uuid.Nil, err
	}

	if err := s.commands.RecordEvent(ctx, tx, domain, commandID, eventType, mustJSON(map[string]any{"operator": operator, "reason": reason})); err != nil {
		return false, nil, nil, uuid.Nil, err
	}

	isComplete, err := s.batches.FinishTransition(ctx, tx, domain, batchID, string(command.StatusInTroubleshooting), string(newStatus))
	if err != nil {
		return false, nil, nil, uuid.Nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, nil, nil, uuid.Nil, err
	}
	if s.metrics != nil {
		s.metrics.TSQSize.WithLabelValues(domain).Dec()
		s.metrics.CommandsFinished.WithLabelValues(domain, commandType, string(newStatus)).Inc()
	}
	return isComplete, batchID, replyTo, correlationID, nil
}

// finishOperatorAction runs the after-commit side effects shared by
// cancel/complete: an audit-bridge mirror, a best-effort reply, and the
// in-memory batch callback when the action resolved the batch's last
// outstanding command.
func (s *Service) finishOperatorAction(ctx context.Context, domain string, eventType command.EventType, batchID *uuid.UUID, replyTo *string, correlationID uuid.UUID, commandID uuid.UUID, outcome command.Outcome, result json.RawMessage, errorCode, errorMessage string) {
	if s.auditBus != nil {
		if err := s.auditBus.PublishAuditEvent(ctx, domain, eventType, commandID, result); err != nil {
			s.log.Debug("audit bridge publish failed", slog.String("command_id", commandID.String()), slog.String("error", err.Error()))
		}
	}

	if batchID != nil && s.notifier != nil {
		b, err := s.batches.Get(ctx, domain, *batchID)
		if err != nil {
			s.log.Error("fetch batch after operator action failed", slog.String("error", err.Error()))
		} else if b != nil && b.IsComplete() {
			s.notifier.NotifyBatchComplete(domain, *batchID, string(b.Status))
			if s.metrics != nil {
				s.metrics.BatchCompleted.WithLabelValues(domain, string(b.Status)).Inc()
			}
		}
	}

	if replyTo == nil {
		return
	}
	reply := command.Reply{
		CommandID:     commandID,
		CorrelationID: &correlationID,
		Outcome:       outcome,
		Result:        result,
		ErrorCode:     errorCode,
		ErrorMessage:  errorMessage,
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		s.log.Error("marshal operator reply failed", slog.String("error", err.Error()))
		return
	}
	if _, err := s.queue.Send(ctx, nil, *replyTo, payload, 0); err != nil {
		s.log.Error("operator reply emission failed", slog.String("reply_to", *replyTo), slog.String("error", err.Error()))
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
