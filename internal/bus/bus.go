package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fulcrumbus/commandbus/internal/audit"
	"github.com/fulcrumbus/commandbus/internal/batch"
	"github.com/fulcrumbus/commandbus/internal/command"
	"github.com/fulcrumbus/commandbus/internal/queue"
)

// Bus is the public entry point producers use to enqueue work; it composes
// the queue client, command and batch repositories, and the audit logger
// behind one set of transactional operations. Grounded on the teacher's
// Coordinator, which plays the analogous composing-facade role over its
// own queue/worker/repository trio.
type Bus struct {
	pool      *pgxpool.Pool
	queue     *queue.Client
	commands  *command.Repository
	batches   *batch.Repository
	auditRepo *audit.Repository
	validate  *validator.Validate

	completions *completionRegistry
}

func New(pool *pgxpool.Pool, q *queue.Client, commands *command.Repository, batches *batch.Repository, auditRepo *audit.Repository) *Bus {
	return &Bus{
		pool:        pool,
		queue:       q,
		commands:    commands,
		batches:     batches,
		auditRepo:   auditRepo,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		completions: newCompletionRegistry(),
	}
}

// Send enqueues one command: reject on duplicate, queue.send, insert
// metadata, audit SENT, all in one transaction; NOTIFY is emitted once the
// transaction commits so a listener never wakes to find nothing to read.
func (b *Bus) Send(ctx context.Context, req SendRequest) (uuid.UUID, int64, error) {
	if err := b.validate.Struct(req); err != nil {
		return uuid.Nil, 0, err
	}

	correlationID := req.CommandID
	if req.CorrelationID != nil {
		correlationID = *req.CorrelationID
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, 0, err
	}
	defer tx.Rollback(ctx)

	existing, err := b.commands.Get(ctx, req.Domain, req.CommandID)
	if err != nil {
		return uuid.Nil, 0, err
	}
	if existing != nil {
		return uuid.Nil, 0, command.NewDuplicateCommand(req.Domain, req.CommandID)
	}

	envelope, err := json.Marshal(command.Envelope{
		Domain:        req.Domain,
		CommandType:   req.CommandType,
		CommandID:     req.CommandID,
		CorrelationID: correlationID,
		Data:          req.Data,
		ReplyTo:       req.ReplyTo,
	})
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("marshal envelope: %w", err)
	}

	msgID, err := b.queue.Send(ctx, tx, queue.CommandsQueue(req.Domain), envelope, req.Delay)
	if err != nil {
		return uuid.Nil, 0, err
	}

	if err := b.commands.Insert(ctx, tx, command.Metadata{
		Domain:        req.Domain,
		CommandID:     req.CommandID,
		CommandType:   req.CommandType,
		MaxAttempts:   maxAttempts,
		CorrelationID: correlationID,
		ReplyTo:       req.ReplyTo,
		BatchID:       req.BatchID,
	}); err != nil {
		return uuid.Nil, 0, err
	}

	if err := insertSentAudit(ctx, tx, req.Domain, req.CommandID); err != nil {
		return uuid.Nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, 0, err
	}

	return req.CommandID, msgID, nil
}

// SendBatch groups requests by domain and chunks them, one transaction per
// chunk, so a failure in one domain's chunk never rolls back another's.
func (b *Bus) SendBatch(ctx context.Context, requests []SendRequest, chunkSize int) ([]SendResult, error) {
	if chunkSize <= 0 {
		chunkSize = 1000
	}

	byDomain := make(map[string][]SendRequest)
	for _, r := range requests {
		byDomain[r.Domain] = append(byDomain[r.Domain], r)
	}

	var results []SendResult
	for domain, reqs := range byDomain {
		for start := 0; start < len(reqs); start += chunkSize {
			end := start + chunkSize
			if end > len(reqs) {
				end = len(reqs)
			}
			chunkResults, err := b.sendChunk(ctx, domain, reqs[start:end])
			if err != nil {
				return results, err
			}
			results = append(results, chunkResults...)
		}
	}
	return results, nil
}

func (b *Bus) sendChunk(ctx context.Context, domain string, reqs []SendRequest) ([]SendResult, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	results := make([]SendResult, 0, len(reqs))
	payloads := make([]json.RawMessage, 0, len(reqs))
	accepted := make([]SendRequest, 0, len(reqs))

	for _, r := range reqs {
		if err := b.validate.Struct(r); err != nil {
			results = append(results, SendResult{CommandID: r.CommandID, Err: err})
			continue
		}
		existing, err := b.commands.Get(ctx, r.Domain, r.CommandID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			results = append(results, SendResult{CommandID: r.CommandID, Err: command.NewDuplicateCommand(r.Domain, r.CommandID)})
			continue
		}

		correlationID := r.CommandID
		if r.CorrelationID != nil {
			correlationID = *r.CorrelationID
		}
		envelope, err := json.Marshal(command.Envelope{
			Domain:        r.Domain,
			CommandType:   r.CommandType,
			CommandID:     r.CommandID,
			CorrelationID: correlationID,
			Data:          r.Data,
			ReplyTo:       r.ReplyTo,
		})
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, envelope)
		accepted = append(accepted, r)
	}

	if len(accepted) == 0 {
		return results, tx.Commit(ctx)
	}

	msgIDs, err := b.queue.SendBatch(ctx, tx, queue.CommandsQueue(domain), payloads, 0)
	if err != nil {
		return nil, err
	}

	for i, r := range accepted {
		maxAttempts := r.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = 3
		}
		correlationID := r.CommandID
		if r.CorrelationID != nil {
			correlationID = *r.CorrelationID
		}
		if err := b.commands.Insert(ctx, tx, command.Metadata{
			Domain:        r.Domain,
			CommandID:     r.CommandID,
			CommandType:   r.CommandType,
			MaxAttempts:   maxAttempts,
			CorrelationID: correlationID,
			ReplyTo:       r.ReplyTo,
			BatchID:       r.BatchID,
		}); err != nil {
			return nil, err
		}
		if err := insertSentAudit(ctx, tx, r.Domain, r.CommandID); err != nil {
			return nil, err
		}
		results = append(results, SendResult{CommandID: r.CommandID, MsgID: msgIDs[i]})
	}

	if err := b.queue.Notify(ctx, tx, queue.CommandsQueue(domain)); err != nil {
		return nil, err
	}

	return results, tx.Commit(ctx)
}

// CreateBatch closes a set of commands under one batch row, inserting the
// batch, sending every command, and recording the completion callback
// in-memory before returning.
func (b *Bus) CreateBatch(ctx context.Context, req CreateBatchRequest) (uuid.UUID, []SendResult, error) {
	batchID := uuid.New()
	if req.BatchID != nil {
		batchID = *req.BatchID
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, nil, err
	}
	defer tx.Rollback(ctx)

	if err := b.batches.Insert(ctx, tx, batch.Metadata{
		Domain:     req.Domain,
		BatchID:    batchID,
		Name:       req.Name,
		CustomData: req.CustomData,
		TotalCount: len(req.Commands),
	}); err != nil {
		return uuid.Nil, nil, err
	}

	requests := make([]SendRequest, len(req.Commands))
	for i, c := range req.Commands {
		c.Domain = req.Domain
		c.BatchID = &batchID
		requests[i] = c
	}

	results, err := b.sendChunkTx(ctx, tx, req.Domain, requests)
	if err != nil {
		return uuid.Nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, nil, err
	}

	if req.OnComplete != nil {
		b.completions.register(batchID, req.OnComplete)
	}

	return batchID, results, nil
}

// sendChunkTx is sendChunk's logic reused under a transaction the caller
// already owns (CreateBatch's single enclosing transaction), skipping the
// begin/commit bracketing.
func (b *Bus) sendChunkTx(ctx context.Context, tx pgx.Tx, domain string, reqs []SendRequest) ([]SendResult, error) {
	results := make([]SendResult, 0, len(reqs))
	payloads := make([]json.RawMessage, 0, len(reqs))

	for _, r := range reqs {
		correlationID := r.CommandID
		if r.CorrelationID != nil {
			correlationID = *r.CorrelationID
		}
		envelope, err := json.Marshal(command.Envelope{
			Domain:        r.Domain,
			CommandType:   r.CommandType,
			CommandID:     r.CommandID,
			CorrelationID: correlationID,
			Data:          r.Data,
			ReplyTo:       r.ReplyTo,
		})
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, envelope)
	}

	msgIDs, err := b.queue.SendBatch(ctx, tx, queue.CommandsQueue(domain), payloads, 0)
	if err != nil {
		return nil, err
	}

	for i, r := range reqs {
		maxAttempts := r.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = 3
		}
		correlationID := r.CommandID
		if r.CorrelationID != nil {
			correlationID = *r.CorrelationID
		}
		if err := b.commands.Insert(ctx, tx, command.Metadata{
			Domain:        r.Domain,
			CommandID:     r.CommandID,
			CommandType:   r.CommandType,
			MaxAttempts:   maxAttempts,
			CorrelationID: correlationID,
			ReplyTo:       r.ReplyTo,
			BatchID:       r.BatchID,
		}); err != nil {
			return nil, err
		}
		if err := insertSentAudit(ctx, tx, r.Domain, r.CommandID); err != nil {
			return nil, err
		}
		results = append(results, SendResult{CommandID: r.CommandID, MsgID: msgIDs[i]})
	}

	if err := b.queue.Notify(ctx, tx, queue.CommandsQueue(domain)); err != nil {
		return nil, err
	}
	return results, nil
}

// NotifyBatchComplete is invoked by the worker/TSQ path once a batch's
// counters resolve to complete; it fires and discards the in-memory
// callback, best-effort, per spec.md's explicit "lost on restart"
// documentation.
func (b *Bus) NotifyBatchComplete(domain string, batchID uuid.UUID, status string) {
	b.completions.fire(domain, batchID, status)
}

func (b *Bus) GetCommand(ctx context.Context, domain string, commandID uuid.UUID) (*command.Metadata, error) {
	return b.commands.Get(ctx, domain, commandID)
}

func (b *Bus) GetBatch(ctx context.Context, domain string, batchID uuid.UUID) (*batch.Metadata, error) {
	return b.batches.Get(ctx, domain, batchID)
}

func (b *Bus) ListBatches(ctx context.Context, domain string, limit, offset int) ([]batch.Metadata, error) {
	return b.batches.List(ctx, domain, limit, offset)
}

func (b *Bus) ListBatchCommands(ctx context.Context, domain string, batchID uuid.UUID) ([]command.Metadata, error) {
	return b.commands.ListByBatch(ctx, domain, batchID)
}

func (b *Bus) GetAuditTrail(ctx context.Context, domain string, commandID uuid.UUID) ([]audit.Event, error) {
	return b.auditRepo.GetCommandTrail(ctx, domain, commandID)
}

// QueryCommands implements query_commands (spec.md §4.6): operator/reporting
// filter over command metadata, domain-scoped and paginated.
func (b *Bus) QueryCommands(ctx context.Context, req QueryCommandsRequest) ([]command.Metadata, error) {
	return b.commands.Query(ctx, req.Domain, req.CommandType, req.Status, req.CreatedAfter, req.CreatedBefore, req.Limit, req.Offset)
}

func insertSentAudit(ctx context.Context, tx pgx.Tx, domain string, commandID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit (domain, command_id, event_type, ts, details_json)
		VALUES ($1, $2, $3, NOW(), '{}')
	`, domain, commandID, command.EventSent)
	return err
}
