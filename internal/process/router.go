package process

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fulcrumbus/commandbus/internal/queue"
)

// RouterConfig is one domain router's tunables, loaded from
// config.Config.Router plus the domain whose process-reply queue it
// drains.
type RouterConfig struct {
	Domain            string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	Concurrency       int
	UseNotify         bool
	ShutdownTimeout   time.Duration
}

// Router implements C10, spec.md §4.10: it drains one domain's
// process-reply queue and, for each reply, looks up the correlated
// process row, dispatches to the ReplyHandler registered for that row's
// process_type, and deletes the queue message once the handler's own
// transaction has committed; the delete is not part of that transaction.
// Grounded on internal/worker's main-loop shape
// (drainQueue/waitForMessages/drainInFlight, LISTEN with polling fallback,
// bounded-concurrency semaphore, timeout-bounded graceful stop); the
// per-message body replaces worker's two-phase receive/dispatch contract
// with a single lookup-dispatch-delete sequence, since a
// process reply carries no independent retry/backoff state of its own —
// that is the correlated command's concern, already resolved by the time
// its reply reaches this queue.
type Router struct {
	cfg       RouterConfig
	pool      *pgxpool.Pool
	queue     *queue.Client
	processes *Repository
	handlers  map[string]ReplyHandler
	log       *slog.Logger

	sem           chan struct{}
	wg            sync.WaitGroup
	shutdown      atomic.Bool
	doneCh        chan struct{}
	notifications <-chan struct{}
}

// NewRouter constructs a domain's process reply router. Register every
// process type's handler before calling Start.
func NewRouter(pool *pgxpool.Pool, q *queue.Client, processes *Repository, log *slog.Logger, cfg RouterConfig) *Router {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Router{
		cfg:       cfg,
		pool:      pool,
		queue:     q,
		processes: processes,
		handlers:  make(map[string]ReplyHandler),
		log:       log.With(slog.String("component", "process_router"), slog.String("domain", cfg.Domain)),
		sem:       make(chan struct{}, cfg.Concurrency),
		doneCh:    make(chan struct{}),
	}
}

// Register binds a process type's handler. Call before Start; not safe for
// concurrent use with a running router.
func (r *Router) Register(processType string, h ReplyHandler) {
	r.handlers[processType] = h
}

// Start begins the main loop in a background goroutine.
func (r *Router) Start(ctx context.Context) {
	queueName := queue.ProcessRepliesQueue(r.cfg.Domain)
	if r.cfg.UseNotify {
		notifications, err := r.queue.Listen(ctx, queueName)
		if err != nil {
			r.log.Warn("listen setup failed, falling back to polling only", slog.String("error", err.Error()))
		} else {
			r.notifications = notifications
		}
	}
	go r.run(ctx)
}

// Stop signals shutdown and waits up to the configured timeout for
// in-flight replies to finish handling.
func (r *Router) Stop(ctx context.Context) error {
	r.shutdown.Store(true)
	select {
	case <-r.doneCh:
		r.log.Info("router stopped gracefully")
		return nil
	case <-ctx.Done():
		r.log.Warn("router stop timeout, in-flight replies left running")
		return ctx.Err()
	}
}

func (r *Router) run(ctx context.Context) {
	defer close(r.doneCh)

	for !r.shutdown.Load() {
		r.drainQueue(ctx)
		if r.shutdown.Load() || ctx.Err() != nil {
			break
		}
		r.waitForMessages(ctx)
	}

	r.drainInFlight(r.cfg.ShutdownTimeout)
}

func (r *Router) drainQueue(ctx context.Context) {
	queueName := queue.ProcessRepliesQueue(r.cfg.Domain)
	for {
		if ctx.Err() != nil || r.shutdown.Load() {
			return
		}

		available := cap(r.sem) - len(r.sem)
		if available <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(25 * time.Millisecond):
			}
			continue
		}

		msgs, err := r.queue.Read(ctx, nil, queueName, r.cfg.VisibilityTimeout, available)
		if err != nil {
			r.log.Error("queue read failed", slog.String("error", err.Error()))
			return
		}
		if len(msgs) == 0 {
			return
		}

		for _, m := range msgs {
			select {
			case r.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			r.wg.Add(1)
			go func(msg queue.Message) {
				defer func() {
					<-r.sem
					r.wg.Done()
				}()
				r.processMessage(ctx, msg)
			}(m)
		}
	}
}

func (r *Router) waitForMessages(ctx context.Context) {
	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()

	if r.notifications == nil {
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		return
	}

	select {
	case <-ctx.Done():
	case <-timer.C:
	case _, ok := <-r.notifications:
		if !ok {
			r.notifications = nil
		}
	}
}

func (r *Router) drainInFlight(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		r.log.Warn("shutdown timeout reached with replies still in flight")
	}
}

// processMessage implements spec.md §4.10: look up the process correlated
// to this reply, dispatch it to the registered handler for its
// process_type, and delete the reply message — all contingent on the
// handler's own transaction committing, since Engine[S].HandleReply opens
// and commits its own transaction around the state fold. The queue delete
// happens only once that commit has succeeded, so a crash between the two
// simply redelivers the reply into an already-applied HandleReply, which
// is idempotent because process_audit's reply-outcome stamp and the
// process row's resulting status/step will already reflect it — UpdateStep
// writes, not increments, so a reapplied reply does not reorder steps.
func (r *Router) processMessage(ctx context.Context, msg queue.Message) {
	domain := r.cfg.Domain
	queueName := queue.ProcessRepliesQueue(domain)

	var reply Reply
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		r.log.Error("malformed process reply, deleting", slog.Int64("msg_id", msg.ID), slog.String("error", err.Error()))
		if _, derr := r.queue.Delete(ctx, nil, queueName, msg.ID); derr != nil {
			r.log.Error("failed to delete malformed reply", slog.Int64("msg_id", msg.ID), slog.String("error", derr.Error()))
		}
		return
	}
	if reply.CorrelationID == nil {
		r.log.Error("process reply missing correlation_id, deleting", slog.Int64("msg_id", msg.ID))
		if _, derr := r.queue.Delete(ctx, nil, queueName, msg.ID); derr != nil {
			r.log.Error("failed to delete reply", slog.Int64("msg_id", msg.ID), slog.String("error", derr.Error()))
		}
		return
	}
	processID := *reply.CorrelationID

	meta, err := r.processes.Get(ctx, domain, processID)
	if err != nil {
		r.log.Error("process lookup failed", slog.String("process_id", processID.String()), slog.String("error", err.Error()))
		return
	}
	if meta == nil {
		r.log.Warn("reply for unknown process, deleting", slog.String("process_id", processID.String()))
		if _, derr := r.queue.Delete(ctx, nil, queueName, msg.ID); derr != nil {
			r.log.Error("failed to delete orphan reply", slog.String("process_id", processID.String()), slog.String("error", derr.Error()))
		}
		return
	}
	if meta.Status.IsTerminal() {
		r.log.Warn("reply for terminal process, deleting", slog.String("process_id", processID.String()), slog.String("status", string(meta.Status)))
		if _, derr := r.queue.Delete(ctx, nil, queueName, msg.ID); derr != nil {
			r.log.Error("failed to delete stale reply", slog.String("process_id", processID.String()), slog.String("error", derr.Error()))
		}
		return
	}

	h, ok := r.handlers[meta.ProcessType]
	if !ok {
		r.log.Error("no handler registered for process type", slog.String("process_type", meta.ProcessType), slog.String("process_id", processID.String()))
		return
	}

	if err := h.HandleReply(ctx, meta, reply); err != nil {
		r.log.Error("handle reply failed, leaving for redelivery", slog.String("process_id", processID.String()), slog.String("error", err.Error()))
		return
	}

	if _, err := r.queue.Delete(ctx, nil, queueName, msg.ID); err != nil {
		r.log.Error("delete after reply handled failed", slog.String("process_id", processID.String()), slog.String("error", err.Error()))
	}
}
