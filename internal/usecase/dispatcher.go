package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/billing-verify-processor/internal/config"
	"gitlab.com/timkado/api/billing-verify-processor/internal/observer"
	"gitlab.com/timkado/api/billing-verify-processor/internal/tenant"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
)

// CallScheduler runs call triggers in the background.
type CallScheduler interface {
	Submit(ctx context.Context, req CallRequest) error
	Stop()
}

// CallTrigger is the work a dispatched task performs.
type CallTrigger interface {
	Trigger(ctx context.Context, req CallRequest) (TriggerOutcome, error)
}

type callTask struct {
	ctx context.Context // detached from the delivery that scheduled it
	req CallRequest
}

// CallDispatcher places calls on an ants pool so message handling never waits on the
// call-placing service.
type CallDispatcher struct {
	pool       *ants.PoolWithFunc
	trigger    CallTrigger
	timeout    time.Duration
	baseLogger *zap.Logger
}

var _ CallScheduler = (*CallDispatcher)(nil)

// NewCallDispatcher creates the pool. timeout bounds one trigger, including the
// call-placing request.
func NewCallDispatcher(cfg config.WorkerPoolConfig, trigger CallTrigger, timeout time.Duration, baseLogger *zap.Logger) (*CallDispatcher, error) {
	d := &CallDispatcher{
		trigger:    trigger,
		timeout:    timeout,
		baseLogger: baseLogger.Named("call_dispatcher"),
	}

	pool, err := ants.NewPoolWithFunc(cfg.PoolSize, func(i interface{}) {
		task, ok := i.(callTask)
		if !ok {
			d.baseLogger.Error("Invalid task data type received", zap.Any("data", i))
			return
		}
		d.run(task)
	},
		ants.WithExpiryDuration(cfg.ExpiryTime),
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(cfg.MaxBlock),
		ants.WithPanicHandler(func(p interface{}) {
			d.baseLogger.Error("Panic recovered in call dispatcher", zap.Any("panic_error", p), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create call dispatcher pool: %w", err)
	}
	d.pool = pool
	d.baseLogger.Info("Call dispatcher pool initialized",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("max_block", cfg.MaxBlock),
		zap.Duration("expiry_time", cfg.ExpiryTime),
	)
	return d, nil
}

// Submit queues req. The task keeps the tenant and logger of ctx but not its deadline
// or cancellation.
func (d *CallDispatcher) Submit(ctx context.Context, req CallRequest) error {
	taskCtx := tenant.Detach(ctx)
	taskCtx = tenant.WithMessageID(taskCtx, req.MessageID)
	taskCtx = logger.WithLogger(taskCtx, logger.FromContextOr(ctx, d.baseLogger))

	observer.IncCallTasksSubmitted(req.CompanyID)
	observer.SetCallQueueLength(d.pool.Waiting())

	if err := d.pool.Invoke(callTask{ctx: taskCtx, req: req}); err != nil {
		d.baseLogger.Warn("Failed to submit call task to pool",
			zap.String("message_id", req.MessageID),
			zap.String("company_id", req.CompanyID),
			zap.Error(err))
		if errors.Is(err, ants.ErrPoolOverload) {
			return fmt.Errorf("call dispatcher overload: %w", err)
		}
		return fmt.Errorf("failed to invoke call task: %w", err)
	}
	return nil
}

func (d *CallDispatcher) run(task callTask) {
	ctx, cancel := context.WithTimeout(task.ctx, d.timeout)
	defer cancel()

	start := time.Now()
	outcome, err := d.trigger.Trigger(ctx, task.req)
	log := logger.FromContext(ctx).With(
		zap.String("outcome", string(outcome)),
		zap.Duration("duration", time.Since(start)))
	if err != nil {
		log.Error("Call task failed", zap.Error(err))
		return
	}
	log.Debug("Call task finished")
}

// Stop waits for running tasks up to timeout and releases the pool.
func (d *CallDispatcher) Stop() {
	if d.pool == nil {
		return
	}
	d.baseLogger.Info("Releasing call dispatcher pool")
	start := time.Now()
	if err := d.pool.ReleaseTimeout(d.timeout); err != nil {
		d.baseLogger.Warn("Call dispatcher did not drain in time", zap.Error(err))
	}
	d.baseLogger.Info("Call dispatcher pool released", zap.Duration("duration", time.Since(start)))
}
