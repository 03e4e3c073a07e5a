package execution

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sushant-115/gojotx/core/transaction"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ScheduledTask is run every Interval until the scheduler stops.
type ScheduledTask struct {
	Name     string
	Interval time.Duration
	Run      Task
}

// Scheduler runs periodic tasks on a fixed set of workers. A failing or
// panicking run is logged and counted, and the task stays scheduled.
type Scheduler struct {
	slots   chan transaction.WorkerID
	factory *Factory
	logger  *zap.Logger
	metrics *internaltelemetry.TxMetrics

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	stopped  atomic.Bool
	mu       sync.Mutex
	wg       sync.WaitGroup
}

func NewScheduler(workers int, factory *Factory, logger *zap.Logger, metrics *internaltelemetry.TxMetrics) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if metrics == nil {
		metrics = internaltelemetry.NewNoopTxMetrics()
	}
	slots := make(chan transaction.WorkerID, workers)
	for i := 0; i < workers; i++ {
		slots <- transaction.WorkerID("scheduled-" + strconv.Itoa(i))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		slots:    slots,
		factory:  factory,
		logger:   logger.Named("scheduler"),
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
	}
}

// Schedule starts running task at its interval.
func (s *Scheduler) Schedule(task ScheduledTask) error {
	if task.Run == nil || task.Interval <= 0 {
		return fmt.Errorf("%w: %q needs a run function and a positive interval", ErrInvalidTask, task.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return ErrSchedulerStopped
	}
	s.wg.Add(1)
	go s.loop(task)
	s.logger.Info("Scheduled task", zap.String("task", task.Name), zap.Duration("interval", task.Interval))
	return nil
}

func (s *Scheduler) loop(task ScheduledTask) {
	defer s.wg.Done()
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			s.logger.Debug("Scheduled task stopping", zap.String("task", task.Name))
			return
		case <-ticker.C:
			s.runOnce(task)
		}
	}
}

func (s *Scheduler) runOnce(task ScheduledTask) {
	var worker transaction.WorkerID
	select {
	case worker = <-s.slots:
	case <-s.stopChan:
		return
	}
	defer func() { s.slots <- worker }()
	defer s.factory.AfterExecute(context.WithoutCancel(s.ctx), worker, task.Name)

	if err := s.safeRun(task, worker); err != nil {
		s.logger.Error("Scheduled task failed, task stays scheduled",
			zap.String("task", task.Name), zap.String("worker", string(worker)), zap.Error(err))
		s.metrics.ScheduledFailureCounter.Add(s.ctx, 1)
	}
}

func (s *Scheduler) safeRun(task ScheduledTask, worker transaction.WorkerID) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in scheduled task", zap.String("task", task.Name), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task.Run(s.ctx, worker)
}

// Stop ends all loops and waits for running tasks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped.Swap(true) {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// ExpiredTransactionMonitor returns a task that reports transactions past
// their deadline. With endExpired set, transactions still live grace after
// their deadline are ended as the transaction manager would on timeout.
func ExpiredTransactionMonitor(tx *transaction.Coordinator, interval, grace time.Duration, endExpired bool, logger *zap.Logger) ScheduledTask {
	logger = logger.Named("tx_monitor")
	return ScheduledTask{
		Name:     "expired-transactions",
		Interval: interval,
		Run: func(ctx context.Context, _ transaction.WorkerID) error {
			now := time.Now()
			for _, e := range tx.Expired(now) {
				overdue := now.Sub(e.BeginTime.Add(e.Timeout))
				logger.Warn("Transaction past its deadline",
					zap.Uint64("txID", e.TxID), zap.String("worker", string(e.Worker)),
					zap.Time("beginTime", e.BeginTime), zap.Duration("timeout", e.Timeout), zap.Duration("overdue", overdue))
				if !endExpired || overdue < grace {
					continue
				}
				if err := tx.NotifyEnded(e.TxID, "timed out after "+e.Timeout.String()); err != nil {
					// committed or rolled back since the scan
					logger.Debug("Expired transaction already gone", zap.Uint64("txID", e.TxID), zap.Error(err))
				}
			}
			return nil
		},
	}
}
