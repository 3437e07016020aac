package tcc

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// TxResult is the outcome of an asynchronous retry.
// Result is Success, Fail (terminal, not worth retrying) or Uncertain (retryable).
type TxResult struct {
	ID     uint64
	Action Action
	Result Result
	Err    error
}

// ResultWatcher is notified once when an asynchronous retry completes.
type ResultWatcher interface {
	NotifyResult(result *TxResult)
}

// Retrier drives the procedures of a decided transaction again.
// RetryAsync must not block; when it returns an error the watcher is never notified.
type Retrier interface {
	RetryAsync(tx *Transaction, watcher ResultWatcher) error
}

type retryOptions struct {
	timer         Timer
	interval      time.Duration
	pollInterval  time.Duration
	progressEvery int
}

type RetryOption func(*retryOptions)

// WithRetryTimer sets how the next fire time of a failed retry is computed.
func WithRetryTimer(timer Timer, interval time.Duration) RetryOption {
	return func(o *retryOptions) {
		o.timer = timer
		o.interval = interval
	}
}

// WithRecoverPollInterval sets how often Recover checks the pending queue.
func WithRecoverPollInterval(interval time.Duration) RetryOption {
	return func(o *retryOptions) {
		o.pollInterval = interval
	}
}

func repairRetryOptions(o *retryOptions) {
	if o.timer == nil {
		o.timer = &FixedTimer{}
	}
	if o.interval <= 0 {
		o.interval = defaultRetryInterval
	}
	if o.pollInterval <= 0 {
		o.pollInterval = defaultRecoverPollInterval
	}
	if o.progressEvery <= 0 {
		o.progressEvery = 5
	}
}

// RetryProcessor retries decided transactions with at most len(spots) retries in flight.
// Each spot owns a watcher, so a completion is routed back to the spot that issued it.
type RetryProcessor struct {
	retrier Retrier
	table   *TxTable
	opts    retryOptions

	queue *delayQueue

	mu       sync.Mutex
	spots    []*retryTask
	watchers []*spotWatcher
	// free holds the indexes of empty spots.
	free chan int

	stopped atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRetryProcessor(retrier Retrier, table *TxTable, parallelism int, opts ...RetryOption) *RetryProcessor {
	if parallelism <= 0 {
		parallelism = 1
	}

	p := &RetryProcessor{
		retrier:  retrier,
		table:    table,
		queue:    newDelayQueue(),
		spots:    make([]*retryTask, parallelism),
		watchers: make([]*spotWatcher, parallelism),
		free:     make(chan int, parallelism),
	}
	for _, opt := range opts {
		opt(&p.opts)
	}
	repairRetryOptions(&p.opts)

	for i := 0; i < parallelism; i++ {
		p.watchers[i] = &spotWatcher{p: p, index: i}
		p.free <- i
	}
	return p
}

// Start runs the main loop in the background.
func (p *RetryProcessor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop wakes the main loop out of its waits and waits for it to exit.
// Retries already in flight still report to their watchers.
func (p *RetryProcessor) Stop() {
	if p.stopped.Swap(true) || p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *RetryProcessor) run(ctx context.Context) {
	defer close(p.done)

	for {
		index, err := p.acquire(ctx)
		if err != nil {
			return
		}

		task, err := p.queue.Take(ctx)
		if err != nil {
			p.release(index)
			return
		}

		p.execute(index, task)
	}
}

func (p *RetryProcessor) acquire(ctx context.Context) (int, error) {
	select {
	case index := <-p.free:
		return index, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *RetryProcessor) release(index int) {
	p.free <- index
}

func (p *RetryProcessor) execute(index int, task *retryTask) {
	p.mu.Lock()
	p.spots[index] = task
	p.mu.Unlock()

	task.times--
	task.tried++
	if err := p.retrier.RetryAsync(task.tx, p.watchers[index]); err != nil {
		p.mu.Lock()
		p.spots[index] = nil
		p.mu.Unlock()
		p.release(index)

		log.Warn("issue retry failed",
			zap.Uint64("txid", task.tx.ID()),
			zap.Stringer("action", task.tx.Action()),
			zap.Int("left", task.times),
			zap.Error(err))
		p.requeue(task)
	}
}

// requeue puts a failed task back with a later fire time, or drops it once its attempts are used up.
// A dropped transaction stays in the table.
func (p *RetryProcessor) requeue(task *retryTask) {
	if task.delay(p.opts.timer.CalcRetryTime(task.tried, p.opts.interval)) {
		p.queue.Offer(task)
		return
	}

	log.Error("retry "+task.tx.Action().String()+" failed",
		zap.Uint64("txid", task.tx.ID()),
		zap.Int("tried", task.tried))
}

// processResult handles a completion reported by the watcher of spot index.
// Success and terminal failure remove the transaction, retryable failure requeues it.
func (p *RetryProcessor) processResult(index int, result *TxResult) {
	p.mu.Lock()
	task := p.spots[index]
	p.spots[index] = nil
	p.mu.Unlock()

	if result.Result == Uncertain && task != nil {
		log.Warn("retry failed",
			zap.Uint64("txid", result.ID),
			zap.Stringer("action", result.Action),
			zap.Int("left", task.times),
			zap.Error(result.Err))
		p.requeue(task)
	} else {
		p.table.Remove(result.ID)
		log.Debug("retry finished",
			zap.Uint64("txid", result.ID),
			zap.Stringer("action", result.Action),
			zap.String("result", string(result.Result)))
	}

	p.release(index)
}

// Process queues a transaction for retry with the given attempt budget.
func (p *RetryProcessor) Process(tx *Transaction, times int) {
	if times <= 0 {
		times = 1
	}
	p.queue.Offer(&retryTask{tx: tx, ts: time.Now(), times: times})
}

// Pending returns the number of tasks waiting in the queue.
func (p *RetryProcessor) Pending() int {
	return p.queue.Len()
}

// InFlight returns the number of occupied spots.
func (p *RetryProcessor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, task := range p.spots {
		if task != nil {
			n++
		}
	}
	return n
}

// Recover queues every decided transaction of the table for one retry and
// blocks until the pending queue has drained. Registered transactions are left alone.
// It returns ErrRetryStopped when the processor is not started or stops before the queue drains.
func (p *RetryProcessor) Recover(ctx context.Context) (int, error) {
	if p.done == nil || p.stopped.Load() {
		return 0, ErrRetryStopped
	}

	var confirmCount, cancelCount, expireCount int
	for _, tx := range p.table.Snapshot() {
		switch tx.Action() {
		case ActionConfirm:
			confirmCount++
		case ActionCancel:
			cancelCount++
		case ActionExpired:
			expireCount++
		default:
			continue
		}
		p.Process(tx, 1)
	}

	log.Info("init retrying tasks",
		zap.Int("confirm", confirmCount),
		zap.Int("cancel", cancelCount),
		zap.Int("expire", expireCount))

	ticker := time.NewTicker(p.opts.pollInterval)
	defer ticker.Stop()

	count := 0
	for p.queue.Len() != 0 {
		select {
		case <-ctx.Done():
			return confirmCount + cancelCount + expireCount, ctx.Err()
		case <-p.done:
			return confirmCount + cancelCount + expireCount, ErrRetryStopped
		case <-ticker.C:
		}
		count++
		if count%p.opts.progressEvery == 0 {
			log.Info("retry queue left task count", zap.Int("count", p.queue.Len()))
		}
	}

	return confirmCount + cancelCount + expireCount, nil
}

type spotWatcher struct {
	p     *RetryProcessor
	index int
}

func (w *spotWatcher) NotifyResult(result *TxResult) {
	w.p.processResult(w.index, result)
}
