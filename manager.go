package tcc

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// TxManager registers transactions, performs their actions and hands
// failed actions to the RetryProcessor.
type TxManager struct {
	storage Storage
	doer    Doer
	table   *TxTable
	retry   *RetryProcessor

	retryTimes          int
	invokeTimeout       time.Duration
	expireTimeout       time.Duration
	expireCheckInterval time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	stopped  atomic.Bool
	expiring atomic.Bool
	// wg tracks asynchronous retries and the expire loop.
	wg sync.WaitGroup
}

var _ Retrier = &TxManager{}

func NewTxManager(cfg *Config, storage Storage, invoker Invoker) *TxManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &TxManager{
		storage:             storage,
		doer:                NewSequenceDoer(storage, invoker),
		table:               NewTxTable(),
		retryTimes:          cfg.RetryTimes,
		invokeTimeout:       cfg.InvokeTimeout.Duration,
		expireTimeout:       cfg.ExpireTimeout.Duration,
		expireCheckInterval: cfg.ExpireCheckInterval.Duration,
		ctx:                 ctx,
		cancel:              cancel,
	}
	m.retry = NewRetryProcessor(m, m.table, cfg.Parallelism,
		WithRetryTimer(newTimer(cfg.RetryTimer), cfg.RetryInterval.Duration),
		WithRecoverPollInterval(cfg.RecoverPollInterval.Duration))
	return m
}

func (m *TxManager) Table() *TxTable {
	return m.table
}

func (m *TxManager) RetryProcessor() *RetryProcessor {
	return m.retry
}

// Load registers every unfinished transaction of the storage, so that Recover can drive them.
func (m *TxManager) Load() error {
	txs, err := m.storage.GetUnfinishedTransactions()
	if err != nil {
		return &LogError{Op: "load", Err: err}
	}

	for _, tx := range txs {
		m.table.Put(tx)
	}
	log.Info("unfinished transactions loaded", zap.Int("count", len(txs)))
	return nil
}

// Start starts the retry engine.
func (m *TxManager) Start() {
	m.retry.Start()
}

// StartExpire starts the expire loop if an expire timeout is set.
// It is started after Recover so that recovery only drives the previous instance's decisions.
func (m *TxManager) StartExpire() bool {
	if m.expireTimeout <= 0 || m.expireCheckInterval <= 0 || m.stopped.Load() {
		return false
	}
	if m.expiring.Swap(true) {
		return false
	}

	m.wg.Add(1)
	go m.expireLoop()
	return true
}

// Recover re-drives every decided transaction once and returns when the retry queue has drained.
func (m *TxManager) Recover(ctx context.Context) error {
	if _, err := m.retry.Recover(ctx); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Stop stops the retry engine and waits for the retries in flight.
func (m *TxManager) Stop() {
	if m.stopped.Swap(true) {
		return
	}
	m.retry.Stop()
	m.cancel()
	m.wg.Wait()
}

// CreateTx logs a new transaction and registers it.
// No transaction is registered when the log write fails.
func (m *TxManager) CreateTx(expireList []*Procedure) (*Transaction, error) {
	defaultMethod(expireList, MethodCancel)

	tx := newTransaction(expireList)
	id, err := m.storage.SaveTransaction(tx)
	if err != nil {
		return nil, &LogError{Op: "save transaction", Err: err}
	}

	tx.id = id
	m.table.Put(tx)
	return tx, nil
}

// Perform decides the action of transaction id and invokes its procedures.
// A *HeuristicsError means not every procedure succeeded and the action is being retried.
func (m *TxManager) Perform(ctx context.Context, id uint64, action Action, procs []*Procedure, timeout time.Duration) error {
	tx, ok := m.table.Get(id)
	if !ok {
		return &IllegalActionError{ID: id, Target: action, Actual: ActionUnknown}
	}

	var err error
	switch action {
	case ActionConfirm:
		err = tx.Confirm(procs)
	case ActionCancel:
		err = tx.Cancel(procs)
	default:
		return errors.Errorf("unsupported action %v", action)
	}
	if err != nil {
		return err
	}

	tx.SetBeginTime(time.Now())
	if err := m.storage.SaveTransactionAction(tx); err != nil {
		// The decision is made, keep driving it in this process.
		m.retry.Process(tx, m.retryTimes)
		return &LogError{Op: "save action", Err: err}
	}

	if timeout <= 0 {
		timeout = m.invokeTimeout
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	succeeded, failed, err := m.doer.Do(ictx, tx, action, procs)
	if failed == 0 {
		m.finish(tx, Success)
		return nil
	}

	code := CodeHeuristicMixed
	switch {
	case succeeded == 0:
		code = CodeRetrying
	case ictx.Err() == context.DeadlineExceeded:
		code = CodeHeuristicTimeout
	}

	log.Warn("transaction heuristic outcome",
		zap.Uint64("txid", id),
		zap.Stringer("action", action),
		zap.Stringer("code", code),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Error(err))
	m.retry.Process(tx, m.retryTimes)
	return &HeuristicsError{ID: id, Action: action, Code: code, Cause: err}
}

// finish logs the result and unregisters the transaction.
// A result that fails to be logged is only reported, the transaction is reloaded and driven again after a restart.
func (m *TxManager) finish(tx *Transaction, result Result) {
	tx.SetEndTime(time.Now())
	if err := m.storage.SaveTransactionResult(tx, result); err != nil {
		log.Error("save transaction result failed",
			zap.Uint64("txid", tx.ID()),
			zap.String("result", string(result)),
			zap.Error(err))
	}
	m.table.Remove(tx.ID())
}

// RetryAsync invokes the procedures of the decided action in the background
// and notifies watcher with the outcome.
func (m *TxManager) RetryAsync(tx *Transaction, watcher ResultWatcher) error {
	if m.stopped.Load() {
		return ErrManagerStopped
	}

	action := tx.Action()
	if !action.IsTerminal() {
		return errors.Errorf("transaction %d is %v, nothing to retry", tx.ID(), action)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		watcher.NotifyResult(m.redo(tx, action))
	}()
	return nil
}

func (m *TxManager) redo(tx *Transaction, action Action) *TxResult {
	ctx, cancel := context.WithTimeout(m.ctx, m.invokeTimeout)
	defer cancel()

	if tx.BeginTime().IsZero() {
		tx.SetBeginTime(time.Now())
	}

	result := &TxResult{ID: tx.ID(), Action: action}
	_, failed, err := m.doer.Do(ctx, tx, action, tx.Procedures())
	switch {
	case failed == 0:
		result.Result = Success
	case errors.Cause(err) == ErrProcedureNotFound:
		result.Result = Fail
		result.Err = err
		log.Error("transaction abandoned",
			zap.Uint64("txid", tx.ID()),
			zap.Stringer("action", action),
			zap.Error(err))
	default:
		result.Result = Uncertain
		result.Err = err
		return result
	}

	tx.SetEndTime(time.Now())
	if err := m.storage.SaveTransactionResult(tx, result.Result); err != nil {
		log.Error("save transaction result failed",
			zap.Uint64("txid", tx.ID()),
			zap.String("result", string(result.Result)),
			zap.Error(err))
	}
	return result
}

// ExpireStale expires registered transactions older than the expire timeout
// and hands them to the retry engine, which invokes their expire procedures.
func (m *TxManager) ExpireStale(now time.Time) int {
	expired := 0
	for _, tx := range m.table.Snapshot() {
		if tx.Action() != ActionRegistered || now.Sub(tx.LastTimestamp()) < m.expireTimeout {
			continue
		}
		// Losing the race against confirm or cancel is fine.
		if err := tx.Expire(); err != nil {
			continue
		}

		if err := m.storage.SaveTransactionAction(tx); err != nil {
			log.Error("save expire action failed", zap.Uint64("txid", tx.ID()), zap.Error(err))
		}
		m.retry.Process(tx, m.retryTimes)
		expired++
	}

	if expired > 0 {
		log.Info("stale transactions expired", zap.Int("count", expired))
	}
	return expired
}

func (m *TxManager) expireLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.expireCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.ExpireStale(now)
		}
	}
}
