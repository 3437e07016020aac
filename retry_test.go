package tcc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetrier struct {
	mu          sync.Mutex
	delay       time.Duration
	inFlight    int
	maxInFlight int
	calls       map[uint64]int
	issued      map[uint64][]time.Time
	// outcome decides the result of the n-th retry (1-based) of a transaction.
	outcome func(tx *Transaction, n int) Result
	// reject makes RetryAsync fail synchronously when it returns an error.
	reject func(tx *Transaction, n int) error
}

func newFakeRetrier(outcome func(tx *Transaction, n int) Result) *fakeRetrier {
	return &fakeRetrier{
		calls:   make(map[uint64]int),
		issued:  make(map[uint64][]time.Time),
		outcome: outcome,
	}
}

func (r *fakeRetrier) RetryAsync(tx *Transaction, watcher ResultWatcher) error {
	r.mu.Lock()
	r.calls[tx.ID()]++
	r.issued[tx.ID()] = append(r.issued[tx.ID()], time.Now())
	n := r.calls[tx.ID()]
	if r.reject != nil {
		if err := r.reject(tx, n); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
	r.mu.Unlock()

	go func() {
		time.Sleep(r.delay)
		result := r.outcome(tx, n)
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
		watcher.NotifyResult(&TxResult{ID: tx.ID(), Action: tx.Action(), Result: result})
	}()
	return nil
}

func (r *fakeRetrier) callCount(id uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func (r *fakeRetrier) issuedAt(id uint64) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.issued[id]...)
}

func (r *fakeRetrier) max() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxInFlight
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func decidedTx(table *TxTable, id uint64, action Action) *Transaction {
	tx := newTransaction(procs("undo"))
	tx.id = id
	switch action {
	case ActionConfirm:
		tx.Confirm(procs("p"))
	case ActionCancel:
		tx.Cancel(procs("p"))
	case ActionExpired:
		tx.Expire()
	}
	table.Put(tx)
	return tx
}

func newTestProcessor(retrier Retrier, table *TxTable, parallelism int) *RetryProcessor {
	return NewRetryProcessor(retrier, table, parallelism,
		WithRetryTimer(&FixedTimer{}, 10*time.Millisecond),
		WithRecoverPollInterval(5*time.Millisecond))
}

func TestRetryBoundedConcurrency(t *testing.T) {
	retrier := newFakeRetrier(func(tx *Transaction, n int) Result {
		if n == 1 {
			return Uncertain
		}
		return Success
	})
	retrier.delay = 20 * time.Millisecond

	table := NewTxTable()
	p := newTestProcessor(retrier, table, 3)
	p.Start()
	defer p.Stop()

	for i := uint64(1); i <= 12; i++ {
		p.Process(decidedTx(table, i, ActionConfirm), 3)
	}

	waitFor(t, 5*time.Second, func() bool { return table.Len() == 0 })
	assert.True(t, retrier.max() <= 3, "max in flight %d", retrier.max())
	assert.True(t, retrier.max() >= 1)
	for i := uint64(1); i <= 12; i++ {
		assert.Equal(t, 2, retrier.callCount(i))
	}
	assert.Equal(t, 0, p.InFlight())
}

func TestRetryExhausted(t *testing.T) {
	retrier := newFakeRetrier(func(*Transaction, int) Result { return Uncertain })
	table := NewTxTable()
	p := newTestProcessor(retrier, table, 2)
	p.Start()
	defer p.Stop()

	tx := decidedTx(table, 1, ActionCancel)
	p.Process(tx, 2)

	waitFor(t, 2*time.Second, func() bool { return retrier.callCount(1) == 2 && p.InFlight() == 0 })
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 2, retrier.callCount(1))
	assert.Equal(t, 0, p.Pending())
	got, ok := table.Get(1)
	require.True(t, ok)
	assert.Equal(t, tx, got)
}

func TestRetryRejectedIsRequeued(t *testing.T) {
	retrier := newFakeRetrier(func(*Transaction, int) Result { return Success })
	retrier.reject = func(tx *Transaction, n int) error {
		if n == 1 {
			return errors.New("busy")
		}
		return nil
	}
	table := NewTxTable()
	p := newTestProcessor(retrier, table, 1)
	p.Start()
	defer p.Stop()

	p.Process(decidedTx(table, 1, ActionConfirm), 2)
	waitFor(t, 2*time.Second, func() bool { return table.Len() == 0 })
	assert.Equal(t, 2, retrier.callCount(1))
}

func TestRetryRejectedExhausted(t *testing.T) {
	retrier := newFakeRetrier(func(*Transaction, int) Result { return Success })
	retrier.reject = func(*Transaction, int) error { return ErrManagerStopped }
	table := NewTxTable()
	p := newTestProcessor(retrier, table, 1)
	p.Start()
	defer p.Stop()

	p.Process(decidedTx(table, 1, ActionConfirm), 1)
	waitFor(t, 2*time.Second, func() bool { return retrier.callCount(1) == 1 && p.Pending() == 0 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, retrier.callCount(1))
	assert.Equal(t, 1, table.Len())
}

func TestRetryTerminalFailureRemoves(t *testing.T) {
	retrier := newFakeRetrier(func(*Transaction, int) Result { return Fail })
	table := NewTxTable()
	p := newTestProcessor(retrier, table, 1)
	p.Start()
	defer p.Stop()

	p.Process(decidedTx(table, 1, ActionConfirm), 3)
	waitFor(t, 2*time.Second, func() bool { return table.Len() == 0 })
	assert.Equal(t, 1, retrier.callCount(1))
}

func TestRecover(t *testing.T) {
	retrier := newFakeRetrier(func(*Transaction, int) Result { return Uncertain })
	retrier.delay = 30 * time.Millisecond
	table := NewTxTable()
	decidedTx(table, 1, ActionConfirm)
	decidedTx(table, 2, ActionCancel)
	decidedTx(table, 3, ActionExpired)
	registered := decidedTx(table, 4, ActionRegistered)

	p := newTestProcessor(retrier, table, 1)
	p.Start()
	defer p.Stop()

	n, err := p.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, p.Pending())

	waitFor(t, 2*time.Second, func() bool { return p.InFlight() == 0 })
	for id := uint64(1); id <= 3; id++ {
		assert.Equal(t, 1, retrier.callCount(id))
		// One attempt per restart, a failure leaves the transaction for later.
		_, ok := table.Get(id)
		assert.True(t, ok)
	}
	assert.Equal(t, 0, retrier.callCount(4))
	assert.Equal(t, ActionRegistered, registered.Action())
	assert.Equal(t, 4, table.Len())
}

func TestRecoverCanceled(t *testing.T) {
	retrier := newFakeRetrier(func(*Transaction, int) Result { return Success })
	retrier.delay = 300 * time.Millisecond
	table := NewTxTable()
	decidedTx(table, 1, ActionConfirm)
	decidedTx(table, 2, ActionConfirm)

	// One spot busy for longer than the deadline, the second task stays queued.
	p := newTestProcessor(retrier, table, 1)
	p.Start()
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	n, err := p.Recover(ctx)
	assert.Equal(t, 2, n)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
}

func TestRecoverNotStarted(t *testing.T) {
	retrier := newFakeRetrier(func(*Transaction, int) Result { return Success })
	table := NewTxTable()
	decidedTx(table, 1, ActionConfirm)

	p := newTestProcessor(retrier, table, 1)
	n, err := p.Recover(context.Background())
	assert.Equal(t, 0, n)
	assert.Equal(t, ErrRetryStopped, err)
	assert.Equal(t, 0, p.Pending())

	p.Start()
	p.Stop()
	_, err = p.Recover(context.Background())
	assert.Equal(t, ErrRetryStopped, err)
}

func TestRecoverStoppedWhileWaiting(t *testing.T) {
	retrier := newFakeRetrier(func(*Transaction, int) Result { return Success })
	retrier.delay = 300 * time.Millisecond
	table := NewTxTable()
	decidedTx(table, 1, ActionConfirm)
	decidedTx(table, 2, ActionConfirm)

	p := newTestProcessor(retrier, table, 1)
	p.Start()

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Recover(context.Background())
		errCh <- err
	}()

	waitFor(t, time.Second, func() bool { return p.InFlight() == 1 })
	p.Stop()
	select {
	case err := <-errCh:
		assert.Equal(t, ErrRetryStopped, err)
	case <-time.After(time.Second):
		t.Fatal("recover still waiting after stop")
	}
}

// assertSpacing checks that consecutive retries of a transaction are at least interval apart.
func assertSpacing(t *testing.T, issued []time.Time, interval time.Duration) {
	for i := 1; i < len(issued); i++ {
		gap := issued[i].Sub(issued[i-1])
		assert.True(t, gap >= interval, "gap %d is %v, want at least %v", i, gap, interval)
	}
}

func TestRetryBackoffSpacing(t *testing.T) {
	const interval = 200 * time.Millisecond

	retrier := newFakeRetrier(func(*Transaction, int) Result { return Uncertain })
	table := NewTxTable()
	p := NewRetryProcessor(retrier, table, 1, WithRetryTimer(&FixedTimer{}, interval))
	p.Start()
	defer p.Stop()

	p.Process(decidedTx(table, 1, ActionConfirm), 3)
	waitFor(t, 3*time.Second, func() bool { return retrier.callCount(1) == 3 && p.InFlight() == 0 })

	issued := retrier.issuedAt(1)
	require.Len(t, issued, 3)
	assertSpacing(t, issued, interval)
}

func TestRetryRejectedBackoffSpacing(t *testing.T) {
	const interval = 200 * time.Millisecond

	retrier := newFakeRetrier(func(*Transaction, int) Result { return Success })
	retrier.reject = func(*Transaction, int) error { return errors.New("busy") }
	table := NewTxTable()
	p := NewRetryProcessor(retrier, table, 1, WithRetryTimer(&FixedTimer{}, interval))
	p.Start()
	defer p.Stop()

	p.Process(decidedTx(table, 1, ActionConfirm), 3)
	waitFor(t, 3*time.Second, func() bool { return retrier.callCount(1) == 3 && p.Pending() == 0 })

	issued := retrier.issuedAt(1)
	require.Len(t, issued, 3)
	assertSpacing(t, issued, interval)
	assert.Equal(t, 1, table.Len())
}

func TestRetryStop(t *testing.T) {
	retrier := newFakeRetrier(func(*Transaction, int) Result { return Success })
	p := newTestProcessor(retrier, NewTxTable(), 2)
	p.Start()

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop blocked")
	}
	// A second stop is a no-op.
	p.Stop()
}
