package tcc

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
)

const delayQueueDegree = 8

// retryTask is one outstanding retry of a decided transaction.
type retryTask struct {
	tx *Transaction
	ts time.Time
	// times is the number of attempts left, tried the number issued.
	times int
	tried int
	seq   uint64
}

var _ btree.Item = &retryTask{}

// Less orders tasks by fire time, then by admission order.
func (t *retryTask) Less(other btree.Item) bool {
	o := other.(*retryTask)
	if !t.ts.Equal(o.ts) {
		return t.ts.Before(o.ts)
	}
	return t.seq < o.seq
}

// delay reschedules the task at ts when it has attempts left.
func (t *retryTask) delay(ts time.Time) bool {
	if t.times <= 0 {
		return false
	}
	t.ts = ts
	return true
}

// delayQueue hands out tasks once their fire time has arrived.
type delayQueue struct {
	mu     sync.Mutex
	tree   *btree.BTree
	seq    uint64
	wakeup chan struct{}
}

func newDelayQueue() *delayQueue {
	return &delayQueue{
		tree:   btree.New(delayQueueDegree),
		wakeup: make(chan struct{}, 1),
	}
}

// Offer inserts the task. It must not be in the queue already.
func (q *delayQueue) Offer(t *retryTask) {
	q.mu.Lock()
	q.seq++
	t.seq = q.seq
	q.tree.ReplaceOrInsert(t)
	q.mu.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

func (q *delayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}

// Take removes and returns the earliest task, blocking until it is due.
func (q *delayQueue) Take(ctx context.Context) (*retryTask, error) {
	for {
		q.mu.Lock()
		var wait time.Duration
		if item := q.tree.Min(); item != nil {
			t := item.(*retryTask)
			wait = time.Until(t.ts)
			if wait <= 0 {
				q.tree.DeleteMin()
				q.mu.Unlock()
				return t, nil
			}
		}
		q.mu.Unlock()

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
		case <-q.wakeup:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}
