package tcc

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Action is the status of a transaction.
// Every transition departs from ActionRegistered and is terminal.
type Action int32

const (
	ActionUnknown Action = iota
	ActionRegistered
	ActionConfirm
	ActionCancel
	ActionExpired
)

var actionNames = map[Action]string{
	ActionUnknown:    "UNKNOWN",
	ActionRegistered: "REGISTERED",
	ActionConfirm:    "CONFIRM",
	ActionCancel:     "CANCEL",
	ActionExpired:    "EXPIRED",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", int32(a))
}

// IsTerminal reports whether the action is a decided outcome.
func (a Action) IsTerminal() bool {
	return a == ActionConfirm || a == ActionCancel || a == ActionExpired
}

// IllegalActionError is returned when a decision is attempted on a transaction
// that has already been decided, or that is not registered.
type IllegalActionError struct {
	ID     uint64
	Target Action
	Actual Action
}

func (e *IllegalActionError) Error() string {
	return fmt.Sprintf("illegal action on transaction %d: want %v, current %v", e.ID, e.Target, e.Actual)
}

// Transaction is one TCC unit of work.
// Its id is assigned by the storage before the transaction is registered and never changes.
type Transaction struct {
	id         uint64
	createTime time.Time
	status     atomic.Int32

	mu         sync.RWMutex
	beginTime  time.Time
	endTime    time.Time
	expireList []*Procedure
	// procList is shared by confirm and cancel, only the winning action sets it.
	procList []*Procedure
}

func newTransaction(expireList []*Procedure) *Transaction {
	tx := &Transaction{
		createTime: time.Now(),
		expireList: expireList,
	}
	tx.status.Store(int32(ActionRegistered))
	return tx
}

func (tx *Transaction) ID() uint64 {
	return tx.id
}

func (tx *Transaction) CreateTime() time.Time {
	return tx.createTime
}

func (tx *Transaction) BeginTime() time.Time {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.beginTime
}

func (tx *Transaction) SetBeginTime(t time.Time) {
	tx.mu.Lock()
	tx.beginTime = t
	tx.mu.Unlock()
}

func (tx *Transaction) EndTime() time.Time {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.endTime
}

func (tx *Transaction) SetEndTime(t time.Time) {
	tx.mu.Lock()
	tx.endTime = t
	tx.mu.Unlock()
}

// Action returns the current status.
func (tx *Transaction) Action() Action {
	return Action(tx.status.Load())
}

func (tx *Transaction) ExpireList() []*Procedure {
	return tx.expireList
}

func (tx *Transaction) ConfirmList() []*Procedure {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return tx.procList
}

// CancelList returns the same list as ConfirmList.
func (tx *Transaction) CancelList() []*Procedure {
	return tx.ConfirmList()
}

// Procedures returns the procedures to invoke for the decided action.
func (tx *Transaction) Procedures() []*Procedure {
	if tx.Action() == ActionExpired {
		return tx.expireList
	}
	return tx.ConfirmList()
}

func (tx *Transaction) Confirm(procs []*Procedure) error {
	return tx.decide(ActionConfirm, procs)
}

func (tx *Transaction) Cancel(procs []*Procedure) error {
	return tx.decide(ActionCancel, procs)
}

func (tx *Transaction) Expire() error {
	if !tx.status.CAS(int32(ActionRegistered), int32(ActionExpired)) {
		return &IllegalActionError{ID: tx.id, Target: ActionExpired, Actual: tx.Action()}
	}
	return nil
}

func (tx *Transaction) decide(target Action, procs []*Procedure) error {
	// The lock makes procList visible to anyone who observes the new status through it.
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if !tx.status.CAS(int32(ActionRegistered), int32(target)) {
		return &IllegalActionError{ID: tx.id, Target: target, Actual: tx.Action()}
	}
	tx.procList = procs
	return nil
}

// LastTimestamp returns the end time if set, else the begin time if set, else the create time.
func (tx *Transaction) LastTimestamp() time.Time {
	tx.mu.RLock()
	defer tx.mu.RUnlock()

	switch {
	case !tx.endTime.IsZero():
		return tx.endTime
	case !tx.beginTime.IsZero():
		return tx.beginTime
	default:
		return tx.createTime
	}
}
