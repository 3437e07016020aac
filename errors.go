package tcc

import (
	"fmt"

	"github.com/pingcap/errors"
)

type Result string

const (
	// Use for procedures or transactions.
	Success   Result = "success"
	Fail      Result = "fail"
	Uncertain Result = "uncertain"
)

// ResultCode is returned to callers of confirm and cancel.
// Zero is success, anything else signals a heuristic outcome.
type ResultCode int16

const (
	CodeOK ResultCode = iota
	// All participants failed, the action is being retried.
	CodeRetrying
	// Some participants committed and some did not.
	CodeHeuristicMixed
	// The synchronous phase timed out after a part of the participants committed.
	CodeHeuristicTimeout
)

func (c ResultCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeRetrying:
		return "retrying"
	case CodeHeuristicMixed:
		return "heuristic-mixed"
	case CodeHeuristicTimeout:
		return "heuristic-timeout"
	default:
		return fmt.Sprintf("code-%d", int16(c))
	}
}

// HeuristicsError reports that the participants did not all succeed.
// It is not fatal: the action has been handed to the retry engine.
type HeuristicsError struct {
	ID     uint64
	Action Action
	Code   ResultCode
	Cause  error
}

func (e *HeuristicsError) Error() string {
	return fmt.Sprintf("transaction %d %v heuristic outcome %v: %v", e.ID, e.Action, e.Code, e.Cause)
}

// LogError is a failure of the durable transaction log.
type LogError struct {
	Op  string
	Err error
}

func (e *LogError) Error() string {
	return fmt.Sprintf("tx log %s failed: %v", e.Op, e.Err)
}

var (
	ErrManagerStopped = errors.New("tx manager stopped")
	ErrRetryStopped   = errors.New("retry processor is not running")
)

// IsIllegalAction reports whether err is an illegal action and returns it.
func IsIllegalAction(err error) (*IllegalActionError, bool) {
	e, ok := errors.Cause(err).(*IllegalActionError)
	return e, ok
}

// IsHeuristics reports whether err is a heuristic outcome and returns it.
func IsHeuristics(err error) (*HeuristicsError, bool) {
	e, ok := errors.Cause(err).(*HeuristicsError)
	return e, ok
}

// IsLogError reports whether err comes from the transaction log and returns it.
func IsLogError(err error) (*LogError, bool) {
	e, ok := errors.Cause(err).(*LogError)
	return e, ok
}
