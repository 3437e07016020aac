package tcc

import (
	"context"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Coordinator is the entry point of begin, confirm and cancel requests.
// The sequence id identifies the request for logging only.
type Coordinator struct {
	manager *TxManager
}

func NewCoordinator(manager *TxManager) *Coordinator {
	return &Coordinator{manager: manager}
}

// Begin registers a transaction with the procedures to call if it expires.
func (c *Coordinator) Begin(sequenceID int32, expireList []*Procedure) (uint64, error) {
	tx, err := c.manager.CreateTx(expireList)
	if err != nil {
		log.Error("transaction register error", zap.Int32("seq", sequenceID), zap.Error(err))
		return 0, err
	}
	return tx.ID(), nil
}

func (c *Coordinator) Confirm(ctx context.Context, sequenceID int32, id uint64, procs []*Procedure) (ResultCode, error) {
	return c.perform(ctx, sequenceID, id, ActionConfirm, procs, 0)
}

func (c *Coordinator) ConfirmTimeout(ctx context.Context, sequenceID int32, id uint64, timeout time.Duration, procs []*Procedure) (ResultCode, error) {
	return c.perform(ctx, sequenceID, id, ActionConfirm, procs, timeout)
}

func (c *Coordinator) Cancel(ctx context.Context, sequenceID int32, id uint64, procs []*Procedure) (ResultCode, error) {
	return c.perform(ctx, sequenceID, id, ActionCancel, procs, 0)
}

func (c *Coordinator) CancelTimeout(ctx context.Context, sequenceID int32, id uint64, timeout time.Duration, procs []*Procedure) (ResultCode, error) {
	return c.perform(ctx, sequenceID, id, ActionCancel, procs, timeout)
}

// perform returns the heuristic code of a partial failure, and an error only
// when the action could not be taken at all.
func (c *Coordinator) perform(ctx context.Context, sequenceID int32, id uint64, action Action, procs []*Procedure, timeout time.Duration) (ResultCode, error) {
	method := MethodConfirm
	if action == ActionCancel {
		method = MethodCancel
	}
	defaultMethod(procs, method)

	err := c.manager.Perform(ctx, id, action, procs, timeout)
	if err == nil {
		return CodeOK, nil
	}
	if e, ok := IsHeuristics(err); ok {
		return e.Code, nil
	}

	if _, ok := IsIllegalAction(err); ok {
		log.Warn("transaction "+action.String()+" rejected",
			zap.Int32("seq", sequenceID), zap.Uint64("txid", id), zap.Error(err))
	} else {
		log.Error("transaction "+action.String()+" error",
			zap.Int32("seq", sequenceID), zap.Uint64("txid", id), zap.Error(err))
	}
	return CodeOK, err
}
