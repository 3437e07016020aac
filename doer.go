package tcc

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Doer runs the procedures of a decided action against their participants.
type Doer interface {
	// Do returns how many procedures succeeded and failed, and the first failure.
	Do(ctx context.Context, tx *Transaction, action Action, procs []*Procedure) (succeeded, failed int, err error)
}

// SequenceDoer invokes the procedures one by one.
// Procedures already recorded as successful are skipped, so a retry only
// drives the participants that have not committed yet.
type SequenceDoer struct {
	storage Storage
	invoker Invoker
}

func NewSequenceDoer(storage Storage, invoker Invoker) *SequenceDoer {
	return &SequenceDoer{storage: storage, invoker: invoker}
}

func (d *SequenceDoer) Do(ctx context.Context, tx *Transaction, action Action, procs []*Procedure) (succeeded, failed int, err error) {
	for i, proc := range procs {
		if d.partnerResult(tx, action, i) == Success {
			succeeded++
			continue
		}

		result := Success
		if perr := d.invoker.Invoke(ctx, tx.ID(), proc, action); perr != nil {
			result = Fail
			failed++
			log.Warn("procedure failed",
				zap.Uint64("txid", tx.ID()),
				zap.Stringer("action", action),
				zap.Stringer("procedure", proc),
				zap.Error(perr))
			// ErrProcedureNotFound wins over other errors, it decides that the retry is pointless.
			if err == nil || errors.Cause(perr) == ErrProcedureNotFound {
				err = errors.Annotatef(perr, "procedure %d %v", i, proc)
			}
		} else {
			succeeded++
		}

		if serr := d.storage.SavePartnerResult(tx, action, i, result); serr != nil {
			log.Warn("save partner result failed",
				zap.Uint64("txid", tx.ID()),
				zap.Int("offset", i),
				zap.Error(serr))
		}
	}

	return succeeded, failed, err
}

// partnerResult ignores storage errors, the procedure is simply invoked again.
func (d *SequenceDoer) partnerResult(tx *Transaction, action Action, offset int) Result {
	result, err := d.storage.GetPartnerResult(tx, action, offset)
	if err != nil {
		return ""
	}
	return result
}
