package tcc

import (
	"context"
	"fmt"

	"github.com/pingcap/errors"
)

const (
	MethodConfirm = "confirm"
	MethodCancel  = "cancel"
)

// Procedure describes one participant operation.
// Service locates the participant, Method names the operation to call on it.
type Procedure struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Version int    `json:"version,omitempty"`
	Params  []byte `json:"params,omitempty"`
}

func (p *Procedure) String() string {
	return fmt.Sprintf("%s/%s", p.Service, p.Method)
}

// ErrProcedureNotFound means the participant does not know the procedure.
// Calls failing with it are never retried.
var ErrProcedureNotFound = errors.New("procedure not found")

// Invoker calls a procedure on its participant.
// A nil error means the participant accepted the action.
type Invoker interface {
	Invoke(ctx context.Context, txID uint64, proc *Procedure, action Action) error
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, txID uint64, proc *Procedure, action Action) error

func (f InvokerFunc) Invoke(ctx context.Context, txID uint64, proc *Procedure, action Action) error {
	return f(ctx, txID, proc, action)
}

// defaultMethod fills in the method of procedures that have none.
func defaultMethod(procs []*Procedure, method string) {
	for _, proc := range procs {
		if proc.Method == "" {
			proc.Method = method
		}
	}
}
