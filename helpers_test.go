package tcc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pingcap/errors"
)

// memStorage keeps the transaction log in memory and can be told to fail.
type memStorage struct {
	mu       sync.Mutex
	nextID   uint64
	saveErr  error
	txs      map[uint64]*txRecord
	results  map[uint64]Result
	partners map[string]Result
}

func newMemStorage() *memStorage {
	return &memStorage{
		txs:      make(map[uint64]*txRecord),
		results:  make(map[uint64]Result),
		partners: make(map[string]Result),
	}
}

func (s *memStorage) SaveTransaction(tx *Transaction) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return 0, s.saveErr
	}
	s.nextID++
	rec := newTxRecord(tx)
	rec.ID = s.nextID
	s.txs[rec.ID] = rec
	return rec.ID, nil
}

func (s *memStorage) SaveTransactionAction(tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.ID()] = newTxRecord(tx)
	return nil
}

func (s *memStorage) SaveTransactionResult(tx *Transaction, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.ID()] = newTxRecord(tx)
	s.results[tx.ID()] = result
	return nil
}

func (s *memStorage) partnerKey(tx *Transaction, action Action, offset int) string {
	return fmt.Sprintf("%d-%v-%d", tx.ID(), action, offset)
}

func (s *memStorage) SavePartnerResult(tx *Transaction, action Action, offset int, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partners[s.partnerKey(tx, action, offset)] = result
	return nil
}

func (s *memStorage) GetPartnerResult(tx *Transaction, action Action, offset int) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partners[s.partnerKey(tx, action, offset)], nil
}

func (s *memStorage) GetUnfinishedTransactions() ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var txs []*Transaction
	for id, rec := range s.txs {
		if _, ok := s.results[id]; !ok {
			txs = append(txs, rec.transaction())
		}
	}
	return txs, nil
}

func (s *memStorage) Close() error {
	return nil
}

func (s *memStorage) result(id uint64) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[id]
}

// participants answers invocations by service name and counts the calls.
type participants struct {
	mu       sync.Mutex
	failures map[string]int // service -> failures left, -1 fails forever
	missing  map[string]bool
	calls    map[string]int
}

func newParticipants() *participants {
	return &participants{
		failures: make(map[string]int),
		missing:  make(map[string]bool),
		calls:    make(map[string]int),
	}
}

func (p *participants) fail(service string, times int) {
	p.mu.Lock()
	p.failures[service] = times
	p.mu.Unlock()
}

func (p *participants) Invoke(ctx context.Context, txID uint64, proc *Procedure, action Action) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[proc.Service]++
	if p.missing[proc.Service] {
		return errors.Trace(ErrProcedureNotFound)
	}
	switch n := p.failures[proc.Service]; {
	case n < 0:
		return errors.Errorf("%s unavailable", proc.Service)
	case n > 0:
		p.failures[proc.Service] = n - 1
		return errors.Errorf("%s unavailable", proc.Service)
	}
	return nil
}

func (p *participants) callCount(service string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[service]
}

func testConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Parallelism = 4
	cfg.RetryTimes = 3
	cfg.RetryInterval = NewDuration(10 * time.Millisecond)
	cfg.InvokeTimeout = NewDuration(time.Second)
	cfg.RecoverPollInterval = NewDuration(5 * time.Millisecond)
	cfg.ExpireTimeout = NewDuration(time.Hour)
	cfg.ExpireCheckInterval = NewDuration(time.Hour)
	return cfg
}

func procs(services ...string) []*Procedure {
	var ps []*Procedure
	for _, s := range services {
		ps = append(ps, &Procedure{Service: s})
	}
	return ps
}
