package tcc

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/jinzhu/gorm"
	"github.com/pingcap/errors"
)

// Storage is the durable log of transactions.
type Storage interface {
	// Save a newly created transaction.
	// Must be reliable.
	// Return a unique transaction ID.
	SaveTransaction(tx *Transaction) (id uint64, err error)

	// Save the decided action and its procedures.
	// Must be reliable.
	SaveTransactionAction(tx *Transaction) error

	// Save the final result of the transaction, it will not be loaded again.
	// Must be reliable.
	SaveTransactionResult(tx *Transaction, result Result) error

	// Save the execution result of a procedure.
	// Performance first, not necessarily reliable.
	SavePartnerResult(tx *Transaction, action Action, offset int, result Result) error

	// Return a procedure's result, or "" if unknown.
	GetPartnerResult(tx *Transaction, action Action, offset int) (Result, error)

	// Return all transactions without a final result.
	GetUnfinishedTransactions() ([]*Transaction, error)

	Close() error
}

// OpenStorage opens the storage selected by cfg.
// For type "db" the gorm dialect must have been imported by the caller.
func OpenStorage(cfg *StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "leveldb":
		return NewLevelStorage(cfg.Path)
	case "db":
		db, err := gorm.Open(cfg.Dialect, cfg.DSN)
		if err != nil {
			return nil, errors.Annotatef(err, "open %s", cfg.Dialect)
		}
		s := NewDBStorage(db)
		if err := s.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.Errorf("unknown storage type %q", cfg.Type)
	}
}

// txRecord is the persisted form of a Transaction.
type txRecord struct {
	ID         uint64
	Action     Action
	CreateTime time.Time
	BeginTime  time.Time
	EndTime    time.Time
	ExpireList []*Procedure
	ProcList   []*Procedure
}

func newTxRecord(tx *Transaction) *txRecord {
	tx.mu.RLock()
	defer tx.mu.RUnlock()
	return &txRecord{
		ID:         tx.id,
		Action:     tx.Action(),
		CreateTime: tx.createTime,
		BeginTime:  tx.beginTime,
		EndTime:    tx.endTime,
		ExpireList: tx.expireList,
		ProcList:   tx.procList,
	}
}

func (r *txRecord) transaction() *Transaction {
	tx := &Transaction{
		id:         r.ID,
		createTime: r.CreateTime,
		beginTime:  r.BeginTime,
		endTime:    r.EndTime,
		expireList: r.ExpireList,
		procList:   r.ProcList,
	}
	tx.status.Store(int32(r.Action))
	return tx
}

func encodeRecord(rec *txRecord) ([]byte, error) {
	var buffer bytes.Buffer
	if err := gob.NewEncoder(&buffer).Encode(rec); err != nil {
		return nil, errors.Annotate(err, "gob encode")
	}
	return buffer.Bytes(), nil
}

func decodeTransaction(data []byte) (*Transaction, error) {
	var rec txRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, errors.Annotate(err, "gob decode")
	}
	return rec.transaction(), nil
}
