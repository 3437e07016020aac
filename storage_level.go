package tcc

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

const (
	levelSeqKey            = "tcc-seq"
	levelUnfinishedPrefix  = "tcc-unfinished-"
	levelTransactionPrefix = "tcc-transaction-"
)

// LevelStorage is a Storage implementation on an embedded goleveldb.
type LevelStorage struct {
	db *leveldb.DB
	wo *opt.WriteOptions

	mu  sync.Mutex
	seq uint64
}

var _ Storage = &LevelStorage{}

// NewLevelStorage opens (or creates) the database under path.
func NewLevelStorage(path string) (*LevelStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "open leveldb %s", path)
	}

	s := &LevelStorage{db: db, wo: &opt.WriteOptions{Sync: true}}
	value, err := db.Get([]byte(levelSeqKey), nil)
	switch {
	case err == leveldb.ErrNotFound:
	case err != nil:
		db.Close()
		return nil, errors.Annotate(err, "load sequence")
	default:
		s.seq = binary.BigEndian.Uint64(value)
	}

	log.Info("leveldb storage opened", zap.String("path", path), zap.Uint64("seq", s.seq))
	return s, nil
}

func (s *LevelStorage) transactionKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", levelTransactionPrefix, id))
}

func (s *LevelStorage) unfinishedKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", levelUnfinishedPrefix, id))
}

func (s *LevelStorage) resultKey(id uint64) []byte {
	return []byte(fmt.Sprintf("tcc-result-%v", id))
}

func (s *LevelStorage) partnerKey(id uint64, action Action, offset int) []byte {
	return []byte(fmt.Sprintf("tcc-partner-%v-%v-%v", id, action, offset))
}

// SaveTransaction allocates the next id and writes the transaction with it.
func (s *LevelStorage) SaveTransaction(tx *Transaction) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.seq + 1
	rec := newTxRecord(tx)
	rec.ID = id
	content, err := encodeRecord(rec)
	if err != nil {
		return 0, err
	}

	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, id)

	batch := new(leveldb.Batch)
	batch.Put([]byte(levelSeqKey), seq)
	batch.Put(s.transactionKey(id), content)
	batch.Put(s.unfinishedKey(id), []byte(strconv.FormatUint(id, 10)))
	if err := s.db.Write(batch, s.wo); err != nil {
		return 0, errors.Annotate(err, "db write")
	}

	s.seq = id
	return id, nil
}

func (s *LevelStorage) SaveTransactionAction(tx *Transaction) error {
	content, err := encodeRecord(newTxRecord(tx))
	if err != nil {
		return err
	}

	if err := s.db.Put(s.transactionKey(tx.ID()), content, s.wo); err != nil {
		return errors.Annotate(err, "db put")
	}
	return nil
}

func (s *LevelStorage) SaveTransactionResult(tx *Transaction, result Result) error {
	content, err := encodeRecord(newTxRecord(tx))
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(s.transactionKey(tx.ID()), content)
	batch.Put(s.resultKey(tx.ID()), []byte(result))
	batch.Delete(s.unfinishedKey(tx.ID()))
	if err := s.db.Write(batch, s.wo); err != nil {
		return errors.Annotate(err, "db write")
	}

	log.Debug("transaction result saved", zap.Uint64("txid", tx.ID()), zap.String("result", string(result)))
	return nil
}

func (s *LevelStorage) SavePartnerResult(tx *Transaction, action Action, offset int, result Result) error {
	if err := s.db.Put(s.partnerKey(tx.ID(), action, offset), []byte(result), nil); err != nil {
		return errors.Annotate(err, "db put")
	}
	return nil
}

func (s *LevelStorage) GetPartnerResult(tx *Transaction, action Action, offset int) (Result, error) {
	value, err := s.db.Get(s.partnerKey(tx.ID(), action, offset), nil)
	if err == leveldb.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", errors.Annotate(err, "db get")
	}
	return Result(value), nil
}

// GetTransactionResult returns the final result, or "" if the transaction is unfinished.
func (s *LevelStorage) GetTransactionResult(id uint64) (Result, error) {
	value, err := s.db.Get(s.resultKey(id), nil)
	if err == leveldb.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", errors.Annotate(err, "db get")
	}
	return Result(value), nil
}

func (s *LevelStorage) GetUnfinishedTransactions() (txs []*Transaction, err error) {
	var ids [][]byte

	iterator := s.db.NewIterator(util.BytesPrefix([]byte(levelUnfinishedPrefix)), nil)
	for iterator.Next() {
		ids = append(ids, append([]byte(nil), iterator.Value()...))
	}
	err = iterator.Error()
	iterator.Release()
	if err != nil {
		return nil, errors.Annotate(err, "iterate unfinished")
	}

	for _, raw := range ids {
		id, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return nil, errors.Annotatef(err, "parse id %q", raw)
		}

		value, err := s.db.Get(s.transactionKey(id), nil)
		if err != nil {
			return nil, errors.Annotatef(err, "get transaction %d", id)
		}

		tx, err := decodeTransaction(value)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}

	return txs, nil
}

func (s *LevelStorage) Close() error {
	return s.db.Close()
}
