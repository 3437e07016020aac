package tcc

import (
	"encoding/base64"
	"time"

	"github.com/jinzhu/gorm"
	"github.com/pingcap/errors"
)

// DBStorage is a Storage implementation using DB.
// It depends on a gorm.DB.
type DBStorage struct {
	db *gorm.DB
}

var _ Storage = &DBStorage{}

// NewDBStorage returns a *DBStorage and needs to be injected into the gorm.DB.
func NewDBStorage(db *gorm.DB) *DBStorage {
	return &DBStorage{db: db}
}

/*
CREATE TABLE tcc_transactions (
	id         bigint UNSIGNED NOT NULL AUTO_INCREMENT,
	action     varchar(20) NOT NULL,
	result     enum('success', 'fail', '') NOT NULL,
	content    mediumtext,
	created_at timestamp NOT NULL,
	updated_at timestamp NOT NULL,

	PRIMARY KEY (id),
	KEY idx_result (result)
);
*/
type DBStorageTransaction struct {
	ID        uint64 `gorm:"primary_key"`
	Action    string
	Result    string `gorm:"index:idx_result"`
	Content   string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (*DBStorageTransaction) TableName() string {
	return "tcc_transactions"
}

/*
CREATE TABLE tcc_partner_result (
	id              bigint UNSIGNED NOT NULL AUTO_INCREMENT,
	transaction_id  bigint UNSIGNED NOT NULL,
	action          varchar(20) NOT NULL,
	proc_offset     int UNSIGNED NOT NULL,
	result          enum('success', 'fail', 'uncertain') NOT NULL,
	created_at      timestamp NOT NULL,
	updated_at      timestamp NOT NULL,

	PRIMARY KEY (id),
	UNIQUE KEY uni_tx_id (transaction_id, action, proc_offset)
);
*/
type DBStoragePartnerResult struct {
	ID            uint64 `gorm:"primary_key"`
	TransactionID uint64 `gorm:"unique_index:uni_tx_id"`
	Action        string `gorm:"unique_index:uni_tx_id"`
	ProcOffset    int    `gorm:"unique_index:uni_tx_id"`
	Result        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (*DBStoragePartnerResult) TableName() string {
	return "tcc_partner_result"
}

// Migrate creates the tables if they do not exist.
func (s *DBStorage) Migrate() error {
	if err := s.db.AutoMigrate(&DBStorageTransaction{}, &DBStoragePartnerResult{}).Error; err != nil {
		return errors.Annotate(err, "auto migrate")
	}
	return nil
}

// SaveTransaction save transaction data to db, the id comes from auto increment.
func (s *DBStorage) SaveTransaction(tx *Transaction) (uint64, error) {
	content, err := s.encode(tx)
	if err != nil {
		return 0, err
	}

	data := DBStorageTransaction{
		Action:  tx.Action().String(),
		Content: content,
	}

	if err := s.db.Create(&data).Error; err != nil {
		return 0, errors.Annotate(err, "db create")
	}

	return data.ID, nil
}

func (s *DBStorage) SaveTransactionAction(tx *Transaction) error {
	return s.update(tx, map[string]interface{}{
		"action": tx.Action().String(),
	})
}

// SaveTransactionResult save transaction results to db.
func (s *DBStorage) SaveTransactionResult(tx *Transaction, result Result) error {
	return s.update(tx, map[string]interface{}{
		"action": tx.Action().String(),
		"result": string(result),
	})
}

func (s *DBStorage) update(tx *Transaction, data map[string]interface{}) error {
	content, err := s.encode(tx)
	if err != nil {
		return err
	}
	data["content"] = content

	if err := s.db.Model(&DBStorageTransaction{}).Where("id=?", tx.ID()).Updates(data).Error; err != nil {
		return errors.Annotate(err, "db update")
	}
	return nil
}

// SavePartnerResult save the result of a procedure to db.
func (s *DBStorage) SavePartnerResult(tx *Transaction, action Action, offset int, result Result) error {
	var row DBStoragePartnerResult
	err := s.db.Where("transaction_id=? AND action=? AND proc_offset=?", tx.ID(), action.String(), offset).
		First(&row).Error
	switch {
	case gorm.IsRecordNotFoundError(err):
		row = DBStoragePartnerResult{
			TransactionID: tx.ID(),
			Action:        action.String(),
			ProcOffset:    offset,
			Result:        string(result),
		}
		if err := s.db.Create(&row).Error; err != nil {
			return errors.Annotate(err, "db create")
		}
	case err != nil:
		return errors.Annotate(err, "db find")
	default:
		if err := s.db.Model(&row).Update("result", string(result)).Error; err != nil {
			return errors.Annotate(err, "db update")
		}
	}

	return nil
}

// GetPartnerResult returns the execution result of a procedure.
func (s *DBStorage) GetPartnerResult(tx *Transaction, action Action, offset int) (Result, error) {
	var row DBStoragePartnerResult
	err := s.db.Where("transaction_id=? AND action=? AND proc_offset=?", tx.ID(), action.String(), offset).
		First(&row).Error
	if gorm.IsRecordNotFoundError(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Annotate(err, "db find")
	}

	return Result(row.Result), nil
}

// GetUnfinishedTransactions returns all transactions that have no result.
func (s *DBStorage) GetUnfinishedTransactions() (txs []*Transaction, err error) {
	var rows []DBStorageTransaction
	if err := s.db.Where("result=?", "").Order("id").Find(&rows).Error; err != nil {
		return nil, errors.Annotate(err, "db find")
	}

	for _, row := range rows {
		tx, err := s.decode(row.Content)
		if err != nil {
			return nil, errors.Annotatef(err, "decode transaction %d", row.ID)
		}

		tx.id = row.ID
		txs = append(txs, tx)
	}

	return txs, nil
}

func (s *DBStorage) Close() error {
	return s.db.Close()
}

func (s *DBStorage) encode(tx *Transaction) (string, error) {
	data, err := encodeRecord(newTxRecord(tx))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (s *DBStorage) decode(content string) (*Transaction, error) {
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, errors.Annotate(err, "base64 decode")
	}
	return decodeTransaction(data)
}
