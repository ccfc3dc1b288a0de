package history

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const DefaultListLimit = 50

type Store interface {
	RecordOutcomes(records []TransferRecord) error
	ListRun(runID string) ([]TransferRecord, error)
	ListRecent(limit int) ([]TransferRecord, error)
}

type GormStore struct {
	db         *gorm.DB
	txAttempts int
}

// NewGormStore wraps db. txRetry is the configured number of attempts for each
// write transaction; anything below 3 is raised to 3.
func NewGormStore(db *gorm.DB, txRetry int) *GormStore {
	return &GormStore{db: db, txAttempts: txAttempts(txRetry)}
}

func (s *GormStore) RecordOutcomes(records []TransferRecord) error {
	if len(records) == 0 {
		return nil
	}

	err := withTxRetry(s.db, s.txAttempts, func(tx *gorm.DB) error {
		// A rolled back attempt leaves ids behind in the slice, so each attempt inserts fresh copies.
		toInsert := make([]TransferRecord, len(records))
		copy(toInsert, records)
		for i := range toInsert {
			toInsert[i].ID = 0
		}
		return tx.CreateInBatches(toInsert, 100).Error
	})

	return errors.Wrapf(err, "unable to record %d transfers", len(records))
}

// ListRun returns the records of a run in the order they were recorded.
func (s *GormStore) ListRun(runID string) ([]TransferRecord, error) {
	var records []TransferRecord
	err := s.db.Where("run_id = ?", runID).Order("id").Find(&records).Error
	return records, errors.Wrapf(err, "unable to list run %s", runID)
}

// ListRecent returns the newest limit records, newest first.
func (s *GormStore) ListRecent(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var records []TransferRecord
	err := s.db.Order("id desc").Limit(limit).Find(&records).Error
	return records, errors.Wrap(err, "unable to list recent transfers")
}

type InMemoryStore struct {
	mu      sync.Mutex
	records []TransferRecord
	nextID  int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{nextID: 1}
}

func (s *InMemoryStore) RecordOutcomes(records []TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		r.ID = s.nextID
		s.nextID++
		s.records = append(s.records, r)
	}
	return nil
}

func (s *InMemoryStore) ListRun(runID string) ([]TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []TransferRecord
	for _, r := range s.records {
		if r.RunID == runID {
			records = append(records, r)
		}
	}
	return records, nil
}

func (s *InMemoryStore) ListRecent(limit int) ([]TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = DefaultListLimit
	}

	records := append([]TransferRecord(nil), s.records...)
	sort.Slice(records, func(i, j int) bool { return records[i].ID > records[j].ID })
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
