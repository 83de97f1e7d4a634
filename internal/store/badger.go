package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"gwi.com/report-studio/internal/report"
)

const (
	reportKeyPrefix = "report:"
	reportSeqKey    = "seq:report"
)

// BadgerStore keeps saved reports in an embedded key-value database. Ids
// come from a Badger sequence so they grow with creation order.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
	lifecycle
}

// NewBadgerStore opens the database at dbPath. An empty path keeps
// everything in memory.
func NewBadgerStore(dbPath string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // Disable badger logging for cleaner output

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	seq, err := db.GetSequence([]byte(reportSeqKey), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open id sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func (s *BadgerStore) Close() error {
	if !s.markClosed() {
		return nil
	}
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to release id sequence: %w", err)
	}
	return s.db.Close()
}

func reportKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", reportKeyPrefix, id))
}

func (s *BadgerStore) nextID() (int64, error) {
	n, err := s.seq.Next()
	if err != nil {
		return 0, err
	}
	return int64(n) + 1, nil
}

func (s *BadgerStore) Create(_ context.Context, title string, msg report.Message) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	id, err := s.nextID()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate report id: %w", err)
	}
	data, err := json.Marshal(SavedReport{ID: id, Title: title, CreatedAt: time.Now().UnixMilli(), Message: msg})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal report: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(reportKey(id), data)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store report: %w", err)
	}
	return id, nil
}

func (s *BadgerStore) Update(_ context.Context, id int64, title string, msg report.Message) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		existing, err := getReport(txn, id)
		if err != nil {
			return err
		}
		existing.Title = title
		existing.Message = msg
		data, err := json.Marshal(existing)
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		return txn.Set(reportKey(id), data)
	})
}

func (s *BadgerStore) Get(_ context.Context, id int64) (*SavedReport, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var r *SavedReport
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		r, err = getReport(txn, id)
		return err
	})
	return r, err
}

func getReport(txn *badger.Txn, id int64) (*SavedReport, error) {
	item, err := txn.Get(reportKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read report %d: %w", id, err)
	}
	var r SavedReport
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode report %d: %w", id, err)
	}
	return &r, nil
}

func (s *BadgerStore) List(_ context.Context) ([]SavedReport, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	reports := []SavedReport{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(reportKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r SavedReport
				if err := json.Unmarshal(val, &r); err != nil {
					return err
				}
				reports = append(reports, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	sortNewestFirst(reports)
	return reports, nil
}

func (s *BadgerStore) Delete(_ context.Context, id int64) error {
	if err := s.check(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(reportKey(id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	return nil
}
