package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"gwi.com/report-studio/internal/report"
)

var (
	ErrNotFound = errors.New("saved report not found")
	ErrClosed   = errors.New("report store is closed")
)

// SavedReport is a titled snapshot of a conversation message holding a
// report. CreatedAt is in epoch milliseconds.
type SavedReport struct {
	ID        int64          `json:"id"`
	Title     string         `json:"title"`
	CreatedAt int64          `json:"createdAt"`
	Message   report.Message `json:"message"`
}

// ReportStore persists saved reports. Implementations are opened once at
// startup and shared; every call after Close fails with ErrClosed.
type ReportStore interface {
	Create(ctx context.Context, title string, msg report.Message) (int64, error)
	Update(ctx context.Context, id int64, title string, msg report.Message) error
	Get(ctx context.Context, id int64) (*SavedReport, error)
	List(ctx context.Context) ([]SavedReport, error)
	Delete(ctx context.Context, id int64) error
	Close() error
}

// Open constructs the store selected by driver ("sqlite" or "badger").
func Open(driver, dsn string) (ReportStore, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return NewSQLiteStore(dsn)
	case "badger":
		return NewBadgerStore(dsn)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}

type lifecycle struct {
	closed atomic.Bool
}

func (l *lifecycle) check() error {
	if l.closed.Load() {
		return ErrClosed
	}
	return nil
}

// markClosed reports whether this call performed the transition.
func (l *lifecycle) markClosed() bool {
	return l.closed.CompareAndSwap(false, true)
}

// sortNewestFirst orders by creation time, newest first, breaking ties by id.
func sortNewestFirst(reports []SavedReport) {
	sort.SliceStable(reports, func(i, j int) bool {
		if reports[i].CreatedAt != reports[j].CreatedAt {
			return reports[i].CreatedAt > reports[j].CreatedAt
		}
		return reports[i].ID > reports[j].ID
	})
}
