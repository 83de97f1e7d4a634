package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"gwi.com/report-studio/internal/report"
)

type SQLiteStore struct {
	db *sql.DB
	lifecycle
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if !s.markClosed() {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS saved_reports (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        title TEXT NOT NULL,
        created_at INTEGER NOT NULL, -- epoch millis
        message_json TEXT NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_saved_reports_created_at ON saved_reports (created_at);
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, title string, msg report.Message) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	messageJSON, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO saved_reports (title, created_at, message_json) VALUES (?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare report insert: %w", err)
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, title, time.Now().UnixMilli(), string(messageJSON))
	if err != nil {
		return 0, fmt.Errorf("failed to execute report insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read report id: %w", err)
	}
	return id, nil
}

// Update replaces title and message, keeping id and creation time.
func (s *SQLiteStore) Update(ctx context.Context, id int64, title string, msg report.Message) error {
	if err := s.check(); err != nil {
		return err
	}
	messageJSON, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	stmt, err := s.db.PrepareContext(ctx, "UPDATE saved_reports SET title = ?, message_json = ? WHERE id = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare report update: %w", err)
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, title, string(messageJSON), id)
	if err != nil {
		return fmt.Errorf("failed to execute report update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*SavedReport, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, "SELECT id, title, created_at, message_json FROM saved_reports WHERE id = ?", id)
	r, err := scanReport(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]SavedReport, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT id, title, created_at, message_json FROM saved_reports ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	reports := []SavedReport{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report row: %w", err)
		}
		reports = append(reports, *r)
	}
	return reports, rows.Err()
}

// Delete removes a report. Deleting an unknown id is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM saved_reports WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*SavedReport, error) {
	var r SavedReport
	var messageJSON string
	if err := row.Scan(&r.ID, &r.Title, &r.CreatedAt, &messageJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(messageJSON), &r.Message); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message of report %d: %w", r.ID, err)
	}
	return &r, nil
}
