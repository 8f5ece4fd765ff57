package certificate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

type SqliteStore struct {
	db *sql.DB
}

func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer; also keeps ":memory:" databases on one connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SqliteStore{db: db}
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return store, nil
}

func (s *SqliteStore) Init() error {
	// Submissions journal
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS submissions (
			id TEXT PRIMARY KEY,
			certificate_hash TEXT NOT NULL,
			content_id TEXT NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			confirmations INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_submissions_hash ON submissions (certificate_hash);
		CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions (status);
	`)
	if err != nil {
		return fmt.Errorf("failed to create submissions table: %w", err)
	}

	// Configuration table
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create configuration table: %w", err)
	}

	// Credentials table
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create credentials table: %w", err)
	}

	// Issuance status table
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS issuance_status (
			id INTEGER PRIMARY KEY,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			last_updated INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create issuance_status table: %w", err)
	}

	// Kill switch attempts table
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kill_switch_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			attempt_type TEXT NOT NULL,
			attempted_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create kill_switch_attempts table: %w", err)
	}

	// Initialize issuance status if not exists
	var count int
	err = s.db.QueryRow("SELECT COUNT(*) FROM issuance_status").Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check issuance status: %w", err)
	}
	if count == 0 {
		_, err = s.db.Exec("INSERT INTO issuance_status (id, is_active, last_updated) VALUES (1, 1, ?)", time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to initialize issuance status: %w", err)
		}
	}

	return nil
}

// Ping verifies the database is still reachable.
func (s *SqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// CreateSubmission journals a new store attempt.
func (s *SqliteStore) CreateSubmission(sub Submission) error {
	_, err := s.db.Exec(
		`INSERT INTO submissions (id, certificate_hash, content_id, tx_hash, status, confirmations, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Hash, sub.ContentID, sub.TxHash, string(sub.Status), int64(sub.Confirmations), sub.Error,
		sub.CreatedAt.UnixMilli(), sub.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}

// UpdateSubmission persists the outcome fields of a submission.
func (s *SqliteStore) UpdateSubmission(sub Submission) error {
	res, err := s.db.Exec(
		`UPDATE submissions SET tx_hash = ?, status = ?, confirmations = ?, error = ?, updated_at = ? WHERE id = ?`,
		sub.TxHash, string(sub.Status), int64(sub.Confirmations), sub.Error, sub.UpdatedAt.UnixMilli(), sub.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update submission %s: %w", sub.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("submission %s does not exist", sub.ID)
	}
	return nil
}

const submissionColumns = "id, certificate_hash, content_id, tx_hash, status, confirmations, error, created_at, updated_at"

// GetSubmissions retrieves all submissions, newest first.
func (s *SqliteStore) GetSubmissions() ([]Submission, error) {
	return s.querySubmissions("SELECT " + submissionColumns + " FROM submissions ORDER BY created_at DESC, rowid DESC")
}

// GetSubmissionsByHash retrieves the submissions for one certificate hash, oldest first.
func (s *SqliteStore) GetSubmissionsByHash(hash string) ([]Submission, error) {
	return s.querySubmissions("SELECT "+submissionColumns+" FROM submissions WHERE certificate_hash = ? ORDER BY created_at ASC, rowid ASC", hash)
}

// GetUnsettledSubmissions retrieves submissions still awaiting an outcome.
func (s *SqliteStore) GetUnsettledSubmissions() ([]Submission, error) {
	return s.querySubmissions(
		"SELECT "+submissionColumns+" FROM submissions WHERE status IN (?, ?) ORDER BY created_at ASC, rowid ASC",
		string(StatusPending), string(StatusTimeout),
	)
}

// CountUnsettledSubmissions counts submissions still awaiting an outcome.
func (s *SqliteStore) CountUnsettledSubmissions() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM submissions WHERE status IN (?, ?)", string(StatusPending), string(StatusTimeout)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsettled submissions: %w", err)
	}
	return count, nil
}

func (s *SqliteStore) querySubmissions(query string, args ...any) ([]Submission, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Error("failed to close submissions query", "err", closeErr)
		}
	}()

	var subs []Submission
	for rows.Next() {
		var (
			sub                  Submission
			status               string
			confirmations        int64
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&sub.ID, &sub.Hash, &sub.ContentID, &sub.TxHash, &status, &confirmations, &sub.Error, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan submission row: %w", err)
		}
		sub.Status = SubmissionStatus(status)
		sub.Confirmations = uint64(confirmations)
		sub.CreatedAt = time.UnixMilli(createdAt)
		sub.UpdatedAt = time.UnixMilli(updatedAt)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate submissions: %w", err)
	}

	return subs, nil
}

// GetConfigValue retrieves a configuration value.
func (s *SqliteStore) GetConfigValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM configuration WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get config value for key %s: %w", key, err)
	}
	return value, nil
}

// SetConfigValue sets a configuration value.
func (s *SqliteStore) SetConfigValue(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO configuration (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("failed to set config value for key %s: %w", key, err)
	}
	return nil
}

// GetCredential retrieves a credential value.
func (s *SqliteStore) GetCredential(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM credentials WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get credential for key %s: %w", key, err)
	}
	return value, nil
}

// SetCredential sets a credential value.
func (s *SqliteStore) SetCredential(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO credentials (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("failed to set credential for key %s: %w", key, err)
	}
	return nil
}

// GetIssuanceStatus reports whether issuance is enabled.
func (s *SqliteStore) GetIssuanceStatus() (bool, error) {
	var isActive bool
	err := s.db.QueryRow("SELECT is_active FROM issuance_status WHERE id = 1").Scan(&isActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// If no status exists, default to active
			return true, nil
		}
		return false, fmt.Errorf("failed to get issuance status: %w", err)
	}
	return isActive, nil
}

// SetIssuanceStatus enables or disables issuance.
func (s *SqliteStore) SetIssuanceStatus(isActive bool) error {
	_, err := s.db.Exec("UPDATE issuance_status SET is_active = ?, last_updated = ? WHERE id = 1", isActive, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set issuance status: %w", err)
	}
	return nil
}

// RecordKillSwitchAttempt records a kill switch attempt.
func (s *SqliteStore) RecordKillSwitchAttempt(attemptType string) error {
	_, err := s.db.Exec("INSERT INTO kill_switch_attempts (attempt_type, attempted_at) VALUES (?, ?)", attemptType, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record kill switch attempt: %w", err)
	}
	return nil
}

// GetRecentKillSwitchAttempts counts attempts of a type within the specified duration.
func (s *SqliteStore) GetRecentKillSwitchAttempts(attemptType string, duration time.Duration) (int, error) {
	cutoff := time.Now().Add(-duration).UnixMilli()
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM kill_switch_attempts WHERE attempt_type = ? AND attempted_at >= ?",
		attemptType, cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get recent kill switch attempts: %w", err)
	}
	return count, nil
}

// CleanupOldKillSwitchAttempts removes old kill switch attempts.
func (s *SqliteStore) CleanupOldKillSwitchAttempts(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	_, err := s.db.Exec("DELETE FROM kill_switch_attempts WHERE attempted_at < ?", cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup old kill switch attempts: %w", err)
	}
	return nil
}
