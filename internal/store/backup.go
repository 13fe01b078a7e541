package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/serverbackup/internal/model"
)

const backupColumns = `id, status, progress_status, message, username, path, started_at, completed_at, updated_at`

type BackupStore struct {
	db *sql.DB
}

func NewBackupStore(db *sql.DB) *BackupStore {
	return &BackupStore{db: db}
}

// DB exposes the underlying handle for callers that need to snapshot it.
func (s *BackupStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackup(row rowScanner) (*model.Backup, error) {
	b := &model.Backup{}
	var progress, path sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&b.ID, &b.Status, &progress, &b.Message, &b.Username, &path, &b.StartedAt, &completedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.ProgressStatus = model.ProgressStatus(progress.String)
	b.Path = path.String
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return b, nil
}

// Create inserts a new in-progress backup at the STARTING stage.
func (s *BackupStore) Create(username string, startedAt time.Time) (*model.Backup, error) {
	now := startedAt.UTC()
	message := model.ProgressStarting.Description()
	result, err := s.db.Exec(
		`INSERT INTO server_backups (status, progress_status, message, username, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		model.BackupStatusInProgress, model.ProgressStarting, message, username, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create backup: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create backup: last insert id: %w", err)
	}
	return &model.Backup{
		ID:             id,
		Status:         model.BackupStatusInProgress,
		ProgressStatus: model.ProgressStarting,
		Message:        message,
		Username:       username,
		StartedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *BackupStore) GetByID(id int64) (*model.Backup, error) {
	b, err := scanBackup(s.db.QueryRow(
		`SELECT `+backupColumns+` FROM server_backups WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get backup %d: %w", id, err)
	}
	return b, nil
}

// Running returns the most recent in-progress backup, or nil.
func (s *BackupStore) Running() (*model.Backup, error) {
	b, err := scanBackup(s.db.QueryRow(
		`SELECT `+backupColumns+` FROM server_backups WHERE status = ? ORDER BY started_at DESC, id DESC LIMIT 1`,
		model.BackupStatusInProgress,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("running backup: %w", err)
	}
	return b, nil
}

func (s *BackupStore) List(limit int) ([]model.Backup, error) {
	rows, err := s.db.Query(
		`SELECT `+backupColumns+` FROM server_backups ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var backups []model.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, *b)
	}
	return backups, rows.Err()
}

func (s *BackupStore) UpdateProgress(id int64, progress model.ProgressStatus, message string) error {
	_, err := s.db.Exec(
		`UPDATE server_backups SET progress_status = ?, message = ?, updated_at = ? WHERE id = ?`,
		progress, message, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update backup progress: %w", err)
	}
	return nil
}

func (s *BackupStore) UpdatePath(id int64, path string) error {
	_, err := s.db.Exec(
		`UPDATE server_backups SET path = ?, updated_at = ? WHERE id = ?`,
		path, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update backup path: %w", err)
	}
	return nil
}

// Finish moves a backup to a terminal status.
func (s *BackupStore) Finish(id int64, status model.BackupStatus, message string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish backup %d: %q is not a terminal status", id, status)
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE server_backups SET status = ?, message = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		status, message, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("finish backup: %w", err)
	}
	return nil
}

// FailInterrupted marks backups left in progress by a previous process as
// failed and returns how many were changed.
func (s *BackupStore) FailInterrupted(message string) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE server_backups SET status = ?, message = ?, completed_at = ?, updated_at = ? WHERE status = ?`,
		model.BackupStatusError, message, now, now, model.BackupStatusInProgress,
	)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted backups: %w", err)
	}
	return result.RowsAffected()
}

// DeleteOlderThan deletes finished backups started before the given time and
// returns their backup directories.
func (s *BackupStore) DeleteOlderThan(before time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT path FROM server_backups WHERE started_at < ? AND status != ?`,
		before, model.BackupStatusInProgress,
	)
	if err != nil {
		return nil, fmt.Errorf("select old backups: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path sql.NullString
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scan backup path: %w", err)
		}
		if path.String != "" {
			paths = append(paths, path.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	_, err = s.db.Exec(
		`DELETE FROM server_backups WHERE started_at < ? AND status != ?`,
		before, model.BackupStatusInProgress,
	)
	if err != nil {
		return nil, fmt.Errorf("delete old backups: %w", err)
	}
	return paths, nil
}

func (s *BackupStore) LatestCompleted() (*model.Backup, error) {
	b, err := scanBackup(s.db.QueryRow(
		`SELECT `+backupColumns+` FROM server_backups WHERE status = ? ORDER BY completed_at DESC LIMIT 1`,
		model.BackupStatusCompleted,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest completed backup: %w", err)
	}
	return b, nil
}
