package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/serverbackup/internal/metrics"
	"github.com/dukerupert/serverbackup/internal/model"
	"github.com/dukerupert/serverbackup/internal/store"
	"github.com/juju/clock"
)

// ErrBackupInProgress is returned by Start while another backup is running.
var ErrBackupInProgress = errors.New("another backup is already in progress")

const (
	MsgCompleted           = "Backup was generated successfully."
	MsgScriptSucceeded     = "Backup was generated successfully. Post backup script executed successfully."
	MsgScriptFailed        = "Backup was generated successfully. Post backup script exited with an error, check the server log for details."
	MsgInterrupted         = "Backup was interrupted by a server restart."
	failedMessagePrefix    = "Failed to perform backup. Reason: "
	defaultBackupDir       = "serverBackups"
	defaultRetentionDays   = 30
	defaultScriptTimeout   = 5 * time.Minute
	scheduleCheckInterval  = time.Minute
	backupDirPrefix        = "backup_"
	backupDirTimestampForm = "20060102-150405"
)

// FailedMessage is the terminal message stored for a backup that failed.
func FailedMessage(reason string) string {
	return failedMessagePrefix + reason
}

// Config holds backup manager configuration.
type Config struct {
	// BackupDir is the parent of every backup_<timestamp> directory.
	BackupDir        string
	ConfigDir        string
	WrapperConfigDir string
	ConfigRepoDir    string
	ServerVersion    string

	// Passphrase encrypts the database copy when set.
	Passphrase       string
	PostBackupScript string
	ScriptTimeout    time.Duration

	// ScheduleHour is the UTC hour for the daily backup. Negative disables it.
	ScheduleHour  int
	RetentionDays int

	S3 S3Config
}

// State represents the backup manager state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateError   State = "error"
)

// Status holds the current backup manager status.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
	InProgress bool       `json:"in_progress"`
}

// StatusCallback is called with the backup row after every transition.
type StatusCallback func(model.Backup)

// Notifier is told about finished backups.
type Notifier interface {
	BackupCompleted(b model.Backup) error
	BackupFailed(b model.Backup, reason string) error
}

type Option func(*Manager)

func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func withS3Client(c s3Client) Option {
	return func(m *Manager) {
		m.client = c
	}
}

// Manager runs server backups, one at a time.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	status   Status
	callback StatusCallback
	logger   *slog.Logger

	store    *store.BackupStore
	client   s3Client
	notifier Notifier
	metrics  *metrics.Metrics
	clock    clock.Clock

	current   *model.Backup
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// NewManager creates a new backup manager.
func NewManager(cfg Config, bs *store.BackupStore, callback StatusCallback, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.BackupDir == "" {
		cfg.BackupDir = defaultBackupDir
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = defaultScriptTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:      cfg,
		store:    bs,
		callback: callback,
		logger:   logger,
		clock:    clock.WallClock,
		status:   Status{State: StateIdle},
	}
	if cfg.S3.Enabled() {
		m.client = newS3Client(cfg.S3)
	}
	for _, opt := range opts {
		opt(m)
	}

	if last, err := bs.LatestCompleted(); err == nil && last != nil && last.CompletedAt != nil {
		t := *last.CompletedAt
		m.status.LastBackup = &t
	}
	return m
}

// Status returns the current manager status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Running returns the backup currently in progress, if any.
func (m *Manager) Running() (model.Backup, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return model.Backup{}, false
	}
	return *m.current, true
}

// Start records a new backup and runs it in the background. The backup keeps
// running after ctx is cancelled; use Stop to abort it.
func (m *Manager) Start(ctx context.Context, username string) (model.Backup, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return model.Backup{}, ErrBackupInProgress
	}

	b, err := m.store.Create(username, m.clock.Now())
	if err != nil {
		m.mu.Unlock()
		return model.Backup{}, fmt.Errorf("start backup: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	snapshot := *b
	m.current = &snapshot
	m.runCancel = cancel
	m.runDone = done
	m.status = Status{State: StateRunning, InProgress: true, LastBackup: m.status.LastBackup}
	m.mu.Unlock()

	m.logger.Info("backup started", "id", b.ID, "user", username)
	m.metrics.BackupStarted()
	m.emit(*b)

	go func() {
		defer close(done)
		defer cancel()
		m.run(runCtx, *b)
	}()
	return *b, nil
}

// Stop cancels a running backup and waits for it to finish.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.runCancel
	done := m.runDone
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Wait blocks until the running backup, if any, has finished.
func (m *Manager) Wait() {
	m.mu.RLock()
	done := m.runDone
	m.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// Run checks the backup schedule and retention policy every minute until ctx
// is cancelled. A running backup is stopped before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	defer m.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(untilNextCheck(m.clock.Now())):
			m.checkSchedule(ctx)
		}
	}
}

// untilNextCheck returns the wait until the next whole minute, so slow checks
// do not drift past minute 0.
func untilNextCheck(now time.Time) time.Duration {
	return now.Truncate(scheduleCheckInterval).Add(scheduleCheckInterval).Sub(now)
}

func (m *Manager) checkSchedule(ctx context.Context) {
	now := m.clock.Now().UTC()
	if now.Minute() != 0 {
		return
	}

	if m.cfg.ScheduleHour >= 0 && now.Hour() == m.cfg.ScheduleHour {
		if _, err := m.Start(ctx, ""); err != nil {
			if errors.Is(err, ErrBackupInProgress) {
				m.logger.Info("skipping scheduled backup, one is already running")
			} else {
				m.logger.Error("scheduled backup failed to start", "error", err)
			}
		}
	}

	if m.cfg.RetentionDays > 0 {
		if err := m.Cleanup(ctx, m.cfg.RetentionDays); err != nil {
			m.logger.Error("backup cleanup failed", "error", err)
		}
	}
}

// Cleanup deletes finished backups older than the retention period along
// with their directories.
func (m *Manager) Cleanup(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}

	before := m.clock.Now().UTC().AddDate(0, 0, -retentionDays)
	paths, err := m.store.DeleteOlderThan(before)
	if err != nil {
		return fmt.Errorf("delete old backups: %w", err)
	}

	root, err := filepath.Abs(m.cfg.BackupDir)
	if err != nil {
		return fmt.Errorf("resolve backup dir: %w", err)
	}
	for _, p := range paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		abs, err := filepath.Abs(p)
		if err != nil || !strings.HasPrefix(abs, root+string(filepath.Separator)) {
			m.logger.Warn("not removing backup outside backup dir", "path", p)
			continue
		}
		if err := os.RemoveAll(abs); err != nil {
			m.logger.Warn("failed to remove old backup", "path", abs, "error", err)
		}
	}
	if len(paths) > 0 {
		m.logger.Info("removed old backups", "count", len(paths), "before", before)
	}
	return nil
}

func (m *Manager) emit(b model.Backup) {
	if m.callback != nil {
		m.callback(b)
	}
}

// advance persists a new sub-stage for the running backup.
func (m *Manager) advance(j *job, progress model.ProgressStatus) {
	msg := progress.Description()
	if err := m.store.UpdateProgress(j.backup.ID, progress, msg); err != nil {
		m.logger.Warn("failed to record backup progress", "id", j.backup.ID, "progress", progress, "error", err)
	}
	j.backup.ProgressStatus = progress
	j.backup.Message = msg
	j.backup.UpdatedAt = m.clock.Now().UTC()

	m.mu.Lock()
	snapshot := j.backup
	m.current = &snapshot
	m.mu.Unlock()

	m.logger.Debug("backup progress", "id", j.backup.ID, "progress", progress)
	m.emit(j.backup)
}

func (m *Manager) run(ctx context.Context, b model.Backup) {
	j := &job{backup: b, started: b.StartedAt.UTC()}

	if err := m.runStages(ctx, j); err != nil {
		m.fail(ctx, j, err)
		return
	}

	message := MsgCompleted
	status := model.BackupStatusCompleted
	if m.cfg.PostBackupScript != "" {
		m.advance(j, model.ProgressPostBackupScriptStart)
		if err := m.runScript(ctx, j, true); err != nil {
			m.logger.Error("post backup script failed", "id", j.backup.ID, "error", err)
			message = MsgScriptFailed
			status = model.BackupStatusError
		} else {
			message = MsgScriptSucceeded
		}
		m.advance(j, model.ProgressPostBackupScriptComplete)
	}

	m.finish(j, status, message)
	m.logger.Info("backup finished", "id", j.backup.ID, "status", status, "path", j.dir)
	if m.notifier != nil {
		if err := m.notifier.BackupCompleted(j.backup); err != nil {
			m.logger.Warn("failed to send backup completion notice", "error", err)
		}
	}
}

func (m *Manager) fail(ctx context.Context, j *job, err error) {
	reason := err.Error()
	if errors.Is(err, context.Canceled) {
		reason = "backup was cancelled"
	}
	m.logger.Error("backup failed", "id", j.backup.ID, "error", err)

	if j.dir != "" {
		if rmErr := os.RemoveAll(j.dir); rmErr != nil {
			m.logger.Warn("failed to remove partial backup", "path", j.dir, "error", rmErr)
		}
	}
	if m.cfg.PostBackupScript != "" && ctx.Err() == nil {
		if scriptErr := m.runScript(ctx, j, false); scriptErr != nil {
			m.logger.Error("post backup script failed", "id", j.backup.ID, "error", scriptErr)
		}
	}

	m.finish(j, model.BackupStatusError, FailedMessage(reason))
	if m.notifier != nil {
		if err := m.notifier.BackupFailed(j.backup, reason); err != nil {
			m.logger.Warn("failed to send backup failure notice", "error", err)
		}
	}
}

// finish stores the terminal state and releases the running slot.
func (m *Manager) finish(j *job, status model.BackupStatus, message string) {
	if err := m.store.Finish(j.backup.ID, status, message); err != nil {
		m.logger.Error("failed to record backup result", "id", j.backup.ID, "error", err)
	}

	now := m.clock.Now().UTC()
	j.backup.Status = status
	j.backup.Message = message
	j.backup.CompletedAt = &now
	j.backup.UpdatedAt = now
	if stored, err := m.store.GetByID(j.backup.ID); err == nil && stored != nil {
		j.backup = *stored
	}

	m.mu.Lock()
	m.current = nil
	m.runCancel = nil
	switch status {
	case model.BackupStatusCompleted:
		m.status = Status{State: StateIdle, LastBackup: &now}
	default:
		m.status = Status{State: StateError, Error: message, LastBackup: m.status.LastBackup}
	}
	m.mu.Unlock()

	m.metrics.BackupFinished(string(status))
	m.emit(j.backup)
}
