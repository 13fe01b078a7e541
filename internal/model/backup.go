package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type BackupStatus string

const (
	BackupStatusNotStarted BackupStatus = "NOT_STARTED"
	BackupStatusInProgress BackupStatus = "IN_PROGRESS"
	BackupStatusCompleted  BackupStatus = "COMPLETED"
	BackupStatusError      BackupStatus = "ERROR"
)

var backupStatuses = []BackupStatus{
	BackupStatusNotStarted,
	BackupStatusInProgress,
	BackupStatusCompleted,
	BackupStatusError,
}

// IsTerminal reports whether no further progress can follow this status.
func (s BackupStatus) IsTerminal() bool {
	return s == BackupStatusCompleted || s == BackupStatusError
}

// ParseBackupStatus maps a wire value to a BackupStatus.
func ParseBackupStatus(v string) (BackupStatus, error) {
	for _, s := range backupStatuses {
		if string(s) == v {
			return s, nil
		}
	}
	return "", &UnknownValueError{Kind: "status", Value: v}
}

func (s *BackupStatus) UnmarshalJSON(data []byte) error {
	var v *string
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if v == nil {
		*s = ""
		return nil
	}
	parsed, err := ParseBackupStatus(*v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ProgressStatus is the sub-stage a running backup reports. The order of
// progressStatuses is the order the server walks through them.
type ProgressStatus string

const (
	ProgressStarting                 ProgressStatus = "STARTING"
	ProgressCreatingDir              ProgressStatus = "CREATING_DIR"
	ProgressBackupVersionFile        ProgressStatus = "BACKUP_VERSION_FILE"
	ProgressBackupConfig             ProgressStatus = "BACKUP_CONFIG"
	ProgressBackupWrapperConfig      ProgressStatus = "BACKUP_WRAPPER_CONFIG"
	ProgressBackupConfigRepo         ProgressStatus = "BACKUP_CONFIG_REPO"
	ProgressBackupDatabase           ProgressStatus = "BACKUP_DATABASE"
	ProgressPostBackupScriptStart    ProgressStatus = "POST_BACKUP_SCRIPT_START"
	ProgressPostBackupScriptComplete ProgressStatus = "POST_BACKUP_SCRIPT_COMPLETE"
)

var progressStatuses = []ProgressStatus{
	ProgressStarting,
	ProgressCreatingDir,
	ProgressBackupVersionFile,
	ProgressBackupConfig,
	ProgressBackupWrapperConfig,
	ProgressBackupConfigRepo,
	ProgressBackupDatabase,
	ProgressPostBackupScriptStart,
	ProgressPostBackupScriptComplete,
}

var progressDescriptions = map[ProgressStatus]string{
	ProgressStarting:                 "Starting backup",
	ProgressCreatingDir:              "Creating backup directory",
	ProgressBackupVersionFile:        "Backing up version file",
	ProgressBackupConfig:             "Backing up configuration",
	ProgressBackupWrapperConfig:      "Backing up wrapper configuration",
	ProgressBackupConfigRepo:         "Backing up configuration history",
	ProgressBackupDatabase:           "Backing up database",
	ProgressPostBackupScriptStart:    "Executing post backup script",
	ProgressPostBackupScriptComplete: "Post backup script executed",
}

// ProgressStatuses returns the sub-stages in server order.
func ProgressStatuses() []ProgressStatus {
	out := make([]ProgressStatus, len(progressStatuses))
	copy(out, progressStatuses)
	return out
}

// ParseProgressStatus maps a wire value to a ProgressStatus.
func ParseProgressStatus(v string) (ProgressStatus, error) {
	for _, p := range progressStatuses {
		if string(p) == v {
			return p, nil
		}
	}
	return "", &UnknownValueError{Kind: "progress_status", Value: v}
}

// Index returns the position of p in the stage sequence, or -1.
func (p ProgressStatus) Index() int {
	for i, s := range progressStatuses {
		if s == p {
			return i
		}
	}
	return -1
}

// Description is the human readable label for the stage.
func (p ProgressStatus) Description() string {
	if d, ok := progressDescriptions[p]; ok {
		return d
	}
	return string(p)
}

func (p *ProgressStatus) UnmarshalJSON(data []byte) error {
	var v *string
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("progress_status: %w", err)
	}
	if v == nil || *v == "" {
		*p = ""
		return nil
	}
	parsed, err := ParseProgressStatus(*v)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// UnknownValueError is returned when the wire carries an enum value this
// client does not know about.
type UnknownValueError struct {
	Kind  string
	Value string
}

func (e *UnknownValueError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Value)
}

// ErrMissingStatus is returned by DecodeRecord when the body has no status.
var ErrMissingStatus = errors.New("backup record has no status")

type User struct {
	LoginName string `json:"login_name"`
}

type Link struct {
	Href string `json:"href"`
}

// Record is one observation of a server backup as returned by the API.
// A new Record is decoded for every response; it is never updated in place.
type Record struct {
	Status         BackupStatus    `json:"status"`
	Message        string          `json:"message"`
	Time           time.Time       `json:"time"`
	User           User            `json:"user"`
	ProgressStatus ProgressStatus  `json:"progress_status,omitempty"`
	Links          map[string]Link `json:"_links,omitempty"`
}

// Stage returns the progress sub-stage. It is only reported while the backup
// is in progress.
func (r Record) Stage() (ProgressStatus, bool) {
	if r.Status != BackupStatusInProgress || r.ProgressStatus == "" {
		return "", false
	}
	return r.ProgressStatus, true
}

// DecodeRecord parses a response body into a Record.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode backup record: %w", err)
	}
	if r.Status == "" {
		return Record{}, ErrMissingStatus
	}
	return r, nil
}

// Backup is a server backup as persisted by the backup service.
type Backup struct {
	ID             int64          `json:"id"`
	Status         BackupStatus   `json:"status"`
	ProgressStatus ProgressStatus `json:"progress_status,omitempty"`
	Message        string         `json:"message"`
	Username       string         `json:"username"`
	Path           string         `json:"path,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Record converts the stored backup into its wire form. selfHref is used
// for the self link when non-empty.
func (b Backup) Record(selfHref string) Record {
	r := Record{
		Status:  b.Status,
		Message: b.Message,
		Time:    b.StartedAt,
		User:    User{LoginName: b.Username},
	}
	if b.Status == BackupStatusInProgress {
		r.ProgressStatus = b.ProgressStatus
	}
	if selfHref != "" {
		r.Links = map[string]Link{"self": {Href: selfHref}}
	}
	return r
}
