package model

import (
	"errors"
	"testing"
	"time"
)

func TestParseBackupStatus(t *testing.T) {
	tests := []struct {
		in       string
		want     BackupStatus
		terminal bool
	}{
		{"NOT_STARTED", BackupStatusNotStarted, false},
		{"IN_PROGRESS", BackupStatusInProgress, false},
		{"COMPLETED", BackupStatusCompleted, true},
		{"ERROR", BackupStatusError, true},
	}
	for _, tt := range tests {
		got, err := ParseBackupStatus(tt.in)
		if err != nil {
			t.Fatalf("ParseBackupStatus(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseBackupStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if got.IsTerminal() != tt.terminal {
			t.Errorf("%q.IsTerminal() = %v, want %v", got, got.IsTerminal(), tt.terminal)
		}
	}
}

func TestParseUnknownValues(t *testing.T) {
	_, err := ParseBackupStatus("PAUSED")
	var uve *UnknownValueError
	if !errors.As(err, &uve) {
		t.Fatalf("expected UnknownValueError, got %v", err)
	}
	if uve.Kind != "status" || uve.Value != "PAUSED" {
		t.Errorf("error = %+v, want kind status value PAUSED", uve)
	}

	_, err = ParseProgressStatus("BACKUP_ARTIFACTS")
	if !errors.As(err, &uve) {
		t.Fatalf("expected UnknownValueError, got %v", err)
	}
	if uve.Kind != "progress_status" {
		t.Errorf("kind = %q, want %q", uve.Kind, "progress_status")
	}
}

func TestProgressStatusOrder(t *testing.T) {
	stages := ProgressStatuses()
	if len(stages) != 9 {
		t.Fatalf("got %d stages, want 9", len(stages))
	}
	if stages[0] != ProgressStarting {
		t.Errorf("first stage = %q, want %q", stages[0], ProgressStarting)
	}
	if stages[len(stages)-1] != ProgressPostBackupScriptComplete {
		t.Errorf("last stage = %q, want %q", stages[len(stages)-1], ProgressPostBackupScriptComplete)
	}
	for i, s := range stages {
		if s.Index() != i {
			t.Errorf("%q.Index() = %d, want %d", s, s.Index(), i)
		}
	}
	if ProgressStatus("NOPE").Index() != -1 {
		t.Error("expected -1 index for unknown stage")
	}

	// Mutating the returned slice must not affect the package order.
	stages[0] = "X"
	if ProgressStatuses()[0] != ProgressStarting {
		t.Error("ProgressStatuses returned shared slice")
	}
}

func TestDecodeRecordInProgress(t *testing.T) {
	body := `{
		"status": "IN_PROGRESS",
		"message": "Creating backup directory",
		"time": "2024-03-01T10:15:00Z",
		"user": {"login_name": "admin"},
		"progress_status": "CREATING_DIR",
		"_links": {"self": {"href": "/go/api/backups/42"}}
	}`
	r, err := DecodeRecord([]byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Status != BackupStatusInProgress {
		t.Errorf("status = %q, want %q", r.Status, BackupStatusInProgress)
	}
	if r.User.LoginName != "admin" {
		t.Errorf("login_name = %q, want %q", r.User.LoginName, "admin")
	}
	want := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	if !r.Time.Equal(want) {
		t.Errorf("time = %v, want %v", r.Time, want)
	}
	stage, ok := r.Stage()
	if !ok || stage != ProgressCreatingDir {
		t.Errorf("stage = %q, %v; want %q, true", stage, ok, ProgressCreatingDir)
	}
	if r.Links["self"].Href != "/go/api/backups/42" {
		t.Errorf("self link = %q", r.Links["self"].Href)
	}
}

func TestDecodeRecordStageOnlyWhileInProgress(t *testing.T) {
	r, err := DecodeRecord([]byte(`{"status":"COMPLETED","message":"done","progress_status":"BACKUP_DATABASE"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := r.Stage(); ok {
		t.Error("expected no stage for completed record")
	}
}

func TestDecodeRecordRejectsUnknownStatus(t *testing.T) {
	_, err := DecodeRecord([]byte(`{"status":"PAUSED","message":"x"}`))
	var uve *UnknownValueError
	if !errors.As(err, &uve) {
		t.Fatalf("expected UnknownValueError, got %v", err)
	}
}

func TestDecodeRecordRejectsUnknownStage(t *testing.T) {
	_, err := DecodeRecord([]byte(`{"status":"IN_PROGRESS","progress_status":"BACKUP_ARTIFACTS"}`))
	var uve *UnknownValueError
	if !errors.As(err, &uve) {
		t.Fatalf("expected UnknownValueError, got %v", err)
	}
}

func TestDecodeRecordMissingStatus(t *testing.T) {
	_, err := DecodeRecord([]byte(`{"message":"x"}`))
	if !errors.Is(err, ErrMissingStatus) {
		t.Fatalf("err = %v, want ErrMissingStatus", err)
	}
	_, err = DecodeRecord([]byte(`{"status":null}`))
	if !errors.Is(err, ErrMissingStatus) {
		t.Fatalf("err = %v, want ErrMissingStatus", err)
	}
}

func TestDecodeRecordMalformed(t *testing.T) {
	if _, err := DecodeRecord([]byte(`<html>`)); err == nil {
		t.Fatal("expected error for non-JSON body")
	}
}

func TestBackupRecord(t *testing.T) {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	b := Backup{
		ID:             7,
		Status:         BackupStatusInProgress,
		ProgressStatus: ProgressBackupConfig,
		Message:        ProgressBackupConfig.Description(),
		Username:       "admin",
		StartedAt:      started,
	}
	r := b.Record("/go/api/backups/7")
	if r.ProgressStatus != ProgressBackupConfig {
		t.Errorf("progress = %q, want %q", r.ProgressStatus, ProgressBackupConfig)
	}
	if r.User.LoginName != "admin" {
		t.Errorf("user = %q, want admin", r.User.LoginName)
	}
	if !r.Time.Equal(started) {
		t.Errorf("time = %v, want %v", r.Time, started)
	}
	if r.Links["self"].Href != "/go/api/backups/7" {
		t.Errorf("self = %q", r.Links["self"].Href)
	}

	b.Status = BackupStatusCompleted
	r = b.Record("")
	if r.ProgressStatus != "" {
		t.Errorf("completed record carries progress %q", r.ProgressStatus)
	}
	if r.Links != nil {
		t.Error("expected no links without href")
	}
}
