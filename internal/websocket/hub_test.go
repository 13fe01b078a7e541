package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/dukerupert/serverbackup/internal/model"
)

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub) *Client {
	return &Client{
		hub:  hub,
		conn: nil,
		send: make(chan []byte, sendBufferSize),
	}
}

func backupAt(id int64, status model.BackupStatus, progress model.ProgressStatus) model.Backup {
	return model.Backup{
		ID:             id,
		Status:         status,
		ProgressStatus: progress,
		Message:        progress.Description(),
		Username:       "admin",
		StartedAt:      time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC),
	}
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data := <-c.send:
		var got Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return got
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
		return Message{}
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub)
	c2 := mockClient(hub)

	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)
	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	hub.Unregister(c2)
	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestDoubleUnregister(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub)
	hub.Register(c)
	hub.Unregister(c)
	// Should not panic
	hub.Unregister(c)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestBroadcast(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub)
	c2 := mockClient(hub)
	hub.Register(c1)
	hub.Register(c2)

	hub.Broadcast(NewBackupMessage(backupAt(42, model.BackupStatusInProgress, model.ProgressBackupConfig), "/go/api/backups/42"))

	for _, c := range []*Client{c1, c2} {
		got := receive(t, c)
		if got.Type != "backup_progress" {
			t.Errorf("type = %q, want backup_progress", got.Type)
		}
		if got.ID != 42 {
			t.Errorf("id = %d, want 42", got.ID)
		}
		if stage, ok := got.Backup.Stage(); !ok || stage != model.ProgressBackupConfig {
			t.Errorf("stage = %q, %v, want BACKUP_CONFIG", stage, ok)
		}
		if got.Backup.Links["self"].Href != "/go/api/backups/42" {
			t.Errorf("self link = %q", got.Backup.Links["self"].Href)
		}
	}

	hub.Unregister(c1)
	hub.Unregister(c2)
}

func TestNewBackupMessageFinished(t *testing.T) {
	b := backupAt(7, model.BackupStatusError, model.ProgressBackupDatabase)
	b.Message = "Failed to perform backup. Reason: disk full"

	msg := NewBackupMessage(b, "")
	if msg.Type != "backup_finished" || msg.Action != ActionFinished {
		t.Errorf("type = %q, action = %q, want backup_finished", msg.Type, msg.Action)
	}
	if msg.Backup.Message != b.Message {
		t.Errorf("message = %q, want %q", msg.Backup.Message, b.Message)
	}
	if _, ok := msg.Backup.Stage(); ok {
		t.Error("finished backups report no stage")
	}
}

func TestRegisterReplaysLastMessage(t *testing.T) {
	hub := NewHub(slog.Default())
	hub.Broadcast(NewBackupMessage(backupAt(1, model.BackupStatusInProgress, model.ProgressStarting), ""))
	hub.Broadcast(NewBackupMessage(backupAt(1, model.BackupStatusInProgress, model.ProgressCreatingDir), ""))

	c := mockClient(hub)
	hub.Register(c)
	defer hub.Unregister(c)

	got := receive(t, c)
	if got.Backup.ProgressStatus != model.ProgressCreatingDir {
		t.Errorf("replayed progress = %q, want CREATING_DIR", got.Backup.ProgressStatus)
	}
	select {
	case <-c.send:
		t.Error("only the last message should be replayed")
	default:
	}
}

func TestBroadcastEmptyHub(t *testing.T) {
	hub := NewHub(slog.Default())
	// Should not panic
	hub.Broadcast(NewBackupMessage(backupAt(1, model.BackupStatusCompleted, ""), ""))
}

func TestBroadcastFullBuffer(t *testing.T) {
	hub := NewHub(slog.Default())

	c := mockClient(hub)
	hub.Register(c)

	for i := 0; i < sendBufferSize; i++ {
		hub.Broadcast(NewBackupMessage(backupAt(int64(i), model.BackupStatusInProgress, model.ProgressStarting), ""))
	}

	// This should drop the message, not panic or block
	hub.Broadcast(NewBackupMessage(backupAt(999, model.BackupStatusCompleted, ""), ""))

	count := 0
	for {
		select {
		case <-c.send:
			count++
		default:
			goto done
		}
	}
done:
	if count != sendBufferSize {
		t.Errorf("expected %d messages, got %d", sendBufferSize, count)
	}

	hub.Unregister(c)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(slog.Default())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			c := mockClient(hub)
			hub.Register(c)
			hub.Broadcast(NewBackupMessage(backupAt(id, model.BackupStatusInProgress, model.ProgressStarting), ""))
			for {
				select {
				case <-c.send:
				default:
					hub.Unregister(c)
					return
				}
			}
		}(int64(i))
	}

	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}

func TestHandleWebSocket(t *testing.T) {
	hub := NewHub(slog.Default())
	srv := httptest.NewServer(HandleWebSocket(hub, slog.Default(), nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast(NewBackupMessage(backupAt(3, model.BackupStatusCompleted, ""), "/go/api/backups/3"))

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "backup_finished" || got.Backup.Status != model.BackupStatusCompleted {
		t.Errorf("got %+v", got)
	}

	conn.Close(ws.StatusNormalClosure, "")
	deadline = time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never unregistered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
