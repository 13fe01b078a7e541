package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/serverbackup/internal/auth"
	"github.com/dukerupert/serverbackup/internal/backup"
	"github.com/dukerupert/serverbackup/internal/model"
	"github.com/dukerupert/serverbackup/internal/store"
)

const (
	BackupsPath   = "/go/api/backups"
	ConfirmHeader = "X-GoCD-Confirm"

	MsgNotAdmin        = "Unauthorized to initiate backup as you are not an administrator."
	MsgBackupRunning   = "Another backup is already in progress."
	msgMissingConfirm  = "Missing required header '" + ConfirmHeader + "' with value 'true'"
	msgNoRunningBackup = "No backup is currently running."

	defaultListLimit = 20
	maxListLimit     = 100
)

// BackupPath is the location of a single backup resource.
func BackupPath(id int64) string {
	return fmt.Sprintf("%s/%d", BackupsPath, id)
}

type BackupHandler struct {
	manager    *backup.Manager
	store      *store.BackupStore
	retryAfter time.Duration
	logger     *slog.Logger
}

func NewBackupHandler(m *backup.Manager, bs *store.BackupStore, retryAfter time.Duration, logger *slog.Logger) *BackupHandler {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return &BackupHandler{manager: m, store: bs, retryAfter: retryAfter, logger: logger}
}

func record(b model.Backup) model.Record {
	return b.Record(BackupPath(b.ID))
}

// Create starts a backup and points the caller at the resource to poll.
func (h *BackupHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(ConfirmHeader) != "true" {
		writeError(w, http.StatusBadRequest, msgMissingConfirm)
		return
	}

	b, err := h.manager.Start(r.Context(), auth.Username(r.Context()))
	if errors.Is(err, backup.ErrBackupInProgress) {
		writeError(w, http.StatusConflict, MsgBackupRunning)
		return
	}
	if err != nil {
		h.logger.Error("failed to start backup", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to start backup.")
		return
	}

	w.Header().Set("Location", BackupPath(b.ID))
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(h.retryAfter.Seconds()))))
	writeJSON(w, http.StatusAccepted, record(b))
}

func (h *BackupHandler) Get(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, notFoundMessage(raw))
		return
	}

	if running, ok := h.manager.Running(); ok && running.ID == id {
		writeJSON(w, http.StatusOK, record(running))
		return
	}

	b, err := h.store.GetByID(id)
	if err != nil {
		h.logger.Error("failed to get backup", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load backup.")
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, notFoundMessage(raw))
		return
	}
	writeJSON(w, http.StatusOK, record(*b))
}

func (h *BackupHandler) Running(w http.ResponseWriter, r *http.Request) {
	b, ok := h.manager.Running()
	if !ok {
		writeError(w, http.StatusNotFound, msgNoRunningBackup)
		return
	}
	writeJSON(w, http.StatusOK, record(b))
}

type backupList struct {
	Links    map[string]model.Link `json:"_links"`
	Embedded struct {
		Backups []model.Record `json:"backups"`
	} `json:"_embedded"`
}

// List returns recent backups, newest first.
func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	backups, err := h.store.List(limit)
	if err != nil {
		h.logger.Error("failed to list backups", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list backups.")
		return
	}

	var out backupList
	out.Links = map[string]model.Link{"self": {Href: BackupsPath}}
	out.Embedded.Backups = make([]model.Record, 0, len(backups))
	for _, b := range backups {
		out.Embedded.Backups = append(out.Embedded.Backups, record(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func notFoundMessage(id string) string {
	return fmt.Sprintf("Backup with id '%s' was not found!", id)
}
