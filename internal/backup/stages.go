package backup

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dukerupert/serverbackup/internal/model"
)

const (
	versionFileName       = "version.txt"
	configZipName         = "config-dir.zip"
	wrapperConfigZipName  = "wrapper-config-dir.zip"
	configRepoZipName     = "config-repo.zip"
	databaseFileName      = "db.sqlite"
	scriptOutputLogMaxLen = 4096
)

// job is the state of a single backup run.
type job struct {
	backup  model.Backup
	started time.Time
	dir     string
}

type stage struct {
	progress model.ProgressStatus
	run      func(ctx context.Context, j *job) error
}

func (m *Manager) stages() []stage {
	return []stage{
		{model.ProgressCreatingDir, m.createDir},
		{model.ProgressBackupVersionFile, m.writeVersionFile},
		{model.ProgressBackupConfig, m.zipStage(func(c Config) string { return c.ConfigDir }, configZipName)},
		{model.ProgressBackupWrapperConfig, m.zipStage(func(c Config) string { return c.WrapperConfigDir }, wrapperConfigZipName)},
		{model.ProgressBackupConfigRepo, m.zipStage(func(c Config) string { return c.ConfigRepoDir }, configRepoZipName)},
		{model.ProgressBackupDatabase, m.backupDatabase},
	}
}

func (m *Manager) runStages(ctx context.Context, j *job) error {
	for _, s := range m.stages() {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.advance(j, s.progress)
		start := m.clock.Now()
		if err := s.run(ctx, j); err != nil {
			return err
		}
		m.metrics.ObserveStage(string(s.progress), m.clock.Now().Sub(start))
	}
	return nil
}

func (m *Manager) createDir(_ context.Context, j *job) error {
	if err := os.MkdirAll(m.cfg.BackupDir, 0750); err != nil {
		return fmt.Errorf("create backup root: %w", err)
	}
	dir := filepath.Join(m.cfg.BackupDir, backupDirPrefix+j.started.Format(backupDirTimestampForm))
	err := os.Mkdir(dir, 0750)
	if errors.Is(err, fs.ErrExist) {
		// another backup started in the same second
		dir = fmt.Sprintf("%s-%d", dir, j.backup.ID)
		err = os.Mkdir(dir, 0750)
	}
	if err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	j.dir = dir
	j.backup.Path = dir
	if err := m.store.UpdatePath(j.backup.ID, dir); err != nil {
		return err
	}
	return nil
}

func (m *Manager) writeVersionFile(_ context.Context, j *job) error {
	version := m.cfg.ServerVersion
	if version == "" {
		version = "unknown"
	}
	if err := os.WriteFile(filepath.Join(j.dir, versionFileName), []byte(version), 0640); err != nil {
		return fmt.Errorf("write version file: %w", err)
	}
	return nil
}

// zipStage archives one configured directory. An unset directory is skipped.
func (m *Manager) zipStage(src func(Config) string, name string) func(context.Context, *job) error {
	return func(ctx context.Context, j *job) error {
		dir := src(m.cfg)
		if dir == "" {
			return nil
		}
		return zipDir(ctx, dir, filepath.Join(j.dir, name))
	}
}

// backupDatabase snapshots the live database with VACUUM INTO, then
// optionally encrypts and uploads the copy.
func (m *Manager) backupDatabase(ctx context.Context, j *job) error {
	dst := filepath.Join(j.dir, databaseFileName)
	if _, err := m.store.DB().ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}

	if m.cfg.Passphrase != "" {
		enc := dst + encryptedSuffix
		if err := EncryptFile(dst, enc, m.cfg.Passphrase); err != nil {
			return fmt.Errorf("encrypt database: %w", err)
		}
		if err := os.Remove(dst); err != nil {
			return fmt.Errorf("remove plaintext database: %w", err)
		}
		dst = enc
	}

	if m.client != nil {
		key := objectKey(m.cfg.S3.Prefix, j.dir, dst)
		if err := uploadFile(ctx, m.client, m.cfg.S3.Bucket, key, dst); err != nil {
			return err
		}
		m.logger.Info("database backup uploaded", "bucket", m.cfg.S3.Bucket, "key", key)
	}
	return nil
}

func zipDir(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		return addZipEntry(zw, path, filepath.ToSlash(rel))
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("zip %s: %w", src, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish %s: %w", filepath.Base(dst), err)
	}
	return out.Close()
}

func addZipEntry(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// runScript executes the post-backup script. succeeded selects the value of
// GOCD_BACKUP_STATUS.
func (m *Manager) runScript(ctx context.Context, j *job, succeeded bool) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ScriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.cfg.PostBackupScript)
	cmd.Env = append(os.Environ(), scriptEnv(m.cfg.BackupDir, j, succeeded)...)

	output, err := cmd.CombinedOutput()
	if len(output) > 0 {
		out := strings.TrimSpace(string(output))
		if len(out) > scriptOutputLogMaxLen {
			out = out[:scriptOutputLogMaxLen]
		}
		m.logger.Info("post backup script output", "id", j.backup.ID, "output", out)
	}
	if err != nil {
		return fmt.Errorf("run %s: %w", m.cfg.PostBackupScript, err)
	}
	return nil
}

func scriptEnv(baseDir string, j *job, succeeded bool) []string {
	status := "failure"
	if succeeded {
		status = "success"
	}
	env := []string{
		"GOCD_BACKUP_STATUS=" + status,
		"GOCD_BACKUP_BASE_DIR=" + baseDir,
		"GOCD_BACKUP_TIMESTAMP=" + j.started.Format(time.RFC3339),
	}
	if succeeded {
		env = append(env, "GOCD_BACKUP_PATH="+j.dir)
	}
	if j.backup.Username != "" {
		env = append(env, "GOCD_BACKUP_INITIATED_BY_USER="+j.backup.Username)
	} else {
		env = append(env, "GOCD_BACKUP_INITIATED_VIA_TIMER=true")
	}
	return env
}
