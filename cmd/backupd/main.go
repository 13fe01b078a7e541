package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/serverbackup/internal/auth"
	"github.com/dukerupert/serverbackup/internal/backup"
	"github.com/dukerupert/serverbackup/internal/database"
	"github.com/dukerupert/serverbackup/internal/email"
	"github.com/dukerupert/serverbackup/internal/logging"
	"github.com/dukerupert/serverbackup/internal/metrics"
	"github.com/dukerupert/serverbackup/internal/server"
	"github.com/dukerupert/serverbackup/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(os.Getenv("BACKUPD_LOG_LEVEL"), os.Getenv("BACKUPD_LOG_FORMAT"))

	if err := run(logger); err != nil {
		logger.Error("backupd exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	port := envOr("BACKUPD_PORT", "8153")
	baseURL := envOr("BACKUPD_BASE_URL", "http://localhost:"+port)

	users, err := auth.ParseUsers(os.Getenv("BACKUPD_USERS"))
	if err != nil {
		return fmt.Errorf("parse BACKUPD_USERS: %w", err)
	}
	if users.Len() == 0 {
		logger.Warn("no API users configured, every backup API request will be rejected")
	}

	backupCfg, err := backupConfig()
	if err != nil {
		return err
	}
	serverCfg, err := serverConfig()
	if err != nil {
		return err
	}

	db, err := database.Open(envOr("BACKUPD_DB_PATH", "backupd.db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if n, err := store.NewBackupStore(db).FailInterrupted(backup.MsgInterrupted); err != nil {
		return fmt.Errorf("mark interrupted backups: %w", err)
	} else if n > 0 {
		logger.Warn("marked interrupted backups as failed", "count", n)
	}

	var opts []backup.Option
	emailClient := email.NewClient(os.Getenv("BACKUPD_POSTMARK_TOKEN"), os.Getenv("BACKUPD_FROM_EMAIL"), baseURL)
	if to := os.Getenv("BACKUPD_ADMIN_EMAIL"); to != "" && emailClient.Configured() {
		opts = append(opts, backup.WithNotifier(&email.BackupNotifier{Client: emailClient, To: to}))
	}

	srv := server.New(serverCfg, db, backupCfg, users, metrics.New(), logger, opts...)

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("backupd starting", "addr", httpServer.Addr, "backup_dir", backupCfg.BackupDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return srv.BackupManager().Run(ctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-ctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

func backupConfig() (backup.Config, error) {
	cfg := backup.Config{
		BackupDir:        os.Getenv("BACKUPD_BACKUP_DIR"),
		ConfigDir:        os.Getenv("BACKUPD_CONFIG_DIR"),
		WrapperConfigDir: os.Getenv("BACKUPD_WRAPPER_CONFIG_DIR"),
		ConfigRepoDir:    os.Getenv("BACKUPD_CONFIG_REPO_DIR"),
		ServerVersion:    os.Getenv("BACKUPD_SERVER_VERSION"),
		Passphrase:       os.Getenv("BACKUPD_BACKUP_PASSPHRASE"),
		PostBackupScript: os.Getenv("BACKUPD_POST_BACKUP_SCRIPT"),
		S3: backup.S3Config{
			Endpoint:  os.Getenv("BACKUPD_S3_ENDPOINT"),
			Bucket:    os.Getenv("BACKUPD_S3_BUCKET"),
			Region:    os.Getenv("BACKUPD_S3_REGION"),
			AccessKey: os.Getenv("BACKUPD_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("BACKUPD_S3_SECRET_KEY"),
			Prefix:    os.Getenv("BACKUPD_S3_PREFIX"),
		},
	}

	var err error
	if cfg.ScriptTimeout, err = envDuration("BACKUPD_SCRIPT_TIMEOUT", 0); err != nil {
		return cfg, err
	}
	if cfg.ScheduleHour, err = envInt("BACKUPD_SCHEDULE_HOUR", -1); err != nil {
		return cfg, err
	}
	if cfg.ScheduleHour > 23 {
		return cfg, fmt.Errorf("BACKUPD_SCHEDULE_HOUR must be between 0 and 23, got %d", cfg.ScheduleHour)
	}
	if cfg.RetentionDays, err = envInt("BACKUPD_RETENTION_DAYS", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func serverConfig() (server.Config, error) {
	cfg := server.Config{APIVersion: os.Getenv("BACKUPD_API_VERSION")}

	var err error
	if cfg.RetryAfter, err = envDuration("BACKUPD_RETRY_AFTER", time.Second); err != nil {
		return cfg, err
	}
	if cfg.CreateLimit, err = envInt("BACKUPD_CREATE_LIMIT", 0); err != nil {
		return cfg, err
	}
	for _, origin := range strings.Split(os.Getenv("BACKUPD_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.OriginPatterns = append(cfg.OriginPatterns, origin)
		}
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
