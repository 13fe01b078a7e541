package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/serverbackup/internal/backupapi"
	"github.com/dukerupert/serverbackup/internal/logging"
	"github.com/dukerupert/serverbackup/internal/model"
)

const usage = `usage: backupctl [flags] <command> <server-url> [backup-id]

commands:
  start    start a backup and follow it until it finishes
  status   print the running backup, or the backup with the given id
  watch    follow the running backup until it finishes

flags:
`

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("backupctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	user := fs.String("user", os.Getenv("BACKUPCTL_USER"), "basic auth username (BACKUPCTL_USER)")
	password := fs.String("password", os.Getenv("BACKUPCTL_PASSWORD"), "basic auth password (BACKUPCTL_PASSWORD)")
	apiVersion := fs.String("api-version", envOr("BACKUPCTL_API_VERSION", backupapi.DefaultAPIVersion), "backup API version")
	interval := fs.Duration("interval", 0, "poll interval, overrides the server's Retry-After")
	logLevel := fs.String("log-level", envOr("BACKUPCTL_LOG_LEVEL", "warn"), "log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 2 {
		fs.Usage()
		return 2
	}
	command, baseURL := fs.Arg(0), fs.Arg(1)

	logger := logging.New(stderr, *logLevel, "")
	client, err := backupapi.NewClient(backupapi.Config{
		BaseURL:          baseURL,
		APIVersion:       *apiVersion,
		Username:         *user,
		Password:         *password,
		IntervalOverride: *interval,
		Logger:           logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "backupctl: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "start":
		return follow(ctx, stdout, stderr, func(cb backupapi.Callbacks) *backupapi.Poll {
			return client.Start(ctx, cb)
		})
	case "watch":
		record, ok, err := client.RunningBackup(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "backupctl: %v\n", err)
			return 1
		}
		if !ok {
			fmt.Fprintln(stdout, "No backup is currently running.")
			return 0
		}
		self, ok := record.Links["self"]
		if !ok {
			fmt.Fprintln(stderr, "backupctl: running backup has no self link")
			return 1
		}
		fmt.Fprintln(stdout, formatRecord(record))
		return follow(ctx, stdout, stderr, func(cb backupapi.Callbacks) *backupapi.Poll {
			return client.StartPolling(ctx, self.Href, 0, cb)
		})
	case "status":
		return status(ctx, client, fs.Arg(2), stdout, stderr)
	default:
		fmt.Fprintf(stderr, "backupctl: unknown command %q\n", command)
		fs.Usage()
		return 2
	}
}

func status(ctx context.Context, client *backupapi.Client, id string, stdout, stderr io.Writer) int {
	var (
		record model.Record
		err    error
	)
	if id == "" {
		var ok bool
		record, ok, err = client.RunningBackup(ctx)
		if err == nil && !ok {
			fmt.Fprintln(stdout, "No backup is currently running.")
			return 0
		}
	} else {
		record, err = client.Get(ctx, backupapi.CreatePath+"/"+id)
	}
	if err != nil {
		fmt.Fprintf(stderr, "backupctl: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, formatRecord(record))
	if record.Status == model.BackupStatusError {
		return 1
	}
	return 0
}

// follow runs a poll and prints each update. It returns 1 when the poll
// ends in an error or the backup fails.
func follow(ctx context.Context, stdout, stderr io.Writer, start func(backupapi.Callbacks) *backupapi.Poll) int {
	code := 0
	var last model.ProgressStatus
	cb := backupapi.Callbacks{
		OnProgress: func(r model.Record) {
			if r.ProgressStatus == last {
				return
			}
			last = r.ProgressStatus
			fmt.Fprintln(stdout, formatRecord(r))
		},
		OnCompletion: func(r model.Record) {
			fmt.Fprintln(stdout, formatRecord(r))
			if r.Status == model.BackupStatusError {
				code = 1
			}
		},
		OnError: func(msg string) {
			fmt.Fprintf(stderr, "backupctl: %s\n", msg)
			code = 1
		},
	}

	p := start(cb)
	if err := p.Wait(); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(stderr, "backupctl: interrupted")
		} else {
			fmt.Fprintf(stderr, "backupctl: %v\n", err)
		}
		return 1
	}
	return code
}

func formatRecord(r model.Record) string {
	var b strings.Builder
	if stage, ok := r.Stage(); ok {
		fmt.Fprintf(&b, "[%d/%d] %s", stage.Index()+1, len(model.ProgressStatuses()), stage.Description())
	} else {
		b.WriteString(string(r.Status))
		if r.Message != "" {
			b.WriteString(": " + r.Message)
		}
	}
	if r.User.LoginName != "" {
		fmt.Fprintf(&b, " (by %s", r.User.LoginName)
	} else {
		b.WriteString(" (scheduled")
	}
	if !r.Time.IsZero() {
		fmt.Fprintf(&b, ", started %s", r.Time.Local().Format(time.DateTime))
	}
	b.WriteString(")")
	return b.String()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
