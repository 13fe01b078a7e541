package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/serverbackup/internal/auth"
	"github.com/dukerupert/serverbackup/internal/backup"
	"github.com/dukerupert/serverbackup/internal/handler"
	"github.com/dukerupert/serverbackup/internal/metrics"
	"github.com/dukerupert/serverbackup/internal/middleware"
	"github.com/dukerupert/serverbackup/internal/model"
	"github.com/dukerupert/serverbackup/internal/store"
	ws "github.com/dukerupert/serverbackup/internal/websocket"
)

const (
	defaultAPIVersion  = "v2"
	defaultCreateLimit = 5
)

// Config holds HTTP surface settings.
type Config struct {
	// APIVersion is the vendor media type version accepted by /go/api routes.
	APIVersion string
	// RetryAfter is advertised to clients polling a new backup.
	RetryAfter time.Duration
	// CreateLimit caps backup start requests per user per minute.
	CreateLimit    int
	OriginPatterns []string
}

type Server struct {
	cfg           Config
	hub           *ws.Hub
	backupH       *handler.BackupHandler
	backupStore   *store.BackupStore
	backupManager *backup.Manager
	users         *auth.Users
	rateLimiter   *middleware.RateLimiter
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

func New(cfg Config, db *sql.DB, backupCfg backup.Config, users *auth.Users, mt *metrics.Metrics, logger *slog.Logger, backupOpts ...backup.Option) *Server {
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.CreateLimit <= 0 {
		cfg.CreateLimit = defaultCreateLimit
	}
	if mt == nil {
		mt = metrics.New()
	}

	hub := ws.NewHub(logger.With("component", "websocket"))
	backupStore := store.NewBackupStore(db)

	opts := append([]backup.Option{backup.WithMetrics(mt)}, backupOpts...)
	backupMgr := backup.NewManager(backupCfg, backupStore, func(b model.Backup) {
		hub.Broadcast(ws.NewBackupMessage(b, handler.BackupPath(b.ID)))
	}, logger.With("component", "backup"), opts...)

	return &Server{
		cfg:           cfg,
		hub:           hub,
		backupH:       handler.NewBackupHandler(backupMgr, backupStore, cfg.RetryAfter, logger.With("component", "backup_api")),
		backupStore:   backupStore,
		backupManager: backupMgr,
		users:         users,
		rateLimiter:   middleware.NewRateLimiter(nil),
		metrics:       mt,
		logger:        logger,
	}
}

// BackupManager returns the backup manager.
func (s *Server) BackupManager() *backup.Manager {
	return s.backupManager
}

// BackupStore returns the backup history store.
func (s *Server) BackupStore() *store.BackupStore {
	return s.backupStore
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("GET /metrics", s.metrics.Handler())

	requireAuth := middleware.RequireAuth(s.users)

	apiMux := http.NewServeMux()
	s.registerAPIRoutes(apiMux)
	mediaType := "application/vnd.go.cd." + s.cfg.APIVersion + "+json"
	outerMux.Handle("/go/api/", requireAuth(middleware.RequireAccept(mediaType)(apiMux)))

	outerMux.Handle("GET /ws", requireAuth(ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket"), s.cfg.OriginPatterns)))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	createLimit := middleware.RateLimit(s.rateLimiter, middleware.UserOrIP, s.cfg.CreateLimit, time.Minute)
	requireAdmin := middleware.RequireAdmin(handler.MsgNotAdmin)

	mux.Handle("POST "+handler.BackupsPath,
		s.instrument("create", requireAdmin(createLimit(http.HandlerFunc(s.backupH.Create)))))
	mux.Handle("GET "+handler.BackupsPath,
		s.instrument("list", http.HandlerFunc(s.backupH.List)))
	mux.Handle("GET "+handler.BackupsPath+"/running",
		s.instrument("running", http.HandlerFunc(s.backupH.Running)))
	mux.Handle("GET "+handler.BackupsPath+"/{id}",
		s.instrument("get", http.HandlerFunc(s.backupH.Get)))
}

func (s *Server) instrument(route string, h http.Handler) http.Handler {
	return middleware.Instrument(s.metrics, route)(h)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"backup": s.backupManager.Status(),
	})
}
