package backupapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/dukerupert/serverbackup/internal/model"
)

const (
	DefaultAPIVersion = "v2"

	CreatePath  = "/go/api/backups"
	RunningPath = "/go/api/backups/running"

	// ConfirmHeader must accompany state changing requests.
	ConfirmHeader = "X-GoCD-Confirm"

	defaultInterval = time.Second
	maxBodySize     = 1 << 20
)

// AcceptHeader returns the media type that selects the given API version.
func AcceptHeader(version string) string {
	return "application/vnd.go.cd." + version + "+json"
}

// Config holds backup API client configuration.
type Config struct {
	BaseURL    string
	APIVersion string
	Username   string
	Password   string

	// DefaultInterval is used when the server does not send a usable
	// Retry-After header.
	DefaultInterval time.Duration
	// IntervalOverride, when set, replaces the server provided interval.
	IntervalOverride time.Duration

	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Client talks to the server backup API.
type Client struct {
	cfg        Config
	base       *url.URL
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger
}

// NewClient creates a new backup API client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = defaultInterval
	}

	c := &Client{
		cfg:        cfg,
		base:       base,
		httpClient: cfg.HTTPClient,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.clock == nil {
		c.clock = clock.WallClock
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Get fetches the backup record at ref, which may be absolute or relative to
// the base URL. It has no side effects on the server.
func (c *Client) Get(ctx context.Context, ref string) (model.Record, error) {
	target, err := c.resolve(ref)
	if err != nil {
		return model.Record{}, err
	}

	req, err := c.newRequest(ctx, http.MethodGet, target)
	if err != nil {
		return model.Record{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.Record{}, fmt.Errorf("get backup: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return model.Record{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.Record{}, newAPIError(resp.StatusCode, body)
	}

	record, err := model.DecodeRecord(body)
	if err != nil {
		return model.Record{}, err
	}
	return record, nil
}

// RunningBackup returns the backup currently running on the server, if any.
// It lets a caller discover a backup started by another session.
func (c *Client) RunningBackup(ctx context.Context) (model.Record, bool, error) {
	record, err := c.Get(ctx, RunningPath)
	if err != nil {
		if IsNotFound(err) {
			return model.Record{}, false, nil
		}
		return model.Record{}, false, err
	}
	return record, true, nil
}

func (c *Client) newRequest(ctx context.Context, method, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", AcceptHeader(c.cfg.APIVersion))
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	return req, nil
}

func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if strings.HasPrefix(ref, "/") && c.base.Path != "" && !strings.HasPrefix(ref, c.base.Path+"/") {
		// Keep a reverse proxy prefix from the base URL.
		u.Path = c.base.Path + u.Path
	}
	return c.base.ResolveReference(u).String(), nil
}

func (c *Client) interval(server time.Duration) time.Duration {
	if c.cfg.IntervalOverride > 0 {
		return c.cfg.IntervalOverride
	}
	if server <= 0 {
		return c.cfg.DefaultInterval
	}
	return server
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type errorBody struct {
	Message string `json:"message"`
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		e.Message = eb.Message
	}
	return e
}
