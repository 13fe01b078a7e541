package backupapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Start asks the server to create a backup and then polls it until it
// finishes. It returns at once; the request and the poll loop run in the
// background. A failed creation is reported through OnError and is not
// retried.
func (c *Client) Start(ctx context.Context, cb Callbacks) *Poll {
	p, ctx := newPoll(ctx)
	go func() {
		ref, interval, err := c.create(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("backup creation failed", "error", err)
				cb.error(errorMessage(err, MsgStartFailed))
			}
			p.finish(ctx.Err())
			return
		}

		c.logger.Info("backup started", "url", ref, "interval", interval)
		p.finish(c.pollLoop(ctx, ref, interval, cb))
	}()
	return p
}

// create issues the create request and returns the URL to poll and the
// server's requested interval.
func (c *Client) create(ctx context.Context) (string, time.Duration, error) {
	target, err := c.resolve(CreatePath)
	if err != nil {
		return "", 0, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, target)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set(ConfirmHeader, "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("create backup: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", 0, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, newAPIError(resp.StatusCode, body)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", 0, ErrMissingLocation
	}
	ref, err := c.resolve(location)
	if err != nil {
		return "", 0, err
	}

	return ref, c.interval(parseRetryAfter(resp.Header.Get("Retry-After"))), nil
}

// parseRetryAfter reads a delay-seconds Retry-After value. Anything else,
// including an HTTP date, yields zero.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
