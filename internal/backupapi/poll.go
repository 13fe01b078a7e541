package backupapi

import (
	"context"
	"sync"
	"time"

	"github.com/dukerupert/serverbackup/internal/model"
)

// Callbacks receive the outcome of each backup status check. Exactly one of
// them is invoked per check. Nil members are skipped.
type Callbacks struct {
	// OnProgress is called for every IN_PROGRESS record.
	OnProgress func(model.Record)
	// OnCompletion is called once polling ends normally. The record may
	// carry status ERROR: the poll succeeded but the backup failed.
	OnCompletion func(model.Record)
	// OnError is called when the server could not be reached or answered
	// with something unusable. No further polling happens after it.
	OnError func(message string)
}

func (cb Callbacks) progress(r model.Record) {
	if cb.OnProgress != nil {
		cb.OnProgress(r)
	}
}

func (cb Callbacks) completion(r model.Record) {
	if cb.OnCompletion != nil {
		cb.OnCompletion(r)
	}
}

func (cb Callbacks) error(msg string) {
	if cb.OnError != nil {
		cb.OnError(msg)
	}
}

// Poll is a handle on a running poll loop.
type Poll struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newPoll(ctx context.Context) (*Poll, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Poll{cancel: cancel, done: make(chan struct{})}, ctx
}

func (p *Poll) finish(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.cancel()
	close(p.done)
}

// Cancel stops the loop. Once it returns, no further fetch is started; a
// fetch already in flight is aborted and its outcome is not reported.
func (p *Poll) Cancel() {
	p.cancel()
}

// Done is closed when the loop has exited.
func (p *Poll) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the loop exits and returns Err.
func (p *Poll) Wait() error {
	<-p.done
	return p.Err()
}

// Err returns the context error if the loop was cancelled, nil if it ended
// on a terminal status or a reported error, or nil while still running.
func (p *Poll) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// StartPolling fetches ref immediately and keeps fetching it until a
// terminal status or an error. The next fetch is scheduled interval after
// the previous response has been handled, so at most one request is in
// flight. The returned Poll can be used to cancel the loop early.
func (c *Client) StartPolling(ctx context.Context, ref string, interval time.Duration, cb Callbacks) *Poll {
	p, ctx := newPoll(ctx)
	go func() {
		p.finish(c.pollLoop(ctx, ref, c.interval(interval), cb))
	}()
	return p
}

func (c *Client) pollLoop(ctx context.Context, ref string, interval time.Duration, cb Callbacks) error {
	for {
		if !c.CheckProgress(ctx, ref, cb) {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(interval):
		}
	}
}

// CheckProgress performs a single status fetch and invokes exactly one of
// the callbacks. It returns true when the backup is still in progress and
// polling should continue. If ctx is cancelled no callback is invoked.
func (c *Client) CheckProgress(ctx context.Context, ref string, cb Callbacks) bool {
	record, err := c.Get(ctx, ref)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		c.logger.Warn("backup poll failed", "url", ref, "error", err)
		cb.error(errorMessage(err, MsgPollFailed))
		return false
	}

	c.logger.Debug("backup poll", "url", ref, "status", record.Status, "progress_status", record.ProgressStatus)

	if record.Status == model.BackupStatusInProgress {
		cb.progress(record)
		return true
	}
	cb.completion(record)
	return false
}
