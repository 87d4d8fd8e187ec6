// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// callbackClient POSTs JSON payloads to the configured callback endpoints.
// Deliveries run on their own goroutines and retries on clock timers; wait
// blocks until all of them are done.
type callbackClient struct {
	http         *http.Client
	timeout      time.Duration
	bypassHeader string
	bypassSecret string

	pending sync.WaitGroup

	mu      sync.Mutex
	retries map[*scheduledRetry]struct{}
}

type scheduledRetry struct {
	timer Timer
}

func newCallbackClient(cfg CallbackConfig, client *http.Client) *callbackClient {
	if client == nil {
		client = &http.Client{}
	}
	return &callbackClient{
		http:         client,
		timeout:      cfg.Timeout,
		bypassHeader: cfg.BypassHeader,
		bypassSecret: cfg.BypassSecret,
		retries:      make(map[*scheduledRetry]struct{}),
	}
}

// post sends one JSON POST. Any non-2xx status is an error.
func (c *callbackClient) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal callback payload: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bypassHeader != "" && c.bypassSecret != "" {
		req.Header.Set(c.bypassHeader, c.bypassSecret)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// goDeliver runs fn on a new goroutine tracked by wait.
func (c *callbackClient) goDeliver(fn func()) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		fn()
	}()
}

// after runs fn once d has elapsed on clock. The pending retry counts
// towards wait until it runs or is cancelled.
func (c *callbackClient) after(clock Clock, d time.Duration, fn func()) {
	retry := &scheduledRetry{}
	c.pending.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries[retry] = struct{}{}
	retry.timer = clock.AfterFunc(d, func() {
		if !c.claim(retry) {
			return
		}
		defer c.pending.Done()
		fn()
	})
}

func (c *callbackClient) claim(retry *scheduledRetry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.retries[retry]; !ok {
		return false
	}
	delete(c.retries, retry)
	return true
}

// cancelRetries drops every retry that has not started yet.
func (c *callbackClient) cancelRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for retry := range c.retries {
		retry.timer.Stop()
		delete(c.retries, retry)
		c.pending.Done()
	}
}

// wait blocks until every delivery started so far has finished, or ctx ends.
// When ctx ends first, retries that have not started are cancelled.
func (c *callbackClient) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.cancelRetries()
		return ctx.Err()
	}
}
