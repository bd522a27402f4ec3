// Package dispatch resolves a task identifier to an HTTP URL and delivers
// the job payload with the conventional headers (spec.md §4.5).
package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
)

// Client delivers a job's payload to its task's HTTP endpoint. The http.Client
// construction mirrors the teacher's scheduler.Executor: a TLS floor,
// connection reuse tuning, a bounded redirect count, and context-scoped
// per-job timeouts layered over a client-wide safety-net timeout.
type Client struct {
	httpClient      *http.Client
	gatewayBaseURL  string
	devMap          map[string]string // taskIdentifier -> absolute URL, active outside production
	callbackURL     string
	dispatchTimeout time.Duration
	logger          *slog.Logger
}

// Config configures URL resolution and request shaping.
type Config struct {
	GatewayBaseURL  string
	DevMap          map[string]string
	CallbackURL     string
	DispatchTimeout time.Duration
}

func New(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.DispatchTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // safety net; per-request timeout is scoped via context
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
		gatewayBaseURL:  strings.TrimSuffix(cfg.GatewayBaseURL, "/"),
		devMap:          cfg.DevMap,
		callbackURL:     cfg.CallbackURL,
		dispatchTimeout: timeout,
		logger:          logger.With("component", "dispatch"),
	}
}

// ResolveURL implements spec.md §4.5's resolution order: a per-task dev
// override wins when present, otherwise <gatewayBaseUrl>/<taskIdentifier>.
func (c *Client) ResolveURL(taskIdentifier string) string {
	if url, ok := c.devMap[taskIdentifier]; ok {
		return url
	}
	return c.gatewayBaseURL + "/" + taskIdentifier
}

// Dispatch POSTs the job's payload to its resolved URL with the conventional
// headers. Success is any 2xx response; anything else, a connection
// failure, or a timeout is returned as an error for the Worker to record via
// FailJob. Dispatch never retries — retry is the Worker's decision on the
// next claim cycle.
func (c *Client) Dispatch(ctx context.Context, job *domain.Job, workerID string) error {
	url := c.ResolveURL(job.TaskIdentifier)

	ctx, cancel := context.WithTimeout(ctx, c.dispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(job.Payload))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Worker-Id", workerID)
	req.Header.Set("X-Job-Id", job.ID)
	req.Header.Set("X-Database-Id", job.DatabaseID)
	req.Header.Set("X-Callback-Url", c.callbackURL)

	start := time.Now()
	c.logger.InfoContext(ctx, "dispatching job", "job_id", job.ID, "task", job.TaskIdentifier, "url", url)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "dispatch failed", "job_id", job.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body) // drain so the connection is reusable

	duration := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.WarnContext(ctx, "dispatch non-2xx", "job_id", job.ID, "status", resp.StatusCode, "duration", duration)
		return fmt.Errorf("dispatch job %s: unexpected status %d", job.ID, resp.StatusCode)
	}

	c.logger.InfoContext(ctx, "dispatch accepted", "job_id", job.ID, "status", resp.StatusCode, "duration", duration)
	return nil
}
