package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	rh "github.com/hashicorp/go-retryablehttp"
)

// WaitReady polls the relay's health endpoint until it answers, retrying
// connection errors and 5xx answers up to RetryMax times.
func (c *Client) WaitReady(ctx context.Context) error {
	rc := rh.NewClient()
	rc.HTTPClient = c.http
	rc.Logger = NewRHLeveledLogger(c.logger, c.url)
	rc.RetryMax = c.retryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second

	req, err := rh.NewRequestWithContext(ctx, http.MethodGet, c.url+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := rc.Do(req)
	if err != nil {
		return fmt.Errorf("relay at %s is not reachable: %w", c.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay at %s is not ready: status %d", c.url, resp.StatusCode)
	}
	return nil
}
