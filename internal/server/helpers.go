package server

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// WaitForHealthy polls baseURL/health until it answers 200 OK or ctx ends.
func WaitForHealthy(ctx context.Context, baseURL string) error {
	client := &http.Client{Timeout: time.Second}
	wait := 50 * time.Millisecond
	var lastErr error

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			err = fmt.Errorf("health returned %s", resp.Status)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("server not healthy: %w (last error: %v)", ctx.Err(), lastErr)
		case <-time.After(wait):
		}
		wait = min(wait*2, time.Second)
	}
}
