package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Refresh fetches the endpoint's refresh URL, asking the provider to rotate
// the proxy exit IP. It returns an error when no refresh URL is configured or
// the provider answers with a non-2xx status.
func (e Endpoint) Refresh(ctx context.Context, client *http.Client) error {
	if e.RefreshURL == "" {
		return errors.New("refresh: no refresh url configured")
	}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.RefreshURL, nil)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("refresh: %s", resp.Status)
	}
	return nil
}
