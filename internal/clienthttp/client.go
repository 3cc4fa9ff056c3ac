// Package clienthttp talks to the rendezvous service's plain HTTP routes.
package clienthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sheerbytes/diceduel/pkg/protocol"
)

const requestTimeout = 5 * time.Second

// FetchStatus calls GET /status on the server.
func FetchStatus(ctx context.Context, serverURL string) (protocol.ServerStatus, error) {
	var status protocol.ServerStatus
	if err := getJSON(ctx, serverURL, "/status", &status); err != nil {
		return protocol.ServerStatus{}, err
	}
	return status, nil
}

// CheckHealth calls GET /health and reports whether the server said ok.
func CheckHealth(ctx context.Context, serverURL string) error {
	var health struct {
		OK bool `json:"ok"`
	}
	if err := getJSON(ctx, serverURL, "/health", &health); err != nil {
		return err
	}
	if !health.OK {
		return fmt.Errorf("server reported unhealthy")
	}
	return nil
}

func getJSON(ctx context.Context, serverURL, path string, out any) error {
	url := strings.TrimRight(serverURL, "/") + path
	if !strings.HasPrefix(url, "http") {
		url = "http://" + url
	}

	client := &http.Client{
		Timeout: requestTimeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
