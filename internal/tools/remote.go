package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/astridlabs/astrid/internal/gateway"
)

const remoteCallTimeout = 15 * time.Second

// RemoteEndpoint describes an HTTP tool server exposing one tool per URL.
// The server receives the call arguments as a JSON object and answers with
// {"result": "..."} or {"error": "..."}.
type RemoteEndpoint struct {
	Spec gateway.ToolSpec
	URL  string
}

// RegisterRemote wires an HTTP endpoint into the registry as a regular tool.
func (r *Registry) RegisterRemote(ep RemoteEndpoint, client *http.Client) error {
	if ep.URL == "" {
		return fmt.Errorf("tool %s: empty endpoint url", ep.Spec.Name)
	}
	if client == nil {
		client = &http.Client{Timeout: remoteCallTimeout}
	}
	return r.Register(ep.Spec, func(ctx context.Context, args map[string]any) (string, error) {
		return callRemote(ctx, client, ep.URL, args)
	})
}

func callRemote(ctx context.Context, client *http.Client, url string, args map[string]any) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode arguments: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var out struct {
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%s", out.Error)
	}
	return out.Result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
