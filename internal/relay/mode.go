// ABOUTME: Operating mode selection for the completion relay
// ABOUTME: Asks the local proxy whether it holds a credential and falls back to direct mode otherwise

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Mode selects where generation requests are sent.
type Mode int

const (
	// Direct sends requests straight to the provider with a caller-supplied key.
	Direct Mode = iota
	// Proxied sends requests to the local proxy, which holds the shared key.
	Proxied
)

func (m Mode) String() string {
	switch m {
	case Direct:
		return "direct"
	case Proxied:
		return "proxied"
	default:
		return "unknown"
	}
}

// ServerInfo is the proxy's /api/config response.
type ServerInfo struct {
	DefaultModel string   `json:"defaultModel"`
	Models       []string `json:"models"`
	HasAPIKey    bool     `json:"hasApiKey"`
}

// FetchServerInfo retrieves the proxy's configuration.
func FetchServerInfo(ctx context.Context, client *http.Client, proxyURL string) (*ServerInfo, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(proxyURL, "/")+"/api/config", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching config: unexpected status %d", resp.StatusCode)
	}

	var info ServerInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &info, nil
}

// ResolveMode picks the relay mode. Direct mode is chosen when the proxy
// cannot be reached or reports no credential; the fetch error, if any, is
// returned alongside so callers can log it. Info is nil when the fetch failed.
func ResolveMode(ctx context.Context, client *http.Client, proxyURL string) (Mode, *ServerInfo, error) {
	info, err := FetchServerInfo(ctx, client, proxyURL)
	if err != nil {
		return Direct, nil, err
	}
	if !info.HasAPIKey {
		return Direct, info, nil
	}
	return Proxied, info, nil
}
