package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultSocketPath is where tailscaled exposes its local API.
const DefaultSocketPath = "/var/run/tailscale/tailscaled.sock"

// localAPIHost is the only Host header tailscaled accepts on its socket.
const localAPIHost = "local-tailscaled.sock"

// LocalAPI queries the local tailscaled daemon over its unix socket.
type LocalAPI struct {
	client *http.Client
}

// NewLocalAPI creates a client for the daemon socket at socketPath.
func NewLocalAPI(socketPath string) *LocalAPI {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &LocalAPI{
		client: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

type whoisResponse struct {
	Node struct {
		Name         string `json:"Name"`
		ComputedName string `json:"ComputedName"`
	} `json:"Node"`
}

// Whois resolves the node name behind ip. The returned identity is the bare
// hostname, lowercased, with the tailnet domain suffix stripped.
func (l *LocalAPI) Whois(ctx context.Context, ip string) (string, error) {
	// The whois endpoint wants an ip:port pair; the port is irrelevant.
	endpoint := fmt.Sprintf("http://%s/localapi/v0/whois?addr=%s", localAPIHost, url.QueryEscape(ip+":1"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build whois request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whois request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whois returned %d for %s", resp.StatusCode, ip)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read whois response: %w", err)
	}

	var parsed whoisResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode whois response: %w", err)
	}

	hostname := parsed.Node.ComputedName
	if hostname == "" {
		hostname = parsed.Node.Name
	}
	if hostname == "" {
		return "", fmt.Errorf("whois returned no node name for %s", ip)
	}

	// "myhost.tailnet-name.ts.net." -> "myhost"
	hostname = strings.ToLower(strings.SplitN(hostname, ".", 2)[0])
	return hostname, nil
}
