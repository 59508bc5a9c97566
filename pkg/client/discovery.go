// Copyright 2024-2026 Aiku AI

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// serverInfo is the discovery endpoint's description of the actual game
// server behind the configured name.
type serverInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	ID   string `json:"id"`
}

// discoverServer resolves the game server's real host and port. The
// endpoint answers with an HTML-embedded JSON blob ("var config = ...;"),
// and on some deployments the blob is double-encoded: a JSON string whose
// contents are the JSON object.
func discoverServer(ctx context.Context, httpc *http.Client, discoveryURL string) (*serverInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server discovery request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read discovery response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}
	return parseDiscoveryBody(string(body))
}

func parseDiscoveryBody(body string) (*serverInfo, error) {
	const prefix = "var config = "
	start := strings.Index(body, prefix)
	if start < 0 {
		return nil, fmt.Errorf("discovery response has no config assignment")
	}
	blob := strings.TrimSpace(body[start+len(prefix):])
	blob = strings.TrimSuffix(blob, ";")

	var info serverInfo
	if err := json.Unmarshal([]byte(blob), &info); err != nil {
		// Double-encoded variant: unwrap the outer JSON string first.
		var inner string
		if err2 := json.Unmarshal([]byte(blob), &inner); err2 != nil {
			return nil, fmt.Errorf("unparseable discovery config: %w", err)
		}
		if err2 := json.Unmarshal([]byte(inner), &info); err2 != nil {
			return nil, fmt.Errorf("unparseable double-encoded discovery config: %w", err2)
		}
	}
	if info.Host == "" || info.Port == 0 {
		return nil, fmt.Errorf("discovery config missing host or port")
	}
	return &info, nil
}

// websocketURL builds the socket URL for a discovered server. Only the
// canonical host terminates TLS.
func websocketURL(info *serverInfo, canonicalHost string) string {
	scheme := "ws"
	if info.Host == canonicalHost {
		scheme = "wss"
	}
	return scheme + "://" + info.Host + ":" + strconv.Itoa(info.Port) + "/showdown/websocket"
}
