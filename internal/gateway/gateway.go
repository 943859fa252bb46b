// Package gateway is the boundary to the third-party push-notification
// service. The relay treats it as a black box: hand it messages, get tickets
// back. Batching follows the gateway's own chunking rule.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// ChunkSize is the gateway's documented maximum batch size.
const ChunkSize = 100

// Message is one push notification addressed to a device token.
type Message struct {
	To       string `json:"to"`
	Title    string `json:"title,omitempty"`
	Body     string `json:"body,omitempty"`
	Sound    string `json:"sound,omitempty"`
	TTL      int    `json:"ttl,omitempty"`
	Priority string `json:"priority,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// Ticket is the per-message submission result.
type Ticket struct {
	Status  string `json:"status"` // "ok" or "error"
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// OK reports whether the ticket represents an accepted submission.
func (t Ticket) OK() bool {
	return t.Status == "ok"
}

// Gateway is the collaborator contract consumed by the dispatch engine.
type Gateway interface {
	// Chunk splits messages per the gateway's batching rule.
	Chunk(messages []Message) [][]Message

	// SendAsync submits one chunk and returns a ticket per message.
	SendAsync(ctx context.Context, messages []Message) ([]Ticket, error)
}

var tokenPattern = regexp.MustCompile(`^(ExponentPushToken|ExpoPushToken)\[[^\]]+\]$`)

// TokenValid reports whether a push token has the shape the gateway issues.
func TokenValid(token string) bool {
	return tokenPattern.MatchString(token)
}

// HTTPGateway talks to an Expo-compatible push endpoint.
type HTTPGateway struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Config holds configuration for the HTTP gateway client.
type Config struct {
	BaseURL string // default: https://exp.host
	Token   string // optional access token
	Timeout time.Duration
}

// NewHTTP creates a gateway client against an Expo-compatible endpoint.
func NewHTTP(cfg Config) *HTTPGateway {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://exp.host"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Chunk splits messages into batches of at most ChunkSize.
func (g *HTTPGateway) Chunk(messages []Message) [][]Message {
	if len(messages) == 0 {
		return nil
	}
	chunks := make([][]Message, 0, (len(messages)+ChunkSize-1)/ChunkSize)
	for len(messages) > ChunkSize {
		chunks = append(chunks, messages[:ChunkSize])
		messages = messages[ChunkSize:]
	}
	return append(chunks, messages)
}

// SendAsync submits one chunk of messages and returns their tickets.
func (g *HTTPGateway) SendAsync(ctx context.Context, messages []Message) ([]Ticket, error) {
	payload, err := json.Marshal(messages)
	if err != nil {
		return nil, err
	}

	url := g.baseURL + "/--/api/v2/push/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push gateway: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("push gateway: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("push gateway: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Data []Ticket `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("push gateway: decode response: %w", err)
	}
	return parsed.Data, nil
}
