package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pushrelay/pushrelay/internal/protocol"
	"github.com/pushrelay/pushrelay/internal/strategy"
)

// fetchJSON issues one plain request-reply call against the server: a POST to
// address/command with the query encoded in the URL, answered with JSON.
func fetchJSON(ctx context.Context, client *http.Client, address, command string, query map[string]string) (json.RawMessage, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + command
	if len(query) > 0 {
		values := u.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		u.RawQuery = values.Encode()
	}

	method := http.MethodPost
	if command == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var envelope struct {
			Error *protocol.ResponseError `json:"error"`
		}
		if jerr := json.Unmarshal(body, &envelope); jerr == nil && envelope.Error != nil {
			return nil, envelope.Error
		}
		return nil, fmt.Errorf("HTTP request failed [%d]: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("HTTP response not valid JSON: %s", strings.TrimSpace(string(body)))
	}
	return json.RawMessage(body), nil
}

// fetchStrategy serves requests statelessly over HTTP while the app is
// backgrounded; no persistent connection is held.
type fetchStrategy struct {
	client  *http.Client
	address string
}

func newFetchStrategy(t *Transport) *fetchStrategy {
	return &fetchStrategy{client: t.httpClient, address: t.state.Address()}
}

func (f *fetchStrategy) Type() string { return StateFetch }

func (f *fetchStrategy) Run(ctx context.Context) (Strategy, error) {
	return strategy.Idle[Strategy](ctx)
}

func (f *fetchStrategy) Request(ctx context.Context, command string, query map[string]string) (json.RawMessage, error) {
	return fetchJSON(ctx, f.client, f.address, command, query)
}
