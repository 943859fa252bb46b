package transport

import (
	"context"
	"encoding/json"

	"github.com/pushrelay/pushrelay/internal/protocol"
	"github.com/pushrelay/pushrelay/internal/strategy"
)

// Machine states. Exactly one strategy is current at any time.
const (
	StateNoAddress = "no_address"
	StateStartup   = "startup"
	StateFetch     = "fetch"
	StateSocket    = "websocket"
	StateError     = "error"
)

// Strategy is one state of the transport machine: a named cancellable body
// plus, for the usable states, a request capability.
type Strategy interface {
	strategy.Strategy[Strategy]
	Request(ctx context.Context, command string, query map[string]string) (json.RawMessage, error)
}

// noAddressStrategy idles while the configured address is blank.
type noAddressStrategy struct{}

func (noAddressStrategy) Type() string { return StateNoAddress }

func (noAddressStrategy) Run(ctx context.Context) (Strategy, error) {
	return strategy.Idle[Strategy](ctx)
}

func (noAddressStrategy) Request(context.Context, string, map[string]string) (json.RawMessage, error) {
	return nil, ErrNoAddress
}

// errorStrategy is the terminal sink: it idles and fails every request with
// the wrapped error.
type errorStrategy struct {
	err error
}

func (e *errorStrategy) Type() string { return StateError }

func (e *errorStrategy) Err() error { return e.err }

func (e *errorStrategy) Run(ctx context.Context) (Strategy, error) {
	return strategy.Idle[Strategy](ctx)
}

func (e *errorStrategy) Request(context.Context, string, map[string]string) (json.RawMessage, error) {
	return nil, e.err
}

// startupStrategy performs the version-compatibility handshake against the
// target address, then branches to socket or fetch mode based on the current
// foreground flag.
type startupStrategy struct {
	t *Transport
}

func (s *startupStrategy) Type() string { return StateStartup }

func (s *startupStrategy) Run(ctx context.Context) (Strategy, error) {
	t := s.t
	address := t.state.Address()
	if isBlank(address) {
		return noAddressStrategy{}, nil
	}

	raw, err := fetchJSON(ctx, t.httpClient, address, protocol.TypeCompatible, map[string]string{
		"version": Version,
	})
	if err != nil {
		return nil, err
	}
	var compatible bool
	if err := json.Unmarshal(raw, &compatible); err != nil {
		return nil, err
	}
	if !compatible {
		// Collect the server's identity for the error before giving up.
		incompatible := &IncompatibleError{Address: address, ClientVersion: Version}
		if infoRaw, infoErr := fetchJSON(ctx, t.httpClient, address, "", nil); infoErr == nil {
			var info protocol.ServerInfo
			if json.Unmarshal(infoRaw, &info) == nil {
				incompatible.Server = info.Server
				incompatible.ServerVersion = info.Version
			}
		}
		return nil, incompatible
	}

	if t.state.Foreground() {
		return newSocketStrategy(t), nil
	}
	return newFetchStrategy(t), nil
}

func (s *startupStrategy) Request(context.Context, string, map[string]string) (json.RawMessage, error) {
	return nil, ErrNotReady
}
