// Package transport is the client side of the relay protocol: a state machine
// that picks how to reach the server (stateless HTTP while backgrounded, a
// persistent socket while foregrounded) and hides reconnects and mode changes
// behind a plain request API.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushrelay/pushrelay/internal/keys"
	"github.com/pushrelay/pushrelay/internal/protocol"
	"github.com/pushrelay/pushrelay/internal/strategy"
)

// Version is the protocol version this client speaks. The server accepts
// clients that are at least as new as itself.
const Version = "2.0.0"

// requestTimeout bounds every public operation end to end, including any time
// spent waiting for the machine to reach a usable state.
const requestTimeout = 10 * time.Second

// Receiver pairs a channel id with the sender key that proves subscription
// rights for it.
type Receiver struct {
	IDBase64 string
	Sender   *keys.Sender
}

// Options configure a Transport.
type Options struct {
	// Address of the relay server, e.g. "https://notify.example.com". May be
	// blank; the machine then idles until SetAddress.
	Address string
	// Foreground selects the initial connection mode.
	Foreground bool
	// Handler receives messages pushed over the socket or handed in through
	// HandleNotification.
	Handler func(protocol.EncryptedMessage)
	// HTTPClient is used for all plain HTTP calls. Defaults to a fresh client.
	HTTPClient *http.Client
	// Log receives transport events.
	Log zerolog.Logger
	// OnError is an optional sink for request failures, called in addition to
	// the error return.
	OnError func(error)
}

// Transport is the client connection machine.
type Transport struct {
	log        zerolog.Logger
	httpClient *http.Client
	state      *machineState
	onError    func(error)
	destroyed  atomic.Bool
	runtime    *strategy.Runtime[Strategy]
}

// New starts a transport. It owns a background scheduling loop until Destroy.
func New(opts Options) *Transport {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	t := &Transport{
		log:        opts.Log.With().Str("component", "transport").Logger(),
		httpClient: client,
		onError:    opts.OnError,
		state: &machineState{
			address:    opts.Address,
			foreground: opts.Foreground,
			handler:    opts.Handler,
		},
	}
	t.runtime = strategy.New(strategy.Options[Strategy]{
		Init: t.entryStrategy(),
		Idle: func() Strategy { return &startupStrategy{t: t} },
		Error: func(err error) Strategy {
			t.log.Warn().Err(err).Msg("entering error state")
			return &errorStrategy{err: err}
		},
		IsError: func(s Strategy) (error, bool) {
			if e, ok := s.(*errorStrategy); ok {
				return e.Err(), true
			}
			return nil, false
		},
	})
	return t
}

func (t *Transport) entryStrategy() Strategy {
	if isBlank(t.state.Address()) {
		return noAddressStrategy{}
	}
	return &startupStrategy{t: t}
}

// State returns the current machine state name.
func (t *Transport) State() string {
	return t.runtime.Type()
}

// AwaitState blocks until the machine reaches the named state. It fails fast
// when the machine is parked in the error state.
func (t *Transport) AwaitState(ctx context.Context, state string) error {
	return t.runtime.AwaitType(ctx, state)
}

// AwaitReady blocks until the machine can serve requests.
func (t *Transport) AwaitReady(ctx context.Context) error {
	_, err := t.awaitUsable(ctx)
	return err
}

// SetAddress points the machine at a new server. A change restarts the
// handshake; in-flight requests fail and are not replayed.
func (t *Transport) SetAddress(address string) {
	if !t.state.SetAddress(address) {
		return
	}
	t.restart()
}

// SetForeground switches the connection mode. The machine only restarts when
// the active strategy no longer matches the mode.
func (t *Transport) SetForeground(foreground bool) {
	if !t.state.SetForeground(foreground) {
		return
	}
	switch t.runtime.Type() {
	case StateFetch:
		if foreground {
			t.restart()
		}
	case StateSocket:
		if !foreground {
			t.restart()
		}
	}
}

func (t *Transport) restart() {
	if t.destroyed.Load() {
		return
	}
	t.runtime.Change(t.entryStrategy())
}

// HandleNotification feeds a message that arrived out of band, through the
// platform push gateway, into the regular handler.
func (t *Transport) HandleNotification(message protocol.EncryptedMessage) {
	t.deliver(message)
}

func (t *Transport) deliver(message protocol.EncryptedMessage) {
	if handler := t.state.Handler(); handler != nil {
		handler(message)
	}
}

// Destroy shuts the machine down. Every request from here on fails with
// ErrDestroyed; Destroy is idempotent.
func (t *Transport) Destroy() {
	if !t.destroyed.CompareAndSwap(false, true) {
		return
	}
	t.runtime.Change(&errorStrategy{err: ErrDestroyed})
	if err := t.runtime.AwaitType(context.Background(), StateError); err != nil {
		t.log.Warn().Err(err).Msg("destroy transition did not settle")
	}
	t.runtime.Stop()
	t.log.Debug().Msg("transport destroyed")
}

// Subscribe registers the push token for the given channels. The result holds
// one flag per receiver, true when subscribing changed the store. Request
// failures are reported through the error sink and come back as all false.
func (t *Transport) Subscribe(ctx context.Context, pushToken string, receivers []Receiver) []bool {
	return t.subscription(ctx, protocol.TypeSubscribe, pushToken, receivers)
}

// Unsubscribe removes the push token from the given channels.
func (t *Transport) Unsubscribe(ctx context.Context, pushToken string, receivers []Receiver) []bool {
	return t.subscription(ctx, protocol.TypeUnsubscribe, pushToken, receivers)
}

// Reset replaces the token's subscriptions with exactly the given channels.
// Flags report final membership per receiver.
func (t *Transport) Reset(ctx context.Context, pushToken string, receivers []Receiver) []bool {
	return t.subscription(ctx, protocol.TypeReset, pushToken, receivers)
}

func (t *Transport) subscription(ctx context.Context, command, pushToken string, receivers []Receiver) []bool {
	if len(receivers) == 0 {
		return []bool{}
	}
	query, err := subscriptionQuery(pushToken, receivers)
	if err != nil {
		t.reportError(&RequestFailure{Command: command, State: t.runtime.Type(), Cause: err})
		return make([]bool, len(receivers))
	}
	raw, err := t.request(ctx, command, query)
	if err != nil {
		return make([]bool, len(receivers))
	}
	var results []bool
	if err := json.Unmarshal(raw, &results); err != nil {
		t.reportError(&RequestFailure{Command: command, Args: query, State: t.runtime.Type(), Cause: err})
		return make([]bool, len(receivers))
	}
	return results
}

// subscriptionQuery signs the push token with every receiver's sender key and
// packs the wire query. Ids and signatures travel as ';' joined base64.
func subscriptionQuery(pushToken string, receivers []Receiver) (map[string]string, error) {
	if isBlank(pushToken) {
		return nil, errors.New("blank push token")
	}
	ids := make([]string, len(receivers))
	signatures := make([]string, len(receivers))
	for i, receiver := range receivers {
		if receiver.Sender == nil {
			return nil, errors.New("receiver without sender key")
		}
		ids[i] = receiver.IDBase64
		signatures[i] = base64.StdEncoding.EncodeToString(receiver.Sender.Sign([]byte(pushToken)))
	}
	return map[string]string{
		"pushToken":        pushToken,
		"idsBase64":        strings.Join(ids, ";"),
		"signaturesBase64": strings.Join(signatures, ";"),
	}, nil
}

// Send publishes an encrypted body on the channel. The result lists one
// delivery marker per subscribed token; an empty channel is an error.
func (t *Transport) Send(ctx context.Context, channel *keys.Channel, body []byte) ([]string, error) {
	signature := channel.Sender.Sign(body)
	raw, err := t.request(ctx, protocol.TypeSend, map[string]string{
		"idBase64":        channel.IDBase64(),
		"bodyBase64":      base64.StdEncoding.EncodeToString(body),
		"signatureBase64": base64.StdEncoding.EncodeToString(signature),
	})
	if err != nil {
		return nil, err
	}
	var results []string
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// request runs one operation against the current strategy, first waiting for
// the machine to become usable. The whole exchange shares one deadline.
func (t *Transport) request(ctx context.Context, command string, query map[string]string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	current, err := t.awaitUsable(ctx)
	if err == nil {
		var raw json.RawMessage
		raw, err = current.Request(ctx, command, query)
		if err == nil {
			return raw, nil
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = &TimeoutError{Timeout: requestTimeout}
	}
	failure := &RequestFailure{Command: command, Args: query, State: t.runtime.Type(), Cause: err}
	t.reportError(failure)
	return nil, failure
}

// awaitUsable waits until the active strategy can carry requests. It fails
// fast in the no-address and error states rather than burning the deadline.
func (t *Transport) awaitUsable(ctx context.Context) (Strategy, error) {
	for {
		current := t.runtime.Current()
		switch current.Type() {
		case StateFetch, StateSocket:
			return current, nil
		case StateNoAddress:
			return nil, ErrNoAddress
		}
		if e, ok := current.(*errorStrategy); ok {
			return nil, e.Err()
		}
		if err := t.runtime.AwaitChange(ctx); err != nil {
			return nil, err
		}
	}
}

func (t *Transport) reportError(err error) {
	t.log.Warn().Err(err).Msg("request failed")
	if t.onError != nil {
		t.onError(err)
	}
}

// machineState holds the mutable knobs shared between the transport and its
// strategies. Strategies read it at decision points so flips made while a
// handshake is in flight still take effect.
type machineState struct {
	mu         sync.Mutex
	address    string
	foreground bool
	handler    func(protocol.EncryptedMessage)
}

func (m *machineState) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

// SetAddress reports whether the address actually changed.
func (m *machineState) SetAddress(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.address == address {
		return false
	}
	m.address = address
	return true
}

func (m *machineState) Foreground() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foreground
}

// SetForeground reports whether the flag actually flipped.
func (m *machineState) SetForeground(foreground bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.foreground == foreground {
		return false
	}
	m.foreground = foreground
	return true
}

func (m *machineState) Handler() func(protocol.EncryptedMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
