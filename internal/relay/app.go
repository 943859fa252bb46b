// Package relay implements the server side of the notification relay: the
// subscription operations, the dispatch engine and the socket registry behind
// both the HTTP routes and the WebSocket framing.
package relay

import (
	"context"
	"encoding/base64"

	"github.com/rs/zerolog"

	"github.com/pushrelay/pushrelay/internal/gateway"
	"github.com/pushrelay/pushrelay/internal/keys"
	"github.com/pushrelay/pushrelay/internal/protocol"
	"github.com/pushrelay/pushrelay/internal/store"
)

// App exposes the relay's logical operations, shared by HTTP and socket
// transports.
type App struct {
	log        zerolog.Logger
	store      *store.Subscriptions
	registry   *Registry
	dispatcher *Dispatcher
}

// NewApp wires the relay operations together.
func NewApp(log zerolog.Logger, subs *store.Subscriptions, registry *Registry, gw gateway.Gateway) *App {
	return &App{
		log:        log.With().Str("component", "app").Logger(),
		store:      subs,
		registry:   registry,
		dispatcher: NewDispatcher(log, registry, gw),
	}
}

// Registry returns the connection registry, for the socket handler.
func (a *App) Registry() *Registry {
	return a.registry
}

// processedQuery is a validated subscription request: the push token plus the
// channel ids whose signatures all verified.
type processedQuery struct {
	pushToken string
	idsBase64 []string
}

// processQuery validates the token shape and checks, per channel, that the
// signature is the device's push token signed by the channel's sender key.
func (a *App) processQuery(query protocol.SubscriptionQuery) (*processedQuery, error) {
	if !gateway.TokenValid(query.PushToken) {
		a.log.Warn().Str("token", query.PushToken).Msg("invalid push token")
		return nil, errInvalidPushToken(query.PushToken)
	}
	ids := query.IDs()
	signatures := query.Signatures()
	if len(ids) != len(signatures) {
		return nil, errSignatureCount(len(ids), len(signatures))
	}
	tokenBytes := []byte(query.PushToken)
	for i, idBase64 := range ids {
		id, err := base64.StdEncoding.DecodeString(idBase64)
		if err != nil {
			return nil, errInvalidSignature(i)
		}
		signature, err := base64.StdEncoding.DecodeString(signatures[i])
		if err != nil {
			return nil, errInvalidSignature(i)
		}
		if !keys.Verify(id, signature, tokenBytes) {
			a.log.Warn().Int("index", i).Msg("invalid subscription signature")
			return nil, errInvalidSignature(i)
		}
	}
	return &processedQuery{pushToken: query.PushToken, idsBase64: ids}, nil
}

// registerSocket binds the device to the live socket issuing the request, so
// subsequent sends prefer direct delivery.
func (a *App) registerSocket(pushToken, session string, sock Socket) {
	if sock == nil {
		return
	}
	a.registry.RegisterSocket(protocol.TokenHex(pushToken), session, sock)
}

// Subscribe adds the device to each requested channel. The result holds one
// bool per channel: true if the relation was created, false if it already
// existed.
func (a *App) Subscribe(ctx context.Context, query protocol.SubscriptionQuery, session string, sock Socket) ([]bool, error) {
	return a.toggleAll(ctx, query, session, sock, true)
}

// Unsubscribe removes the device from each requested channel.
func (a *App) Unsubscribe(ctx context.Context, query protocol.SubscriptionQuery) ([]bool, error) {
	return a.toggleAll(ctx, query, "", nil, false)
}

func (a *App) toggleAll(ctx context.Context, query protocol.SubscriptionQuery, session string, sock Socket, subscribe bool) ([]bool, error) {
	processed, err := a.processQuery(query)
	if err != nil {
		return nil, err
	}
	a.registerSocket(processed.pushToken, session, sock)

	results := make([]bool, 0, len(processed.idsBase64))
	for _, idBase64 := range processed.idsBase64 {
		idHex, err := protocol.DecodeID(idBase64)
		if err != nil {
			return nil, badRequest("invalid-channel-id", "invalid channel id")
		}
		changed, err := a.store.Toggle(ctx, processed.pushToken, idHex, subscribe)
		if err != nil {
			return nil, err
		}
		results = append(results, changed)
	}
	return results, nil
}

// Reset replaces the device's full subscription set with exactly the requested
// channels: extras are unsubscribed, missing ones subscribed. The result holds
// the final membership of each requested channel, in request order.
func (a *App) Reset(ctx context.Context, query protocol.SubscriptionQuery, session string, sock Socket) ([]bool, error) {
	processed, err := a.processQuery(query)
	if err != nil {
		return nil, err
	}
	a.registerSocket(processed.pushToken, session, sock)

	current, err := a.store.ChannelsByToken(ctx, processed.pushToken)
	if err != nil {
		return nil, err
	}

	requestedHex := make([]string, 0, len(processed.idsBase64))
	requested := make(map[string]bool, len(processed.idsBase64))
	for _, idBase64 := range processed.idsBase64 {
		idHex, err := protocol.DecodeID(idBase64)
		if err != nil {
			return nil, badRequest("invalid-channel-id", "invalid channel id")
		}
		requestedHex = append(requestedHex, idHex)
		requested[idHex] = true
	}

	membership := make(map[string]bool, len(requested))
	toSubscribe := make(map[string]bool, len(requested))
	for idHex := range requested {
		toSubscribe[idHex] = true
	}
	for _, idHex := range current {
		if requested[idHex] {
			delete(toSubscribe, idHex)
			membership[idHex] = true
			continue
		}
		if _, err := a.store.Toggle(ctx, processed.pushToken, idHex, false); err != nil {
			return nil, err
		}
	}
	for _, idHex := range requestedHex {
		if !toSubscribe[idHex] {
			continue
		}
		subscribed, err := a.store.Toggle(ctx, processed.pushToken, idHex, true)
		if err != nil {
			return nil, err
		}
		membership[idHex] = subscribed
	}

	results := make([]bool, len(requestedHex))
	for i, idHex := range requestedHex {
		results[i] = membership[idHex]
	}
	a.log.Debug().
		Str("token", processed.pushToken).
		Strs("requested", requestedHex).
		Msg("subscriptions reset")
	return results, nil
}

// Send verifies the message against its channel id, resolves the subscriber
// list and dispatches. It returns one delivery outcome per subscriber.
func (a *App) Send(ctx context.Context, message protocol.EncryptedMessage) ([]string, error) {
	id, err := base64.StdEncoding.DecodeString(message.IDBase64)
	if err != nil {
		return nil, errInvalidSignature(-1)
	}
	body, err := base64.StdEncoding.DecodeString(message.BodyBase64)
	if err != nil {
		return nil, errInvalidSignature(-1)
	}
	signature, err := base64.StdEncoding.DecodeString(message.SignatureBase64)
	if err != nil {
		return nil, errInvalidSignature(-1)
	}
	// Authenticity gates everything: an unverified message never reaches the
	// store.
	if !keys.Verify(id, signature, body) {
		return nil, errInvalidSignature(-1)
	}

	idHex, err := protocol.DecodeID(message.IDBase64)
	if err != nil {
		return nil, errInvalidSignature(-1)
	}
	tokens, err := a.store.List(ctx, idHex)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, errNoReceivers
	}
	return a.dispatcher.Dispatch(ctx, tokens, message), nil
}

// Compatible reports whether a client at the given version may use this server.
func (a *App) Compatible(_ context.Context, version string) bool {
	return protocol.Compatible(version, Version)
}
