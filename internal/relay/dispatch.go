package relay

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pushrelay/pushrelay/internal/gateway"
	"github.com/pushrelay/pushrelay/internal/protocol"
)

// socketDeliveryID marks a delivery that went over a live socket instead of
// through the gateway, so senders can tell the paths apart.
const socketDeliveryID = "ws::pass-through"

// Dispatcher fans one message out to every current subscriber of a channel,
// choosing socket or gateway delivery per recipient. No recipient's failure is
// allowed to block or abort the others.
type Dispatcher struct {
	log      zerolog.Logger
	registry *Registry
	gateway  gateway.Gateway
}

// NewDispatcher creates a dispatch engine.
func NewDispatcher(log zerolog.Logger, registry *Registry, gw gateway.Gateway) *Dispatcher {
	return &Dispatcher{
		log:      log.With().Str("component", "dispatch").Logger(),
		registry: registry,
		gateway:  gw,
	}
}

// Dispatch delivers message to the given push tokens and returns exactly one
// outcome per recipient: a delivery id, or an "error:<code>" marker.
func (d *Dispatcher) Dispatch(ctx context.Context, tokens []string, message protocol.EncryptedMessage) []string {
	messageID := uuid.NewString()

	pushes := make([]gateway.Message, 0, len(tokens))
	for _, token := range tokens {
		pushes = append(pushes, gateway.Message{
			To:       token,
			Sound:    "default",
			Body:     "Secure message.",
			TTL:      10000,
			Priority: "high",
			Data:     message,
		})
	}

	// Partition per-recipient. A registered socket whose state is no longer
	// open is stale: evict it and reclassify the recipient as gateway-only,
	// since nothing else prunes the registry.
	var viaGateway []gateway.Message
	var viaSocket []gateway.Message
	for _, push := range pushes {
		tokenHex := protocol.TokenHex(push.To)
		sock, session, ok := d.registry.Lookup(tokenHex)
		if !ok {
			viaGateway = append(viaGateway, push)
			continue
		}
		if !sock.Open() {
			d.log.Debug().Str("session", session).Msg("evicting stale socket")
			d.registry.CloseSocket(session)
			viaGateway = append(viaGateway, push)
			continue
		}
		viaSocket = append(viaSocket, push)
	}

	results := make([]string, 0, len(tokens))

	for _, chunk := range d.gateway.Chunk(viaGateway) {
		results = append(results, d.sendGateway(ctx, messageID, chunk)...)
	}

	frame := protocol.Push{Type: protocol.TypeMessage, Body: message}
	for _, push := range viaSocket {
		tokenHex := protocol.TokenHex(push.To)
		sock, session, ok := d.registry.Lookup(tokenHex)
		if ok {
			if err := sock.Push(frame); err == nil {
				d.log.Debug().
					Str("message_id", messageID).
					Str("session", session).
					Msg("delivered via socket")
				results = append(results, socketDeliveryID)
				continue
			}
			// Write failed: the socket is dead. Evict it and retry exactly
			// once via the gateway.
			d.log.Warn().Str("session", session).Msg("socket write failed, falling back to gateway")
			_ = sock.Close()
			d.registry.CloseSocket(session)
		}
		results = append(results, d.sendGateway(ctx, messageID, []gateway.Message{push})...)
	}

	return results
}

// sendGateway submits one chunk and normalizes every ticket into an outcome
// marker. Per-ticket failures are logged, never raised: a failed ticket must
// not abort sibling deliveries.
func (d *Dispatcher) sendGateway(ctx context.Context, messageID string, chunk []gateway.Message) []string {
	if len(chunk) == 0 {
		return nil
	}
	tickets, err := d.gateway.SendAsync(ctx, chunk)
	if err != nil {
		targets := make([]string, len(chunk))
		for i, msg := range chunk {
			targets[i] = msg.To
		}
		d.log.Error().
			Err(err).
			Str("message_id", messageID).
			Strs("targets", targets).
			Msg("gateway submission failed")
		results := make([]string, len(chunk))
		for i := range results {
			results[i] = "error"
		}
		return results
	}

	results := make([]string, 0, len(chunk))
	for _, ticket := range tickets {
		if ticket.OK() {
			results = append(results, ticket.ID)
			continue
		}
		if ticket.Code != "" {
			results = append(results, "error:"+ticket.Code)
		} else {
			results = append(results, "error")
		}
		d.log.Error().
			Str("message_id", messageID).
			Str("code", ticket.Code).
			Str("detail", ticket.Message).
			Msg("gateway rejected message")
	}
	// The gateway answered with fewer tickets than messages. Every recipient
	// still gets an outcome.
	for len(results) < len(chunk) {
		results = append(results, "error")
	}
	return results
}
