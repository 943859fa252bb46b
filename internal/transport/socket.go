package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pushrelay/pushrelay/internal/protocol"
)

// Connection parameters. The liveness window is a multiple of the ping
// interval: a connection that shows no traffic (not even a pong) for that long
// is closed and redialed. Reconnects use a fixed short backoff.
const (
	pingInterval     = 15 * time.Second
	livenessWindow   = 3 * pingInterval
	reconnectDelay   = 1 * time.Second
	handshakeTimeout = 10 * time.Second
	socketWriteWait  = 10 * time.Second
)

// errConnLost marks a request whose frame never made it onto the wire; the
// caller may safely retry it on the next connection.
var errConnLost = errors.New("connection lost before send")

// webSocketURL converts an http(s) address into its ws(s) endpoint.
func webSocketURL(address string) string {
	address = strings.Replace(address, "https://", "wss://", 1)
	address = strings.Replace(address, "http://", "ws://", 1)
	return strings.TrimSuffix(address, "/") + "/ws"
}

// socketStrategy holds a persistent bidirectional connection. Its body owns
// the dial/serve/redial cycle; requests ride out reconnects by waiting on the
// open gate of the next connection.
type socketStrategy struct {
	t *Transport

	mu     sync.Mutex
	conn   *socketConn
	openCh chan struct{} // closed while a connection is open
}

func newSocketStrategy(t *Transport) *socketStrategy {
	return &socketStrategy{t: t, openCh: make(chan struct{})}
}

func (s *socketStrategy) Type() string { return StateSocket }

func (s *socketStrategy) Run(ctx context.Context) (Strategy, error) {
	t := s.t
	address := webSocketURL(t.state.Address())
	for {
		conn, err := s.dial(ctx, address)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			t.log.Warn().Err(err).Str("address", address).Msg("socket dial failed, retrying")
		} else {
			s.setConn(conn)
			s.serve(ctx, conn)
			s.dropConn()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *socketStrategy) dial(ctx context.Context, address string) (*socketConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, address, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newSocketConn(s.t.log, ws), nil
}

func (s *socketStrategy) setConn(conn *socketConn) {
	s.mu.Lock()
	s.conn = conn
	close(s.openCh)
	s.mu.Unlock()
	s.t.log.Debug().Msg("socket connected")
}

func (s *socketStrategy) dropConn() {
	s.mu.Lock()
	s.conn = nil
	s.openCh = make(chan struct{})
	s.mu.Unlock()
	s.t.log.Debug().Msg("socket disconnected")
}

// serve pumps the connection until it dies or the strategy is cancelled.
func (s *socketStrategy) serve(ctx context.Context, conn *socketConn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.ws.Close()
		case <-done:
		}
	}()
	go conn.pingLoop(done)
	conn.readLoop(s.t.deliver)
}

// Request correlates one request/response exchange over the current
// connection, waiting out a reconnect when none is open.
func (s *socketStrategy) Request(ctx context.Context, command string, query map[string]string) (json.RawMessage, error) {
	for {
		s.mu.Lock()
		conn := s.conn
		openCh := s.openCh
		s.mu.Unlock()

		if conn == nil {
			select {
			case <-openCh:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		raw, err := conn.roundTrip(ctx, command, query)
		if errors.Is(err, errConnLost) {
			// The read loop may not have retired the dead connection yet.
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		return raw, err
	}
}

// socketConn is one live connection. The request id counter and the pending
// map are scoped to the connection and die with it, so ids never collide
// across reconnects.
type socketConn struct {
	log zerolog.Logger
	ws  *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextRID uint64
	pending map[uint64]chan *protocol.Response
}

func newSocketConn(log zerolog.Logger, ws *websocket.Conn) *socketConn {
	return &socketConn{
		log:     log,
		ws:      ws,
		pending: make(map[uint64]chan *protocol.Response),
	}
}

func (c *socketConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// pingLoop sends liveness pings as raw string frames until the connection
// serves its last frame.
func (c *socketConn) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.write([]byte(protocol.PingFrame)); err != nil {
				return
			}
		}
	}
}

// readLoop dispatches inbound frames until the connection fails or goes
// silent past the liveness window.
func (c *socketConn) readLoop(deliver func(protocol.EncryptedMessage)) {
	defer func() {
		_ = c.ws.Close()
	}()
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(livenessWindow))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("socket read ended")
			}
			return
		}
		if string(data) == protocol.PongFrame || string(data) == protocol.PingFrame {
			continue // liveness traffic, deadline already reset
		}

		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		switch frame.Type {
		case protocol.TypeResponse:
			var resp protocol.Response
			if err := json.Unmarshal(data, &resp); err != nil {
				c.log.Warn().Err(err).Msg("dropping malformed response")
				continue
			}
			c.complete(&resp)
		case protocol.TypeMessage:
			var push protocol.Push
			if err := json.Unmarshal(data, &push); err != nil {
				c.log.Warn().Err(err).Msg("dropping malformed push")
				continue
			}
			deliver(push.Body)
		}
	}
}

func (c *socketConn) complete(resp *protocol.Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.RID]
	if ok {
		delete(c.pending, resp.RID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// roundTrip sends one request frame and waits for its correlated response.
// After a successful send, a dead connection surfaces as the caller's timeout:
// the request may have reached the server, so it must not be replayed here.
func (c *socketConn) roundTrip(ctx context.Context, command string, query map[string]string) (json.RawMessage, error) {
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	rid := c.nextRID
	c.nextRID++
	ch := make(chan *protocol.Response, 1)
	c.pending[rid] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, rid)
		c.mu.Unlock()
	}()

	frame, err := json.Marshal(protocol.Request{Type: command, RID: rid, Query: queryJSON})
	if err != nil {
		return nil, err
	}
	if err := c.write(frame); err != nil {
		return nil, errConnLost
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
