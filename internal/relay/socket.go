package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pushrelay/pushrelay/internal/protocol"
)

const maxFrameSize = 512 * 1024

// wsConn is one accepted socket connection. Writes are serialized through a
// mutex because pushes from the dispatch engine race with request responses.
type wsConn struct {
	log     zerolog.Logger
	conn    *websocket.Conn
	session string

	writeMu  sync.Mutex
	closed   atomic.Bool
	lastSeen atomic.Int64
}

func newWSConn(log zerolog.Logger, conn *websocket.Conn) *wsConn {
	c := &wsConn{
		log:     log,
		conn:    conn,
		session: uuid.NewString(),
	}
	c.touch()
	return c
}

func (c *wsConn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// Push implements Socket.
func (c *wsConn) Push(push protocol.Push) error {
	return c.writeJSON(push)
}

// Open implements Socket.
func (c *wsConn) Open() bool {
	return !c.closed.Load()
}

// LastSeen implements Socket.
func (c *wsConn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Close implements Socket.
func (c *wsConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

func (c *wsConn) writeText(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

// serveSocket owns one connection from accept to close: it registers the
// session, pumps request frames into the app and tears the session down on
// disconnect.
func (s *Server) serveSocket(ctx context.Context, conn *websocket.Conn) {
	c := newWSConn(s.log, conn)
	registry := s.app.Registry()
	registry.OpenSession(c.session, c)

	log := s.log.With().Str("session", c.session).Logger()
	log.Debug().Msg("socket connected")

	defer func() {
		_ = c.Close()
		registry.CloseSocket(c.session)
		log.Debug().Msg("socket closed")
	}()

	conn.SetReadLimit(maxFrameSize)
	conn.SetPingHandler(func(appData string) error {
		c.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("socket read error")
			}
			return
		}
		c.touch()

		// Liveness frames stay outside the JSON envelope.
		if string(data) == protocol.PingFrame {
			if err := c.writeText(protocol.PongFrame); err != nil {
				return
			}
			continue
		}

		req, err := protocol.ParseRequest(data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		resp := s.handleSocketRequest(ctx, c, req)
		if err := c.writeJSON(resp); err != nil {
			log.Warn().Err(err).Msg("socket response write failed")
			return
		}
	}
}

// handleSocketRequest runs one request against the app and wraps the outcome
// in the response envelope. Unexpected faults get a fixed code so internals
// are not leaked over the wire.
func (s *Server) handleSocketRequest(ctx context.Context, c *wsConn, req *protocol.Request) *protocol.Response {
	body, err := s.runSocketOp(ctx, c, req)
	if err != nil {
		status, code, message := wireError(err)
		if status >= 500 {
			s.log.Error().Err(err).Str("type", req.Type).Msg("socket request failed")
			return protocol.NewErrorResponse(req.RID, message, protocol.ErrorCodeUnexpected)
		}
		return protocol.NewErrorResponse(req.RID, message, code)
	}
	resp, err := protocol.NewResponse(req.RID, body)
	if err != nil {
		s.log.Error().Err(err).Str("type", req.Type).Msg("response encoding failed")
		return protocol.NewErrorResponse(req.RID, "internal server error", protocol.ErrorCodeUnexpected)
	}
	return resp
}

func (s *Server) runSocketOp(ctx context.Context, c *wsConn, req *protocol.Request) (any, error) {
	switch req.Type {
	case protocol.TypeCompatible:
		var query protocol.CompatibleQuery
		if err := protocol.ParseQuery(req, &query); err != nil {
			return nil, badRequest("malformed-query", "malformed query")
		}
		return s.app.Compatible(ctx, query.Version), nil

	case protocol.TypeSubscribe:
		var query protocol.SubscriptionQuery
		if err := protocol.ParseQuery(req, &query); err != nil {
			return nil, badRequest("malformed-query", "malformed query")
		}
		return s.app.Subscribe(ctx, query, c.session, c)

	case protocol.TypeUnsubscribe:
		var query protocol.SubscriptionQuery
		if err := protocol.ParseQuery(req, &query); err != nil {
			return nil, badRequest("malformed-query", "malformed query")
		}
		return s.app.Unsubscribe(ctx, query)

	case protocol.TypeReset:
		var query protocol.SubscriptionQuery
		if err := protocol.ParseQuery(req, &query); err != nil {
			return nil, badRequest("malformed-query", "malformed query")
		}
		return s.app.Reset(ctx, query, c.session, c)

	case protocol.TypeSend:
		var message protocol.EncryptedMessage
		if err := protocol.ParseQuery(req, &message); err != nil {
			return nil, badRequest("malformed-query", "malformed query")
		}
		return s.app.Send(ctx, message)

	case protocol.TypeVersion:
		return Version, nil
	}
	return nil, badRequest("malformed-query", "unknown request type")
}
