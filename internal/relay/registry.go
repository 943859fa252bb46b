package relay

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushrelay/pushrelay/internal/protocol"
)

// Idle sockets are force-closed by a periodic sweep, independent of
// application traffic, to bound registry growth from abandoned connections.
const (
	idleTimeout = 90 * time.Second
	sweepPeriod = 30 * time.Second
)

// Socket is the registry's view of one live connection.
type Socket interface {
	// Push writes a message frame. A write failure means the recipient must be
	// reached another way.
	Push(push protocol.Push) error
	// Open reports whether the connection is still usable.
	Open() bool
	// LastSeen is the time of the last inbound frame.
	LastSeen() time.Time
	// Close terminates the connection.
	Close() error
}

type socketEntry struct {
	socket  Socket
	session string
}

type sessionEntry struct {
	socket    Socket
	tokensHex map[string]struct{}
}

// Registry tracks which live socket currently represents which device. A
// session groups the device tokens a single connection has subscribed with, so
// closing the connection releases all of them at once.
type Registry struct {
	log zerolog.Logger

	mu        sync.RWMutex
	byToken   map[string]socketEntry
	bySession map[string]*sessionEntry

	stop chan struct{}
	done chan struct{}
}

// NewRegistry creates an empty connection registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:       log.With().Str("component", "registry").Logger(),
		byToken:   make(map[string]socketEntry),
		bySession: make(map[string]*sessionEntry),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// OpenSession records a new live connection before any device registers on it,
// so the idle sweep covers connections that never subscribe.
func (r *Registry) OpenSession(session string, socket Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession[session] = &sessionEntry{
		socket:    socket,
		tokensHex: make(map[string]struct{}),
	}
}

// RegisterSocket associates a device token with a session's socket. It returns
// whether the token was already registered on that session.
func (r *Registry) RegisterSocket(tokenHex, session string, socket Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byToken[tokenHex] = socketEntry{socket: socket, session: session}
	entry, ok := r.bySession[session]
	if !ok {
		entry = &sessionEntry{
			socket:    socket,
			tokensHex: make(map[string]struct{}),
		}
		r.bySession[session] = entry
	}
	if _, present := entry.tokensHex[tokenHex]; present {
		return true
	}
	entry.tokensHex[tokenHex] = struct{}{}
	r.log.Debug().Str("session", session).Str("token", tokenHex).Msg("socket registered")
	return false
}

// CloseSocket removes a session and every device association it owned. It
// returns whether the session existed.
func (r *Registry) CloseSocket(session string) bool {
	r.mu.Lock()
	entry, ok := r.bySession[session]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.bySession, session)
	for tokenHex := range entry.tokensHex {
		if r.byToken[tokenHex].session == session {
			delete(r.byToken, tokenHex)
		}
	}
	r.mu.Unlock()
	r.log.Debug().Str("session", session).Msg("session closed")
	return true
}

// Lookup returns the socket currently representing a device, if any.
func (r *Registry) Lookup(tokenHex string) (Socket, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byToken[tokenHex]
	if !ok {
		return nil, "", false
	}
	return entry.socket, entry.session, true
}

// Run sweeps for idle sockets until Stop is called.
func (r *Registry) Run() {
	defer close(r.done)
	ticker := time.NewTicker(sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.evictIdle(time.Now())
		}
	}
}

// Stop terminates the sweep loop.
func (r *Registry) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
}

func (r *Registry) evictIdle(now time.Time) {
	r.mu.RLock()
	var idle []string
	for session, entry := range r.bySession {
		if now.Sub(entry.socket.LastSeen()) > idleTimeout {
			idle = append(idle, session)
		}
	}
	r.mu.RUnlock()

	for _, session := range idle {
		r.mu.RLock()
		entry, ok := r.bySession[session]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		r.log.Info().Str("session", session).Msg("closing idle socket")
		_ = entry.socket.Close()
		r.CloseSocket(session)
	}
}
