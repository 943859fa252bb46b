// Package store tracks the bidirectional subscription relation between
// channels and device push tokens on top of an ordered key-value backend.
package store

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pushrelay/pushrelay/internal/keylock"
	"github.com/pushrelay/pushrelay/internal/protocol"
)

// Key layout. The relation is mirrored so both directions resolve with a
// single prefix scan; the counter is maintained incrementally against the
// configured quota.
const (
	channelPrefix = "/channel/"
	tokenPrefix   = "/token/"
	countPrefix   = "/count/"
)

// Subscriptions is the durable, quota-enforced subscription store.
type Subscriptions struct {
	log   zerolog.Logger
	open  Opener
	max   int
	gates *keylock.Registry

	// initMu serializes lazy initialization of the backing handle and Reset,
	// so no operation sees a half-torn-down handle.
	initMu sync.Mutex
	kv     KV
}

// Options configures a subscription store.
type Options struct {
	Opener           Opener
	MaxSubscriptions int
	Log              zerolog.Logger
}

// New creates a subscription store. The backing KV is opened on first use.
func New(opts Options) *Subscriptions {
	max := opts.MaxSubscriptions
	if max <= 0 {
		max = 1000
	}
	return &Subscriptions{
		log:   opts.Log.With().Str("component", "store").Logger(),
		open:  opts.Opener,
		max:   max,
		gates: keylock.NewRegistry(),
	}
}

func (s *Subscriptions) handle() (KV, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.kv != nil {
		return s.kv, nil
	}
	kv, err := s.open()
	if err != nil {
		return nil, err
	}
	s.kv = kv
	return kv, nil
}

// Toggle adds or removes the (pushToken, channel) relation. It returns false
// without error when the requested state already holds. On add it enforces the
// per-device quota before touching anything.
func (s *Subscriptions) Toggle(ctx context.Context, pushToken, channelHex string, subscribe bool) (bool, error) {
	kv, err := s.handle()
	if err != nil {
		return false, err
	}

	tokenHex := protocol.TokenHex(pushToken)
	channelKey := channelPrefix + channelHex + "/" + tokenHex
	mirrorKey := tokenPrefix + tokenHex + "/" + channelHex
	countKey := countPrefix + tokenHex

	changed := false
	err = s.gates.With(channelKey, func() error {
		_, held, err := kv.Get(ctx, channelKey)
		if err != nil {
			return err
		}
		if held == subscribe {
			return nil // requested state already holds
		}
		return s.gates.With(countKey, func() error {
			count, err := s.readCount(ctx, kv, countKey)
			if err != nil {
				return err
			}
			if subscribe {
				if count >= s.max {
					return ErrTooManyRelations
				}
				if err := s.applyAdd(ctx, kv, channelKey, mirrorKey, countKey, count); err != nil {
					return err
				}
			} else {
				if count < 1 {
					return ErrInvalidCount
				}
				if err := s.applyRemove(ctx, kv, channelKey, mirrorKey, countKey, count); err != nil {
					return err
				}
			}
			changed = true
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.log.Debug().
			Str("channel", channelHex).
			Str("token", tokenHex).
			Bool("subscribed", subscribe).
			Msg("subscription toggled")
	}
	return changed, nil
}

// applyAdd writes the relation in both directions and bumps the counter. The
// backend has no multi-key transactions, so a failed second or third write
// triggers compensating deletes of whatever already landed.
func (s *Subscriptions) applyAdd(ctx context.Context, kv KV, channelKey, mirrorKey, countKey string, count int) error {
	if err := kv.Put(ctx, channelKey, []byte("1")); err != nil {
		return err
	}
	if err := kv.Put(ctx, mirrorKey, []byte("1")); err != nil {
		return s.rollback(ctx, err, func() error {
			return kv.Delete(ctx, channelKey)
		})
	}
	if err := kv.Put(ctx, countKey, []byte(strconv.Itoa(count+1))); err != nil {
		return s.rollback(ctx, err, func() error {
			if derr := kv.Delete(ctx, mirrorKey); derr != nil {
				return derr
			}
			return kv.Delete(ctx, channelKey)
		})
	}
	return nil
}

func (s *Subscriptions) applyRemove(ctx context.Context, kv KV, channelKey, mirrorKey, countKey string, count int) error {
	if err := kv.Delete(ctx, channelKey); err != nil {
		return err
	}
	if err := kv.Delete(ctx, mirrorKey); err != nil {
		return s.rollback(ctx, err, func() error {
			return kv.Put(ctx, channelKey, []byte("1"))
		})
	}
	if err := kv.Put(ctx, countKey, []byte(strconv.Itoa(count-1))); err != nil {
		return s.rollback(ctx, err, func() error {
			if perr := kv.Put(ctx, mirrorKey, []byte("1")); perr != nil {
				return perr
			}
			return kv.Put(ctx, channelKey, []byte("1"))
		})
	}
	return nil
}

// rollback runs the compensating action for cause. When the compensation
// itself fails the store is inconsistent; that double fault is logged as its
// own class and surfaced instead of the original error.
func (s *Subscriptions) rollback(_ context.Context, cause error, compensate func() error) error {
	if rerr := compensate(); rerr != nil {
		err := &RollbackError{Cause: cause, Rollback: rerr}
		s.log.Error().Err(rerr).AnErr("cause", cause).Msg("rollback failed, store inconsistent")
		return err
	}
	return cause
}

func (s *Subscriptions) readCount(ctx context.Context, kv KV, countKey string) (int, error) {
	raw, ok, err := kv.Get(ctx, countKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	count, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, ErrInvalidCount
	}
	return count, nil
}

// List returns the push tokens subscribed to a channel.
func (s *Subscriptions) List(ctx context.Context, channelHex string) ([]string, error) {
	kv, err := s.handle()
	if err != nil {
		return nil, err
	}
	prefix := channelPrefix + channelHex + "/"
	nodes, err := kv.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	tokens := make([]string, 0, len(nodes))
	for _, node := range nodes {
		token, err := protocol.TokenFromHex(strings.TrimPrefix(node.Key, prefix))
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// ChannelsByToken returns the hex channel ids a device is subscribed to.
func (s *Subscriptions) ChannelsByToken(ctx context.Context, pushToken string) ([]string, error) {
	kv, err := s.handle()
	if err != nil {
		return nil, err
	}
	prefix := tokenPrefix + protocol.TokenHex(pushToken) + "/"
	nodes, err := kv.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	channels := make([]string, 0, len(nodes))
	for _, node := range nodes {
		channels = append(channels, strings.TrimPrefix(node.Key, prefix))
	}
	return channels, nil
}

// Count returns the relation counter for a device.
func (s *Subscriptions) Count(ctx context.Context, pushToken string) (int, error) {
	kv, err := s.handle()
	if err != nil {
		return 0, err
	}
	countKey := countPrefix + protocol.TokenHex(pushToken)
	var count int
	err = s.gates.With(countKey, func() error {
		var cerr error
		count, cerr = s.readCount(ctx, kv, countKey)
		return cerr
	})
	return count, err
}

// Reset destructively drops the entire backing store. It serializes against
// lazy initialization so no in-flight operation acquires a dying handle.
func (s *Subscriptions) Reset(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.kv == nil {
		return nil
	}
	if err := s.kv.Drop(ctx); err != nil {
		return err
	}
	err := s.kv.Close()
	s.kv = nil
	return err
}

// Close releases the backing handle.
func (s *Subscriptions) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.kv == nil {
		return nil
	}
	err := s.kv.Close()
	s.kv = nil
	return err
}
