package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushrelay/pushrelay/internal/gateway"
	"github.com/pushrelay/pushrelay/internal/protocol"
)

// fakeSocket is a controllable Socket for registry and dispatch tests.
type fakeSocket struct {
	mu       sync.Mutex
	open     bool
	pushErr  error
	pushes   []protocol.Push
	lastSeen time.Time
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{open: true, lastSeen: time.Now()}
}

func (f *fakeSocket) Push(push protocol.Push) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes = append(f.pushes, push)
	return nil
}

func (f *fakeSocket) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeSocket) LastSeen() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeen
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeSocket) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *Registry, *fakeGateway) {
	t.Helper()
	log := zerolog.New(io.Discard)
	registry := NewRegistry(log)
	gw := &fakeGateway{}
	return NewDispatcher(log, registry, gw), registry, gw
}

var testMessage = protocol.EncryptedMessage{
	IDBase64:        "aWQ=",
	BodyBase64:      "Ym9keQ==",
	SignatureBase64: "c2ln",
}

func TestDispatchPrefersOpenSocket(t *testing.T) {
	d, registry, gw := newTestDispatcher(t)
	token := "ExpoPushToken[socketed]"
	sock := newFakeSocket()
	registry.RegisterSocket(protocol.TokenHex(token), "s1", sock)

	results := d.Dispatch(context.Background(), []string{token}, testMessage)
	if len(results) != 1 || results[0] != socketDeliveryID {
		t.Errorf("results = %v, want [%s]", results, socketDeliveryID)
	}
	if gw.sentCount() != 0 {
		t.Errorf("gateway used despite open socket")
	}
	if sock.pushCount() != 1 {
		t.Fatalf("socket pushes = %d, want 1", sock.pushCount())
	}
	if got := sock.pushes[0]; got.Type != protocol.TypeMessage || got.Body != testMessage {
		t.Errorf("pushed frame = %+v", got)
	}
}

func TestDispatchMixedRecipients(t *testing.T) {
	d, registry, gw := newTestDispatcher(t)
	socketed := "ExpoPushToken[socketed]"
	plain := "ExpoPushToken[plain]"
	registry.RegisterSocket(protocol.TokenHex(socketed), "s1", newFakeSocket())

	results := d.Dispatch(context.Background(), []string{socketed, plain}, testMessage)
	if len(results) != 2 {
		t.Fatalf("results = %v, want one outcome per recipient", results)
	}
	if gw.sentCount() != 1 || len(gw.sent[0]) != 1 || gw.sent[0][0].To != plain {
		t.Errorf("gateway submissions = %+v", gw.sent)
	}
}

func TestDispatchEvictsStaleSocket(t *testing.T) {
	d, registry, gw := newTestDispatcher(t)
	token := "ExpoPushToken[stale]"
	sock := newFakeSocket()
	registry.RegisterSocket(protocol.TokenHex(token), "s1", sock)
	_ = sock.Close() // registered but no longer open

	results := d.Dispatch(context.Background(), []string{token}, testMessage)
	if len(results) != 1 || results[0] != "ticket" {
		t.Errorf("results = %v, want gateway ticket", results)
	}
	if gw.sentCount() != 1 {
		t.Errorf("gateway submissions = %d, want 1", gw.sentCount())
	}
	if _, _, ok := registry.Lookup(protocol.TokenHex(token)); ok {
		t.Error("stale socket still registered")
	}
}

func TestDispatchFallsBackOnWriteFailure(t *testing.T) {
	d, registry, gw := newTestDispatcher(t)
	token := "ExpoPushToken[flaky]"
	sock := newFakeSocket()
	sock.pushErr = errors.New("broken pipe")
	registry.RegisterSocket(protocol.TokenHex(token), "s1", sock)

	results := d.Dispatch(context.Background(), []string{token}, testMessage)
	if len(results) != 1 || results[0] != "ticket" {
		t.Errorf("results = %v, want gateway ticket after fallback", results)
	}
	if gw.sentCount() != 1 {
		t.Errorf("gateway submissions = %d, want exactly 1 fallback", gw.sentCount())
	}
	if _, _, ok := registry.Lookup(protocol.TokenHex(token)); ok {
		t.Error("dead socket still registered")
	}
}

func TestDispatchNormalizesTickets(t *testing.T) {
	d, _, gw := newTestDispatcher(t)
	gw.tickets = []gateway.Ticket{
		{Status: "ok", ID: "t-1"},
		{Status: "error", Code: "DeviceNotRegistered", Message: "gone"},
		{Status: "error"},
	}
	tokens := []string{"ExpoPushToken[a]", "ExpoPushToken[b]", "ExpoPushToken[c]"}

	results := d.Dispatch(context.Background(), tokens, testMessage)
	want := []string{"t-1", "error:DeviceNotRegistered", "error"}
	if len(results) != len(want) {
		t.Fatalf("results = %v, want %v", results, want)
	}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("results[%d] = %q, want %q", i, results[i], want[i])
		}
	}
}

func TestDispatchPadsShortTicketList(t *testing.T) {
	d, _, gw := newTestDispatcher(t)
	gw.tickets = []gateway.Ticket{{Status: "ok", ID: "t-1"}}
	tokens := []string{"ExpoPushToken[a]", "ExpoPushToken[b]"}

	results := d.Dispatch(context.Background(), tokens, testMessage)
	if len(results) != 2 || results[0] != "t-1" || results[1] != "error" {
		t.Errorf("results = %v, want [t-1 error]", results)
	}
}

func TestDispatchGatewayOutage(t *testing.T) {
	d, _, gw := newTestDispatcher(t)
	gw.err = errors.New("gateway down")
	tokens := []string{"ExpoPushToken[a]", "ExpoPushToken[b]"}

	results := d.Dispatch(context.Background(), tokens, testMessage)
	if len(results) != 2 {
		t.Fatalf("results = %v, want one outcome per recipient", results)
	}
	for i, r := range results {
		if r != "error" {
			t.Errorf("results[%d] = %q, want error", i, r)
		}
	}
}

func TestRegistryCloseReleasesAllTokens(t *testing.T) {
	log := zerolog.New(io.Discard)
	registry := NewRegistry(log)
	sock := newFakeSocket()

	registry.RegisterSocket("aa", "s1", sock)
	registry.RegisterSocket("bb", "s1", sock)
	if already := registry.RegisterSocket("aa", "s1", sock); !already {
		t.Error("re-registration not reported")
	}

	if !registry.CloseSocket("s1") {
		t.Fatal("CloseSocket reported missing session")
	}
	for _, tokenHex := range []string{"aa", "bb"} {
		if _, _, ok := registry.Lookup(tokenHex); ok {
			t.Errorf("token %s still registered after session close", tokenHex)
		}
	}
	if registry.CloseSocket("s1") {
		t.Error("second CloseSocket reported success")
	}
}

func TestRegistryTakeoverSurvivesOldSessionClose(t *testing.T) {
	log := zerolog.New(io.Discard)
	registry := NewRegistry(log)

	old := newFakeSocket()
	registry.RegisterSocket("aa", "s1", old)
	fresh := newFakeSocket()
	registry.RegisterSocket("aa", "s2", fresh)

	// Closing the superseded session must not release the token from the new
	// one.
	registry.CloseSocket("s1")
	sock, session, ok := registry.Lookup("aa")
	if !ok || session != "s2" || sock != fresh {
		t.Errorf("Lookup = (%v, %q, %v)", sock, session, ok)
	}
}

func TestRegistryEvictsIdleSessions(t *testing.T) {
	log := zerolog.New(io.Discard)
	registry := NewRegistry(log)

	idle := newFakeSocket()
	idle.lastSeen = time.Now().Add(-2 * idleTimeout)
	registry.OpenSession("s1", idle)
	registry.RegisterSocket("aa", "s1", idle)

	active := newFakeSocket()
	registry.OpenSession("s2", active)
	registry.RegisterSocket("bb", "s2", active)

	registry.evictIdle(time.Now())

	if _, _, ok := registry.Lookup("aa"); ok {
		t.Error("idle session survived sweep")
	}
	if idle.Open() {
		t.Error("idle socket not closed")
	}
	if _, _, ok := registry.Lookup("bb"); !ok {
		t.Error("active session evicted")
	}
}
