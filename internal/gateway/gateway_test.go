package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTokenValid(t *testing.T) {
	cases := []struct {
		token string
		want  bool
	}{
		{"ExponentPushToken[xxxxxx]", true},
		{"ExpoPushToken[abc-123]", true},
		{"ExpoPushToken[]", false},
		{"FCMToken[abc]", false},
		{"ExpoPushToken[abc", false},
		{"", false},
	}
	for _, c := range cases {
		if got := TokenValid(c.token); got != c.want {
			t.Errorf("TokenValid(%q) = %v, want %v", c.token, got, c.want)
		}
	}
}

func TestChunk(t *testing.T) {
	g := NewHTTP(Config{})

	if got := g.Chunk(nil); got != nil {
		t.Errorf("Chunk(nil) = %v, want nil", got)
	}

	messages := make([]Message, ChunkSize*2+1)
	chunks := g.Chunk(messages)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if len(chunks[0]) != ChunkSize || len(chunks[2]) != 1 {
		t.Errorf("chunk sizes = %d/%d/%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestSendAsync(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/--/api/v2/push/send" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var messages []Message
		if err := json.NewDecoder(r.Body).Decode(&messages); err != nil {
			t.Errorf("decode request: %v", err)
		}
		tickets := make([]Ticket, len(messages))
		for i := range messages {
			tickets[i] = Ticket{Status: "ok", ID: "ticket-1"}
		}
		_ = json.NewEncoder(w).Encode(map[string][]Ticket{"data": tickets})
	}))
	defer ts.Close()

	g := NewHTTP(Config{BaseURL: ts.URL, Token: "secret"})
	tickets, err := g.SendAsync(context.Background(), []Message{
		{To: "ExpoPushToken[a]", Body: "Secure message."},
	})
	if err != nil {
		t.Fatalf("SendAsync: %v", err)
	}
	if len(tickets) != 1 || !tickets[0].OK() || tickets[0].ID != "ticket-1" {
		t.Errorf("tickets = %+v", tickets)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestSendAsyncHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer ts.Close()

	g := NewHTTP(Config{BaseURL: ts.URL})
	if _, err := g.SendAsync(context.Background(), []Message{{To: "x"}}); err == nil {
		t.Fatal("expected error on HTTP 502")
	}
}
