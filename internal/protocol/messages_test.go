package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseRequestValid(t *testing.T) {
	req, err := ParseRequest([]byte(`{"type":"subscribe","rid":7,"query":{"pushToken":"x"}}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Type != TypeSubscribe || req.RID != 7 {
		t.Errorf("got type=%q rid=%d", req.Type, req.RID)
	}

	var q SubscriptionQuery
	if err := ParseQuery(req, &q); err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if q.PushToken != "x" {
		t.Errorf("pushToken = %q", q.PushToken)
	}
}

func TestParseRequestRejectsMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"rid":1}`,
		`{"type":"launch-missiles","rid":1}`,
	}
	for _, raw := range cases {
		if _, err := ParseRequest([]byte(raw)); err == nil {
			t.Errorf("ParseRequest(%q) accepted", raw)
		}
	}
}

func TestParseQueryMissing(t *testing.T) {
	req := &Request{Type: TypeSend}
	var q SubscriptionQuery
	if err := ParseQuery(req, &q); err == nil {
		t.Error("missing query accepted")
	}
}

func TestCompatible(t *testing.T) {
	cases := []struct {
		client, server string
		want           bool
	}{
		{"2.0.0", "2.0.0", true},
		{"2.1.0", "2.0.0", true},
		{"3.0.0", "2.0.0", true},
		{"1.9.9", "2.0.0", false},
		{"2.0.0", "2.0.1", false},
	}
	for _, c := range cases {
		if got := Compatible(c.client, c.server); got != c.want {
			t.Errorf("Compatible(%q, %q) = %v, want %v", c.client, c.server, got, c.want)
		}
	}
}

func TestSubscriptionQuerySplitting(t *testing.T) {
	q := SubscriptionQuery{IDsBase64: "a;b;c", SignaturesBase64: "x;;y"}
	if got := q.IDs(); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("IDs() = %v", got)
	}
	// Empty segments are dropped, which then fails the count check upstream.
	if got := q.Signatures(); len(got) != 2 {
		t.Errorf("Signatures() = %v", got)
	}
	if got := (SubscriptionQuery{}).IDs(); got != nil {
		t.Errorf("empty IDs() = %v, want nil", got)
	}
}

func TestIDEncodingRoundTrip(t *testing.T) {
	hexID, err := DecodeID("aGVsbG8=")
	if err != nil {
		t.Fatalf("DecodeID: %v", err)
	}
	if hexID != "68656c6c6f" {
		t.Errorf("DecodeID = %q", hexID)
	}
	back, err := EncodeID(hexID)
	if err != nil {
		t.Fatalf("EncodeID: %v", err)
	}
	if back != "aGVsbG8=" {
		t.Errorf("EncodeID = %q", back)
	}
	if _, err := DecodeID("!!!"); err == nil {
		t.Error("invalid base64 accepted")
	}
}

func TestTokenHexRoundTrip(t *testing.T) {
	token := "ExpoPushToken[abc]"
	back, err := TokenFromHex(TokenHex(token))
	if err != nil {
		t.Fatalf("TokenFromHex: %v", err)
	}
	if back != token {
		t.Errorf("round trip = %q", back)
	}
}

func TestResponseEnvelope(t *testing.T) {
	resp, err := NewResponse(3, []bool{true, false})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	data, _ := json.Marshal(resp)
	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != TypeResponse || decoded.RID != 3 || decoded.Error != nil {
		t.Errorf("decoded = %+v", decoded)
	}

	errResp := NewErrorResponse(4, "nope", ErrorCodeUnexpected)
	if errResp.Error == nil || errResp.Error.Code != ErrorCodeUnexpected {
		t.Errorf("error response = %+v", errResp)
	}
}
