// Package protocol defines the wire types shared between the relay server and
// its clients. The same logical operations travel over plain HTTP POST and over
// the WebSocket framing; only the envelope differs.
package protocol

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Request types understood by the server, over both transports.
const (
	TypeCompatible  = "compatible"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeReset       = "reset"
	TypeSend        = "send"
	TypeVersion     = "version"
)

// Frame types used only on the socket.
const (
	TypeResponse = "response"
	TypeMessage  = "message"
)

// Liveness frames travel as raw strings outside the JSON envelope.
const (
	PingFrame = "ping"
	PongFrame = "pong"
)

// ErrorCodeUnexpected is sent over the socket for unexpected server faults so
// internals are not leaked over the wire.
const ErrorCodeUnexpected = "EUNEXPECTED"

// Request is the socket request envelope.
type Request struct {
	Type  string          `json:"type"`
	RID   uint64          `json:"rid"`
	Query json.RawMessage `json:"query"`
}

// Response is the socket response envelope. Exactly one of Body and Error is set.
type Response struct {
	Type  string          `json:"type"`
	RID   uint64          `json:"rid"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error *ResponseError  `json:"error,omitempty"`
}

// ResponseError carries an error over the socket envelope.
type ResponseError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *ResponseError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// Push is the frame delivered to a socket-connected subscriber.
type Push struct {
	Type string           `json:"type"`
	Body EncryptedMessage `json:"body"`
}

// EncryptedMessage is the base64 form of a signed, encrypted payload. The relay
// never looks inside the body; it only checks the signature against the id.
type EncryptedMessage struct {
	IDBase64        string `json:"idBase64"`
	BodyBase64      string `json:"bodyBase64"`
	SignatureBase64 string `json:"signatureBase64"`
}

// SubscriptionQuery is the query shape for subscribe, unsubscribe and reset.
// Ids and signatures are ';'-joined base64 so the same shape works as HTTP
// form values.
type SubscriptionQuery struct {
	PushToken        string `json:"pushToken"`
	IDsBase64        string `json:"idsBase64"`
	SignaturesBase64 string `json:"signaturesBase64"`
}

// IDs returns the individual base64 channel ids, empty entries dropped.
func (q SubscriptionQuery) IDs() []string {
	return splitJoined(q.IDsBase64)
}

// Signatures returns the individual base64 signatures, empty entries dropped.
func (q SubscriptionQuery) Signatures() []string {
	return splitJoined(q.SignaturesBase64)
}

func splitJoined(joined string) []string {
	if joined == "" {
		return nil
	}
	var result []string
	for _, part := range strings.Split(joined, ";") {
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

// JoinBase64 builds the ';'-joined form used by SubscriptionQuery.
func JoinBase64(parts []string) string {
	return strings.Join(parts, ";")
}

// CompatibleQuery asks the server whether a client version is supported.
type CompatibleQuery struct {
	Version string `json:"version"`
}

// ServerInfo is returned by the root route.
type ServerInfo struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}

// ParseRequest decodes and validates a socket request frame. Malformed frames
// are rejected here, before they reach any state machine.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch req.Type {
	case TypeCompatible, TypeSubscribe, TypeUnsubscribe, TypeReset, TypeSend, TypeVersion:
	case "":
		return nil, errors.New("malformed frame: missing type")
	default:
		return nil, fmt.Errorf("malformed frame: unknown type %q", req.Type)
	}
	return &req, nil
}

// ParseQuery unmarshals a request query into the given target.
func ParseQuery(req *Request, target any) error {
	if len(req.Query) == 0 {
		return errors.New("malformed frame: missing query")
	}
	return json.Unmarshal(req.Query, target)
}

// NewResponse builds a success response for the given request id.
func NewResponse(rid uint64, body any) (*Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Response{Type: TypeResponse, RID: rid, Body: data}, nil
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(rid uint64, message, code string) *Response {
	return &Response{Type: TypeResponse, RID: rid, Error: &ResponseError{Message: message, Code: code}}
}

// Compatible reports whether a client at clientVersion may talk to a server at
// serverVersion. Clients must be at least as new as the server.
func Compatible(clientVersion, serverVersion string) bool {
	return semver.Compare(canonical(clientVersion), canonical(serverVersion)) >= 0
}

func canonical(version string) string {
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return version
}

// DecodeID converts a base64 channel id to its hex storage form.
func DecodeID(idBase64 string) (string, error) {
	id, err := base64.StdEncoding.DecodeString(idBase64)
	if err != nil {
		return "", fmt.Errorf("invalid channel id: %w", err)
	}
	return hex.EncodeToString(id), nil
}

// EncodeID converts a hex channel id back to its base64 wire form.
func EncodeID(idHex string) (string, error) {
	raw, err := hex.DecodeString(idHex)
	if err != nil {
		return "", fmt.Errorf("invalid channel id: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// TokenHex is the hex storage form of a push token.
func TokenHex(pushToken string) string {
	return hex.EncodeToString([]byte(pushToken))
}

// TokenFromHex recovers a push token from its hex storage form.
func TokenFromHex(tokenHex string) (string, error) {
	raw, err := hex.DecodeString(tokenHex)
	if err != nil {
		return "", fmt.Errorf("invalid token key: %w", err)
	}
	return string(raw), nil
}
