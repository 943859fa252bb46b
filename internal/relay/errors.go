package relay

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/pushrelay/pushrelay/internal/store"
)

// RequestError is an error with a stable wire code and an HTTP status. The
// code travels in the socket error envelope; the status drives the HTTP
// mapping (validation 400, unexpected 500).
type RequestError struct {
	Message string
	Code    string
	Status  int
}

func (e *RequestError) Error() string {
	return e.Message
}

func badRequest(code, format string, args ...any) *RequestError {
	return &RequestError{
		Message: fmt.Sprintf(format, args...),
		Code:    code,
		Status:  http.StatusBadRequest,
	}
}

// errInvalidSignature rejects a message or subscription whose signature does
// not verify against the channel id.
func errInvalidSignature(index int) *RequestError {
	if index < 0 {
		return badRequest("invalid-signature", "invalid-signature")
	}
	return badRequest("invalid-signature", "invalid-signature[%d]", index)
}

func errInvalidPushToken(token string) *RequestError {
	return badRequest("invalid-push-token", "invalid-push-token: %q", token)
}

func errSignatureCount(ids, signatures int) *RequestError {
	return badRequest("unequal-amount-of-signatures",
		"unequal-amount-of-signatures[%d != %d]", ids, signatures)
}

// errNoReceivers is returned by send when the channel has no subscribers at
// all, as opposed to delivering to zero of N because every delivery failed.
var errNoReceivers = badRequest("no-receivers", "no-receivers")

// wireError maps an internal error to the (status, code, message) triple
// exposed to clients. Store quota violations are the caller's fault; anything
// unrecognized is a 500 with a fixed code so internals stay private.
func wireError(err error) (int, string, string) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status, reqErr.Code, reqErr.Message
	}
	if errors.Is(err, store.ErrTooManyRelations) {
		return http.StatusBadRequest, "too-many-relations", store.ErrTooManyRelations.Error()
	}
	if errors.Is(err, store.ErrInvalidCount) {
		return http.StatusInternalServerError, "invalid-count", store.ErrInvalidCount.Error()
	}
	return http.StatusInternalServerError, "EUNEXPECTED", "internal server error"
}
