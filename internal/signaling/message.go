package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

type Method string

const (
	MethodRegister Method = "REGISTER"
	MethodAnswer   Method = "ANSWER"
	MethodDecline  Method = "DECLINE"
	MethodRedirect Method = "REDIRECT"
	MethodHangup   Method = "HANGUP"
	MethodOptions  Method = "OPTIONS"
)

const (
	HeaderAuthorization   = "Authorization"
	HeaderWWWAuthenticate = "WWW-Authenticate"
)

// platform event carrying a telephony session notification
const eventSession = "session"

// Message is the JSON envelope for every text frame in either direction.
type Message struct {
	Kind          Kind              `json:"kind"`
	Method        Method            `json:"method,omitempty"`
	Seq           uint64            `json:"seq,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Code          int               `json:"code,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Event         string            `json:"event,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage   `json:"body,omitempty"`
}

func (m Message) OK() bool { return m.Code >= 200 && m.Code < 300 }

// ResponseError is a final non-2xx response to a request.
type ResponseError struct {
	Method Method
	Code   int
	Reason string
}

func (e *ResponseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("signaling: %s rejected: %d", e.Method, e.Code)
	}
	return fmt.Sprintf("signaling: %s rejected: %d %s", e.Method, e.Code, e.Reason)
}

func responseError(method Method, resp Message) error {
	return &ResponseError{Method: method, Code: resp.Code, Reason: resp.Reason}
}

var errShortMediaFrame = errors.New("signaling: short media frame")

// encodeMediaFrame prefixes an RTP packet with its session id:
// [1 byte id length][session id][packet].
func encodeMediaFrame(sessionID string, packet []byte) ([]byte, error) {
	if len(sessionID) == 0 || len(sessionID) > 255 {
		return nil, fmt.Errorf("signaling: session id length %d out of range", len(sessionID))
	}
	out := make([]byte, 0, 1+len(sessionID)+len(packet))
	out = append(out, byte(len(sessionID)))
	out = append(out, sessionID...)
	out = append(out, packet...)
	return out, nil
}

func decodeMediaFrame(frame []byte) (sessionID string, packet []byte, err error) {
	if len(frame) < 1 {
		return "", nil, errShortMediaFrame
	}
	n := int(frame[0])
	if n == 0 || len(frame) < 1+n {
		return "", nil, errShortMediaFrame
	}
	return string(frame[1 : 1+n]), frame[1+n:], nil
}
