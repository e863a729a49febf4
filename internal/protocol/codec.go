package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cwrk-planet/coderoom/internal/domain"
)

var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Envelope is the frame shape in both directions. Ref is echoed back on
// error replies so a client can correlate them.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// Decode parses a client frame into its typed event. The returned ref is
// valid even when err is not nil, as long as the envelope itself parsed.
func Decode(data []byte) (ClientEvent, string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	ev, err := decodeEvent(env)
	if err != nil {
		return nil, env.Ref, err
	}
	return ev, env.Ref, nil
}

func decodeEvent(env Envelope) (ClientEvent, error) {
	switch env.Type {
	case TypeJoin:
		var p struct {
			RoomID   *string `json:"roomId"`
			Username *string `json:"username"`
		}
		if err := strict(env.Payload, &p); err != nil {
			return nil, err
		}
		// empty ids are reported by the gateway with its own errors
		return Join{RoomID: deref(p.RoomID), Username: deref(p.Username)}, nil

	case TypeLeave:
		var p Leave
		if err := strict(env.Payload, &p); err != nil {
			return nil, err
		}
		// an empty room means whichever room the socket is in
		return Leave{RoomID: strings.TrimSpace(p.RoomID)}, nil

	case TypeCodeChange:
		var p struct {
			RoomID string  `json:"roomId"`
			Code   *string `json:"code"`
		}
		if err := strict(env.Payload, &p); err != nil {
			return nil, err
		}
		if err := requireRoom(p.RoomID); err != nil {
			return nil, err
		}
		if p.Code == nil {
			return nil, fmt.Errorf("%w: code is required", ErrInvalidPayload)
		}
		return CodeChange{RoomID: p.RoomID, Code: *p.Code}, nil

	case TypeTyping:
		var p Typing
		if err := strict(env.Payload, &p); err != nil {
			return nil, err
		}
		return p, requireRoom(p.RoomID)

	case TypeStopTyping:
		var p StopTyping
		if err := strict(env.Payload, &p); err != nil {
			return nil, err
		}
		return p, requireRoom(p.RoomID)

	case TypeSendMessage:
		var p struct {
			RoomID  string   `json:"roomId"`
			Message *Message `json:"message"`
		}
		if err := strict(env.Payload, &p); err != nil {
			return nil, err
		}
		if err := requireRoom(p.RoomID); err != nil {
			return nil, err
		}
		if p.Message == nil {
			return nil, fmt.Errorf("%w: message is required", ErrInvalidPayload)
		}
		if strings.TrimSpace(p.Message.ID) == "" {
			return nil, fmt.Errorf("%w: message id is required", ErrInvalidPayload)
		}
		return SendMessage{RoomID: p.RoomID, Message: *p.Message}, nil

	case TypeCompile:
		var p struct {
			RoomID    string  `json:"roomId"`
			Code      *string `json:"code"`
			Language  string  `json:"language"`
			RequestID string  `json:"requestId"`
		}
		if err := strict(env.Payload, &p); err != nil {
			return nil, err
		}
		if err := requireRoom(p.RoomID); err != nil {
			return nil, err
		}
		if p.Code == nil {
			return nil, fmt.Errorf("%w: code is required", ErrInvalidPayload)
		}
		if strings.TrimSpace(p.Language) == "" {
			return nil, fmt.Errorf("%w: language is required", ErrInvalidPayload)
		}
		return Compile{RoomID: p.RoomID, Code: *p.Code, Language: p.Language, RequestID: p.RequestID}, nil

	case TypeSync:
		var p Sync
		if err := strict(env.Payload, &p); err != nil {
			return nil, err
		}
		return p, requireRoom(p.RoomID)

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidPayload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// strict rejects missing payloads, unknown fields and trailing data.
func strict(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}
	return nil
}

func requireRoom(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, domain.ErrMissingRoomID)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Encode builds one outbound frame. The result is immutable and can be
// handed to any number of connections.
func Encode(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}

// EncodeClient builds a client frame; used by the Go client and tests.
func EncodeClient(ev ClientEvent, ref string) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return json.Marshal(Envelope{Type: ev.Type(), Payload: raw, Ref: ref})
}

func EncodeError(msg, ref string) []byte {
	raw, _ := json.Marshal(ErrorPayload{Message: msg, Ref: ref})
	b, _ := json.Marshal(Envelope{Type: TypeError, Payload: raw, Ref: ref})
	return b
}

// ParseServer splits a server frame into its type and raw payload.
func ParseServer(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrInvalidPayload)
	}
	return env, nil
}
