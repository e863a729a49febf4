package protocol

import (
	"github.com/cwrk-planet/coderoom/internal/domain"
)

type Message struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Sender    string `json:"sender,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func MessageFromDomain(m domain.Message) Message {
	return Message{ID: m.ID, Content: m.Content, Sender: m.Sender, Timestamp: m.Timestamp}
}

func (m Message) Domain() domain.Message {
	return domain.Message{ID: m.ID, Content: m.Content, Sender: m.Sender, Timestamp: m.Timestamp}
}

func MessagesFromDomain(ms []domain.Message) []Message {
	out := make([]Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, MessageFromDomain(m))
	}
	return out
}

// Client is one roster entry.
type Client struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

func ClientsFromMembers(ms []domain.Member) []Client {
	out := make([]Client, 0, len(ms))
	for _, m := range ms {
		out = append(out, Client{SocketID: m.SocketID, Username: m.Username})
	}
	return out
}

type SnapshotPayload struct {
	RoomID   string    `json:"roomId"`
	SocketID string    `json:"socketId"`
	User     string    `json:"user"`
	Clients  []Client  `json:"clients"`
	Code     string    `json:"code"`
	Messages []Message `json:"messages"`
}

type JoinedPayload struct {
	Clients  []Client `json:"clients"`
	User     string   `json:"user"`
	SocketID string   `json:"socketId"`
}

type DisconnectedPayload struct {
	SocketID string   `json:"socketId"`
	User     string   `json:"user"`
	Clients  []Client `json:"clients"`
}

type CodePayload struct {
	Code string `json:"code"`
}

type MessagesPayload struct {
	Messages []Message `json:"messages"`
}

type ReceiveMessagePayload struct {
	Message Message `json:"message"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// CompileResultPayload carries exactly one of Result or Error. Both are
// pointers so an empty program output still serialises as "result": "".
type CompileResultPayload struct {
	RequestID string  `json:"requestId"`
	Language  string  `json:"language"`
	Result    *string `json:"result,omitempty"`
	Error     *string `json:"error,omitempty"`
}

func CompileResultFromOutcome(requestID, language string, o domain.ExecOutcome) CompileResultPayload {
	p := CompileResultPayload{RequestID: requestID, Language: language}
	if o.IsError {
		msg := o.Error
		p.Error = &msg
	} else {
		res := o.Result
		p.Result = &res
	}
	return p
}

type ErrorPayload struct {
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}
