// Package protocol defines the JSON wire format spoken over the room socket.
package protocol

// Client -> server event types.
const (
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeCodeChange  = "code-change"
	TypeTyping      = "typing"
	TypeStopTyping  = "stop-typing"
	TypeSendMessage = "send-message"
	TypeCompile     = "compile"
	TypeSync        = "sync"
)

// Server -> client event types. code-change, typing and stop-typing are
// shared with the client set.
const (
	TypeSnapshot       = "snapshot"
	TypeJoined         = "joined"
	TypeDisconnected   = "disconnected"
	TypeSyncCode       = "sync-code"
	TypeSyncMessages   = "sync-messages"
	TypeReceiveMessage = "receive-message"
	TypeCompileResult  = "compile-result"
	TypeError          = "error"
)

// ClientEvent is one of the closed set of inbound events. Only this package
// implements it.
type ClientEvent interface {
	Type() string
	Room() string
	clientEvent()
}

type Join struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type Leave struct {
	RoomID string `json:"roomId"`
}

type CodeChange struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// Typing and StopTyping carry the username for wire compatibility; the
// gateway attributes the event to the member bound to the socket.
type Typing struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username,omitempty"`
}

type StopTyping struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username,omitempty"`
}

type SendMessage struct {
	RoomID  string  `json:"roomId"`
	Message Message `json:"message"`
}

type Compile struct {
	RoomID    string `json:"roomId"`
	Code      string `json:"code"`
	Language  string `json:"language"`
	RequestID string `json:"requestId,omitempty"`
}

// Sync asks for the room's current code and history after a reconnect.
type Sync struct {
	RoomID string `json:"roomId"`
}

func (Join) Type() string        { return TypeJoin }
func (Leave) Type() string       { return TypeLeave }
func (CodeChange) Type() string  { return TypeCodeChange }
func (Typing) Type() string      { return TypeTyping }
func (StopTyping) Type() string  { return TypeStopTyping }
func (SendMessage) Type() string { return TypeSendMessage }
func (Compile) Type() string     { return TypeCompile }
func (Sync) Type() string        { return TypeSync }

func (e Join) Room() string        { return e.RoomID }
func (e Leave) Room() string       { return e.RoomID }
func (e CodeChange) Room() string  { return e.RoomID }
func (e Typing) Room() string      { return e.RoomID }
func (e StopTyping) Room() string  { return e.RoomID }
func (e SendMessage) Room() string { return e.RoomID }
func (e Compile) Room() string     { return e.RoomID }
func (e Sync) Room() string        { return e.RoomID }

func (Join) clientEvent()        {}
func (Leave) clientEvent()       {}
func (CodeChange) clientEvent()  {}
func (Typing) clientEvent()      {}
func (StopTyping) clientEvent()  {}
func (SendMessage) clientEvent() {}
func (Compile) clientEvent()     {}
func (Sync) clientEvent()        {}
