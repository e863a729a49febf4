// Package roomclient is a Go client for the room socket. It keeps the merged
// client-side view of a room: code, roster, deduplicated chat and typing
// indicators.
package roomclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cwrk-planet/coderoom/internal/chat"
	"github.com/cwrk-planet/coderoom/internal/domain"
	"github.com/cwrk-planet/coderoom/internal/protocol"
	"github.com/cwrk-planet/coderoom/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultTypingGrace is slightly longer than the server's typing window to
// absorb network jitter.
const DefaultTypingGrace = 1500 * time.Millisecond

var (
	ErrClosed    = errors.New("roomclient: connection closed")
	ErrNotJoined = errors.New("roomclient: not in a room")
)

// RemoteError is an error frame the server sent in reply to a request.
type RemoteError struct {
	Ref     string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

type ConsoleEntry struct {
	RequestID string
	Language  string
	Output    string
	IsError   bool
}

// Member is one connection in the room roster. Two tabs with the same
// username are two members.
type Member struct {
	SocketID string
	Username string
}

// Message is a chat entry. Timestamp is unix milliseconds.
type Message struct {
	ID        string
	Content   string
	Sender    string
	Timestamp int64
}

// View is the client's merged picture of the room.
type View struct {
	RoomID   string
	SocketID string
	Username string
	Joined   bool
	Code     string
	Clients  []Member
	Messages []Message
	Typing   []string
	Console  []ConsoleEntry
	Errors   []RemoteError

	// Snapshots counts the snapshots received so far, Syncs the
	// sync-messages frames. A join ends with one of each.
	Snapshots int
	Syncs     int
}

type Options struct {
	Username    string
	TypingGrace time.Duration
	Dialer      *websocket.Dialer
}

type Client struct {
	conn     *websocket.Conn
	username string
	grace    time.Duration
	log      *slog.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	view        View
	typingUntil map[string]time.Time
	changed     chan struct{}
	done        chan struct{}
	err         error
}

// Dial connects to a room socket endpoint such as ws://host/ws.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.Username == "" {
		return nil, domain.ErrMissingUsername
	}
	if opts.TypingGrace <= 0 {
		opts.TypingGrace = DefaultTypingGrace
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("roomclient: dial %s: %w", url, err)
	}

	c := &Client{
		conn:        conn,
		username:    opts.Username,
		grace:       opts.TypingGrace,
		log:         logger.Component("roomclient").With("user", opts.Username),
		view:        View{Username: opts.Username},
		typingUntil: make(map[string]time.Time),
		changed:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = err
		close(c.done)
		c.notifyLocked()
		c.mu.Unlock()
	}()
	for {
		var data []byte
		_, data, err = c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, perr := protocol.ParseServer(data)
		if perr != nil {
			c.log.Warn("bad frame from server", "err", perr)
			continue
		}
		if aerr := c.apply(env); aerr != nil {
			c.log.Warn("cannot apply server event", "type", env.Type, "err", aerr)
		}
	}
}

func (c *Client) apply(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.notifyLocked()

	v := &c.view
	switch env.Type {
	case protocol.TypeSnapshot:
		var p protocol.SnapshotPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if p.RoomID != v.RoomID {
			v.Messages = nil
			v.Console = nil
			c.typingUntil = make(map[string]time.Time)
		}
		v.RoomID, v.SocketID, v.Joined = p.RoomID, p.SocketID, true
		v.Snapshots++
		v.Code = p.Code
		v.Clients = members(p.Clients)
		v.Messages = merge(v.Messages, toDomain(p.Messages)...)

	case protocol.TypeJoined:
		var p protocol.JoinedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		v.Clients = members(p.Clients)

	case protocol.TypeDisconnected:
		var p protocol.DisconnectedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		v.Clients = members(p.Clients)
		if !hasUser(v.Clients, p.User) {
			delete(c.typingUntil, p.User)
		}

	case protocol.TypeCodeChange, protocol.TypeSyncCode:
		var p protocol.CodePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		v.Code = p.Code

	case protocol.TypeSyncMessages:
		var p protocol.MessagesPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		v.Messages = merge(v.Messages, toDomain(p.Messages)...)
		v.Syncs++

	case protocol.TypeReceiveMessage:
		var p protocol.ReceiveMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		v.Messages = merge(v.Messages, p.Message.Domain())

	case protocol.TypeTyping:
		var p protocol.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		c.typingUntil[p.Username] = time.Now().Add(c.grace)

	case protocol.TypeStopTyping:
		var p protocol.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		delete(c.typingUntil, p.Username)

	case protocol.TypeCompileResult:
		var p protocol.CompileResultPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		entry := ConsoleEntry{RequestID: p.RequestID, Language: p.Language}
		switch {
		case p.Error != nil:
			entry.Output, entry.IsError = *p.Error, true
		case p.Result != nil:
			entry.Output = *p.Result
		}
		v.Console = append(v.Console, entry)

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if p.Ref == "" {
			p.Ref = env.Ref
		}
		v.Errors = append(v.Errors, RemoteError{Ref: p.Ref, Message: p.Message})

	default:
		return fmt.Errorf("unknown event %q", env.Type)
	}
	return nil
}

func (c *Client) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// View returns a copy of the current merged view.
func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked(time.Now())
}

func (c *Client) viewLocked(now time.Time) View {
	v := c.view
	v.Clients = append([]Member(nil), v.Clients...)
	v.Messages = append([]Message(nil), v.Messages...)
	v.Console = append([]ConsoleEntry(nil), v.Console...)
	v.Errors = append([]RemoteError(nil), v.Errors...)
	v.Typing = nil
	for user, until := range c.typingUntil {
		if now.Before(until) {
			v.Typing = append(v.Typing, user)
		}
	}
	sort.Strings(v.Typing)
	return v
}

// WaitFor blocks until cond holds for the view, the connection drops or ctx
// ends.
func (c *Client) WaitFor(ctx context.Context, cond func(View) bool) (View, error) {
	// typing indicators expire by time alone, so poll as well
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		c.mu.Lock()
		v := c.viewLocked(time.Now())
		ch, done, err := c.changed, c.done, c.err
		c.mu.Unlock()

		if cond(v) {
			return v, nil
		}
		select {
		case <-done:
			if err == nil {
				return v, ErrClosed
			}
			return v, fmt.Errorf("%w: %v", ErrClosed, err)
		default:
		}
		select {
		case <-ch:
		case <-tick.C:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) emit(ev protocol.ClientEvent, ref string) error {
	frame, err := protocol.EncodeClient(ev, ref)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("roomclient: send %s: %w", ev.Type(), err)
	}
	return nil
}

func (c *Client) room() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.view.Joined {
		return "", ErrNotJoined
	}
	return c.view.RoomID, nil
}

// Join enters roomID and waits for the snapshot. A rejected join returns the
// server's error; the caller should treat it as fatal for the session.
func (c *Client) Join(ctx context.Context, roomID string) (View, error) {
	ref := uuid.NewString()
	c.mu.Lock()
	before, syncs := c.view.Snapshots, c.view.Syncs
	c.mu.Unlock()
	if err := c.emit(protocol.Join{RoomID: roomID, Username: c.username}, ref); err != nil {
		return View{}, err
	}

	var remote *RemoteError
	v, err := c.WaitFor(ctx, func(v View) bool {
		for i := range v.Errors {
			if v.Errors[i].Ref == ref {
				remote = &v.Errors[i]
				return true
			}
		}
		return v.Joined && v.RoomID == roomID && v.Snapshots > before && v.Syncs > syncs
	})
	if err != nil {
		return v, err
	}
	if remote != nil {
		return v, remote
	}
	return v, nil
}

// ChangeCode sets the local code and publishes it. The server does not echo
// it back to this client.
func (c *Client) ChangeCode(code string) error {
	roomID, err := c.room()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.view.Code = code
	c.notifyLocked()
	c.mu.Unlock()
	return c.emit(protocol.CodeChange{RoomID: roomID, Code: code}, "")
}

func (c *Client) Typing() error {
	roomID, err := c.room()
	if err != nil {
		return err
	}
	return c.emit(protocol.Typing{RoomID: roomID, Username: c.username}, "")
}

func (c *Client) StopTyping() error {
	roomID, err := c.room()
	if err != nil {
		return err
	}
	return c.emit(protocol.StopTyping{RoomID: roomID, Username: c.username}, "")
}

// SendMessage posts a new chat message. It is merged locally right away;
// the server's echo is deduplicated by id.
func (c *Client) SendMessage(content string) (Message, error) {
	msg := Message{
		ID:        uuid.NewString(),
		Content:   content,
		Sender:    c.username,
		Timestamp: time.Now().UnixMilli(),
	}
	return msg, c.Publish(msg)
}

// Publish sends msg as is. Publishing the same message twice is harmless.
func (c *Client) Publish(msg Message) error {
	roomID, err := c.room()
	if err != nil {
		return err
	}
	dm := domain.Message(msg)
	if err := c.emit(protocol.SendMessage{RoomID: roomID, Message: protocol.MessageFromDomain(dm)}, ""); err != nil {
		return err
	}
	c.mu.Lock()
	c.view.Messages = merge(c.view.Messages, dm)
	c.notifyLocked()
	c.mu.Unlock()
	return nil
}

// Compile runs the current local code and returns the request id that the
// matching console entry will carry.
func (c *Client) Compile(language string) (string, error) {
	roomID, err := c.room()
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	code := c.view.Code
	c.mu.Unlock()
	id := uuid.NewString()
	return id, c.emit(protocol.Compile{RoomID: roomID, Code: code, Language: language, RequestID: id}, id)
}

// Sync asks for the room's code and history again.
func (c *Client) Sync() error {
	roomID, err := c.room()
	if err != nil {
		return err
	}
	return c.emit(protocol.Sync{RoomID: roomID}, "")
}

func (c *Client) Leave() error {
	roomID, err := c.room()
	if err != nil {
		return err
	}
	if err := c.emit(protocol.Leave{RoomID: roomID}, ""); err != nil {
		return err
	}
	c.mu.Lock()
	c.view.Joined = false
	c.notifyLocked()
	c.mu.Unlock()
	return nil
}

// Close sends a normal closure and waits for the read loop to end.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
	return c.conn.Close()
}

// Drop closes the socket without a close handshake, like a crashed tab.
func (c *Client) Drop() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func toDomain(ms []protocol.Message) []domain.Message {
	out := make([]domain.Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Domain())
	}
	return out
}

// merge folds incoming into the view with the server's ordering and dedupe
// rules.
func merge(view []Message, incoming ...domain.Message) []Message {
	cur := make([]domain.Message, 0, len(view))
	for _, m := range view {
		cur = append(cur, domain.Message(m))
	}
	merged := chat.Merge(cur, incoming...)
	out := make([]Message, 0, len(merged))
	for _, m := range merged {
		out = append(out, Message(m))
	}
	return out
}

func members(clients []protocol.Client) []Member {
	out := make([]Member, 0, len(clients))
	for _, cl := range clients {
		out = append(out, Member{SocketID: cl.SocketID, Username: cl.Username})
	}
	return out
}

func hasUser(clients []Member, user string) bool {
	for _, cl := range clients {
		if cl.Username == user {
			return true
		}
	}
	return false
}
