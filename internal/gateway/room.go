package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cwrk-planet/coderoom/internal/chat"
	"github.com/cwrk-planet/coderoom/internal/document"
	"github.com/cwrk-planet/coderoom/internal/domain"
	"github.com/cwrk-planet/coderoom/internal/presence"
	"github.com/cwrk-planet/coderoom/internal/protocol"
	"github.com/cwrk-planet/coderoom/internal/typing"
)

var (
	errJoinAborted = errors.New("connection closed before join completed")
	errInternal    = errors.New("internal error")
)

type command struct {
	run   func() error
	reply chan error
}

// room is the serialization point for one room id. All fields below the
// mailbox are touched only by the actor goroutine.
type room struct {
	id      string
	g       *Gateway
	ctx     context.Context
	log     *slog.Logger
	mailbox chan command
	done    chan struct{}

	members   *presence.Store
	conns     map[string]Conn
	doc       *document.Document
	history   *chat.Log
	typing    *typing.Tracker
	createdAt time.Time
}

// newRoom is called with g.mu held.
func newRoom(g *Gateway, id string) *room {
	r := &room{
		id:        id,
		g:         g,
		ctx:       g.ctx,
		log:       g.log.With("room", id),
		mailbox:   make(chan command, g.cfg.MailboxSize),
		done:      make(chan struct{}),
		members:   presence.New(),
		conns:     make(map[string]Conn),
		doc:       document.New(),
		history:   chat.NewLog(g.cfg.MaxHistory),
		createdAt: g.cfg.Now(),
	}
	r.typing = typing.New(g.cfg.TypingWindow, func(username string, gen uint64) {
		r.post(func() error {
			r.expireTyping(username, gen)
			return nil
		})
	})
	return r
}

func (r *room) run() {
	defer r.g.actors.Done()
	defer close(r.done)
	defer r.typing.StopAll()

	for {
		select {
		case cmd := <-r.mailbox:
			r.exec(cmd)
			if r.members.Len() == 0 && r.g.release(r) {
				r.log.Debug("room closed")
				return
			}
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *room) exec(cmd command) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("room command panic", "panic", rec, "stack", string(debug.Stack()))
			if cmd.reply != nil {
				cmd.reply <- errInternal
			}
		}
	}()
	err := cmd.run()
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

// post enqueues fn without waiting for it. It gives up only when the room
// is gone.
func (r *room) post(fn func() error) bool {
	select {
	case r.mailbox <- command{run: fn}:
		return true
	case <-r.done:
		return false
	}
}

// call runs fn on the actor and waits for its result.
func (r *room) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case r.mailbox <- command{run: fn, reply: reply}:
	case <-r.done:
		return domain.ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		select {
		case err := <-reply:
			return err
		default:
			return domain.ErrRoomClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do is call without cancellation, for cleanup that must not be abandoned.
func (r *room) do(fn func() error) error {
	return r.call(context.Background(), fn)
}

func (r *room) join(b *binding, username string) (domain.Snapshot, error) {
	socketID := b.conn.ID()
	if !r.g.isBound(socketID, b) {
		return domain.Snapshot{}, errJoinAborted
	}

	m, added := r.members.Add(socketID, username, r.g.cfg.Now())
	r.conns[socketID] = b.conn
	if added && r.typing.IsTyping(m.Username) {
		r.members.SetTyping(m.Username, true)
	}
	snap := domain.Snapshot{
		RoomID:   r.id,
		SocketID: socketID,
		Username: m.Username,
		Members:  r.members.Roster(),
		Code:     r.doc.Code(),
		Messages: r.history.Messages(),
	}

	undo := func() {
		if added {
			// nobody has seen this member yet
			r.members.Remove(socketID)
			delete(r.conns, socketID)
			r.g.forget(socketID, r.id)
		} else {
			r.evict(socketID)
		}
	}
	frames, err := joinFrames(snap)
	if err != nil {
		undo()
		return domain.Snapshot{}, err
	}
	for _, frame := range frames {
		if err := b.conn.Send(frame); err != nil {
			undo()
			return domain.Snapshot{}, fmt.Errorf("send snapshot: %w", err)
		}
	}

	if added {
		r.log.Info("member joined", "socket", socketID, "user", m.Username, "members", r.members.Len())
		r.broadcast(protocol.TypeJoined, protocol.JoinedPayload{
			Clients:  protocol.ClientsFromMembers(snap.Members),
			User:     m.Username,
			SocketID: socketID,
		}, socketID)
	}
	return snap, nil
}

// joinFrames is what a joiner receives, in order: the full snapshot, then
// the code and the history as sync-code and sync-messages.
func joinFrames(snap domain.Snapshot) ([][]byte, error) {
	msgs := protocol.MessagesFromDomain(snap.Messages)
	snapshot, err := protocol.Encode(protocol.TypeSnapshot, protocol.SnapshotPayload{
		RoomID:   snap.RoomID,
		SocketID: snap.SocketID,
		User:     snap.Username,
		Clients:  protocol.ClientsFromMembers(snap.Members),
		Code:     snap.Code,
		Messages: msgs,
	})
	if err != nil {
		return nil, err
	}
	code, err := protocol.Encode(protocol.TypeSyncCode, protocol.CodePayload{Code: snap.Code})
	if err != nil {
		return nil, err
	}
	history, err := protocol.Encode(protocol.TypeSyncMessages, protocol.MessagesPayload{Messages: msgs})
	if err != nil {
		return nil, err
	}
	return [][]byte{snapshot, code, history}, nil
}

// remove drops a member and tells the rest of the room. Absent members are
// ignored.
func (r *room) remove(socketID string) {
	r.drop(socketID, false)
}

// evict removes members whose connection refused a frame.
func (r *room) evict(ids ...string) {
	for _, id := range ids {
		r.drop(id, true)
	}
}

// drop runs as a worklist: announcing a removal can fail on further
// connections, and those members are evicted in turn.
func (r *room) drop(socketID string, evicted bool) {
	type item struct {
		id      string
		evicted bool
	}
	work := []item{{socketID, evicted}}
	for len(work) > 0 {
		it := work[0]
		work = work[1:]

		m, ok := r.members.Remove(it.id)
		if !ok {
			continue
		}
		delete(r.conns, it.id)
		if it.evicted {
			r.g.forget(it.id, r.id)
			r.log.Warn("evicted unreachable member", "socket", it.id, "user", m.Username, "members", r.members.Len())
		} else {
			r.log.Info("member left", "socket", it.id, "user", m.Username, "members", r.members.Len())
		}

		var failed []string
		if !r.members.HasUsername(m.Username) && r.typing.Stop(m.Username) {
			failed = append(failed, r.fanout(protocol.TypeStopTyping, protocol.TypingPayload{RoomID: r.id, Username: m.Username}, "")...)
		}
		failed = append(failed, r.fanout(protocol.TypeDisconnected, protocol.DisconnectedPayload{
			SocketID: it.id,
			User:     m.Username,
			Clients:  protocol.ClientsFromMembers(r.members.Roster()),
		}, "")...)
		for _, id := range failed {
			work = append(work, item{id, true})
		}
	}
}

// broadcast sends one event to every member except skip and evicts the
// members it could not reach.
func (r *room) broadcast(typ string, payload any, skip string) {
	if failed := r.fanout(typ, payload, skip); len(failed) > 0 {
		r.evict(failed...)
	}
}

// fanout encodes once and returns the sockets whose Send failed.
func (r *room) fanout(typ string, payload any, skip string) []string {
	frame, err := protocol.Encode(typ, payload)
	if err != nil {
		r.log.Error("encode event", "type", typ, "err", err)
		return nil
	}
	var failed []string
	for _, id := range r.members.SocketIDs() {
		if id == skip {
			continue
		}
		conn, ok := r.conns[id]
		if !ok {
			continue
		}
		if err := conn.Send(frame); err != nil {
			failed = append(failed, id)
		}
	}
	return failed
}

func (r *room) sendTo(socketID, typ string, payload any) error {
	conn, ok := r.conns[socketID]
	if !ok {
		return domain.ErrNotMember
	}
	frame, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	if err := conn.Send(frame); err != nil {
		r.evict(socketID)
		return err
	}
	return nil
}

func (r *room) sender(socketID string) (domain.Member, error) {
	m, ok := r.members.Get(socketID)
	if !ok {
		return domain.Member{}, domain.ErrNotMember
	}
	r.members.Touch(socketID, r.g.cfg.Now())
	return m, nil
}

func (r *room) changeCode(socketID, code string) error {
	m, err := r.sender(socketID)
	if err != nil {
		return err
	}
	rev := r.doc.Apply(code, m.Username, r.g.cfg.Now())
	r.log.Debug("code changed", "socket", socketID, "revision", rev, "bytes", len(code))
	r.broadcast(protocol.TypeCodeChange, protocol.CodePayload{Code: code}, socketID)
	return nil
}

// markTyping relays every keystroke signal so other clients can refresh their
// grace timers; only the idle->typing edge changes presence.
func (r *room) markTyping(socketID string) error {
	m, err := r.sender(socketID)
	if err != nil {
		return err
	}
	if r.typing.Touch(m.Username) {
		r.members.SetTyping(m.Username, true)
	}
	r.broadcast(protocol.TypeTyping, protocol.TypingPayload{RoomID: r.id, Username: m.Username}, socketID)
	return nil
}

func (r *room) stopTyping(socketID string) error {
	m, err := r.sender(socketID)
	if err != nil {
		return err
	}
	if r.typing.Stop(m.Username) {
		r.members.SetTyping(m.Username, false)
		r.broadcast(protocol.TypeStopTyping, protocol.TypingPayload{RoomID: r.id, Username: m.Username}, socketID)
	}
	return nil
}

func (r *room) expireTyping(username string, gen uint64) {
	if !r.typing.Expire(username, gen) {
		return
	}
	r.members.SetTyping(username, false)
	r.broadcast(protocol.TypeStopTyping, protocol.TypingPayload{RoomID: r.id, Username: username}, "")
}

func (r *room) sendMessage(socketID string, msg domain.Message) error {
	m, err := r.sender(socketID)
	if err != nil {
		return err
	}
	msg.Sender = m.Username
	if msg.Timestamp == 0 {
		msg.Timestamp = r.g.cfg.Now().UnixMilli()
	}
	if !r.history.Append(msg) {
		r.log.Debug("message dropped", "id", msg.ID)
		return nil
	}
	r.broadcast(protocol.TypeReceiveMessage, protocol.ReceiveMessagePayload{
		Message: protocol.MessageFromDomain(msg),
	}, "")
	return nil
}

func (r *room) compile(socketID string, req domain.ExecRequest, requestID string) error {
	if _, err := r.sender(socketID); err != nil {
		return err
	}
	log := r.log.With("request_id", requestID, "language", req.Language)
	log.Debug("compile dispatched", "socket", socketID, "bytes", len(req.Code))

	r.g.exec.Dispatch(r.ctx, req, func(out domain.ExecOutcome) {
		delivered := r.post(func() error {
			r.broadcast(protocol.TypeCompileResult, protocol.CompileResultFromOutcome(requestID, req.Language, out), "")
			return nil
		})
		if !delivered {
			log.Debug("compile result dropped, room closed")
		}
	})
	return nil
}

func (r *room) resync(socketID string) error {
	if _, err := r.sender(socketID); err != nil {
		return err
	}
	if err := r.sendTo(socketID, protocol.TypeSyncCode, protocol.CodePayload{Code: r.doc.Code()}); err != nil {
		return err
	}
	return r.sendTo(socketID, protocol.TypeSyncMessages, protocol.MessagesPayload{
		Messages: protocol.MessagesFromDomain(r.history.Messages()),
	})
}

func (r *room) describe(ctx context.Context) (domain.RoomInfo, error) {
	var info domain.RoomInfo
	err := r.call(ctx, func() error {
		info = domain.RoomInfo{
			ID:           r.id,
			Members:      r.members.Roster(),
			CodeLength:   len(r.doc.Code()),
			Revision:     r.doc.Revision(),
			MessageCount: r.history.Len(),
			CreatedAt:    r.createdAt,
			UpdatedAt:    r.doc.UpdatedAt(),
		}
		return nil
	})
	return info, err
}
