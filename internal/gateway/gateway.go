// Package gateway routes client events to per-room actors and owns the
// join/leave/disconnect lifecycle.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwrk-planet/coderoom/internal/chat"
	"github.com/cwrk-planet/coderoom/internal/domain"
	"github.com/cwrk-planet/coderoom/internal/typing"
	"github.com/cwrk-planet/coderoom/pkg/logger"

	"github.com/google/uuid"
)

// Conn is the gateway's view of a client connection. Send must not block;
// an error means the frame was not queued and the member is dropped.
type Conn interface {
	ID() string
	Send(frame []byte) error
}

// Executor runs code on behalf of a room.
type Executor interface {
	Validate(req domain.ExecRequest) (domain.ExecRequest, error)
	Dispatch(ctx context.Context, req domain.ExecRequest, deliver func(domain.ExecOutcome))
}

var ErrExecutionDisabled = errors.New("code execution is not configured")

type Config struct {
	TypingWindow time.Duration
	MailboxSize  int
	MaxHistory   int
	// Now is the clock used for join times and message timestamps.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.TypingWindow <= 0 {
		c.TypingWindow = typing.DefaultWindow
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = chat.DefaultMaxHistory
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// binding records which room a socket belongs to. The pointer identity
// matters: a join only completes while its own binding is still current.
type binding struct {
	roomID string
	conn   Conn
}

type Gateway struct {
	cfg  Config
	exec Executor
	log  *slog.Logger

	mu      sync.Mutex
	rooms   map[string]*room
	sockets map[string]*binding
	ctx     context.Context
	cancel  context.CancelFunc
	running bool

	actors sync.WaitGroup
}

// New builds a stopped gateway. exec may be nil, in which case compile
// requests are rejected.
func New(cfg Config, exec Executor) *Gateway {
	return &Gateway{
		cfg:     cfg.withDefaults(),
		exec:    exec,
		log:     logger.Component("gateway"),
		rooms:   make(map[string]*room),
		sockets: make(map[string]*binding),
	}
}

// Start enables the gateway. Cancelling ctx has the same effect on the rooms
// as Stop.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return errors.New("gateway already started")
	}
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.running = true
	g.log.Info("gateway started",
		"typing_window", g.cfg.TypingWindow,
		"mailbox", g.cfg.MailboxSize,
		"max_history", g.cfg.MaxHistory)
	return nil
}

// Stop shuts every room actor down and forgets all sockets.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	g.cancel()
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.actors.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop gateway: %w", ctx.Err())
	}

	g.mu.Lock()
	rooms, sockets := len(g.rooms), len(g.sockets)
	g.rooms = make(map[string]*room)
	g.sockets = make(map[string]*binding)
	g.mu.Unlock()
	g.log.Info("gateway stopped", "rooms", rooms, "sockets", sockets)
	return nil
}

// Join adds conn to roomID and returns the snapshot that was also sent to
// conn as its first room frame. A socket bound to another room leaves it
// first; joining the same room again only refreshes the snapshot.
func (g *Gateway) Join(ctx context.Context, conn Conn, roomID, username string) (domain.Snapshot, error) {
	roomID = strings.TrimSpace(roomID)
	username = strings.TrimSpace(username)
	if roomID == "" {
		return domain.Snapshot{}, domain.ErrMissingRoomID
	}
	if username == "" {
		return domain.Snapshot{}, domain.ErrMissingUsername
	}
	socketID := conn.ID()

	for {
		if err := ctx.Err(); err != nil {
			return domain.Snapshot{}, err
		}
		r, b, prev, reused, err := g.reserve(conn, roomID)
		if err != nil {
			return domain.Snapshot{}, err
		}
		if prev != nil {
			g.removeFrom(prev, socketID)
		}

		var (
			state    atomic.Int32
			finished = make(chan struct{})
			snap     domain.Snapshot
			jerr     error
		)
		err = r.call(ctx, func() error {
			if ctx.Err() != nil {
				state.CompareAndSwap(joinPending, joinAbandoned)
			}
			if !state.CompareAndSwap(joinPending, joinStarted) {
				return errJoinAborted
			}
			defer close(finished)
			jerr = errInternal // kept if join panics
			snap, jerr = r.join(b, username)
			return jerr
		})
		switch {
		case err == nil:
			return snap, nil
		case errors.Is(err, domain.ErrRoomClosed):
			// lost a race with teardown; the retry creates a fresh room
			g.unbind(socketID, b)
			continue
		case ctx.Err() != nil:
			if state.CompareAndSwap(joinPending, joinAbandoned) || state.Load() == joinAbandoned {
				// the join never ran and never will
				if !reused {
					g.unbind(socketID, b)
				}
				return domain.Snapshot{}, ctx.Err()
			}
			// already running on the actor: its outcome stands
			<-finished
			return snap, jerr
		default:
			if !reused {
				g.unbind(socketID, b)
			}
			return domain.Snapshot{}, err
		}
	}
}

// Join progress, shared between the caller and the room actor.
const (
	joinPending int32 = iota
	joinStarted
	joinAbandoned
)

// reserve binds the socket to roomID and returns the room's actor, creating
// it when absent. prev is the room the socket has to leave first.
func (g *Gateway) reserve(conn Conn, roomID string) (r *room, b *binding, prev *room, reused bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running || g.ctx.Err() != nil {
		return nil, nil, nil, false, domain.ErrGatewayStopped
	}

	socketID := conn.ID()
	if old, ok := g.sockets[socketID]; ok {
		if old.roomID == roomID {
			if cur, ok := g.rooms[roomID]; ok {
				return cur, old, nil, true, nil
			}
		}
		prev = g.rooms[old.roomID]
		delete(g.sockets, socketID)
	}

	r, ok := g.rooms[roomID]
	if !ok {
		r = newRoom(g, roomID)
		g.rooms[roomID] = r
		g.actors.Add(1)
		go r.run()
		g.log.Debug("room created", "room", roomID)
	}
	b = &binding{roomID: roomID, conn: conn}
	g.sockets[socketID] = b
	return r, b, prev, false, nil
}

// Leave removes the socket from roomID. Leaving a room the socket is not in
// is a no-op.
func (g *Gateway) Leave(socketID, roomID string) {
	roomID = strings.TrimSpace(roomID)
	g.mu.Lock()
	b, ok := g.sockets[socketID]
	if !ok || (roomID != "" && b.roomID != roomID) {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.cleanup(socketID, b)
}

// Disconnect removes the socket from whatever room it is in. It converges to
// the same state as Leave and is safe to call after it.
func (g *Gateway) Disconnect(socketID string) {
	g.mu.Lock()
	b, ok := g.sockets[socketID]
	g.mu.Unlock()
	if !ok {
		return
	}
	g.cleanup(socketID, b)
}

// cleanup is the single removal path. Only the caller that deletes the
// binding goes on to touch the room.
func (g *Gateway) cleanup(socketID string, b *binding) {
	g.mu.Lock()
	if cur, ok := g.sockets[socketID]; !ok || cur != b {
		g.mu.Unlock()
		return
	}
	delete(g.sockets, socketID)
	r := g.rooms[b.roomID]
	g.mu.Unlock()

	if r != nil {
		g.removeFrom(r, socketID)
	}
}

func (g *Gateway) removeFrom(r *room, socketID string) {
	_ = r.do(func() error {
		r.remove(socketID)
		return nil
	})
}

func (g *Gateway) unbind(socketID string, b *binding) {
	g.mu.Lock()
	if cur, ok := g.sockets[socketID]; ok && cur == b {
		delete(g.sockets, socketID)
	}
	g.mu.Unlock()
}

func (g *Gateway) isBound(socketID string, b *binding) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running && g.sockets[socketID] == b
}

// forget drops the binding of a socket the room evicted itself.
func (g *Gateway) forget(socketID, roomID string) {
	g.mu.Lock()
	if cur, ok := g.sockets[socketID]; ok && cur.roomID == roomID {
		delete(g.sockets, socketID)
	}
	g.mu.Unlock()
}

// release unregisters r. It reports false when r is no longer the
// registered room for its id.
func (g *Gateway) release(r *room) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[r.id] != r {
		return false
	}
	delete(g.rooms, r.id)
	return true
}

// member resolves the room a socket addresses, enforcing membership.
func (g *Gateway) member(socketID, roomID string) (*room, error) {
	roomID = strings.TrimSpace(roomID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running || g.ctx.Err() != nil {
		return nil, domain.ErrGatewayStopped
	}
	b, ok := g.sockets[socketID]
	if !ok || b.roomID != roomID {
		return nil, domain.ErrNotMember
	}
	r, ok := g.rooms[roomID]
	if !ok {
		return nil, domain.ErrNotMember
	}
	return r, nil
}

// ChangeCode replaces the room's code and relays it to the other members.
func (g *Gateway) ChangeCode(ctx context.Context, socketID, roomID, code string) error {
	r, err := g.member(socketID, roomID)
	if err != nil {
		return err
	}
	return r.call(ctx, func() error { return r.changeCode(socketID, code) })
}

func (g *Gateway) Typing(ctx context.Context, socketID, roomID string) error {
	r, err := g.member(socketID, roomID)
	if err != nil {
		return err
	}
	return r.call(ctx, func() error { return r.markTyping(socketID) })
}

func (g *Gateway) StopTyping(ctx context.Context, socketID, roomID string) error {
	r, err := g.member(socketID, roomID)
	if err != nil {
		return err
	}
	return r.call(ctx, func() error { return r.stopTyping(socketID) })
}

// SendMessage appends msg to the room history and fans it out to every
// member. A message whose id is already known is dropped without error.
func (g *Gateway) SendMessage(ctx context.Context, socketID, roomID string, msg domain.Message) error {
	msg, err := chat.Validate(msg)
	if err != nil {
		return err
	}
	r, err := g.member(socketID, roomID)
	if err != nil {
		return err
	}
	return r.call(ctx, func() error { return r.sendMessage(socketID, msg) })
}

// Compile validates req and hands it to the executor. The outcome reaches
// the room later as a compile-result; the returned id correlates it.
func (g *Gateway) Compile(ctx context.Context, socketID, roomID string, req domain.ExecRequest, requestID string) (string, error) {
	if g.exec == nil {
		return "", ErrExecutionDisabled
	}
	req, err := g.exec.Validate(req)
	if err != nil {
		return "", err
	}
	if requestID = strings.TrimSpace(requestID); requestID == "" {
		requestID = uuid.NewString()
	}
	r, err := g.member(socketID, roomID)
	if err != nil {
		return "", err
	}
	err = r.call(ctx, func() error { return r.compile(socketID, req, requestID) })
	if err != nil {
		return "", err
	}
	return requestID, nil
}

// Resync sends the current code and history to the requesting socket only.
func (g *Gateway) Resync(ctx context.Context, socketID, roomID string) error {
	r, err := g.member(socketID, roomID)
	if err != nil {
		return err
	}
	return r.call(ctx, func() error { return r.resync(socketID) })
}

// Rooms lists the live rooms ordered by id.
func (g *Gateway) Rooms(ctx context.Context) []domain.RoomInfo {
	g.mu.Lock()
	rooms := make([]*room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		info, err := r.describe(ctx)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *Gateway) Room(ctx context.Context, roomID string) (domain.RoomInfo, error) {
	g.mu.Lock()
	r, ok := g.rooms[strings.TrimSpace(roomID)]
	g.mu.Unlock()
	if !ok {
		return domain.RoomInfo{}, domain.ErrRoomNotFound
	}
	info, err := r.describe(ctx)
	if errors.Is(err, domain.ErrRoomClosed) {
		return domain.RoomInfo{}, domain.ErrRoomNotFound
	}
	return info, err
}

func (g *Gateway) Stats() domain.GatewayStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return domain.GatewayStats{Rooms: len(g.rooms), Sockets: len(g.sockets)}
}
