package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cwrk-planet/coderoom/internal/domain"
	"github.com/cwrk-planet/coderoom/internal/gateway"
	"github.com/cwrk-planet/coderoom/internal/protocol"
	"github.com/cwrk-planet/coderoom/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Gateway is the room API the socket server drives.
type Gateway interface {
	Join(ctx context.Context, conn gateway.Conn, roomID, username string) (domain.Snapshot, error)
	Leave(socketID, roomID string)
	Disconnect(socketID string)
	ChangeCode(ctx context.Context, socketID, roomID, code string) error
	Typing(ctx context.Context, socketID, roomID string) error
	StopTyping(ctx context.Context, socketID, roomID string) error
	SendMessage(ctx context.Context, socketID, roomID string, msg domain.Message) error
	Compile(ctx context.Context, socketID, roomID string, req domain.ExecRequest, requestID string) (string, error)
	Resync(ctx context.Context, socketID, roomID string) error
}

type Config struct {
	SendBuffer      int
	ReadLimit       int64
	PingInterval    time.Duration
	WriteWait       time.Duration
	HandlerTimeout  time.Duration
	EventsPerSecond float64
	Burst           int
	// MaxViolations is how many rate-limited frames are tolerated before
	// the connection is dropped.
	MaxViolations  int
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Second
	}
	if c.EventsPerSecond <= 0 {
		c.EventsPerSecond = 50
	}
	if c.Burst <= 0 {
		c.Burst = 100
	}
	if c.MaxViolations <= 0 {
		c.MaxViolations = 200
	}
	return c
}

type Server struct {
	cfg      Config
	gw       Gateway
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewServer(gw Gateway, cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg: cfg,
		gw:  gw,
		log: logger.Component("ws"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// HandleWS serves GET /ws. The connection carries no room until the client
// sends a join event.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		s.log.Warn("ws upgrade failed", "err", err)
		return
	}

	c := newWsConn(uuid.NewString(), conn, s.cfg.SendBuffer)
	log := s.log.With("socket", c.id, "remote_ip", r.RemoteAddr)
	log.Debug("ws connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(s.cfg.PingInterval, s.cfg.WriteWait)
	}()

	s.readLoop(r.Context(), c, log)

	s.gw.Disconnect(c.id)
	c.close()
	<-writerDone
	log.Debug("ws disconnected")
}

func (s *Server) readLoop(ctx context.Context, c *wsConn, log *slog.Logger) {
	c.conn.SetReadLimit(s.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.EventsPerSecond), s.cfg.Burst)
	violations := 0

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("ws read failed", "err", err)
			}
			return
		}
		select {
		case <-c.closed:
			return
		default:
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))

		if !limiter.Allow() {
			violations++
			if violations == 1 {
				_ = c.Send(protocol.EncodeError("rate limit exceeded", ""))
			}
			if violations > s.cfg.MaxViolations {
				log.Warn("ws dropping client for rate limit violations", "violations", violations)
				return
			}
			continue
		}

		ev, ref, err := protocol.Decode(data)
		if err != nil {
			_ = c.Send(protocol.EncodeError(err.Error(), ref))
			continue
		}

		hctx, cancel := context.WithTimeout(ctx, s.cfg.HandlerTimeout)
		err = s.route(hctx, c, ev)
		cancel()
		if err != nil {
			log.Debug("ws event rejected", "type", ev.Type(), "room", ev.Room(), "err", err)
			_ = c.Send(protocol.EncodeError(errorMessage(err), ref))
		}
	}
}

func (s *Server) route(ctx context.Context, c *wsConn, ev protocol.ClientEvent) error {
	switch e := ev.(type) {
	case protocol.Join:
		_, err := s.gw.Join(ctx, c, e.RoomID, e.Username)
		return err
	case protocol.Leave:
		s.gw.Leave(c.id, e.RoomID)
		return nil
	case protocol.CodeChange:
		return s.gw.ChangeCode(ctx, c.id, e.RoomID, e.Code)
	case protocol.Typing:
		return s.gw.Typing(ctx, c.id, e.RoomID)
	case protocol.StopTyping:
		return s.gw.StopTyping(ctx, c.id, e.RoomID)
	case protocol.SendMessage:
		return s.gw.SendMessage(ctx, c.id, e.RoomID, e.Message.Domain())
	case protocol.Compile:
		_, err := s.gw.Compile(ctx, c.id, e.RoomID, domain.ExecRequest{Code: e.Code, Language: e.Language}, e.RequestID)
		return err
	case protocol.Sync:
		return s.gw.Resync(ctx, c.id, e.RoomID)
	default:
		return protocol.ErrUnknownEvent
	}
}

// errorMessage keeps internal details out of client frames.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	case errors.Is(err, domain.ErrGatewayStopped):
		return "server is shutting down"
	default:
		return err.Error()
	}
}
