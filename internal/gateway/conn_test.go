package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/coderoom/internal/domain"
	"github.com/cwrk-planet/coderoom/internal/protocol"

	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("connection closed")

// fakeConn records every frame it is handed.
type fakeConn struct {
	id string

	mu     sync.Mutex
	frames []protocol.Envelope
	broken bool
	gate   chan struct{}
	parked int
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	gate := c.gate
	if gate != nil {
		c.parked++
	}
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return errConnClosed
	}
	env, err := protocol.ParseServer(frame)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, env)
	return nil
}

func (c *fakeConn) breakConn() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

// hold makes Send block until the returned func is called.
func (c *fakeConn) hold() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.gate = nil
			c.mu.Unlock()
			close(gate)
		})
	}
}

func (c *fakeConn) parkedSends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parked
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Type)
	}
	return out
}

func (c *fakeConn) count(typ string) int {
	n := 0
	for _, t := range c.types() {
		if t == typ {
			n++
		}
	}
	return n
}

// last decodes the most recent payload of typ into dst.
func (c *fakeConn) last(t *testing.T, typ string, dst any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Type == typ {
			require.NoError(t, json.Unmarshal(c.frames[i].Payload, dst))
			return
		}
	}
	t.Fatalf("no %s frame for %s", typ, c.id)
}

func (c *fakeConn) waitFor(t *testing.T, typ string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.count(typ) >= n },
		2*time.Second, 5*time.Millisecond, "%s never received %d %s frames", c.id, n, typ)
}

func usernames(clients []protocol.Client) []string {
	out := make([]string, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.Username)
	}
	return out
}

// fakeExec answers every request asynchronously with out.
type fakeExec struct {
	out domain.ExecOutcome

	mu   sync.Mutex
	reqs []domain.ExecRequest
	wg   sync.WaitGroup
}

func (e *fakeExec) Validate(req domain.ExecRequest) (domain.ExecRequest, error) {
	if req.Language == "" {
		return req, domain.ErrInvalidRequest
	}
	return req, nil
}

func (e *fakeExec) Dispatch(_ context.Context, req domain.ExecRequest, deliver func(domain.ExecOutcome)) {
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		deliver(e.out)
	}()
}
