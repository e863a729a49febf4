package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cwrk-planet/coderoom/internal/domain"
	"github.com/cwrk-planet/coderoom/pkg/logger"

	"golang.org/x/sync/semaphore"
)

type Config struct {
	Timeout       time.Duration
	QueueTimeout  time.Duration
	MaxConcurrent int64
	MaxCodeBytes  int
	// Languages is the allow-list; empty accepts anything the engine knows.
	Languages []string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 5 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.MaxCodeBytes <= 0 {
		c.MaxCodeBytes = 256 << 10
	}
	return c
}

// Dispatcher runs requests asynchronously with bounded concurrency. Every
// dispatched request is answered exactly once through its deliver callback.
type Dispatcher struct {
	engine    Engine
	cfg       Config
	sem       *semaphore.Weighted
	languages map[string]struct{}
	wg        sync.WaitGroup
	log       *slog.Logger
}

func NewDispatcher(engine Engine, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		engine: engine,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		log:    logger.Component("execution"),
	}
	if len(cfg.Languages) > 0 {
		d.languages = make(map[string]struct{}, len(cfg.Languages))
		for _, l := range cfg.Languages {
			d.languages[strings.ToLower(strings.TrimSpace(l))] = struct{}{}
		}
	}
	return d
}

// Validate normalises req and rejects it before anything is dispatched.
func (d *Dispatcher) Validate(req domain.ExecRequest) (domain.ExecRequest, error) {
	req.Language = strings.ToLower(strings.TrimSpace(req.Language))
	if req.Language == "" {
		return req, fmt.Errorf("%w: language is required", domain.ErrInvalidRequest)
	}
	if d.languages != nil {
		if _, ok := d.languages[req.Language]; !ok {
			return req, fmt.Errorf("%w: unsupported language %q", domain.ErrInvalidRequest, req.Language)
		}
	}
	if len(req.Code) > d.cfg.MaxCodeBytes {
		return req, fmt.Errorf("%w: code larger than %d bytes", domain.ErrInvalidRequest, d.cfg.MaxCodeBytes)
	}
	return req, nil
}

// Languages returns the configured allow-list.
func (d *Dispatcher) Languages() []string {
	out := make([]string, 0, len(d.languages))
	for l := range d.languages {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs req in the background and calls deliver once with the
// outcome. It never blocks the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.ExecRequest, deliver func(domain.ExecOutcome)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		deliver(d.run(ctx, req))
	}()
}

func (d *Dispatcher) run(ctx context.Context, req domain.ExecRequest) (out domain.ExecOutcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("execution engine panic",
				"language", req.Language,
				"panic", r,
				"stack", string(debug.Stack()))
			out = domain.ExecError("execution engine crashed")
		}
	}()

	qctx, cancel := context.WithTimeout(ctx, d.cfg.QueueTimeout)
	err := d.sem.Acquire(qctx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return domain.ExecError("execution cancelled")
		}
		return domain.ExecError("execution queue is full, try again")
	}
	defer d.sem.Release(1)

	rctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := d.engine.Execute(rctx, req)
	dur := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(rctx.Err(), context.DeadlineExceeded) {
			d.log.Warn("execution timed out", "language", req.Language, "timeout", d.cfg.Timeout)
			return domain.ExecError(fmt.Sprintf("execution timed out after %s", d.cfg.Timeout))
		}
		d.log.Warn("execution engine failed", "language", req.Language, "err", err)
		return domain.ExecError("execution failed: " + err.Error())
	}
	d.log.Debug("execution finished", "language", req.Language, "dur_ms", dur.Milliseconds(), "error", res.IsError)
	return res
}

// Wait blocks until every dispatched request has been delivered or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
