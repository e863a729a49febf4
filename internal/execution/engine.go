// Package execution relays run-code requests to an external sandbox.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cwrk-planet/coderoom/internal/domain"
)

// Engine runs code somewhere else. A non-nil error means the engine itself
// failed (unreachable, bad response); program failures are reported in the
// outcome.
type Engine interface {
	Execute(ctx context.Context, req domain.ExecRequest) (domain.ExecOutcome, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req domain.ExecRequest) (domain.ExecOutcome, error)

func (f EngineFunc) Execute(ctx context.Context, req domain.ExecRequest) (domain.ExecOutcome, error) {
	return f(ctx, req)
}

// PistonEngine talks to a Piston-compatible execution API.
type PistonEngine struct {
	baseURL string
	client  *http.Client
	// language -> version pinned in config; "*" when absent
	versions map[string]string
}

type PistonOptions struct {
	BaseURL  string
	Timeout  time.Duration
	Versions map[string]string
	Client   *http.Client
}

func NewPistonEngine(opts PistonOptions) (*PistonEngine, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("piston engine: empty base url")
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &PistonEngine{baseURL: base, client: client, versions: opts.Versions}, nil
}

type pistonFile struct {
	Content string `json:"content"`
}

type pistonRequest struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Files    []pistonFile `json:"files"`
}

type pistonStage struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr"`
	Output string  `json:"output"`
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

type pistonResponse struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Run      pistonStage  `json:"run"`
	Compile  *pistonStage `json:"compile,omitempty"`
	Message  string       `json:"message,omitempty"`
}

func (e *PistonEngine) Execute(ctx context.Context, req domain.ExecRequest) (domain.ExecOutcome, error) {
	version := "*"
	if v, ok := e.versions[req.Language]; ok && v != "" {
		version = v
	}
	body, err := json.Marshal(pistonRequest{
		Language: req.Language,
		Version:  version,
		Files:    []pistonFile{{Content: req.Code}},
	})
	if err != nil {
		return domain.ExecOutcome{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/v2/execute", bytes.NewReader(body))
	if err != nil {
		return domain.ExecOutcome{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return domain.ExecOutcome{}, fmt.Errorf("sandbox request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.ExecOutcome{}, fmt.Errorf("read sandbox response: %w", err)
	}

	var out pistonResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.ExecOutcome{}, fmt.Errorf("decode sandbox response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 {
		msg := out.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		// the sandbox rejecting the request (unknown language etc.) is a
		// result the room should see, not an engine failure
		if resp.StatusCode < 500 {
			return domain.ExecError(msg), nil
		}
		return domain.ExecOutcome{}, fmt.Errorf("sandbox status %d: %s", resp.StatusCode, msg)
	}

	if c := out.Compile; c != nil && c.Code != nil && *c.Code != 0 {
		return domain.ExecError(firstNonEmpty(c.Stderr, c.Output, "compilation failed")), nil
	}
	if out.Run.Signal != nil && *out.Run.Signal != "" {
		return domain.ExecError(firstNonEmpty(out.Run.Stderr, "process killed by "+*out.Run.Signal)), nil
	}
	if out.Run.Code != nil && *out.Run.Code != 0 {
		return domain.ExecError(firstNonEmpty(out.Run.Stderr, out.Run.Output, fmt.Sprintf("exit status %d", *out.Run.Code))), nil
	}
	return domain.ExecResult(out.Run.Output), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
