package execution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cwrk-planet/coderoom/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeSandbox(t *testing.T, status int, resp string, seen *pistonRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v2/execute", r.URL.Path)
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPistonEngine_RequestShape(t *testing.T) {
	var seen pistonRequest
	srv := fakeSandbox(t, http.StatusOK, `{"run":{"output":"hi\n","code":0}}`, &seen)

	eng, err := NewPistonEngine(PistonOptions{
		BaseURL:  srv.URL + "/",
		Versions: map[string]string{"python": "3.10.0"},
	})
	require.NoError(t, err)

	out, err := eng.Execute(context.Background(), domain.ExecRequest{Code: "print('hi')", Language: "python"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecResult("hi\n"), out)

	assert.Equal(t, "python", seen.Language)
	assert.Equal(t, "3.10.0", seen.Version)
	require.Len(t, seen.Files, 1)
	assert.Equal(t, "print('hi')", seen.Files[0].Content)
}

func TestPistonEngine_DefaultVersionIsWildcard(t *testing.T) {
	var seen pistonRequest
	srv := fakeSandbox(t, http.StatusOK, `{"run":{"output":"","code":0}}`, &seen)

	eng, err := NewPistonEngine(PistonOptions{BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := eng.Execute(context.Background(), domain.ExecRequest{Code: "", Language: "go"})
	require.NoError(t, err)
	assert.False(t, out.IsError, "empty output is still a result")
	assert.Equal(t, "*", seen.Version)
}

func TestPistonEngine_Outcomes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   domain.ExecOutcome
	}{
		{
			name:   "compile failure",
			status: http.StatusOK,
			body:   `{"compile":{"stderr":"syntax error","code":1},"run":{"output":"","code":null}}`,
			want:   domain.ExecError("syntax error"),
		},
		{
			name:   "non-zero exit prefers stderr",
			status: http.StatusOK,
			body:   `{"run":{"stdout":"partial","stderr":"boom","output":"partialboom","code":2}}`,
			want:   domain.ExecError("boom"),
		},
		{
			name:   "non-zero exit without output",
			status: http.StatusOK,
			body:   `{"run":{"code":3}}`,
			want:   domain.ExecError("exit status 3"),
		},
		{
			name:   "killed by signal",
			status: http.StatusOK,
			body:   `{"run":{"code":null,"signal":"SIGKILL"}}`,
			want:   domain.ExecError("process killed by SIGKILL"),
		},
		{
			name:   "rejected language",
			status: http.StatusBadRequest,
			body:   `{"message":"cobol-* runtime is unknown"}`,
			want:   domain.ExecError("cobol-* runtime is unknown"),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := fakeSandbox(t, tc.status, tc.body, nil)
			eng, err := NewPistonEngine(PistonOptions{BaseURL: srv.URL})
			require.NoError(t, err)

			out, err := eng.Execute(context.Background(), domain.ExecRequest{Code: "x", Language: "c"})
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
		})
	}
}

func TestPistonEngine_ServerErrorIsEngineFailure(t *testing.T) {
	srv := fakeSandbox(t, http.StatusBadGateway, `{"message":"upstream down"}`, nil)
	eng, err := NewPistonEngine(PistonOptions{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = eng.Execute(context.Background(), domain.ExecRequest{Code: "x", Language: "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestPistonEngine_RespectsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	eng, err := NewPistonEngine(PistonOptions{BaseURL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = eng.Execute(ctx, domain.ExecRequest{Code: "x", Language: "c"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewPistonEngine_RequiresBaseURL(t *testing.T) {
	_, err := NewPistonEngine(PistonOptions{BaseURL: "  "})
	assert.Error(t, err)
}
