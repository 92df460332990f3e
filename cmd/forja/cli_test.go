package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/doumen/vana-forja/internal/app"
	"github.com/doumen/vana-forja/internal/forge"
	"github.com/doumen/vana-forja/internal/observe"
	"github.com/doumen/vana-forja/internal/oracle"
	"github.com/doumen/vana-forja/pkg/provider/llm"
	"github.com/doumen/vana-forja/pkg/provider/llm/mock"
)

type testEnv struct {
	cli  *cli
	work string
	dir  string
}

// newTestEnv writes a config pointing at a temp work dir and injects an
// echoing claude provider.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	work := filepath.Join(dir, "work")
	configPath := filepath.Join(dir, "forja.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf("work_dir: %q\n", work)), 0o644))

	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	require.NoError(t, err)

	c := &cli{
		configPath: configPath,
		getenv:     envOf(nil),
		stderr:     io.Discard,
		providers: &app.Providers{LLM: map[string]llm.Provider{
			"claude": &mock.Provider{ProviderName: "anthropic", ModelName: "claude-3-5-sonnet-latest", CompleteFunc: mock.Echo()},
		}},
		appOpts: []app.Option{
			app.WithMetrics(m),
			app.WithRetrySleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
		},
	}
	return &testEnv{cli: c, work: work, dir: dir}
}

func (e *testEnv) execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	root := newRootCmd(e.cli)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

// writeLecture writes a transcript of 480 words over 12 one-minute markers
// with a sidecar claiming 600 seconds of audio.
func (e *testEnv) writeLecture(t *testing.T, rel string) string {
	t.Helper()
	var b strings.Builder
	for i := range 12 {
		fmt.Fprintf(&b, "[0:%02d:00] %s\n", i, strings.TrimSpace(strings.Repeat("palavra ", 40)))
	}
	path := filepath.Join(e.dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	require.NoError(t, os.WriteFile(path+forge.MetaSuffix, []byte(`{"coverage_seconds": 600}`), 0o644))
	return path
}

func TestVersionCommand(t *testing.T) {
	env := newTestEnv(t)
	out, _, err := env.execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "forja version dev\n", out)
}

func TestInvalidLogFormat(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.execute(t, "--log-format", "xml", "version")
	assert.ErrorContains(t, err, "invalid log format")
}

func TestMissingConfigFile(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.execute(t, "--config", filepath.Join(env.dir, "absent.yaml"), "version")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestAuditCommand(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeLecture(t, "aula.txt")

	t.Run("pass", func(t *testing.T) {
		out, _, err := env.execute(t, "audit", path)
		require.NoError(t, err)

		var rep map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &rep))
		assert.Equal(t, true, rep["ok"])
	})

	t.Run("coverage override fails the gate", func(t *testing.T) {
		out, _, err := env.execute(t, "audit", "--coverage", "36000", path)
		require.ErrorIs(t, err, forge.ErrAuditFailed)
		assert.Equal(t, exitAuditFailed, exitCode(err))
		assert.Contains(t, out, `"ok": false`)
	})
}

func TestRepairCommand(t *testing.T) {
	env := newTestEnv(t)
	in := filepath.Join(env.dir, "edited.txt")
	require.NoError(t, os.WriteFile(in, []byte("⟦0:00:01⟧ Kṛṣṇa\n\n⟦0:00:50⟧ bhakti\n"), 0o644))

	t.Run("to file", func(t *testing.T) {
		outPath := filepath.Join(env.dir, "repaired.txt")
		out, _, err := env.execute(t, "repair", "-o", outPath, in)
		require.NoError(t, err)

		text, err := os.ReadFile(outPath)
		require.NoError(t, err)
		assert.Contains(t, string(text), "[0:00:01] Kṛṣṇa")
		assert.NotContains(t, string(text), "⟦")

		var rep map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &rep))
		assert.Equal(t, "excellent", rep["integrity"])
	})

	t.Run("to stdout", func(t *testing.T) {
		out, errOut, err := env.execute(t, "repair", in)
		require.NoError(t, err)
		assert.Contains(t, out, "[0:00:50] bhakti")
		assert.Contains(t, errOut, `"integrity": "excellent"`)
	})
}

func TestBudgetCommand(t *testing.T) {
	env := newTestEnv(t)
	out, _, err := env.execute(t, "budget")
	require.NoError(t, err)

	var sum oracle.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Zero(t, sum.TodayUSD)
	assert.Equal(t, 5.0, sum.LimitDay)
	assert.Equal(t, 100.0, sum.LimitMonth)
	assert.Equal(t, "claude", sum.Provider)
}

func TestRunCommand(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeLecture(t, "aula-9.txt")

	out, _, err := env.execute(t, "run", "--id", "post-9", path)
	require.NoError(t, err)

	var rep forge.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.Success)
	assert.Equal(t, forge.StatePublished, rep.State)
	assert.Equal(t, "post-9", rep.DocumentID)

	_, err = os.Stat(filepath.Join(env.work, "published", "post-9", "document.txt"))
	assert.NoError(t, err)

	// Spend is visible to the budget command afterwards.
	out, _, err = env.execute(t, "budget")
	require.NoError(t, err)
	var sum oracle.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Positive(t, sum.TodayUSD)
}

func TestRunCommand_AuditFailureStillReports(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeLecture(t, "curta.txt")

	out, _, err := env.execute(t, "run", "--coverage", "36000", path)
	require.ErrorIs(t, err, forge.ErrAuditFailed)

	var rep forge.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.False(t, rep.Success)
	assert.Equal(t, forge.StateAudited, rep.State)
}

func TestBatchCommand(t *testing.T) {
	env := newTestEnv(t)
	a := env.writeLecture(t, "lotes/2024/a.txt")
	b := env.writeLecture(t, "lotes/2025/b.txt")

	out, _, err := env.execute(t, "batch", "-p", "2", filepath.Join(env.dir, "lotes", "**", "*.txt"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "PATH")
	assert.Contains(t, lines[1], a)
	assert.Contains(t, lines[2], b)
	for _, l := range lines[1:] {
		assert.Contains(t, l, "PUBLISHED")
		assert.Contains(t, l, "clean")
	}
}

func TestBatchCommand_NoMatches(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.execute(t, "batch", filepath.Join(env.dir, "nada", "*.txt"))
	assert.ErrorContains(t, err, "no transcripts match")
}

func TestExpandGlobs(t *testing.T) {
	env := newTestEnv(t)
	a := env.writeLecture(t, "x/a.txt")
	b := env.writeLecture(t, "x/y/b.txt")

	paths, err := expandGlobs([]string{
		filepath.Join(env.dir, "x", "**"),
		filepath.Join(env.dir, "x", "*.txt"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, paths)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{errors.New("boom"), exitFailure},
		{fmt.Errorf("a.txt: %w", forge.ErrAuditFailed), exitAuditFailed},
		{&oracle.BudgetError{}, exitBudgetExceeded},
		{errors.Join(fmt.Errorf("x: %w", forge.ErrAuditFailed), fmt.Errorf("y: %w", oracle.ErrBudgetExceeded)), exitBudgetExceeded},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}

func TestOpsHandler(t *testing.T) {
	env := newTestEnv(t)
	cfg, err := env.cli.loadConfig()
	require.NoError(t, err)
	env.cli.cfg = cfg

	a, err := env.cli.newApp(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	require.NoError(t, err)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "forja_documents_total 1\n")
	})

	srv := httptest.NewServer(opsHandler(a, metrics, m))
	t.Cleanup(srv.Close)

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusOK,
		"/metrics": http.StatusOK,
		"/nope":    http.StatusNotFound,
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, "%s: %s", path, body)
		if path == "/metrics" {
			assert.Contains(t, string(body), "forja_documents_total")
		}
	}
}

func TestStartOps(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	ops, err := startOps("127.0.0.1:0", h)
	require.NoError(t, err)

	resp, err := http.Get("http://" + ops.Addr() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	require.NoError(t, ops.Shutdown(context.Background()))
	_, err = http.Get("http://" + ops.Addr() + "/")
	assert.Error(t, err)
}
