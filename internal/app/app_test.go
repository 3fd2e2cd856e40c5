package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tracecat/simlab/internal/compiler"
	"github.com/tracecat/simlab/internal/event"
)

const chainNodes = `
node "exec" { technique = "aws.execution.ssm-start-session" }
node "creds" { technique = "aws.credential-access.ec2-get-password-data" }

link {
  from = "exec"
  to   = "creds"
}
`

func writeLab(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lab.hcl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// fakeEngine serves the lab stream and teardown routes on one listener.
type fakeEngine struct {
	srv *httptest.Server

	mu        sync.Mutex
	initiated []map[string]any
	teardowns []string
}

func newFakeEngine(t *testing.T, records ...string) *fakeEngine {
	t.Helper()
	fe := &fakeEngine{}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /labs/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		fe.mu.Lock()
		fe.initiated = append(fe.initiated, msg)
		fe.mu.Unlock()

		for _, rec := range records {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(rec)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("DELETE /labs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		fe.mu.Lock()
		fe.teardowns = append(fe.teardowns, id)
		fe.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"message":"Stopping lab %s"}`, id)
	})

	fe.srv = httptest.NewServer(mux)
	t.Cleanup(fe.srv.Close)
	return fe
}

func (fe *fakeEngine) wsURL() string {
	return "ws" + strings.TrimPrefix(fe.srv.URL, "http") + "/labs/ws"
}

func (fe *fakeEngine) teardownIDs() []string {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return append([]string(nil), fe.teardowns...)
}

func TestNewConfig(t *testing.T) {
	_, err := NewConfig(Config{})
	assert.Error(t, err)

	_, err = NewConfig(Config{TeardownID: "abc"})
	assert.NoError(t, err)

	_, err = NewConfig(Config{ListCatalog: true})
	assert.NoError(t, err)

	_, err = NewConfig(Config{LabPaths: []string{"lab.hcl"}, MetricsPort: 70000})
	assert.Error(t, err)

	cfg, err := NewConfig(Config{LabPaths: []string{"lab.hcl"}, Strict: true})
	require.NoError(t, err)
	assert.True(t, cfg.Strict)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, parseLevel("loud"))
}

func TestNewApp_LoadFailures(t *testing.T) {
	_, err := NewApp(&SafeBuffer{}, &Config{LabPaths: []string{writeLab(t, `node "a" {`)}})
	assert.ErrorContains(t, err, "failed to load lab")

	_, err = NewApp(&SafeBuffer{}, &Config{
		LabPaths:    []string{writeLab(t, chainNodes)},
		CatalogPath: filepath.Join(t.TempDir(), "missing.yaml"),
	})
	assert.ErrorContains(t, err, "failed to load catalog")
}

func TestRun_DryRun(t *testing.T) {
	path := writeLab(t, `scenario = "ec2-brute-force"`+chainNodes)
	a, out := SetupAppTest(t, &Config{LabPaths: []string{path}, DryRun: true})

	require.NoError(t, a.Run(context.Background()))
	assert.Contains(t, out.String(), "Plan (2 techniques):")
	assert.Contains(t, out.String(), "1. exec: aws.execution.ssm-start-session")
	assert.Contains(t, out.String(), "2. creds: aws.credential-access.ec2-get-password-data")
}

func TestRun_ListCatalog(t *testing.T) {
	a, out := SetupAppTest(t, &Config{ListCatalog: true})

	require.NoError(t, a.Run(context.Background()))
	got := out.String()
	assert.Contains(t, got, "credential-access:\n  aws.credential-access.ec2-get-password-data")
	assert.Contains(t, got, "Scenarios:\n")
	assert.Contains(t, got, "  ec2-brute-force\n")
	assert.Less(t, strings.Index(got, "credential-access:"), strings.Index(got, "execution:"), "tactics are sorted")
}

func TestRun_CompileErrors(t *testing.T) {
	t.Run("multiple start nodes", func(t *testing.T) {
		path := writeLab(t, `
node "a" { technique = "aws.execution.ssm-start-session" }
node "b" { technique = "aws.execution.ssm-send-command" }
`)
		a, _ := SetupAppTest(t, &Config{LabPaths: []string{path}, DryRun: true})
		assert.ErrorIs(t, a.Run(context.Background()), compiler.ErrMultipleStartNodes)
	})

	t.Run("strict rejects a disconnected cycle", func(t *testing.T) {
		path := writeLab(t, chainNodes+`
node "c" { technique = "aws.defense-evasion.cloudtrail-stop" }
node "d" { technique = "aws.defense-evasion.cloudtrail-delete" }
link {
  from = "c"
  to   = "d"
}
link {
  from = "d"
  to   = "c"
}
`)
		a, out := SetupAppTest(t, &Config{LabPaths: []string{path}, DryRun: true})
		require.NoError(t, a.Run(context.Background()))
		assert.Contains(t, out.String(), "left out of the plan")

		strict, _ := SetupAppTest(t, &Config{LabPaths: []string{path}, DryRun: true, Strict: true})
		assert.ErrorIs(t, strict.Run(context.Background()), compiler.ErrDisconnectedComponents)
	})
}

func TestRun_UnknownScenario(t *testing.T) {
	path := writeLab(t, `scenario = "not-a-scenario"`+chainNodes)
	a, _ := SetupAppTest(t, &Config{LabPaths: []string{path}})
	assert.ErrorIs(t, a.Run(context.Background()), ErrUnknownScenario)
}

func TestRun_LiveSession(t *testing.T) {
	records := []string{
		`{"tag":"background","is_compromised":false,"uuid":"sess-test","user_name":"alice","time":"2024-03-01T12:00:00Z","thought":{"job_title":"SRE","description":"keeps things up"}}`,
		`{"tag":"log","uuid":"sess-test"}`,
		`{"tag":"log","is_compromised":true,"uuid":"sess-test","user_name":"alice","time":"2024-03-01T12:00:05Z","thought":{"eventName":"ConsoleLogin","eventSource":"signin.amazonaws.com"}}`,
	}
	fe := newFakeEngine(t, records...)

	path := writeLab(t, fmt.Sprintf(`
scenario = "ec2-brute-force"
engine {
  url       = %q
  max_tasks = 2
}
`, fe.wsURL())+chainNodes)

	a, out := SetupAppTest(t, &Config{LabPaths: []string{path}})
	a.newSessionID = func() string { return "sess-test" }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "ConsoleLogin")
	}, 5*time.Second, 10*time.Millisecond, "log event never printed")
	assert.Contains(t, out.String(), "SRE, keeps things up")
	assert.Contains(t, out.String(), "(compromised)")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.Equal(t, []string{"sess-test"}, fe.teardownIDs())

	fe.mu.Lock()
	require.Len(t, fe.initiated, 1)
	assert.Equal(t, "sess-test", fe.initiated[0]["uuid"])
	assert.Equal(t, "ec2-brute-force", fe.initiated[0]["scenario_id"])
	assert.Equal(t, []any{"aws.execution.ssm-start-session", "aws.credential-access.ec2-get-password-data"}, fe.initiated[0]["technique_ids"])
	assert.Equal(t, 2.0, fe.initiated[0]["max_tasks"])
	fe.mu.Unlock()

	var m dto.Metric
	require.NoError(t, a.Metrics().SchemaViolationsTotal.Write(&m))
	assert.Equal(t, 1.0, m.GetCounter().GetValue())
}

func TestRun_TeardownOnly(t *testing.T) {
	fe := newFakeEngine(t)
	a, out := SetupAppTest(t, &Config{TeardownID: "left-behind", EngineURL: fe.srv.URL})

	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, []string{"left-behind"}, fe.teardownIDs())
	assert.Contains(t, out.String(), "Stopping lab left-behind")
}

func TestMetricsMux(t *testing.T) {
	a, _ := SetupAppTest(t, &Config{TeardownID: "x"})
	a.metrics.RecordEvent("log")
	mux := a.metricsMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK\n", rec.Body.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `simlab_events_total{tag="log"} 1`)
}

func TestFormatEvent(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"tag": "objective", "is_compromised": false, "uuid": "u", "user_name": "bob",
		"time": "2024-03-01T12:00:00Z",
		"thought": map[string]any{
			"name":  "Rotate keys",
			"tasks": []any{map[string]any{"name": "list", "description": "list access keys"}},
		},
	})
	require.NoError(t, err)
	ev, err := event.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t,
		"2024-03-01T12:00:00Z objective  bob: Rotate keys\n    - list: list access keys",
		formatEvent(ev))
}
