package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tracecat/simlab/internal/compiler"
	"github.com/tracecat/simlab/internal/event"
	"github.com/tracecat/simlab/internal/transport"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// fakeChannel is an in-memory transport.Channel. Tests push inbound messages
// with deliver and inspect what the manager sent.
type fakeChannel struct {
	inbox chan []byte
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{inbox: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *fakeChannel) Send(_ context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, raw)
	return nil
}

func (c *fakeChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-c.inbox:
		return raw, nil
	case <-c.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeChannel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeChannel) sentMessages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeChannel) deliver(t *testing.T, v any) {
	t.Helper()
	raw, ok := v.([]byte)
	if !ok {
		var err error
		raw, err = json.Marshal(v)
		require.NoError(t, err)
	}
	c.inbox <- raw
}

// fakeDialer hands out a fresh fakeChannel per Dial.
type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	err      error
	sendErr  error
}

func (d *fakeDialer) Dial(context.Context) (transport.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	ch := newFakeChannel()
	ch.sendErr = d.sendErr
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[len(d.channels)-1]
}

type fakeTeardown struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeTeardown) Teardown(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return f.err
}

func (f *fakeTeardown) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeMarker struct {
	mu      sync.Mutex
	cleared int
}

func (f *fakeMarker) ClearActive() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
}

type countingRecorder struct {
	nopRecorder
	mu         sync.Mutex
	events     map[string]int
	violations int
	teardowns  []error
}

func (r *countingRecorder) RecordEvent(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = make(map[string]int)
	}
	r.events[tag]++
}

func (r *countingRecorder) RecordSchemaViolation() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations++
}

func (r *countingRecorder) RecordTeardown(err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardowns = append(r.teardowns, err)
}

func logRecord(sessionID, eventName string) map[string]any {
	return map[string]any{
		"tag":            "log",
		"is_compromised": false,
		"uuid":           sessionID,
		"user_name":      "alice",
		"time":           "2024-03-01T12:00:00Z",
		"thought":        map[string]any{"eventName": eventName},
	}
}

func waitFeed(t *testing.T, m *Manager, n int) []event.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.Feed()) >= n },
		2*time.Second, 5*time.Millisecond, "feed never reached %d events", n)
	return m.Feed()
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("teardown result never delivered")
		return nil
	}
}

func TestManager_ScenarioRun(t *testing.T) {
	dialer := &fakeDialer{}
	td := &fakeTeardown{}
	marker := &fakeMarker{}
	m := NewManager(dialer, td, WithMarker(marker))
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "sess-1", "ec2-brute-force", compiler.Plan{"T1", "T2"}))
	assert.Equal(t, Running, m.State())

	ch := dialer.last()
	sent := ch.sentMessages()
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"uuid":"sess-1","scenario_id":"ec2-brute-force","technique_ids":["T1","T2"]}`, string(sent[0]))

	ch.deliver(t, logRecord("sess-1", "ConsoleLogin"))
	feed := waitFeed(t, m, 1)
	lg, ok := feed[0].(*event.Log)
	require.True(t, ok, "expected *event.Log, got %T", feed[0])
	assert.Equal(t, "ConsoleLogin", lg.EventName())

	err := waitResult(t, m.Stop(ctx))
	assert.NoError(t, err)
	assert.Equal(t, Stopped, m.State())
	assert.True(t, ch.closed())
	assert.Equal(t, []string{"sess-1"}, td.ids())
	assert.Equal(t, 1, marker.cleared)
	assert.Len(t, m.Feed(), 1, "feed survives stop")
}

func TestManager_StartPreconditions(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		scenario string
		plan     compiler.Plan
		wantErr  error
	}{
		{"empty plan", "s", "sc", nil, ErrEmptyPlan},
		{"empty plan slice", "s", "sc", compiler.Plan{}, ErrEmptyPlan},
		{"no scenario", "s", "", compiler.Plan{"T1"}, ErrNoScenarioSelected},
		{"no session id", "", "sc", compiler.Plan{"T1"}, ErrNoSessionID},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dialer := &fakeDialer{}
			m := NewManager(dialer, nil)
			err := m.Start(context.Background(), tc.id, tc.scenario, tc.plan)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, Idle, m.State())
			assert.Zero(t, dialer.dials(), "no channel may be opened")
		})
	}
}

func TestManager_StartWhileRunningIsNoop(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, nil)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "a", "sc", compiler.Plan{"T1"}))
	require.NoError(t, m.Start(ctx, "b", "other", compiler.Plan{"T9", "T8"}))

	assert.Equal(t, 1, dialer.dials())
	assert.Len(t, dialer.last().sentMessages(), 1, "exactly one initiation message")
	assert.Equal(t, "a", m.Session().ID)
}

func TestManager_ConcurrentStartSendsOneInitiation(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Start(context.Background(), "a", "sc", compiler.Plan{"T1"}))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, dialer.dials())
	assert.Len(t, dialer.last().sentMessages(), 1)
}

func TestManager_StartFailures(t *testing.T) {
	t.Run("dial error", func(t *testing.T) {
		m := NewManager(&fakeDialer{err: errors.New("refused")}, nil)
		err := m.Start(context.Background(), "a", "sc", compiler.Plan{"T1"})
		assert.ErrorContains(t, err, "refused")
		assert.Equal(t, Idle, m.State())
	})

	t.Run("send error closes channel", func(t *testing.T) {
		dialer := &fakeDialer{sendErr: errors.New("broken pipe")}
		m := NewManager(dialer, nil)
		err := m.Start(context.Background(), "a", "sc", compiler.Plan{"T1"})
		assert.ErrorContains(t, err, "broken pipe")
		assert.Equal(t, Idle, m.State())
		assert.True(t, dialer.last().closed())
	})
}

func TestManager_Tunables(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, nil, WithTunables(Tunables{Timeout: 300, MaxTasks: 3}))
	require.NoError(t, m.Start(context.Background(), "a", "sc", compiler.Plan{"T1"}))

	sent := dialer.last().sentMessages()
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"uuid":"a","scenario_id":"sc","technique_ids":["T1"],"timeout":300,"max_tasks":3}`, string(sent[0]))
}

func TestManager_InvalidMessagesAreDropped(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &countingRecorder{}
	m := NewManager(dialer, nil, WithRecorder(rec))
	require.NoError(t, m.Start(context.Background(), "a", "sc", compiler.Plan{"T1"}))
	ch := dialer.last()

	missingUser := logRecord("a", "x")
	delete(missingUser, "user_name")

	ch.deliver(t, logRecord("a", "first"))
	ch.deliver(t, []byte(`not json`))
	ch.deliver(t, map[string]any{"tag": "alert"})
	ch.deliver(t, missingUser)
	ch.deliver(t, logRecord("a", "second"))

	feed := waitFeed(t, m, 2)
	require.Len(t, feed, 2)
	assert.Equal(t, "first", feed[0].(*event.Log).EventName())
	assert.Equal(t, "second", feed[1].(*event.Log).EventName())
	assert.Equal(t, 3, m.Dropped())
	assert.Equal(t, Running, m.State(), "invalid messages never end the session")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 3, rec.violations)
	assert.Equal(t, 2, rec.events["log"])
}

func TestManager_FeedIsAppendOnlyInArrivalOrder(t *testing.T) {
	dialer := &fakeDialer{}
	var (
		mu   sync.Mutex
		seen []string
	)
	m := NewManager(dialer, nil, OnEvent(func(ev event.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.(*event.Log).EventName())
	}))
	require.NoError(t, m.Start(context.Background(), "a", "sc", compiler.Plan{"T1"}))
	ch := dialer.last()

	names := []string{"e1", "e2", "e3", "e4", "e5"}
	for _, n := range names {
		ch.deliver(t, logRecord("a", n))
	}
	feed := waitFeed(t, m, len(names))

	got := make([]string, 0, len(feed))
	for _, ev := range feed {
		got = append(got, ev.(*event.Log).EventName())
	}
	assert.Equal(t, names, got)

	// A snapshot is unaffected by later appends.
	snapshot := m.Feed()
	ch.deliver(t, logRecord("a", "e6"))
	waitFeed(t, m, len(names)+1)
	assert.Len(t, snapshot, len(names))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(names)+1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, append(names, "e6"), seen)
	mu.Unlock()
}

func TestManager_RemoteCloseKeepsRunning(t *testing.T) {
	dialer := &fakeDialer{}
	td := &fakeTeardown{}
	m := NewManager(dialer, td)
	require.NoError(t, m.Start(context.Background(), "a", "sc", compiler.Plan{"T1"}))

	ch := dialer.last()
	ch.deliver(t, logRecord("a", "only"))
	waitFeed(t, m, 1)
	require.NoError(t, ch.Close())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Running, m.State())
	assert.Equal(t, 1, dialer.dials(), "never reconnects")

	require.NoError(t, waitResult(t, m.Stop(context.Background())))
	assert.Equal(t, []string{"a"}, td.ids())
}

func TestManager_NoAppendsAfterStop(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, nil)
	require.NoError(t, m.Start(context.Background(), "a", "sc", compiler.Plan{"T1"}))
	ch := dialer.last()

	waitResult(t, m.Stop(context.Background()))

	// Anything still queued on the old channel is ignored.
	ch.inbox <- mustJSON(t, logRecord("a", "late"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, m.Feed())
}

func TestManager_StopFailureIsNonFatal(t *testing.T) {
	dialer := &fakeDialer{}
	td := &fakeTeardown{err: errors.New("engine unreachable")}
	rec := &countingRecorder{}

	var (
		hookID  string
		hookErr error
		hookHit = make(chan struct{})
	)
	m := NewManager(dialer, td, WithRecorder(rec), OnTeardown(func(id string, err error) {
		hookID, hookErr = id, err
		close(hookHit)
	}))
	require.NoError(t, m.Start(context.Background(), "a", "sc", compiler.Plan{"T1"}))

	result := m.Stop(context.Background())
	assert.Equal(t, Stopped, m.State(), "state commits before the teardown completes")

	err := waitResult(t, result)
	assert.ErrorContains(t, err, "engine unreachable")
	<-hookHit
	assert.Equal(t, "a", hookID)
	assert.ErrorContains(t, hookErr, "engine unreachable")

	rec.mu.Lock()
	require.Len(t, rec.teardowns, 1)
	assert.Error(t, rec.teardowns[0])
	rec.mu.Unlock()

	// A failed teardown does not prevent the next run.
	require.NoError(t, m.Start(context.Background(), "b", "sc", compiler.Plan{"T1"}))
	assert.Equal(t, Running, m.State())
	assert.Equal(t, 2, dialer.dials())
}

func TestManager_StopWhenNotRunning(t *testing.T) {
	td := &fakeTeardown{}
	marker := &fakeMarker{}
	m := NewManager(&fakeDialer{}, td, WithMarker(marker))

	result := m.Stop(context.Background())
	_, open := <-result
	assert.False(t, open, "result channel is already closed")
	assert.Equal(t, Idle, m.State())
	assert.Empty(t, td.ids())
	assert.Zero(t, marker.cleared)
}

func TestManager_StopWithoutTeardowner(t *testing.T) {
	m := NewManager(&fakeDialer{}, nil)
	require.NoError(t, m.Start(context.Background(), "a", "sc", compiler.Plan{"T1"}))

	_, open := <-m.Stop(context.Background())
	assert.False(t, open)
	assert.Equal(t, Stopped, m.State())
}

func TestManager_StopSurvivesCancelledContext(t *testing.T) {
	td := TeardownFunc(func(ctx context.Context, _ string) error { return ctx.Err() })
	m := NewManager(&fakeDialer{}, td)
	require.NoError(t, m.Start(context.Background(), "a", "sc", compiler.Plan{"T1"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, waitResult(t, m.Stop(ctx)), "teardown must not inherit the caller's cancellation")
}

func TestManager_Reset(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, nil)
	require.NoError(t, m.Reset(), "reset from idle is allowed")

	require.NoError(t, m.Start(context.Background(), "a", "sc", compiler.Plan{"T1"}))
	dialer.last().deliver(t, logRecord("a", "x"))
	dialer.last().deliver(t, []byte(`{}`))
	waitFeed(t, m, 1)

	assert.ErrorIs(t, m.Reset(), ErrResetWhileRunning)
	assert.Len(t, m.Feed(), 1)

	waitResult(t, m.Stop(context.Background()))
	require.NoError(t, m.Reset())
	assert.Empty(t, m.Feed())
	assert.Zero(t, m.Dropped())
}

func TestManager_RestartFromStopped(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, nil)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "a", "sc", compiler.Plan{"T1"}))
	waitResult(t, m.Stop(ctx))
	require.NoError(t, m.Start(ctx, "b", "sc2", compiler.Plan{"T2", "T3"}))

	s := m.Session()
	assert.Equal(t, Session{ID: "b", ScenarioID: "sc2", Plan: compiler.Plan{"T2", "T3"}, State: Running}, s)
	assert.Len(t, dialer.last().sentMessages(), 1)

	s.Plan[0] = "mutated"
	assert.Equal(t, compiler.Plan{"T2", "T3"}, m.Session().Plan, "Session returns a copy")
}

func TestManager_Spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	td := &fakeTeardown{err: errors.New("nope")}
	m := NewManager(&fakeDialer{}, td, WithTracerProvider(tp))
	require.NoError(t, m.Start(context.Background(), "a", "sc", compiler.Plan{"T1", "T2"}))
	waitResult(t, m.Stop(context.Background()))

	require.Eventually(t, func() bool { return len(exporter.GetSpans()) == 3 },
		2*time.Second, 5*time.Millisecond)

	byName := make(map[string]tracetest.SpanStub)
	for _, s := range exporter.GetSpans() {
		byName[s.Name] = s
	}
	require.Contains(t, byName, "session.start")
	require.Contains(t, byName, "session.stop")
	require.Contains(t, byName, "session.teardown")

	start := byName["session.start"]
	var planLen int64
	for _, kv := range start.Attributes {
		if kv.Key == "session.plan_length" {
			planLen = kv.Value.AsInt64()
		}
	}
	assert.Equal(t, int64(2), planLen)

	teardown := byName["session.teardown"]
	assert.Equal(t, "nope", teardown.Status.Description)
	assert.Equal(t, byName["session.stop"].SpanContext.SpanID(), teardown.Parent.SpanID())
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
