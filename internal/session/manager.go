package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tracecat/simlab/internal/compiler"
	"github.com/tracecat/simlab/internal/ctxlog"
	"github.com/tracecat/simlab/internal/event"
	"github.com/tracecat/simlab/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName             = "github.com/tracecat/simlab/internal/session"
	defaultTeardownTimeout = 30 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithMarker registers presentation state cleared on Stop.
func WithMarker(mk Marker) Option {
	return func(m *Manager) { m.marker = mk }
}

// WithRecorder sends counters to r.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithTracerProvider overrides the global OpenTelemetry provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tp.Tracer(tracerName) }
}

// WithTunables sets the engine limits sent in every initiation message.
func WithTunables(t Tunables) Option {
	return func(m *Manager) { m.tunables = t }
}

// WithTeardownTimeout bounds the teardown call issued by Stop.
func WithTeardownTimeout(d time.Duration) Option {
	return func(m *Manager) { m.teardownTimeout = d }
}

// OnEvent is called from the receive goroutine, in arrival order, after an
// event has been appended to the Feed.
func OnEvent(fn func(event.Event)) Option {
	return func(m *Manager) { m.onEvent = fn }
}

// OnTeardown is called once the teardown issued by Stop completes.
func OnTeardown(fn func(sessionID string, err error)) Option {
	return func(m *Manager) { m.onTeardown = fn }
}

// Manager owns at most one running session at a time.
type Manager struct {
	dialer          transport.Dialer
	teardown        Teardowner
	marker          Marker
	recorder        Recorder
	tracer          trace.Tracer
	tunables        Tunables
	teardownTimeout time.Duration
	onEvent         func(event.Event)
	onTeardown      func(string, error)

	mu         sync.Mutex
	session    Session
	feed       []event.Event
	dropped    int
	ch         transport.Channel
	gen        uint64
	cancelLoop context.CancelFunc
}

// NewManager returns an Idle Manager. teardown may be nil, in which case Stop
// only closes the channel.
func NewManager(dialer transport.Dialer, teardown Teardowner, opts ...Option) *Manager {
	m := &Manager{
		dialer:          dialer,
		teardown:        teardown,
		recorder:        nopRecorder{},
		tracer:          otel.Tracer(tracerName),
		teardownTimeout: defaultTeardownTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start opens the channel, sends the initiation message for plan and begins
// accumulating events. Calling Start while Running is a no-op.
func (m *Manager) Start(ctx context.Context, sessionID, scenarioID string, plan compiler.Plan) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := ctxlog.FromContext(ctx).With("session", sessionID, "scenario", scenarioID)
	if m.session.State == Running {
		logger.Debug("Start ignored, a session is already running", "running", m.session.ID)
		return nil
	}
	if len(plan) == 0 {
		return ErrEmptyPlan
	}
	if scenarioID == "" {
		return ErrNoScenarioSelected
	}
	if sessionID == "" {
		return ErrNoSessionID
	}

	ctx, span := m.tracer.Start(ctx, "session.start", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("session.scenario_id", scenarioID),
		attribute.Int("session.plan_length", len(plan)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ch, err := m.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	msg := initiation{
		UUID:         sessionID,
		ScenarioID:   scenarioID,
		TechniqueIDs: slices.Clone(plan),
		Timeout:      m.tunables.Timeout,
		MaxTasks:     m.tunables.MaxTasks,
		MaxActions:   m.tunables.MaxActions,
	}
	if err := ch.Send(ctx, msg); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to send initiation message: %w", err)
	}

	m.gen++
	m.ch = ch
	m.session = Session{
		ID:         sessionID,
		ScenarioID: scenarioID,
		Plan:       slices.Clone(plan),
		State:      Running,
	}

	// The loop outlives the caller's context; only Stop ends it.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancelLoop = cancel
	go m.receive(loopCtx, ch, m.gen, logger)

	m.recorder.RecordSessionStarted(len(plan))
	logger.Info("▶️ Session running", "techniques", len(plan))
	return nil
}

func (m *Manager) receive(ctx context.Context, ch transport.Channel, gen uint64, logger *slog.Logger) {
	for {
		raw, err := ch.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrClosed), ctx.Err() != nil:
				logger.Info("Stream closed")
			default:
				logger.Warn("Stream failed, no longer receiving events", "error", err)
			}
			return
		}

		ev, perr := event.Parse(raw)

		m.mu.Lock()
		if m.gen != gen || m.session.State != Running {
			m.mu.Unlock()
			return
		}
		if perr != nil {
			m.dropped++
			m.recorder.RecordSchemaViolation()
			m.mu.Unlock()
			logger.Warn("Dropped invalid event", "error", perr)
			continue
		}
		m.feed = append(m.feed, ev)
		m.recorder.RecordEvent(string(ev.Envelope().Tag))
		hook := m.onEvent
		m.mu.Unlock()

		if hook != nil {
			hook(ev)
		}
	}
}

// Stop ends a running session. The channel is closed and markers cleared
// before Stop returns; the teardown runs in the background and its result is
// delivered on the returned channel, which is then closed. Stop on a Manager
// that is not Running returns an already closed channel.
func (m *Manager) Stop(ctx context.Context) <-chan error {
	result := make(chan error, 1)

	m.mu.Lock()
	if m.session.State != Running {
		m.mu.Unlock()
		close(result)
		return result
	}
	sess := m.session
	ch := m.ch
	cancel := m.cancelLoop
	m.ch = nil
	m.cancelLoop = nil
	m.gen++
	m.session.State = Stopped
	m.mu.Unlock()

	logger := ctxlog.FromContext(ctx).With("session", sess.ID)
	ctx, span := m.tracer.Start(ctx, "session.stop", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
	))
	defer span.End()

	cancel()
	if err := ch.Close(); err != nil {
		logger.Debug("Channel close reported an error", "error", err)
	}

	go m.runTeardown(context.WithoutCancel(ctx), sess.ID, result, logger)

	if m.marker != nil {
		m.marker.ClearActive()
	}
	m.recorder.RecordSessionStopped()
	logger.Info("⏹️ Session stopped")
	return result
}

func (m *Manager) runTeardown(ctx context.Context, sessionID string, result chan<- error, logger *slog.Logger) {
	defer close(result)
	if m.teardown == nil {
		return
	}

	ctx, span := m.tracer.Start(ctx, "session.teardown", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, m.teardownTimeout)
	defer cancel()

	began := time.Now()
	err := m.teardown.Teardown(ctx, sessionID)
	m.recorder.RecordTeardown(err, time.Since(began))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("Teardown failed, engine resources may still be running", "error", err)
	} else {
		logger.Info("🧹 Lab torn down")
	}

	if m.onTeardown != nil {
		m.onTeardown(sessionID, err)
	}
	result <- err
}

// Reset clears the Feed. It fails while a session is running.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State == Running {
		return ErrResetWhileRunning
	}
	m.feed = nil
	m.dropped = 0
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.State
}

// Session returns a copy of the current or most recent session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	s.Plan = slices.Clone(s.Plan)
	return s
}

// Feed returns a snapshot of the accumulated events in arrival order.
func (m *Manager) Feed() []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.feed)
}

// Dropped returns how many inbound messages failed validation since the last
// Reset.
func (m *Manager) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
