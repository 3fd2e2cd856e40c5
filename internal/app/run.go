package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tracecat/simlab/internal/compiler"
	"github.com/tracecat/simlab/internal/ctxlog"
	"github.com/tracecat/simlab/internal/engine"
	"github.com/tracecat/simlab/internal/event"
	"github.com/tracecat/simlab/internal/graph"
	"github.com/tracecat/simlab/internal/session"
)

const teardownWait = 45 * time.Second

// Run executes the main application logic. A live session runs until ctx is
// cancelled, after which it is stopped and torn down.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.ListCatalog {
		a.printCatalog()
		return nil
	}
	if a.config.TeardownID != "" {
		return a.teardown(ctx, a.config.TeardownID)
	}

	model, names, res, err := a.compile(ctx)
	if err != nil {
		return err
	}
	a.printPlan(model, names, res)

	if a.config.DryRun {
		a.logger.Info("Dry run, engine not contacted.")
		return nil
	}
	if a.lab.Scenario != "" && !a.catalog.HasScenario(a.lab.Scenario) {
		return fmt.Errorf("%w %q", ErrUnknownScenario, a.lab.Scenario)
	}

	if a.config.MetricsPort > 0 {
		a.metricsServer()
		defer a.closeMetricsServer()
	}

	return a.runSession(ctx, model, res)
}

// compile builds the lab's graph and turns it into a plan. The returned map
// names each graph node after its lab block.
func (a *App) compile(ctx context.Context) (*graph.Model, map[graph.NodeID]string, *compiler.Result, error) {
	logger := ctxlog.FromContext(ctx)

	model, ids, err := a.lab.Build(a.catalog)
	if err != nil {
		return nil, nil, nil, err
	}
	names := make(map[graph.NodeID]string, len(ids))
	for name, id := range ids {
		names[id] = name
	}
	logger.Debug("Attack graph built.", "nodes", model.Len(), "links", len(model.Links()))

	var opts []compiler.Option
	if a.config.Strict {
		opts = append(opts, compiler.WithStrict())
	}
	res, err := compiler.Compile(model.Snapshot(), opts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to compile plan: %w", err)
	}
	if len(res.Dropped) > 0 {
		dropped := make([]string, 0, len(res.Dropped))
		for _, id := range res.Dropped {
			dropped = append(dropped, names[id])
		}
		sort.Strings(dropped)
		logger.Warn("Nodes not reachable from the start node were left out of the plan", "dropped", dropped)
	}
	return model, names, res, nil
}

func (a *App) printPlan(model *graph.Model, names map[graph.NodeID]string, res *compiler.Result) {
	fmt.Fprintf(a.outW, "Plan (%d techniques):\n", len(res.Plan))
	for i, id := range res.Path {
		n, _ := model.Node(id)
		fmt.Fprintf(a.outW, "  %d. %s: %s [%s, %s]\n", i+1, names[id], n.Primitive.ID, n.Primitive.Tactic, n.Primitive.Severity)
	}
}

// printCatalog lists the known techniques grouped by tactic, then the
// scenarios the engine accepts.
func (a *App) printCatalog() {
	groups := a.catalog.ByTactic()
	tactics := make([]string, 0, len(groups))
	for tactic := range groups {
		tactics = append(tactics, tactic)
	}
	sort.Strings(tactics)

	for _, tactic := range tactics {
		fmt.Fprintf(a.outW, "%s:\n", tactic)
		for _, p := range groups[tactic] {
			fmt.Fprintf(a.outW, "  %-55s %-8s %s\n", p.ID, p.Severity, p.Name)
		}
	}
	fmt.Fprintln(a.outW, "Scenarios:")
	for _, s := range a.catalog.Scenarios() {
		fmt.Fprintf(a.outW, "  %s\n", s.ID)
	}
}

func (a *App) runSession(ctx context.Context, model *graph.Model, res *compiler.Result) error {
	dialer, err := a.lab.Engine.Dialer()
	if err != nil {
		return err
	}
	client := a.engineClient()
	defer client.Close()

	mgr := session.NewManager(dialer,
		session.TeardownFunc(func(ctx context.Context, id string) error {
			_, err := client.Teardown(ctx, id)
			return err
		}),
		session.WithMarker(model),
		session.WithRecorder(a.metrics),
		session.WithTunables(a.lab.Engine.Tunables),
		session.OnEvent(a.printEvent),
	)

	sessionID := a.newSessionID()
	model.MarkActive(res.Path...)
	if err := mgr.Start(ctx, sessionID, a.lab.Scenario, res.Plan); err != nil {
		model.ClearActive()
		return fmt.Errorf("failed to start session: %w", err)
	}
	a.logger.Info("🚀 Simulation started, interrupt to stop.", "session", sessionID)

	<-ctx.Done()

	// The run context is gone; stopping must still reach the engine.
	stopCtx := ctxlog.WithLogger(context.Background(), a.logger)
	select {
	case err := <-mgr.Stop(stopCtx):
		if err != nil {
			fmt.Fprintf(a.outW, "Teardown of %s failed: %v\n", sessionID, err)
		}
	case <-time.After(teardownWait):
		a.logger.Warn("Gave up waiting for teardown", "session", sessionID)
	}

	a.logger.Info("🏁 Simulation finished.", "events", len(mgr.Feed()), "dropped", mgr.Dropped())
	return nil
}

func (a *App) engineClient() *engine.Client {
	base := a.config.EngineURL
	if base == "" && a.lab != nil {
		base = a.lab.Engine.TeardownBaseURL()
	}
	return engine.New(base)
}

// teardown stops a lab left behind by an earlier run.
func (a *App) teardown(ctx context.Context, id string) error {
	client := a.engineClient()
	defer client.Close()

	reply, err := client.Teardown(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to tear down %s: %w", id, err)
	}
	fmt.Fprintln(a.outW, reply.Message)
	return nil
}

func (a *App) printEvent(ev event.Event) {
	fmt.Fprintln(a.outW, formatEvent(ev))
}

// formatEvent renders one feed line.
func formatEvent(ev event.Event) string {
	env := ev.Envelope()
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-10s %s", env.Time, env.Tag, env.UserName)
	if env.IsCompromised {
		b.WriteString(" (compromised)")
	}
	switch e := ev.(type) {
	case *event.Background:
		fmt.Fprintf(&b, ": %s, %s", e.JobTitle, e.Description)
	case *event.Objective:
		fmt.Fprintf(&b, ": %s", e.Name)
		for _, t := range e.Tasks {
			fmt.Fprintf(&b, "\n    - %s: %s", t.Name, t.Description)
		}
	case *event.Log:
		fmt.Fprintf(&b, ": %s %s", e.EventSource(), e.EventName())
	}
	return b.String()
}
