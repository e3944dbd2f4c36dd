package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jpatrickfarrell/jat-sub014/internal/classify"
	"github.com/jpatrickfarrell/jat-sub014/internal/config"
	"github.com/jpatrickfarrell/jat-sub014/internal/signal"
	"github.com/jpatrickfarrell/jat-sub014/internal/task"
	"github.com/jpatrickfarrell/jat-sub014/internal/tmux"
)

// fakeBus is an in-memory Terminal.
type fakeBus struct {
	mu    sync.Mutex
	live  map[string]bool
	calls []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{live: make(map[string]bool)}
}

func (b *fakeBus) record(s string) {
	b.calls = append(b.calls, s)
}

func (b *fakeBus) Create(name, workDir string, width, height int, initialCommand string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.live[name] {
		return tmux.ErrSessionExists
	}
	b.live[name] = true
	b.record("create:" + name)
	return nil
}

func (b *fakeBus) Rename(oldName, newName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.live[oldName] {
		return tmux.ErrSessionNotFound
	}
	if b.live[newName] {
		return tmux.ErrSessionExists
	}
	delete(b.live, oldName)
	b.live[newName] = true
	b.record("rename:" + oldName + "->" + newName)
	return nil
}

func (b *fakeBus) Kill(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.live[name] {
		return tmux.ErrSessionNotFound
	}
	delete(b.live, name)
	b.record("kill:" + name)
	return nil
}

func (b *fakeBus) Exists(name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live[name], nil
}

func (b *fakeBus) SendText(name, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.live[name] {
		return tmux.ErrSessionNotFound
	}
	b.record("text:" + name + ":" + text)
	return nil
}

func (b *fakeBus) SendKeys(name string, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.live[name] {
		return tmux.ErrSessionNotFound
	}
	b.record("keys:" + name + ":" + strings.Join(keys, "+"))
	return nil
}

func (b *fakeBus) PaneCommand(name string) (string, error) { return "claude", nil }

func (b *fakeBus) recorded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *fakeBus) drop(name string) {
	b.mu.Lock()
	delete(b.live, name)
	b.mu.Unlock()
}

// fakeTracker records capture tracking.
type fakeTracker struct {
	mu      sync.Mutex
	tracked map[string]bool
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{tracked: make(map[string]bool)}
}

func (f *fakeTracker) Track(ctx context.Context, session string) {
	f.mu.Lock()
	f.tracked[session] = true
	f.mu.Unlock()
}

func (f *fakeTracker) Untrack(session string) {
	f.mu.Lock()
	delete(f.tracked, session)
	f.mu.Unlock()
}

func (f *fakeTracker) isTracked(session string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracked[session]
}

// fakeTasks serves canned task metadata.
type fakeTasks struct {
	tasks map[string]task.Task
}

func (f *fakeTasks) Show(ctx context.Context, id string) (task.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return task.Task{}, task.ErrTaskNotFound
	}
	return t, nil
}

func testConfig(maxSessions int) *config.File {
	return &config.File{
		Defaults: config.Defaults{
			Model:                "sonnet",
			MaxSessions:          maxSessions,
			DefaultAgentCount:    2,
			AgentStagger:         1,
			ClaudeStartupTimeout: 20,
		},
		Projects: map[string]config.Project{
			"web": {Path: "/src/web", Model: "sonnet"},
		},
	}
}

type fakeSetup struct {
	bus     *fakeBus
	tracker *fakeTracker
	tasks   *fakeTasks
	sup     *Supervisor
}

func newHarness(t *testing.T, maxSessions int, opts ...Option) *fakeSetup {
	t.Helper()
	bus := newFakeBus()
	tracker := newFakeTracker()
	tasks := &fakeTasks{tasks: make(map[string]task.Task)}
	sup := New(bus, tracker, classify.New(0, nil), tasks, testConfig(maxSessions), nil, nil, opts...)
	sup.stagger = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sup.Run(ctx)

	return &fakeSetup{bus: bus, tracker: tracker, tasks: tasks, sup: sup}
}

func TestSpawnCreatesPendingSession(t *testing.T) {
	h := newHarness(t, 5)

	v, err := h.sup.Spawn(SpawnRequest{TaskID: "jat-1", ProjectKey: "web"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(v.Name, "jat-pending-") {
		t.Errorf("placeholder name = %q", v.Name)
	}
	if v.State != classify.StatePending {
		t.Errorf("state = %s, want pending", v.State)
	}
	if !h.tracker.isTracked(v.Name) {
		t.Error("capture not tracking new session")
	}
	calls := h.bus.recorded()
	if len(calls) == 0 || !strings.HasPrefix(calls[0], "create:jat-pending-") {
		t.Errorf("bus calls = %v", calls)
	}
}

func TestSpawnUnknownProject(t *testing.T) {
	h := newHarness(t, 5)
	if _, err := h.sup.Spawn(SpawnRequest{TaskID: "jat-1", ProjectKey: "ghost"}); !errors.Is(err, config.ErrProjectNotFound) {
		t.Errorf("err = %v, want ErrProjectNotFound", err)
	}
}

func TestSessionCap(t *testing.T) {
	h := newHarness(t, 1)
	if _, err := h.sup.Spawn(SpawnRequest{TaskID: "jat-1", ProjectKey: "web"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.sup.Spawn(SpawnRequest{TaskID: "jat-2", ProjectKey: "web"}); !errors.Is(err, ErrSessionCap) {
		t.Errorf("err = %v, want ErrSessionCap", err)
	}
}

func TestRegisterRenames(t *testing.T) {
	h := newHarness(t, 5)
	v, err := h.sup.Spawn(SpawnRequest{TaskID: "jat-1", ProjectKey: "web"})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.sup.Register(v.ID, "FairBay"); err != nil {
		t.Fatal(err)
	}
	got, err := h.sup.Get("jat-FairBay")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != classify.StateNamed {
		t.Errorf("state = %s, want named", got.State)
	}
	if _, err := h.sup.Get(v.Name); err == nil {
		t.Error("placeholder name still resolvable after rename")
	}
	// Registration is idempotent; a second identity file is a no-op.
	if err := h.sup.Register(v.ID, "OtherName"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.sup.Get("jat-FairBay"); err != nil {
		t.Error("second registration renamed the session again")
	}
}

func TestRenameRaceRetriesWithSuffix(t *testing.T) {
	h := newHarness(t, 5)
	a, err := h.sup.Spawn(SpawnRequest{TaskID: "jat-1", ProjectKey: "web"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.sup.Spawn(SpawnRequest{TaskID: "jat-2", ProjectKey: "web"})
	if err != nil {
		t.Fatal(err)
	}

	// Both agents pick "FairBay". The loser gets the -2 suffix.
	if err := h.sup.Register(a.ID, "FairBay"); err != nil {
		t.Fatal(err)
	}
	if err := h.sup.Register(b.ID, "FairBay"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.sup.Get("jat-FairBay"); err != nil {
		t.Error("first registrant lost its name")
	}
	if _, err := h.sup.Get("jat-FairBay-2"); err != nil {
		t.Error("second registrant did not get the -2 suffix")
	}
}

func TestSignalDrivesStateMachine(t *testing.T) {
	h := newHarness(t, 5)
	v, _ := h.sup.Spawn(SpawnRequest{TaskID: "jat-1", ProjectKey: "web"})
	if err := h.sup.Register(v.ID, "FairBay"); err != nil {
		t.Fatal(err)
	}

	h.sup.HandleSignal(signal.Signal{Kind: signal.KindWorking, Session: "jat-FairBay", Timestamp: time.Now()})
	got, _ := h.sup.Get("jat-FairBay")
	if got.State != classify.StateWorking {
		t.Errorf("state = %s, want working", got.State)
	}

	h.sup.HandleSignal(signal.Signal{Kind: signal.KindNeedsInput, Session: "jat-FairBay", Timestamp: time.Now()})
	got, _ = h.sup.Get("jat-FairBay")
	if got.State != classify.StateNeedsInput {
		t.Errorf("state = %s, want needs-input", got.State)
	}
}

func TestObserveCaptureClassifiesNamedSession(t *testing.T) {
	h := newHarness(t, 5)
	v, _ := h.sup.Spawn(SpawnRequest{TaskID: "jat-1", ProjectKey: "web"})

	// Still pending: capture evidence must not move the state.
	h.sup.ObserveCapture(v.Name, []string{"esc to interrupt"}, nil, time.Now())
	got, _ := h.sup.Get(v.Name)
	if got.State != classify.StatePending {
		t.Errorf("pending session state = %s, want pending", got.State)
	}

	if err := h.sup.Register(v.ID, "FairBay"); err != nil {
		t.Fatal(err)
	}
	h.sup.ObserveCapture("jat-FairBay", []string{"esc to interrupt"}, nil, time.Now())
	got, _ = h.sup.Get("jat-FairBay")
	if got.State != classify.StateWorking {
		t.Errorf("state = %s, want working", got.State)
	}
}

func TestAutopilotAutoPath(t *testing.T) {
	h := newHarness(t, 5)
	h.tasks.tasks["jat-9"] = task.Task{ID: "jat-9", Type: "chore", Priority: 2}

	events, cancel := h.sup.Events().Subscribe()
	defer cancel()

	v, _ := h.sup.Spawn(SpawnRequest{TaskID: "jat-9", ProjectKey: "web"})
	if err := h.sup.Register(v.ID, "FairBay"); err != nil {
		t.Fatal(err)
	}

	h.sup.HandleSignal(signal.Signal{Kind: signal.KindReview, Session: "jat-FairBay", Timestamp: time.Now()})

	deadline := time.After(2 * time.Second)
	for {
		calls := h.bus.recorded()
		done := false
		for i, c := range calls {
			if c == "text:jat-FairBay:/jat:complete" && i+1 < len(calls) && calls[i+1] == "keys:jat-FairBay:Enter" {
				done = true
			}
		}
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("autopilot never sent /jat:complete; calls = %v", calls)
		case <-time.After(10 * time.Millisecond):
		}
	}

	// No decision block is surfaced on the auto path.
	for {
		select {
		case ev := <-events:
			if ev.Type == EventDecision {
				t.Fatal("decision surfaced on auto path")
			}
		default:
			return
		}
	}
}

func TestAutopilotReviewPathCompleteAndKill(t *testing.T) {
	h := newHarness(t, 5)
	h.tasks.tasks["jat-1"] = task.Task{ID: "jat-1", Type: "feature", Priority: 0}
	h.tasks.tasks["t2"] = task.Task{ID: "t2", Type: "feature"}

	events, cancel := h.sup.Events().Subscribe()
	defer cancel()

	v, _ := h.sup.Spawn(SpawnRequest{TaskID: "jat-1", ProjectKey: "web"})
	if err := h.sup.Register(v.ID, "FairBay"); err != nil {
		t.Fatal(err)
	}
	// Session carries EpicContext [t2, t3].
	h.sup.do(func() {
		h.sup.sessions["jat-FairBay"].Epic = &EpicContext{Tasks: []string{"t2", "t3"}}
	})

	h.sup.HandleSignal(signal.Signal{Kind: signal.KindReview, Session: "jat-FairBay", Timestamp: time.Now()})

	// A decision block reaches the stream.
	var decided bool
	deadline := time.After(2 * time.Second)
	for !decided {
		select {
		case ev := <-events:
			if ev.Type == EventDecision && ev.Session == "jat-FairBay" {
				decided = true
			}
		case <-deadline:
			t.Fatal("no decision event on review path")
		}
	}

	// Operator picks Complete & Kill.
	if err := h.sup.Decide("jat-FairBay", true); err != nil {
		t.Fatal(err)
	}
	h.sup.HandleSignal(signal.Signal{Kind: signal.KindCompleted, Session: "jat-FairBay", Timestamp: time.Now()})

	// The session is killed and t2 spawns after the stagger with the
	// remaining EpicContext [t3].
	deadline = time.After(2 * time.Second)
	for {
		var next SessionView
		found := false
		for _, sv := range h.sup.Snapshot() {
			if sv.TaskID == "t2" {
				next, found = sv, true
			}
		}
		if found {
			if next.Epic == nil || len(next.Epic.Tasks) != 1 || next.Epic.Tasks[0] != "t3" {
				t.Fatalf("successor epic = %+v, want [t3]", next.Epic)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("t2 never spawned; calls = %v", h.bus.recorded())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if exists, _ := h.bus.Exists("jat-FairBay"); exists {
		t.Error("session still alive after Complete & Kill")
	}
	got, _ := h.sup.Get("jat-FairBay")
	if got.State != classify.StateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
}

func TestEpicFanOutDealsChildrenRoundRobin(t *testing.T) {
	h := newHarness(t, 5)
	h.tasks.tasks["epic"] = task.Task{
		ID: "epic", Type: "epic",
		Children: []string{"c1", "c2", "c3", "c4", "c5"},
	}

	if _, err := h.sup.Spawn(SpawnRequest{TaskID: "epic", ProjectKey: "web", Epic: true}); err != nil {
		t.Fatal(err)
	}

	// default_agent_count = 2: two sessions, lanes c1,c3,c5 and c2,c4.
	deadline := time.After(2 * time.Second)
	for {
		snap := h.sup.Snapshot()
		if len(snap) == 2 {
			byTask := make(map[string]*EpicContext)
			for _, sv := range snap {
				byTask[sv.TaskID] = sv.Epic
			}
			if e := byTask["c1"]; e == nil || fmt.Sprint(e.Tasks) != "[c3 c5]" {
				t.Fatalf("lane for c1 = %+v", e)
			}
			if e := byTask["c2"]; e == nil || fmt.Sprint(e.Tasks) != "[c4]" {
				t.Fatalf("lane for c2 = %+v", e)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("fan-out incomplete: %d sessions", len(snap))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWatchdogMarksVanishedSessionsKilled(t *testing.T) {
	h := newHarness(t, 5)
	v, _ := h.sup.Spawn(SpawnRequest{TaskID: "jat-1", ProjectKey: "web"})

	// The session disappears out from under the supervisor.
	h.bus.drop(v.Name)
	h.sup.CheckStartupTimeouts()

	deadline := time.After(2 * time.Second)
	for {
		got, err := h.sup.Get(v.Name)
		if err == nil && got.State == classify.StateKilled {
			if h.tracker.isTracked(v.Name) {
				t.Error("capture still tracking a killed session")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("session never marked killed (state=%s)", got.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartupTimeoutMarksDead(t *testing.T) {
	h := newHarness(t, 5)
	v, _ := h.sup.Spawn(SpawnRequest{TaskID: "jat-1", ProjectKey: "web"})

	// Move the clock past the startup timeout without a registration.
	h.sup.now = func() time.Time { return time.Now().Add(25 * time.Second) }
	h.sup.CheckStartupTimeouts()

	deadline := time.After(2 * time.Second)
	for {
		got, _ := h.sup.Get(v.Name)
		if got.State == classify.StateDead {
			if exists, _ := h.bus.Exists(v.Name); exists {
				t.Error("timed-out pane left running")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("pending session never marked dead (state=%s)", got.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestKillReleasesResources(t *testing.T) {
	h := newHarness(t, 5)
	v, _ := h.sup.Spawn(SpawnRequest{TaskID: "jat-1", ProjectKey: "web"})

	if err := h.sup.Kill(v.Name); err != nil {
		t.Fatal(err)
	}
	got, _ := h.sup.Get(v.Name)
	if got.State != classify.StateKilled {
		t.Errorf("state = %s, want killed", got.State)
	}
	if h.tracker.isTracked(v.Name) {
		t.Error("capture still tracking after kill")
	}
	if err := h.sup.Kill(v.Name); !errors.Is(err, ErrSessionTerminal) {
		t.Errorf("second kill = %v, want ErrSessionTerminal", err)
	}
}

func TestServerRestart(t *testing.T) {
	h := newHarness(t, 5)
	srv, err := h.sup.SpawnServer("web", "/src/web", "npm run dev")
	if err != nil {
		t.Fatal(err)
	}
	if srv.Name != "server-web" {
		t.Errorf("server name = %q", srv.Name)
	}

	restarted, err := h.sup.RestartServer("server-web")
	if err != nil {
		t.Fatal(err)
	}
	if restarted.Command != "npm run dev" {
		t.Errorf("restart lost the command: %q", restarted.Command)
	}
	calls := h.bus.recorded()
	var killed, recreated bool
	for _, c := range calls {
		if c == "kill:server-web" {
			killed = true
		}
		if c == "create:server-web" && killed {
			recreated = true
		}
	}
	if !recreated {
		t.Errorf("restart sequence wrong: %v", calls)
	}
}

func TestAdoptServerPicksUpExistingSession(t *testing.T) {
	h := newHarness(t, 5)
	h.bus.mu.Lock()
	h.bus.live["server-api"] = true
	h.bus.mu.Unlock()

	srv, err := h.sup.AdoptServer("server-api")
	if err != nil {
		t.Fatal(err)
	}
	if srv.Name != "server-api" {
		t.Errorf("adopted name = %q", srv.Name)
	}
	if !h.tracker.isTracked("server-api") {
		t.Error("adopted server not tracked for capture")
	}
	if got := len(h.sup.Servers()); got != 1 {
		t.Errorf("server list has %d entries, want 1", got)
	}

	// Adopting twice keeps one record.
	if _, err := h.sup.AdoptServer("server-api"); err != nil {
		t.Fatal(err)
	}
	if got := len(h.sup.Servers()); got != 1 {
		t.Errorf("re-adopt duplicated the record: %d entries", got)
	}

	// No start command was recorded, so a restart is refused.
	if _, err := h.sup.RestartServer("server-api"); !errors.Is(err, ErrNoServerCommand) {
		t.Errorf("restart of adopted server = %v, want ErrNoServerCommand", err)
	}

	if _, err := h.sup.AdoptServer("server-ghost"); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("adopting missing session = %v, want ErrUnknownServer", err)
	}
}

func TestPauseSuspendsSupervision(t *testing.T) {
	h := newHarness(t, 5)
	v, err := h.sup.Spawn(SpawnRequest{TaskID: "jat-1", ProjectKey: "web"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.sup.Register(v.ID, "FairBay"); err != nil {
		t.Fatal(err)
	}

	if err := h.sup.Pause("jat-FairBay"); err != nil {
		t.Fatal(err)
	}
	got, err := h.sup.Get("jat-FairBay")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Paused {
		t.Error("session not marked paused")
	}
	if h.tracker.isTracked("jat-FairBay") {
		t.Error("capture still tracking a paused session")
	}

	// Signals do not move a paused session.
	h.sup.HandleSignal(signal.Signal{Kind: signal.KindWorking, Session: "jat-FairBay", Timestamp: time.Now()})
	got, _ = h.sup.Get("jat-FairBay")
	if got.State != classify.StateNamed {
		t.Errorf("paused state = %s, want named", got.State)
	}

	if err := h.sup.Resume("jat-FairBay"); err != nil {
		t.Fatal(err)
	}
	if !h.tracker.isTracked("jat-FairBay") {
		t.Error("capture not re-tracking after resume")
	}
	h.sup.HandleSignal(signal.Signal{Kind: signal.KindWorking, Session: "jat-FairBay", Timestamp: time.Now()})
	got, _ = h.sup.Get("jat-FairBay")
	if got.State != classify.StateWorking {
		t.Errorf("resumed state = %s, want working", got.State)
	}

	if err := h.sup.Pause("ghost"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("pausing unknown session = %v, want ErrUnknownSession", err)
	}
}

func TestConcurrentSpawnHonorsCap(t *testing.T) {
	h := newHarness(t, 2)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.sup.Spawn(SpawnRequest{
				TaskID:     fmt.Sprintf("jat-%d", i),
				ProjectKey: "web",
			})
		}(i)
	}
	wg.Wait()

	spawned := 0
	for _, err := range errs {
		switch {
		case err == nil:
			spawned++
		case errors.Is(err, ErrSessionCap):
		default:
			t.Fatalf("unexpected spawn error: %v", err)
		}
	}
	if spawned != 2 {
		t.Errorf("spawned %d sessions, want exactly 2", spawned)
	}
	live := 0
	for _, v := range h.sup.Snapshot() {
		if !v.State.Terminal() {
			live++
		}
	}
	if live != 2 {
		t.Errorf("session table holds %d live sessions, want 2", live)
	}
}

func TestPolicyDecide(t *testing.T) {
	policy := ReviewPolicy{
		{TaskType: "chore", Priority: "*", Outcome: OutcomeAuto},
		{TaskType: "bug", Priority: ">=3", Outcome: OutcomeAuto},
		{TaskType: "*", Priority: "0", Outcome: OutcomeReview},
	}
	tests := []struct {
		taskType string
		priority int
		want     Outcome
	}{
		{"chore", 0, OutcomeAuto},
		{"bug", 3, OutcomeAuto},
		{"bug", 1, OutcomeReview}, // falls through to default
		{"feature", 0, OutcomeReview},
		{"feature", 2, OutcomeReview}, // no rule matches, default review
	}
	for _, tt := range tests {
		if got := policy.Decide(tt.taskType, tt.priority); got != tt.want {
			t.Errorf("Decide(%s, %d) = %s, want %s", tt.taskType, tt.priority, got, tt.want)
		}
	}

	if err := policy.Validate(); err != nil {
		t.Errorf("valid policy rejected: %v", err)
	}
	bad := ReviewPolicy{{TaskType: "*", Priority: "high", Outcome: OutcomeAuto}}
	if err := bad.Validate(); err == nil {
		t.Error("bad priority predicate accepted")
	}
}
