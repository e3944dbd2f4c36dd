package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jpatrickfarrell/jat-sub014/internal/capture"
	"github.com/jpatrickfarrell/jat-sub014/internal/classify"
	"github.com/jpatrickfarrell/jat-sub014/internal/config"
	"github.com/jpatrickfarrell/jat-sub014/internal/orchestrator"
	"github.com/jpatrickfarrell/jat-sub014/internal/question"
	"github.com/jpatrickfarrell/jat-sub014/internal/rules"
	"github.com/jpatrickfarrell/jat-sub014/internal/signal"
	"github.com/jpatrickfarrell/jat-sub014/internal/task"
	"github.com/jpatrickfarrell/jat-sub014/internal/tmux"
	"github.com/jpatrickfarrell/jat-sub014/internal/web"
)

// focusInterval is how often serve re-resolves which session has tmux focus.
const focusInterval = 2 * time.Second

var (
	serveConfigPath string
	serveRulesPath  string
	serveTuningPath string
	serveSignalsDir string
	serveTaskBin    string
	serveVerbose    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its HTTP API",
	Long: `Run the jat orchestrator in the foreground.

serve watches the signal inbox, captures agent pane output, classifies
session activity, evaluates output rules, relays agent questions, and
exposes the HTTP + SSE API the dashboard and the other jat commands use.

Exit codes: 0 on clean shutdown, 64 on configuration errors, 70 when
tmux is unavailable.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "projects config file (default ~/.config/jat/projects.json)")
	serveCmd.Flags().StringVar(&serveRulesPath, "rules", "", "rules store file (default ~/.config/jat/rules.json)")
	serveCmd.Flags().StringVar(&serveTuningPath, "tuning", "", "tuning file (default ~/.config/jat/jat.toml)")
	serveCmd.Flags().StringVar(&serveSignalsDir, "signals", "", "signal inbox directory (default ~/.config/jat/signals)")
	serveCmd.Flags().StringVar(&serveTaskBin, "bd-bin", "bd", "task store binary")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "verbose (development) logging")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := serveConfigPath
	if cfgPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return &exitError{ExitConfig, err}
		}
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return &exitError{ExitConfig, fmt.Errorf("loading %s: %w", cfgPath, err)}
	}

	tuningPath := serveTuningPath
	if tuningPath == "" {
		p, err := config.DefaultTuningPath()
		if err != nil {
			return &exitError{ExitConfig, err}
		}
		tuningPath = p
	}
	tuning, err := config.LoadTuning(tuningPath)
	if err != nil {
		return &exitError{ExitConfig, fmt.Errorf("loading %s: %w", tuningPath, err)}
	}

	bus := tmux.New()
	if !bus.Available() {
		return &exitError{ExitUnavailable, errors.New("tmux is not available on this system")}
	}

	log, err := newLogger(serveVerbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	signalsDir := serveSignalsDir
	if signalsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return &exitError{ExitConfig, err}
		}
		signalsDir = filepath.Join(home, ".config", "jat", "signals")
	}
	if err := os.MkdirAll(signalsDir, 0o755); err != nil {
		return &exitError{ExitConfig, err}
	}

	rulesPath := serveRulesPath
	if rulesPath == "" {
		p, err := rules.DefaultPath()
		if err != nil {
			return &exitError{ExitConfig, err}
		}
		rulesPath = p
	}
	store := rules.NewStore(rulesPath)
	if err := store.Load(); err != nil {
		return &exitError{ExitConfig, fmt.Errorf("loading %s: %w", rulesPath, err)}
	}
	if err := store.EnsurePresets(); err != nil {
		return &exitError{ExitConfig, err}
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	capOpts := []capture.Option{
		capture.WithIntervals(tuning.FocusedInterval(), tuning.BackgroundInterval()),
	}
	if tuning.Capture.WindowLines > 0 {
		capOpts = append(capOpts, capture.WithWindow(tuning.Capture.WindowLines))
	}
	panes := capture.NewEngine(bus, log, capOpts...)

	indicators := classify.DefaultIndicators()
	for _, ind := range tuning.Indicators {
		indicators = append(indicators, classify.Indicator{
			State:   classify.State(ind.State),
			Pattern: ind.Pattern,
			Weight:  ind.Weight,
		})
	}
	cls := classify.New(tuning.Decay(), indicators)

	questions := question.NewSurface(os.TempDir(), bus, log)
	events := orchestrator.NewBroadcaster()
	tasks := task.NewStore(serveTaskBin, "")

	// The engine resolves session state through the supervisor and the
	// supervisor resets engine state on session death, so the supervisor
	// variable is bound before the engine closure first runs.
	var sup *orchestrator.Supervisor

	engine := rules.NewEngine(store, bus, signalsDir, log,
		rules.WithQuestionPoster(rulePoster{questions}),
		rules.WithSessionInfo(func(name string) (classify.State, string) {
			v, err := sup.Get(name)
			if err != nil {
				return "", ""
			}
			return v.State, strings.TrimPrefix(v.Name, orchestrator.AgentPrefix)
		}),
		rules.WithNotifier(func(session, message string) {
			log.Info("rule notification",
				zap.String("session", session),
				zap.String("message", message))
			events.Publish(orchestrator.Event{
				Type:    orchestrator.EventRule,
				Session: session,
				Data:    map[string]string{"notify": message},
			})
		}),
		rules.WithTriggerHook(func(te rules.TriggerEvent) {
			events.Publish(orchestrator.Event{
				Type:    orchestrator.EventRule,
				Session: te.Session,
				Data:    te,
				At:      te.At,
			})
		}),
	)

	sup = orchestrator.New(bus, panes, cls, tasks, cfg, events, log,
		orchestrator.WithQuestionDropper(questions),
		orchestrator.WithCleaner(engine),
	)

	ports := capture.NewPortDetector()
	panes.Subscribe(engine.Offer)
	panes.Subscribe(ports.Observe)
	panes.Subscribe(func(up capture.Update) {
		sup.ObserveCapture(up.Session, up.Delta, up.Snapshot, up.At)
	})
	panes.Subscribe(func(up capture.Update) {
		sessionID := up.Session
		if v, err := sup.Get(up.Session); err == nil && v.ID != "" {
			sessionID = v.ID
		}
		questions.ObservePane(sessionID, up.Session, up.Snapshot)
	})
	panes.Subscribe(func(up capture.Update) {
		events.Publish(orchestrator.Event{
			Type:    orchestrator.EventDelta,
			Session: up.Session,
			Data:    up.Delta,
			At:      up.At,
		})
	})

	questions.Subscribe(func(ev question.Event) {
		events.Publish(orchestrator.Event{
			Type:    orchestrator.EventQuestion,
			Session: ev.Question.DisplayName,
			Data:    ev,
		})
	})

	watcher := signal.NewWatcher(signalsDir, log)
	watcher.Subscribe(sup.HandleSignal)

	identities := orchestrator.NewIdentityWatcher(sup.Register, log)
	for _, proj := range cfg.Projects {
		identities.AddProject(proj.Path)
	}

	go sup.Run(ctx)

	// Pick up dev-server sessions left over from a previous serve.
	if names, err := bus.List(capture.ServerPrefix); err == nil {
		for _, name := range names {
			if _, err := sup.AdoptServer(name); err != nil {
				log.Warn("adopting server session failed",
					zap.String("session", name),
					zap.Error(err))
			}
		}
	}

	go questions.Run(ctx)
	go focusLoop(ctx, bus, panes, sup)
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("signal watcher stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := identities.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("identity watcher stopped", zap.Error(err))
		}
	}()

	api := web.NewServer(sup, questions, store, panes, ports, log)
	httpSrv := &http.Server{Addr: apiAddr, Handler: api.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("jat serve listening",
		zap.String("addr", apiAddr),
		zap.String("signals", signalsDir),
		zap.Int("projects", len(cfg.Projects)))

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	engine.Wait()
	log.Info("jat serve stopped")
	return nil
}

// newLogger builds the serve logger. Production JSON by default, console
// debug logging with --verbose.
func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// focusLoop marks the most recently attached agent session focused so the
// capture engine polls it at the fast cadence.
func focusLoop(ctx context.Context, bus *tmux.Bus, panes *capture.Engine, sup *orchestrator.Supervisor) {
	ticker := time.NewTicker(focusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var focused string
		var latest time.Time
		for _, v := range sup.Snapshot() {
			if v.State.Terminal() {
				continue
			}
			info, err := bus.Info(v.Name)
			if err != nil {
				continue
			}
			if info.Attached && info.LastAttached.After(latest) {
				latest = info.LastAttached
				focused = v.Name
			}
		}
		if focused != "" {
			panes.SetFocused(focused)
		}
	}
}

// rulePoster adapts the question surface to the rule engine's poster hook.
type rulePoster struct {
	surface *question.Surface
}

func (p rulePoster) PostFromRule(session string, cfg rules.QuestionConfig) error {
	q := question.Question{
		SessionID:      session,
		DisplayName:    session,
		Kind:           question.Kind(cfg.Kind),
		Question:       cfg.Question,
		TimeoutSeconds: cfg.TimeoutSeconds,
	}
	for _, opt := range cfg.Options {
		q.Options = append(q.Options, question.Option{
			Label:       opt.Label,
			Value:       opt.Value,
			Description: opt.Description,
		})
	}
	return p.surface.Post(q)
}
