// Package manager assembles a complete AutoTrail run: compiles the DAG,
// constructs the evaluator and its pipeline, binds the control socket,
// and owns the start/terminate/join lifecycle across both. Grounded on
// cmd/server/main.go's wiring order (store -> registry -> scheduler ->
// server -> signal-driven shutdown) adapted into a reusable constructor
// instead of inline main() code, since AutoTrail is meant to be embedded
// as a library as well as run standalone (cmd/autotrail).
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/me/autotrail/pkg/api"
	"github.com/me/autotrail/pkg/ctlsocket"
	"github.com/me/autotrail/pkg/dag"
	"github.com/me/autotrail/pkg/state"
	"github.com/me/autotrail/pkg/step"
	"github.com/me/autotrail/pkg/trailctx"

	"github.com/me/autotrail/internal/dagfile"
	"github.com/me/autotrail/internal/evaluator"
)

// Config bundles the evaluator/control-socket tuning knobs an operator
// typically wants to override.
type Config struct {
	SocketPath    string
	AcceptTimeout time.Duration
	Evaluator     evaluator.Config
	LegacyOps     bool
	IsFatal       func(error) bool

	// WhenExprs/Names wire internal/dagfile's optional "when:" gate; set
	// via WithWhenGate when the trail was assembled from a Document.
	WhenExprs map[int64]string
	Names     map[int64]string

	// Context/InitialStates let a caller seed a trail from a prior run's
	// persisted snapshot (internal/persist.Restore) instead of starting
	// fresh: Context replaces the zero trailctx.Context New would
	// otherwise build, and InitialStates overrides the default Ready
	// state for the listed step ids. Both nil/empty for an ordinary
	// fresh run.
	Context       *trailctx.Context
	InitialStates map[int64]state.State
}

// DefaultConfig generates a fresh socket path under os.TempDir via
// google/uuid (so concurrent runs in the same process never collide) and
// otherwise matches evaluator.DefaultConfig.
func DefaultConfig() Config {
	return Config{
		SocketPath:    defaultSocketPath(),
		AcceptTimeout: 200 * time.Millisecond,
		Evaluator:     evaluator.DefaultConfig(),
		LegacyOps:     false,
		IsFatal:       func(err error) bool { return err != nil },
	}
}

func defaultSocketPath() string {
	return filepath.Join(os.TempDir(), "autotrail-"+uuid.NewString()+".sock")
}

// Option customizes a Config before New builds the Manager.
type Option func(*Config)

// WithSocketPath overrides the generated control-socket path.
func WithSocketPath(path string) Option {
	return func(c *Config) { c.SocketPath = path }
}

// WithLegacyOps enables the back-compat block/unblock/pause_branch/
// resume_branch/set_pause_on_fail/unset_pause_on_fail operations.
func WithLegacyOps() Option {
	return func(c *Config) { c.LegacyOps = true }
}

// WithIsFatal overrides the fatal-exception classifier consulted by
// check_worker.
func WithIsFatal(isFatal func(error) bool) Option {
	return func(c *Config) { c.IsFatal = isFatal }
}

// WithEvaluatorConfig overrides the evaluator's tick pacing / channel
// buffer / serialize-timeout settings.
func WithEvaluatorConfig(ec evaluator.Config) Option {
	return func(c *Config) { c.Evaluator = ec }
}

// WithWhenGate enables internal/dagfile's "when:" guard stage, using the
// step-id -> expression and step-id -> name maps a dagfile.Compiled
// result carries.
func WithWhenGate(exprs, names map[int64]string) Option {
	return func(c *Config) {
		c.WhenExprs = exprs
		c.Names = names
	}
}

// WithRestoredContext seeds the evaluator from a prior run: tctx becomes
// the evaluator's shared Context verbatim (already populated by
// internal/persist.Restore) and states overrides the default Ready state
// for each listed step id.
func WithRestoredContext(tctx *trailctx.Context, states map[int64]state.State) Option {
	return func(c *Config) {
		c.Context = tctx
		c.InitialStates = states
	}
}

// Manager owns one compiled trail's evaluator and control socket for its
// full lifetime: construction, Start, Terminate, and Join.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	evaluator *evaluator.Evaluator
	socket    *ctlsocket.Server
	calls     chan api.Call

	evalDone   chan struct{}
	evalResult error
}

// New compiles steps/successEdges/failureEdges into per-step rules and
// assembles the Evaluator and control Server, but does not start either;
// call Start for that.
func New(steps []*step.Step, successEdges, failureEdges []dag.Edge, logger *slog.Logger, opts ...Option) (*Manager, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if logger == nil {
		logger = slog.Default()
	}

	ids := make([]int64, 0, len(steps))
	stepsByID := make(map[int64]*step.Step, len(steps))
	for _, s := range steps {
		ids = append(ids, s.ID)
		stepsByID[s.ID] = s
	}

	rules, err := dag.Compile(state.DefaultRules(), ids, successEdges, failureEdges)
	if err != nil {
		return nil, fmt.Errorf("manager: compile dag: %w", err)
	}

	registry := api.DefaultRegistry()
	if cfg.LegacyOps {
		registry = api.WithLegacyOps(registry)
	}

	calls := make(chan api.Call)
	injected := make(chan map[int64]state.Action, 1)

	ctx := cfg.Context
	if ctx == nil {
		ctx = trailctx.New()
	}

	ev := evaluator.New(evaluator.Deps{
		Rules:         rules,
		Steps:         stepsByID,
		SuccessEdges:  successEdges,
		Context:       ctx,
		IsFatal:       cfg.IsFatal,
		Registry:      registry,
		Calls:         calls,
		Injected:      injected,
		Logger:        logger,
		WhenExprs:     cfg.WhenExprs,
		Names:         cfg.Names,
		InitialStates: cfg.InitialStates,
	}, cfg.Evaluator)

	srv, err := ctlsocket.New(cfg.SocketPath, cfg.AcceptTimeout, calls, logger)
	if err != nil {
		return nil, fmt.Errorf("manager: control socket: %w", err)
	}

	return &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "manager"),
		evaluator: ev,
		socket:    srv,
		calls:     calls,
		evalDone:  make(chan struct{}),
	}, nil
}

// NewFromDagfile builds a Manager from a dagfile.Compiled result,
// automatically enabling the when-gate when the document declared any
// "when:" guards.
func NewFromDagfile(c *dagfile.Compiled, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if len(c.WhenExprs) > 0 {
		opts = append(opts, WithWhenGate(c.WhenExprs, c.Names))
	}
	return New(c.Steps, c.SuccessEdges, c.FailureEdges, logger, opts...)
}

// SocketPath returns the control socket path clients should dial.
func (m *Manager) SocketPath() string { return m.cfg.SocketPath }

// Start launches the evaluator and control socket, each on its own
// goroutine, and returns immediately.
func (m *Manager) Start(ctx context.Context) {
	go m.socket.Serve()
	go func() {
		m.evalResult = m.evaluator.Run(ctx)
		close(m.evalDone)
	}()
}

// TerminateEvaluator stops the evaluator's tick loop at the next
// boundary.
func (m *Manager) TerminateEvaluator() {
	m.evaluator.Stop()
}

// TerminateAPI stops the control socket's accept loop.
func (m *Manager) TerminateAPI() {
	m.socket.Stop()
}

// Terminate stops both the evaluator and the control socket.
func (m *Manager) Terminate() {
	m.TerminateEvaluator()
	m.TerminateAPI()
}

// IsAliveEvaluator reports whether the evaluator's Run has not returned.
func (m *Manager) IsAliveEvaluator() bool {
	return m.evaluator.IsAlive()
}

// IsAliveAPI reports whether the control socket's Serve has not returned.
func (m *Manager) IsAliveAPI() bool {
	return m.socket.IsAlive()
}

// Join blocks until the evaluator has finished (quiescence, Stop, or
// fatal error) and returns its result.
func (m *Manager) Join() error {
	<-m.evalDone
	return m.evalResult
}

// Cleanup stops both components (idempotent with Terminate) and removes
// the socket file; call after Join returns.
func (m *Manager) Cleanup() {
	m.Terminate()
}
