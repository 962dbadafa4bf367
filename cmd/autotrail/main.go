// Command autotrail runs a single trail to completion (or until stopped)
// against a YAML dagfile, exposing its control socket and, optionally, a
// read-only debug HTTP surface. Grounded on cmd/server/main.go's flag ->
// config -> component wiring -> signal-driven shutdown order, adapted
// from an HTTP server lifecycle to the evaluator/control-socket lifecycle
// internal/manager.Manager owns.
package main

import (
	"context"
	"embed"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/autotrail/internal/config"
	"github.com/me/autotrail/internal/dagfile"
	"github.com/me/autotrail/internal/debugserver"
	"github.com/me/autotrail/internal/evaluator"
	"github.com/me/autotrail/internal/logging"
	"github.com/me/autotrail/internal/manager"
	"github.com/me/autotrail/internal/persist"
	"github.com/me/autotrail/internal/store"
	"github.com/me/autotrail/pkg/api"
	"github.com/me/autotrail/pkg/ctlsocket"
	"github.com/me/autotrail/pkg/state"
	"github.com/me/autotrail/pkg/trailctx"
)

//go:embed trails/demo.yaml
var builtinTrails embed.FS

func main() {
	cfg := config.DefaultTrailConfig()

	trailPath := flag.String("trail", "", "path to a YAML trail definition (default: bundled demo trail)")
	flag.StringVar(&cfg.SocketPath, "socket", "", "control socket path (default: generated under os.TempDir)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "persisted-context sqlite path (empty disables it)")
	flag.StringVar(&cfg.RestorePath, "restore", "", "JSON restore document path (empty starts every step fresh)")
	flag.StringVar(&cfg.DebugAddr, "debug-addr", cfg.DebugAddr, "debug HTTP surface listen address (empty disables it)")
	flag.DurationVar(&cfg.TickDelay, "tick-delay", cfg.TickDelay, "pacing delay between evaluator ticks")
	debug := flag.Bool("debug", false, "shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}
	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	data, err := loadTrailData(*trailPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load trail: %v\n", err)
		os.Exit(1)
	}

	compiled, err := dagfile.Load(data, demoRegistry())
	if err != nil {
		fmt.Fprintf(os.Stderr, "compile trail: %v\n", err)
		os.Exit(1)
	}

	var st *store.SQLiteStore
	if cfg.DBPath != "" {
		st, err = store.NewSQLiteStore(cfg.DBPath, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open persisted-context store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()
		if err := st.Migrate(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "migrate persisted-context store: %v\n", err)
			os.Exit(1)
		}
		logger.Info("persisted-context store ready", "path", cfg.DBPath)
	}

	opts := []manager.Option{
		manager.WithEvaluatorConfig(evaluator.Config{
			TickDelay:        cfg.TickDelay,
			SerializeTimeout: cfg.SerializeTimeout,
			IOBuffer:         cfg.IOBuffer,
			OutputBuffer:     cfg.OutputBuffer,
		}),
	}
	if cfg.SocketPath != "" {
		opts = append(opts, manager.WithSocketPath(cfg.SocketPath))
	}
	if cfg.RestorePath != "" {
		restoreOpt, err := loadRestoreOption(cfg, compiled)
		if err != nil {
			fmt.Fprintf(os.Stderr, "restore trail: %v\n", err)
			os.Exit(1)
		}
		opts = append(opts, restoreOpt)
		logger.Info("restoring from document", "path", cfg.RestorePath)
	}

	mgr, err := manager.NewFromDagfile(compiled, logger, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "assemble trail: %v\n", err)
		os.Exit(1)
	}
	logger.Info("trail assembled", "socket", mgr.SocketPath(), "steps", len(compiled.Steps))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr.Start(ctx)

	client := ctlsocket.NewClient(mgr.SocketPath(), time.Second)
	if reply, err := callUntilReady(client, api.Request{Name: "start"}); err != nil {
		fmt.Fprintf(os.Stderr, "start trail: %v\n", err)
		os.Exit(1)
	} else if reply.Error != "" {
		fmt.Fprintf(os.Stderr, "start trail: %s\n", reply.Error)
		os.Exit(1)
	}
	logger.Info("trail started")

	var debugSrv *http.Server
	if cfg.DebugAddr != "" {
		debugSrv = &http.Server{
			Addr:    cfg.DebugAddr,
			Handler: debugserver.New(mgr.SocketPath(), time.Second, logger).Handler(),
		}
		go func() {
			logger.Info("debug HTTP surface starting", "addr", cfg.DebugAddr)
			if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("debug HTTP surface failed", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		mgr.Terminate()
		if debugSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			debugSrv.Shutdown(shutdownCtx)
		}
	}()

	joinErr := mgr.Join()

	if st != nil {
		if err := saveFinalSnapshot(client, st, logger); err != nil {
			logger.Error("persist final snapshot", "error", err)
		}
	}

	if joinErr != nil {
		fmt.Fprintf(os.Stderr, "trail stopped with error: %v\n", joinErr)
		os.Exit(1)
	}
	logger.Info("trail finished")
}

// saveFinalSnapshot reads every step's status over the control socket and
// writes it to the persisted-context store under a fixed run id. Nothing
// in this binary reads the store back; -restore takes a JSON document
// only. One run per database: a real multi-run deployment would derive
// runID from a submission id instead.
func saveFinalSnapshot(client *ctlsocket.Client, st *store.SQLiteStore, logger *slog.Logger) error {
	reply, err := client.Call(api.Request{Name: "status"})
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if reply.Error != "" {
		return fmt.Errorf("status: %s", reply.Error)
	}

	entries, err := decodeStatusEntries(reply.Result)
	if err != nil {
		return err
	}

	records := make([]store.StepRecord, len(entries))
	for i, e := range entries {
		records[i] = store.StepRecord{
			ID:          e.ID,
			Name:        e.Name,
			State:       state.State(e.State),
			ReturnValue: e.ReturnValue,
			Exception:   e.Exception,
			IO:          e.IOLog,
			Output:      e.OutputLog,
		}
	}

	logger.Info("persisting final snapshot", "steps", len(records))
	return st.SaveRun(context.Background(), "default", records)
}

// decodeStatusEntries round-trips reply.Result (a generic any decoded
// from JSON by ctlsocket.Client) back into []api.StatusEntry.
func decodeStatusEntries(result any) ([]api.StatusEntry, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("re-encode status result: %w", err)
	}
	var entries []api.StatusEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode status entries: %w", err)
	}
	return entries, nil
}

// loadRestoreOption reads cfg.RestorePath's JSON restore document, validates
// it against the compiled trail's shape, and returns a manager.Option that
// seeds the evaluator's Context and per-step states from it in place of the
// ordinary all-Ready start.
func loadRestoreOption(cfg config.TrailConfig, compiled *dagfile.Compiled) (manager.Option, error) {
	data, err := os.ReadFile(cfg.RestorePath)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	doc, err := persist.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	snap := persist.BuildSnapshot(compiled.Steps, compiled.SuccessEdges)
	tctx := trailctx.New()
	states, err := persist.Restore(doc, snap, nil, tctx, cfg.IOBuffer, cfg.OutputBuffer)
	if err != nil {
		return nil, err
	}
	return manager.WithRestoredContext(tctx, states), nil
}

func loadTrailData(path string) ([]byte, error) {
	if path == "" {
		return builtinTrails.ReadFile("trails/demo.yaml")
	}
	return os.ReadFile(path)
}

// callUntilReady retries the dial briefly: the control socket's listener
// is bound synchronously by manager.New, but its Serve goroutine may not
// have reached its first Accept yet.
func callUntilReady(c *ctlsocket.Client, req api.Request) (api.Reply, error) {
	var lastErr error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reply, err := c.Call(req)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	return api.Reply{}, lastErr
}
