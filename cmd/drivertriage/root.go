package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"drivertriage/internal/backend"
	"drivertriage/internal/cache"
	"drivertriage/internal/config"
	"drivertriage/internal/llm"
	"drivertriage/internal/memory"
	"drivertriage/internal/pipeline"
	"drivertriage/internal/summarize"
)

var rootCmd = &cobra.Command{
	Use:   "drivertriage",
	Short: "LLM-assisted triage of Windows driver IOCTL dispatch paths",
	Long: `drivertriage connects to a binary-analysis backend (stdio subprocess or
websocket), walks from the IoCreateDevice import to every device-control
dispatch routine, and produces a markdown triage report describing the
handler, its subfunctions, and which caller-controlled values reach memory
operations.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "Path to drivertriage.yaml")
	pf.String("model", "", "Model id (overrides config)")
	pf.String("backend-exe", "", "Backend interpreter executable (stdio mode)")
	pf.String("backend-server", "", "Backend server script passed to the interpreter")
	pf.String("url", "", "Backend websocket URL (overrides stdio mode)")
	pf.String("cache", "", "Path to the external-function description cache")
	pf.StringP("out", "o", "", "Report output directory")
	pf.String("entry", "", "Entry symbol to triage from")
	pf.IntP("workers", "w", 0, "Parallel units of work")
	pf.Bool("offline", false, "Use the scripted offline model instead of the API")
	pf.BoolP("verbose", "v", false, "Debug logging")
}

// app bundles the long-lived collaborators a command needs. Build one per
// invocation and Close it when done.
type app struct {
	cfg     *config.Config
	logger  *log.Logger
	backend *backend.Client
	store   *cache.Store
	model   llm.Client
	sum     *summarize.Summarizer
	params  *memory.ParamAnalyzer
	flows   *memory.FlowAnalyzer
}

func (a *app) Close() {
	if a.model != nil {
		_ = a.model.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.backend != nil {
		_ = a.backend.Close()
	}
}

func (a *app) pipeline(housekeeping bool) *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Backend:    a.backend,
		Summarizer: a.sum,
		Params:     a.params,
		Flows:      a.flows,
		Recorder:   llm.NewRecorder(),
		Logger:     a.logger,
		Opts: pipeline.Options{
			EntrySymbol:  a.cfg.EntrySymbol,
			Workers:      a.cfg.Workers,
			Housekeeping: housekeeping,
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("model"); v != "" {
		cfg.Model = v
	}
	if v, _ := cmd.Flags().GetString("backend-exe"); v != "" {
		cfg.BackendExe = v
	}
	if v, _ := cmd.Flags().GetString("backend-server"); v != "" {
		cfg.BackendServer = v
	}
	if v, _ := cmd.Flags().GetString("url"); v != "" {
		cfg.BackendURL = v
	}
	if v, _ := cmd.Flags().GetString("cache"); v != "" {
		cfg.CachePath = v
	}
	if v, _ := cmd.Flags().GetString("out"); v != "" {
		cfg.OutDir = v
	}
	if v, _ := cmd.Flags().GetString("entry"); v != "" {
		cfg.EntrySymbol = v
	}
	if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
		cfg.Workers = v
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Prefix:          "drivertriage",
	})
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

func buildApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd)
	a := &app{cfg: cfg, logger: logger}

	a.backend, err = backend.Dial(ctx, backend.Options{
		ExePath:    cfg.BackendExe,
		ServerPath: cfg.BackendServer,
		URL:        cfg.BackendURL,
		Timeout:    cfg.CallTimeout,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	a.store, err = cache.Open(cfg.CachePath, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	if offline, _ := cmd.Flags().GetBool("offline"); offline {
		a.model = llm.NewFakeClient()
	} else {
		if cfg.APIKey == "" {
			a.Close()
			return nil, fmt.Errorf("GEMINI_API_KEY is not set (use --offline for the scripted model)")
		}
		a.model, err = llm.NewGeminiClient(ctx, cfg.APIKey, cfg.Model, cfg.LLMRPS, cfg.LLMBurst)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	logger.Info("model ready", "name", a.model.Name())

	a.sum = summarize.New(a.model, a.store, logger, cfg.CallTimeout)
	a.params = memory.NewParamAnalyzer(a.model, logger, cfg.CallTimeout)
	a.flows = memory.NewFlowAnalyzer(a.model, a.params, a.backend, logger, cfg.CallTimeout)
	return a, nil
}

// parseRef builds a FunctionRef from an address argument plus an optional
// name; a missing name is resolved through the backend.
func parseRef(ctx context.Context, a *app, args []string) (backend.FunctionRef, error) {
	addr, err := backend.ParseAddr(args[0])
	if err != nil {
		return backend.FunctionRef{}, err
	}
	if len(args) > 1 {
		return backend.FunctionRef{Address: addr, Name: args[1]}, nil
	}
	fn, err := a.backend.FunctionContaining(ctx, addr)
	if err != nil {
		return backend.FunctionRef{}, fmt.Errorf("resolve name for %s: %w", addr, err)
	}
	return fn, nil
}
