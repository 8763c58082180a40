package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"subdispatch/internal/domain"
	"subdispatch/internal/infra/config"
	"subdispatch/internal/infra/logger"
	"subdispatch/internal/infra/tracer"
	"subdispatch/internal/usecase/dispatch"
)

type runOptions struct {
	agent        string
	template     string
	templateFile string
	argsFile     string
	model        string
	aggregate    string
	maxParallel  int
	timeout      time.Duration
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch one task per argument set and print the results as JSON",
		Example: `  dispatcher run --agent summariser --template 'Summarise {url}' --args urls.json
  cat args.json | dispatcher run --agent scorer --template-file prompt.txt --args - --aggregate rank:score`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDispatch(ctx, *cfgPath, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.agent, "agent", "", "capability name to dispatch to")
	f.StringVar(&opts.template, "template", "", "task template with {placeholders}")
	f.StringVar(&opts.templateFile, "template-file", "", "read the template from a file")
	f.StringVar(&opts.argsFile, "args", "-", "JSON array of argument objects; - reads stdin")
	f.StringVar(&opts.model, "model", "", "model hint passed to every agent")
	f.StringVar(&opts.aggregate, "aggregate", "collect", "collect | vote | rank:FIELD[:asc] | best:FIELD")
	f.IntVar(&opts.maxParallel, "max-parallel", 0, "per-call parallelism (0 uses the configured max_concurrent)")
	f.DurationVar(&opts.timeout, "timeout", 0, "per-agent timeout (0 uses the transport default)")
	cmd.MarkFlagRequired("agent")
	cmd.MarkFlagsMutuallyExclusive("template", "template-file")
	return cmd
}

func runDispatch(ctx context.Context, cfgPath string, opts runOptions, stdin io.Reader, stdout io.Writer) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()
	logger.InstallDefault(log)

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("setup tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	template, err := loadTemplate(opts)
	if err != nil {
		return err
	}
	args, err := readArguments(opts.argsFile, stdin)
	if err != nil {
		return err
	}
	aggregate, err := parseAggregate(opts.aggregate)
	if err != nil {
		return err
	}

	rt, cleanup, err := initRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := cleanup(); err != nil {
			log.Warn("runtime cleanup failed", "error", err)
		}
	}()

	res, err := rt.Orchestrator.DispatchAgents(ctx, dispatch.DispatchRequest{
		Template:        template,
		Arguments:       args,
		AgentName:       opts.agent,
		Model:           opts.model,
		MaxParallel:     opts.maxParallel,
		TimeoutPerAgent: opts.timeout,
		Limits:          &rt.Limits,
		Aggregate:       aggregate,
	})
	var quota *domain.DispatchQuotaExceeded
	if errors.As(err, &quota) {
		// Whatever settled before the breach is still worth printing.
		if werr := writeJSON(stdout, map[string]any{"error": quota.Error(), "limit": quota.Limit, "partial": quota.Partial}); werr != nil {
			return werr
		}
		return err
	}
	if err != nil {
		return err
	}
	return writeJSON(stdout, res)
}

func loadTemplate(opts runOptions) (string, error) {
	if opts.templateFile == "" {
		if strings.TrimSpace(opts.template) == "" {
			return "", errors.New("one of --template or --template-file is required")
		}
		return opts.template, nil
	}
	data, err := os.ReadFile(opts.templateFile)
	if err != nil {
		return "", fmt.Errorf("read template: %w", err)
	}
	return string(data), nil
}

// readArguments decodes a JSON array of argument objects from path, or from
// stdin when path is "-".
func readArguments(path string, stdin io.Reader) ([]domain.Arguments, error) {
	r := stdin
	if path != "-" && path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open arguments: %w", err)
		}
		defer f.Close()
		r = f
	}
	var args []domain.Arguments
	if err := json.NewDecoder(r).Decode(&args); err != nil {
		return nil, fmt.Errorf("decode arguments: expected a JSON array of objects: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("no argument sets given")
	}
	return args, nil
}

// parseAggregate maps an --aggregate value to an aggregator.
func parseAggregate(value string) (dispatch.AggregateFunc, error) {
	name, rest, _ := strings.Cut(value, ":")
	switch name {
	case "", "collect":
		return dispatch.CollectAll, nil
	case "vote":
		return dispatch.MajorityVote, nil
	case "rank":
		field, order, _ := strings.Cut(rest, ":")
		if field == "" {
			return nil, errors.New("rank needs a field: rank:FIELD[:asc|desc]")
		}
		switch order {
		case "", "desc":
			return dispatch.RankByMetric(field, true), nil
		case "asc":
			return dispatch.RankByMetric(field, false), nil
		default:
			return nil, fmt.Errorf("unknown rank order %q", order)
		}
	case "best":
		if rest == "" {
			return nil, errors.New("best needs a field: best:FIELD")
		}
		return dispatch.BestResult(rest), nil
	default:
		return nil, fmt.Errorf("unknown aggregator %q", name)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
