package main

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"subdispatch/internal/adapter/resultcache"
	"subdispatch/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// dialTimeout bounds each endpoint reachability probe.
var dialTimeout = 2 * time.Second

func newDoctorCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run health checks on the config and its endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(*cfgPath, cmd.OutOrStdout())
		},
	}
}

// runDoctor executes all health checks and reports results.
func runDoctor(cfgPath string, out io.Writer) error {
	// Some checks still work without a loadable config.
	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr != nil {
		cfg = nil
	}

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Capabilities", Fn: checkCapabilities},
		{Name: "Endpoints", Fn: checkEndpoints},
		{Name: "Idempotency backend", Fn: checkIdempotencyBackend},
		{Name: "Event sink", Fn: checkSink},
	}

	fmt.Fprintln(out, "dispatcher doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(out, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file exists and loads.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file not found at %s", cfgPath),
				Fix:     "Create a config.yaml with at least one capability",
			}
		}
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file error: %v", cfgErr),
				Fix:     "Run 'dispatcher validate' for the full list of problems",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

func checkCapabilities(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if len(cfg.Capabilities) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no capabilities configured",
			Fix:     "Add agents under capabilities: in config.yaml",
		}
	}
	names := make([]string, len(cfg.Capabilities))
	for i, c := range cfg.Capabilities {
		names[i] = c.Name
	}
	return CheckResult{Status: StatusPass, Message: strings.Join(names, ", ")}
}

// checkEndpoints probes each capability host with a TCP dial.
func checkEndpoints(cfg *config.Config) CheckResult {
	if cfg == nil || len(cfg.Capabilities) == 0 {
		return CheckResult{Status: StatusWarn, Message: "nothing to probe"}
	}
	var unreachable []string
	for _, c := range cfg.Capabilities {
		if err := probe(c.Endpoint); err != nil {
			unreachable = append(unreachable, fmt.Sprintf("%s (%v)", c.Name, err))
		}
	}
	if len(unreachable) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "unreachable: " + strings.Join(unreachable, "; "),
			Fix:     "Check the agent is running and the endpoint host and port are correct",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d endpoint(s) reachable", len(cfg.Capabilities))}
}

func probe(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https", "wss":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	conn, err := net.DialTimeout("tcp", host, dialTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func checkIdempotencyBackend(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if cfg.Idempotency.Backend != "sqlite" {
		return CheckResult{Status: StatusPass, Message: "in-memory (results are not kept across runs)"}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Idempotency.Path), 0700); err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Choose a writable idempotency.path"}
	}
	store, err := resultcache.NewSQLite(cfg.Idempotency.Path)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Choose a writable idempotency.path"}
	}
	store.Close()
	return CheckResult{Status: StatusPass, Message: "sqlite at " + cfg.Idempotency.Path}
}

func checkSink(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if !cfg.Sink.Enabled {
		return CheckResult{Status: StatusWarn, Message: "disabled; dispatch events only reach the debug log"}
	}
	dir := filepath.Dir(cfg.Sink.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Choose a writable sink.path"}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s is not writable", dir), Fix: "Choose a writable sink.path"}
	}
	f.Close()
	os.Remove(f.Name())
	return CheckResult{Status: StatusPass, Message: "writing to " + cfg.Sink.Path}
}
