package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"bug-ghost-sandbox/internal/config"
	"bug-ghost-sandbox/internal/runtime"
	"bug-ghost-sandbox/internal/sandbox"
)

var (
	configPath string
	verbose    bool
	language   string
	timeout    time.Duration
	jsonOutput bool
	sweepAll   bool
)

func main() {
	root := &cobra.Command{
		Use:           "sandboxctl",
		Short:         "Run code and manage images on the local sandbox engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", envOr("CONFIG_PATH", "configs/config.yaml"), "Config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	runCmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Execute a file, or stdin when no file is given",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVarP(&language, "language", "l", "", "Language (detected from the file extension when omitted)")
	runCmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (0 uses the configured default)")
	runCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the result as JSON instead of streaming output")
	root.AddCommand(runCmd)

	imagesCmd := &cobra.Command{
		Use:   "images",
		Short: "Inspect and build sandbox images",
	}
	imagesCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show which sandbox images are present",
		Args:  cobra.NoArgs,
		RunE:  runImagesStatus,
	})
	imagesCmd.AddCommand(&cobra.Command{
		Use:   "build [language...]",
		Short: "Build sandbox images (all targets when no language is given)",
		RunE:  runImagesBuild,
	})
	root.AddCommand(imagesCmd)

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove leftover sandbox environments",
		Args:  cobra.NoArgs,
		RunE:  runSweep,
	}
	sweepCmd.Flags().BoolVar(&sweepAll, "all", false, "Ignore the minimum age and remove every sandbox environment")
	root.AddCommand(sweepCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		var exit exitCode
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// exitCode propagates the sandboxed program's exit status.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

type toolkit struct {
	backend     sandbox.Backend
	registry    *runtime.Registry
	provisioner *sandbox.Provisioner
	runner      *sandbox.Runner
}

func setup(ctx context.Context) (*toolkit, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	policy, err := sandbox.PolicyFromConfig(cfg.Sandbox)
	if err != nil {
		return nil, err
	}
	backend, err := sandbox.NewBackend(ctx, cfg.Sandbox)
	if err != nil {
		return nil, err
	}

	registry := runtime.NewRegistry(cfg.Sandbox.ImagePrefix)
	provisioner := sandbox.NewProvisioner(backend, registry,
		sandbox.WithAutoBuild(cfg.Sandbox.AutoBuildImages),
		sandbox.WithBuildLogLines(cfg.Sandbox.BuildLogLines),
	)
	runner := sandbox.NewRunner(backend, registry, sandbox.RunnerConfigFrom(cfg.Sandbox),
		sandbox.WithProvisioner(provisioner),
		sandbox.WithPolicy(policy),
	)
	return &toolkit{backend: backend, registry: registry, provisioner: provisioner, runner: runner}, nil
}

func (t *toolkit) close() {
	if err := t.backend.Close(); err != nil {
		log.Debug().Err(err).Msg("closing backend")
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	var (
		code []byte
		err  error
	)
	if len(args) == 1 {
		code, err = os.ReadFile(filepath.Clean(args[0]))
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		if language == "" {
			language = languageFor(args[0])
		}
	} else {
		code, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	}
	if language == "" {
		language = string(runtime.Default)
		log.Warn().Str("language", language).Msg("no language given, using default")
	}

	tk, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer tk.close()

	req := sandbox.ExecutionRequest{Language: language, Code: string(code), Timeout: timeout}

	var result *sandbox.ExecutionResult
	if jsonOutput {
		result, err = tk.runner.Execute(cmd.Context(), req)
	} else {
		result, err = tk.runner.ExecuteStreaming(cmd.Context(), req, cmd.OutOrStdout(), cmd.ErrOrStderr())
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "\n[%s] exit=%d duration=%s", result.Status, result.ExitCode, result.Duration.Round(time.Millisecond))
		if result.Truncated {
			fmt.Fprint(cmd.ErrOrStderr(), " (output truncated)")
		}
		fmt.Fprintln(cmd.ErrOrStderr())
	}

	if result.ExitCode != 0 {
		return exitCode(result.ExitCode)
	}
	return nil
}

func runImagesStatus(cmd *cobra.Command, _ []string) error {
	tk, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer tk.close()

	status := tk.provisioner.Status(cmd.Context())
	refs := make([]string, 0, len(status))
	for ref := range status {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	for _, ref := range refs {
		state := "missing"
		if status[ref] {
			state = "present"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-40s %s\n", ref, state)
	}
	return nil
}

func runImagesBuild(cmd *cobra.Command, args []string) error {
	tk, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer tk.close()

	reports := tk.provisioner.Build(cmd.Context(), args)
	keys := make([]string, 0, len(reports))
	for k := range reports {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	failed := 0
	for _, k := range keys {
		report := reports[k]
		if report.Built {
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s built %s\n", k, report.Image)
			continue
		}
		failed++
		fmt.Fprintf(cmd.OutOrStdout(), "%-10s FAILED: %s\n", k, report.Error)
		for _, line := range report.Logs {
			fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", line)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d builds failed", failed, len(reports))
	}
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	tk, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer tk.close()

	var removed int
	if sweepAll {
		removed, err = tk.runner.SweepAll(cmd.Context())
	} else {
		removed, err = tk.runner.SweepOrphans(cmd.Context())
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d environment(s)\n", removed)
	return nil
}

func languageFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return "python"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".ts":
		return "typescript"
	case ".java":
		return "java"
	}
	return ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
