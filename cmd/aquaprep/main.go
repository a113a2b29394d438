package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/climsim/aquaprep/pkg/aquaprep"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	statusOK      = color.New(color.FgGreen).SprintFunc()
	statusFailed  = color.New(color.FgRed).SprintFunc()
	statusSkipped = color.New(color.FgYellow).SprintFunc()
)

func newRootCmd() *cobra.Command {
	var (
		configPath    string
		workspace     string
		templatePairs []string
		verbose       bool
		logger        *zap.Logger
	)

	cmd := &cobra.Command{
		Use:           "aquaprep",
		Short:         "Run the aquaplanet preprocessing chain from a declarative pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config := zap.NewProductionConfig()
			config.Encoding = "console"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
			if verbose {
				config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			var err error
			logger, err = config.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", fmt.Sprintf("Path to pipeline config (default: <workspace>/%s)", aquaprep.DefaultConfigRelPath))
	flags.StringVarP(&workspace, "workspace", "w", "", "Workspace root containing "+aquaprep.ConfigDirName+" (default: current directory)")
	flags.StringArrayVarP(&templatePairs, "var", "v", nil, fmt.Sprintf("Template variable for %s (key=value, repeatable)", aquaprep.DefaultConfigRelPath))
	flags.BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")

	baseOptions := func() ([]aquaprep.Option, error) {
		vars, err := parseTemplateVars(templatePairs)
		if err != nil {
			return nil, err
		}
		return []aquaprep.Option{
			aquaprep.WithConfigFile(configPath),
			aquaprep.WithTemplateVars(vars),
			aquaprep.WithLogger(logger),
		}, nil
	}

	cmd.AddCommand(newRunCmd(&workspace, baseOptions, func() *zap.Logger { return logger }, &verbose))
	cmd.AddCommand(newPlanCmd(&workspace, baseOptions))
	cmd.AddCommand(newValidateCmd(&workspace, baseOptions))
	cmd.AddCommand(newInitCmd(&workspace))
	cmd.AddCommand(newWatchCmd(&workspace, baseOptions))

	return cmd
}

func newRunCmd(workspace *string, baseOptions func() ([]aquaprep.Option, error), logger func() *zap.Logger, verbose *bool) *cobra.Command {
	var (
		only          []string
		from          string
		skip          []string
		imageOverride string
		forceLocal    bool
		dryRun        bool
		noRecord      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline, stopping at the first failed step",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseOptions()
			if err != nil {
				return err
			}
			opts, err := aquaprep.LoadOptions(*workspace, append(base,
				aquaprep.WithStepSelection(only, from, skip),
				aquaprep.WithImageOverride(imageOverride),
				aquaprep.WithForceLocal(forceLocal),
				aquaprep.WithNoRecord(noRecord),
				aquaprep.WithProgress(progressPrinter(logger(), *verbose)),
			)...)
			if err != nil {
				return err
			}

			p, err := aquaprep.NewPipeline(opts)
			if err != nil {
				return err
			}
			defer p.Close()

			if dryRun {
				return p.Plan(os.Stdout)
			}

			ctx, cancel := setupSignals()
			defer cancel()

			summary, runErr := p.Run(ctx)
			printSummary(summary)
			return runErr
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&only, "only", nil, "Run only the named step (repeatable)")
	flags.StringVar(&from, "from", "", "Start at the named step")
	flags.StringArrayVar(&skip, "skip", nil, "Skip the named step (repeatable)")
	flags.StringVarP(&imageOverride, "image", "i", "", "Run every step in this container image")
	flags.BoolVar(&forceLocal, "local", false, "Force host execution even when an image is configured")
	flags.BoolVar(&dryRun, "dry-run", false, "Print the plan instead of executing")
	flags.BoolVar(&noRecord, "no-record", false, "Do not persist a run record")

	return cmd
}

func newPlanCmd(workspace *string, baseOptions func() ([]aquaprep.Option, error)) *cobra.Command {
	var (
		only          []string
		from          string
		skip          []string
		imageOverride string
		forceLocal    bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the execution plan without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseOptions()
			if err != nil {
				return err
			}
			opts, err := aquaprep.LoadOptions(*workspace, append(base,
				aquaprep.WithStepSelection(only, from, skip),
				aquaprep.WithImageOverride(imageOverride),
				aquaprep.WithForceLocal(forceLocal),
			)...)
			if err != nil {
				return err
			}
			p, err := aquaprep.NewPipeline(opts)
			if err != nil {
				return err
			}
			defer p.Close()
			return p.Plan(os.Stdout)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&only, "only", nil, "Plan only the named step (repeatable)")
	flags.StringVar(&from, "from", "", "Start at the named step")
	flags.StringArrayVar(&skip, "skip", nil, "Skip the named step (repeatable)")
	flags.StringVarP(&imageOverride, "image", "i", "", "Assume every step runs in this container image")
	flags.BoolVar(&forceLocal, "local", false, "Assume host execution")

	return cmd
}

func newValidateCmd(workspace *string, baseOptions func() ([]aquaprep.Option, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the pipeline definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseOptions()
			if err != nil {
				return err
			}
			opts, err := aquaprep.LoadOptions(*workspace, base...)
			if err != nil {
				return err
			}
			info, err := aquaprep.Inspect(opts)
			if err != nil {
				return err
			}
			if info.UsedDefault {
				fmt.Printf("%s not found, built-in aquaplanet chain in effect\n", info.Path)
			} else {
				fmt.Printf("%s is valid\n", info.Path)
			}
			fmt.Printf("workdir: %s\n", info.Workdir)
			fmt.Printf("steps:   %s\n", strings.Join(info.StepNames, ", "))
			return nil
		},
	}
}

func newInitCmd(workspace *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default pipeline definition into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := *workspace
			if root == "" {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get working directory: %w", err)
				}
				root = wd
			}
			path := filepath.Join(root, aquaprep.DefaultConfigRelPath)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, aquaprep.DefaultPipeline(), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing pipeline definition")
	return cmd
}

func newWatchCmd(workspace *string, baseOptions func() ([]aquaprep.Option, error)) *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run the pipeline whenever new input files arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseOptions()
			if err != nil {
				return err
			}
			opts, err := aquaprep.LoadOptions(*workspace, append(base,
				aquaprep.WithDebounce(debounce),
			)...)
			if err != nil {
				return err
			}
			p, err := aquaprep.NewPipeline(opts)
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, cancel := setupSignals()
			defer cancel()
			return p.Watch(ctx)
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 0, "How long inputs must stay quiet before a re-run")
	return cmd
}

func progressPrinter(log *zap.Logger, verbose bool) aquaprep.ProgressFunc {
	return func(phase, step, message string) {
		if !verbose || log == nil {
			return
		}
		log.Debug("step progress",
			zap.String("step", step),
			zap.String("phase", phase),
			zap.String("message", message),
		)
	}
}

func printSummary(summary *aquaprep.RunSummary) {
	if summary == nil {
		return
	}
	for _, step := range summary.Steps {
		label := statusOK(step.Status)
		switch step.Status {
		case "failed", "input-missing":
			label = statusFailed(step.Status)
		case "skipped":
			label = statusSkipped(step.Status)
		}
		line := fmt.Sprintf("%-24s %s", step.Name, label)
		if step.Duration != "" {
			line += "  " + step.Duration
		}
		if step.ExitCode != 0 {
			line += fmt.Sprintf("  (exit %d)", step.ExitCode)
		}
		fmt.Println(line)
	}
}

func parseTemplateVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid var %q (expected key=value)", pair)
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			return nil, fmt.Errorf("invalid var %q (empty key)", pair)
		}
		vars[key] = parts[1]
	}
	return vars, nil
}

// setupSignals cancels the run context on SIGINT/SIGTERM so the active step
// gets torn down cleanly. A second SIGINT exits immediately.
func setupSignals() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		<-sigCh
		os.Exit(130)
	}()
	return ctx, cancel
}
