package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/juliushaag/cbuild/pkg/build"
)

// version is set at build time via ldflags.
var version = "dev"

// Execute runs the cbuild command line and exits on failure.
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		<-sigCh
		os.Exit(1)
	}()
	root := newRootCommand(NewViper(), nil)
	if err := root.ExecuteContext(ctx); err != nil {
		var reported *reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintf(os.Stderr, "Error: %s.\n", errorMessage(err))
		}
		os.Exit(exitCodeForError(err))
	}
}

// reportedError marks an error already printed by the user interface.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func newRootCommand(v *viper.Viper, stdout io.Writer) *cobra.Command {
	b := &ContextBuilder{Viper: v, Stdout: stdout}
	buildCmd := &BuildCmd{}
	cmd := &cobra.Command{
		Use:           "cbuild [TARGET]",
		Short:         "Incremental build orchestrator for C and C++ projects",
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(v.GetString(keyLogLevel))
			return nil
		},
		RunE: runWith(b, buildCmd),
	}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&b.WorkDir, "dir", "C", "", "Project directory")
	flags.StringVar(&b.ConfigFile, "config", "", "Config file path")
	flags.BoolVar(&b.TextUI, "text", false, "Plain text progress output")
	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flags.Bool("no-color", false, "Disable color terminal support")
	flags.IntP("jobs", "j", 0, "Maximum number of parallel compiler processes")
	flags.IntP("workers", "w", 0, "Maximum number of targets built at the same time")
	flags.Bool("no-cache", false, "Rebuild all targets without consulting the cache")
	flags.Bool("strict", false, "Fail when more than one backend handles a target type")
	flags.BoolVarP(&buildCmd.Quiet, "quiet", "q", false, "Do not print the dependency tree and compiler output")
	_ = v.BindPFlag(keyLogLevel, flags.Lookup("log-level"))
	_ = v.BindPFlag(keyNoColor, flags.Lookup("no-color"))
	_ = v.BindPFlag(keyJobs, flags.Lookup("jobs"))
	_ = v.BindPFlag(keyWorkers, flags.Lookup("workers"))
	_ = v.BindPFlag(keyNoCache, flags.Lookup("no-cache"))
	_ = v.BindPFlag(keyStrict, flags.Lookup("strict"))

	cmd.AddCommand(
		&cobra.Command{
			Use:   "build [TARGET]",
			Short: "Build a target and its dependencies",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runWith(b, buildCmd),
		},
		&cobra.Command{
			Use:   "tree [TARGET]",
			Short: "Print the dependency tree",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runWith(b, &TreeCmd{}),
		},
		&cobra.Command{
			Use:     "targets",
			Aliases: []string{"t"},
			Short:   "List all targets",
			Args:    cobra.NoArgs,
			RunE:    runWith(b, &ListTargetsCmd{}),
		},
		&cobra.Command{
			Use:   "check",
			Short: "Check consistency of the project without building",
			Args:  cobra.NoArgs,
			RunE:  runWith(b, &CheckCmd{}),
		},
		&cobra.Command{
			Use:   "toolchains",
			Short: "Probe and list the available backends",
			Args:  cobra.NoArgs,
			RunE:  runWith(b, &ToolchainsCmd{}),
		},
		&cobra.Command{
			Use:     "status [TARGET]",
			Aliases: []string{"st"},
			Short:   "Print the cache records of targets",
			Args:    cobra.MaximumNArgs(1),
			RunE:    runWith(b, &StatusCmd{}),
		},
		&cobra.Command{
			Use:   "log [TARGET]",
			Short: "Print the compiler output of the last build",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runWith(b, &LogCmd{}),
		},
		&cobra.Command{
			Use:   "run [TARGET] [-- ARGS...]",
			Short: "Build a target and execute the produced binary",
			RunE: func(cmd *cobra.Command, args []string) error {
				if cmd.ArgsLenAtDash() == 0 {
					args = append([]string{""}, args...)
				}
				return runWith(b, &RunCmd{Build: buildCmd})(cmd, args)
			},
		},
	)
	return cmd
}

func runWith(b *ContextBuilder, command Command) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cctx, err := b.BuildContext()
		if err != nil {
			return classifyError(err)
		}
		if err := cctx.RunCmd(cmd.Context(), command, args...); err != nil {
			return &reportedError{err: classifyError(err)}
		}
		return nil
	}
}

func setupLogging(level string) zerolog.Logger {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
	return log.Logger
}

// classifyError attaches an errbuilder code to errors of the build.
func classifyError(err error) error {
	var (
		cfgErr  *build.ConfigError
		toolErr *build.ToolchainError
		coded   *errbuilder.ErrBuilder
	)
	switch {
	case errors.As(err, &coded):
		return err
	case errors.As(err, &cfgErr):
		return errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(err.Error()).
			WithCause(err)
	case errors.As(err, &toolErr):
		return errbuilder.New().
			WithCode(errbuilder.CodeFailedPrecondition).
			WithMsg(err.Error()).
			WithCause(err)
	case errors.Is(err, ErrBuildFailed), errors.Is(err, context.Canceled):
		return err
	default:
		return errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg(err.Error()).
			WithCause(err)
	}
}

func exitCodeForError(err error) int {
	var reported *reportedError
	if errors.As(err, &reported) {
		err = reported.err
	}
	if errors.Is(err, ErrBuildFailed) {
		return 1
	}
	switch errbuilder.CodeOf(err) {
	case errbuilder.CodeInvalidArgument, errbuilder.CodeNotFound, errbuilder.CodeAlreadyExists:
		return 2
	case errbuilder.CodeFailedPrecondition:
		return 3
	case errbuilder.CodeInternal:
		return 5
	default:
		return 1
	}
}

func errorMessage(err error) string {
	var builder *errbuilder.ErrBuilder
	if errors.As(err, &builder) && strings.TrimSpace(builder.Msg) != "" {
		return builder.Msg
	}
	return err.Error()
}
