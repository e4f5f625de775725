package cli

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/juliushaag/cbuild/pkg/build"
	"github.com/juliushaag/cbuild/pkg/tools/builtin"
)

// Command defines an abstract command.
type Command interface {
	Execute(ctx context.Context, cctx *Context, args ...string) error
}

// TaskLogReader opens the compile log of a task for reading.
type TaskLogReader func(task *build.Task) (io.ReadCloser, error)

// EventHandlingOptions specifies options for how to handle build events.
type EventHandlingOptions struct {
	LogReader TaskLogReader
}

// ToolchainInfo describes a probed backend.
type ToolchainInfo struct {
	Name      string
	Types     []string
	Version   string
	Available bool
}

// UserInterface defines the abstraction for interacting with the user.
type UserInterface interface {
	TaskEventHandler(options EventHandlingOptions) build.EventHandler
	PrintTree(target *build.Target)
	PrintTargetList([]*build.Target)
	PrintToolchains([]ToolchainInfo)
	PrintLog(io.Reader)
	PrintCacheEntries(target *build.Target, entries []build.CacheEntry)
	PrintDiagnostics(diags map[string][]build.Diagnostic)
	PrintArtifact(path string)
	PrintError(err error)
}

// Context provides information about the environment for commands.
type Context struct {
	Project  *build.Project
	Settings *Settings
	UI       UserInterface
	Runner   build.Runner
	Logger   zerolog.Logger
}

// ContextBuilder is used to build Context.
type ContextBuilder struct {
	WorkDir    string
	ConfigFile string
	TextUI     bool
	Viper      *viper.Viper
	// Stdout receives all regular output, os.Stdout if nil.
	Stdout io.Writer
}

// BuildContext loads the project and settings and creates a context.
func (b *ContextBuilder) BuildContext() (*Context, error) {
	stdout := b.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	c := &Context{
		UI:     &TextPrinter{Out: stdout},
		Logger: zerolog.Nop(),
	}
	dir := b.WorkDir
	if dir == "" {
		dir = "."
	}
	project, err := build.LoadProject(dir)
	if err != nil {
		return nil, err
	}
	v := b.Viper
	if v == nil {
		v = NewViper()
	}
	settings, err := LoadSettings(v, b.ConfigFile, project)
	if err != nil {
		return nil, err
	}
	if !b.TextUI && !settings.NoColor && b.Stdout == nil {
		if term := os.Getenv("TERM"); term != "" && term != "dumb" {
			c.UI = &TermPrinter{Out: stdout}
		}
	}
	c.Project = project
	c.Settings = settings
	c.Runner = &build.ExecRunner{Env: settings.EnvList()}
	c.Logger = setupLogging(settings.LogLevel)
	return c, nil
}

// RunCmd runs a command.
func (c *Context) RunCmd(ctx context.Context, cmd Command, args ...string) error {
	if err := cmd.Execute(ctx, c, args...); err != nil {
		c.UI.PrintError(err)
		return err
	}
	return nil
}

// SelectTarget returns the target named by args, or the start target.
func (c *Context) SelectTarget(args ...string) (*build.Target, error) {
	var name string
	if len(args) > 0 {
		name = args[0]
	}
	return c.Project.SelectTarget(name)
}

// Registry probes the configured backends.
func (c *Context) Registry(ctx context.Context) (*build.Registry, error) {
	backends, err := c.Backends()
	if err != nil {
		return nil, err
	}
	r := build.ProbeAll(ctx, c.Logger, backends...)
	r.Strict = c.Settings.Strict
	return r, nil
}

// Backends creates the configured candidate backends.
func (c *Context) Backends() ([]build.Backend, error) {
	opts := builtin.DefaultOptions(c.Runner)
	c.Settings.ApplyTo(&opts)
	return builtin.Backends(opts)
}
