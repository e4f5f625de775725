package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/juliushaag/cbuild/pkg/build"
)

// ErrBuildFailed indicates compile or link errors were reported.
var ErrBuildFailed = errors.New("build failed")

// BuildCmd provides a build command.
type BuildCmd struct {
	// Quiet skips the dependency tree and the compiler output of failed targets.
	Quiet bool
}

// Execute executes the command.
func (c *BuildCmd) Execute(ctx context.Context, cctx *Context, args ...string) error {
	target, err := cctx.SelectTarget(args...)
	if err != nil {
		return err
	}
	c.printTree(cctx, target)
	result, err := c.Build(ctx, cctx, target)
	if err != nil {
		return err
	}
	cctx.UI.PrintArtifact(result.Artifact())
	return nil
}

// Build builds the target with its dependencies. A Failure result is
// reported and turned into ErrBuildFailed.
func (c *BuildCmd) Build(ctx context.Context, cctx *Context, target *build.Target) (build.Result, error) {
	g, err := build.Plan(cctx.Project, target)
	if err != nil {
		return build.Result{}, err
	}
	registry, err := cctx.Registry(ctx)
	if err != nil {
		return build.Result{}, err
	}
	var options EventHandlingOptions
	if !c.Quiet {
		options.LogReader = OpenTaskLog
	}
	b := &build.Builder{
		Registry:     registry,
		Runner:       cctx.Runner,
		Scheduler:    cctx.Settings.Scheduler(cctx.Runner),
		Caches:       build.NewCacheSet(cctx.Logger),
		Workers:      cctx.Settings.Workers,
		NoCache:      cctx.Settings.NoCache,
		EventHandler: cctx.UI.TaskEventHandler(options),
		Logger:       cctx.Logger,
	}
	result, err := b.Build(ctx, g)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = fmt.Errorf("timeout: %w", err)
		case errors.Is(err, context.Canceled):
			err = fmt.Errorf("build interrupted: %w", err)
		}
		return build.Result{}, err
	}
	if result.IsFailure() {
		cctx.UI.PrintDiagnostics(result.Diagnostics)
		return result, fmt.Errorf(`%w: %s, use "log TARGET" to inspect the compiler output`,
			ErrBuildFailed, strings.Join(failedTargets(g), ", "))
	}
	return result, nil
}

func (c *BuildCmd) printTree(cctx *Context, target *build.Target) {
	if !c.Quiet {
		cctx.UI.PrintTree(target)
	}
}

func failedTargets(g *build.TaskGraph) []string {
	var names []string
	for _, task := range g.Order {
		if task.Failed() {
			names = append(names, task.Name())
		}
	}
	return names
}
