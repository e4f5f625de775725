package cli

import (
	"context"

	"github.com/juliushaag/cbuild/pkg/build"
)

// CheckCmd checks the integrity of the project without building.
type CheckCmd struct {
}

// Execute executes the command. Every target must resolve to exactly
// one available backend.
func (c *CheckCmd) Execute(ctx context.Context, cctx *Context, args ...string) error {
	if err := cctx.Project.Validate(); err != nil {
		return err
	}
	if _, err := cctx.Project.StartTarget(); err != nil {
		return err
	}
	registry, err := cctx.Registry(ctx)
	if err != nil {
		return err
	}
	for _, t := range cctx.Project.Targets() {
		if _, err := registry.Dispatch(t); err != nil {
			return err
		}
	}
	cctx.Logger.Info().Int("targets", len(cctx.Project.Targets())).Msg("project is consistent")
	return nil
}

// ListTargetsCmd lists all targets.
type ListTargetsCmd struct {
}

// Execute executes the command.
func (c *ListTargetsCmd) Execute(ctx context.Context, cctx *Context, args ...string) error {
	cctx.UI.PrintTargetList(cctx.Project.Targets())
	return nil
}

// TreeCmd prints the dependency tree of a target.
type TreeCmd struct {
}

// Execute executes the command.
func (c *TreeCmd) Execute(ctx context.Context, cctx *Context, args ...string) error {
	target, err := cctx.SelectTarget(args...)
	if err != nil {
		return err
	}
	cctx.UI.PrintTree(target)
	return nil
}

// ToolchainsCmd probes and lists the configured backends.
type ToolchainsCmd struct {
}

// Execute executes the command.
func (c *ToolchainsCmd) Execute(ctx context.Context, cctx *Context, args ...string) error {
	backends, err := cctx.Backends()
	if err != nil {
		return err
	}
	registry := build.ProbeAll(ctx, cctx.Logger, backends...)
	available := make(map[string]bool)
	for _, b := range registry.Backends() {
		available[b.Name()] = true
	}
	infos := make([]ToolchainInfo, 0, len(backends))
	for _, b := range backends {
		infos = append(infos, ToolchainInfo{
			Name:      b.Name(),
			Types:     b.Types(),
			Version:   registry.Version(b.Name()),
			Available: available[b.Name()],
		})
	}
	cctx.UI.PrintToolchains(infos)
	return nil
}
