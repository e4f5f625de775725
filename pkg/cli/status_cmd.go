package cli

import (
	"context"

	"github.com/juliushaag/cbuild/pkg/build"
)

// StatusCmd prints the cache records of targets.
type StatusCmd struct {
}

// Execute executes the command. Without arguments all targets reachable
// from the start target are printed.
func (c *StatusCmd) Execute(ctx context.Context, cctx *Context, args ...string) error {
	target, err := cctx.SelectTarget(args...)
	if err != nil {
		return err
	}
	targets := []*build.Target{target}
	if len(args) == 0 {
		if targets, err = cctx.Project.TraversalOrder(target); err != nil {
			return err
		}
	}
	caches := build.NewCacheSet(cctx.Logger)
	for _, t := range targets {
		cache := caches.Open(t.OutDir())
		cctx.UI.PrintCacheEntries(t, cache.Entries(t.Name))
	}
	return nil
}
