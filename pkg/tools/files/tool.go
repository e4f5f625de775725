// Package files provides a backend for header-only file sets which
// are published to dependents without performing actual work.
package files

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/juliushaag/cbuild/pkg/build"
)

// TypeHeaders is the target type handled by the backend.
const TypeHeaders = "headers"

// Params defines the parameters.
type Params struct {
	// Includes are published include directories, the target root if empty.
	Includes []string `json:"includes"`
	// Sources are patterns which must match at least one file each.
	Sources []string `json:"sources"`
}

// Backend implements build.Backend for header-only file sets.
type Backend struct {
}

// NewBackend creates a Backend.
func NewBackend() *Backend {
	return &Backend{}
}

// Name implements build.Backend.
func (b *Backend) Name() string { return "files" }

// Types implements build.Backend.
func (b *Backend) Types() []string { return []string{TypeHeaders} }

// Probe implements build.Backend. It is always available.
func (b *Backend) Probe(ctx context.Context) (string, error) { return "1", nil }

// BypassCache implements build.CacheBypasser.
func (b *Backend) BypassCache(t *build.Target) bool { return true }

// Build implements build.Backend.
func (b *Backend) Build(ctx context.Context, bctx *build.BuildContext) (build.Result, error) {
	t := bctx.Target
	var params Params
	if err := t.ParamsAs(&params); err != nil {
		return build.Result{}, fmt.Errorf("target %q: decode params error: %w", t.Name, err)
	}
	if len(params.Includes) == 0 {
		params.Includes = []string{"."}
	}
	diags := make(map[string][]build.Diagnostic)
	var includes []string
	for _, inc := range params.Includes {
		dir := filepath.Join(t.Root, filepath.FromSlash(inc))
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			diags[t.File] = append(diags[t.File], build.Diagnostic{
				Severity: build.SeverityError,
				Code:     "includes",
				Message:  fmt.Sprintf("target %q: include directory %q not found", t.Name, inc),
			})
			continue
		}
		includes = append(includes, dir)
	}
	for _, pattern := range params.Sources {
		matched, err := build.Glob(t.Root, []string{pattern}, build.Exclusions{Dirs: []string{bctx.OutDir}})
		if err != nil || len(matched) == 0 {
			diags[t.File] = append(diags[t.File], build.Diagnostic{
				Severity: build.SeverityError,
				Code:     "sources",
				Message:  fmt.Sprintf("target %q: no file matches %q", t.Name, pattern),
			})
		}
	}
	if len(diags) > 0 {
		return build.Failure(diags), nil
	}
	return build.Combine(
		build.Result{Kind: build.KindHeaderOnly, Includes: includes},
		build.Result{Includes: bctx.Input.Includes, Archives: bctx.Input.Archives},
	), nil
}
