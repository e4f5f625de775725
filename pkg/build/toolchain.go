package build

import (
	"context"
	"io"
	"sort"

	"github.com/rs/zerolog"
)

// Backend builds targets of the types it supports.
type Backend interface {
	// Name identifies the backend, e.g. "gcc".
	Name() string
	// Types are the target type tags handled by the backend.
	Types() []string
	// Probe checks the backend is usable and returns its version.
	Probe(ctx context.Context) (string, error)
	// Build builds a target. Compile and link errors are returned as a
	// Failure result; the error is reserved for unexpected conditions.
	Build(ctx context.Context, bctx *BuildContext) (Result, error)
}

// CacheBypasser is implemented by backends producing some results
// without running anything, which are not worth caching.
type CacheBypasser interface {
	BypassCache(t *Target) bool
}

// BuildContext carries everything a Backend needs to build a target.
type BuildContext struct {
	Target *Target
	// Input is the combined result of all dependencies.
	Input Result
	// OutDir is the absolute output directory of the target.
	OutDir    string
	Scheduler *Scheduler
	// Runner runs the non-compile steps of this build, e.g. linking.
	Runner Runner
	Logger zerolog.Logger
	// Log receives the output of external processes.
	Log io.Writer
}

// RunnerOr returns the Runner of the build, or fallback if none is set.
func (c *BuildContext) RunnerOr(fallback Runner) Runner {
	if c.Runner != nil {
		return c.Runner
	}
	return fallback
}

// Registry holds the available backends in registration order.
type Registry struct {
	// Strict reports ErrAmbiguousBackend when more than one backend
	// handles a type. Otherwise the first registered backend wins.
	Strict bool

	backends []Backend
	versions map[string]string
}

// NewRegistry creates a Registry from backends without probing them.
// Only the first backend of each name is kept.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{versions: make(map[string]string)}
	for _, b := range backends {
		r.add(b, "")
	}
	return r
}

// ProbeAll probes all candidates and keeps those available.
func ProbeAll(ctx context.Context, logger zerolog.Logger, candidates ...Backend) *Registry {
	r := &Registry{versions: make(map[string]string)}
	for _, b := range candidates {
		if _, ok := r.versions[b.Name()]; ok {
			continue
		}
		version, err := b.Probe(ctx)
		if err != nil {
			logger.Debug().Err(err).Str("backend", b.Name()).Msg("backend not available")
			continue
		}
		logger.Debug().Str("backend", b.Name()).Str("version", version).Msg("backend available")
		r.add(b, version)
	}
	return r
}

func (r *Registry) add(b Backend, version string) {
	if _, ok := r.versions[b.Name()]; ok {
		return
	}
	r.backends = append(r.backends, b)
	r.versions[b.Name()] = version
}

// Backends returns the registered backends in order.
func (r *Registry) Backends() []Backend {
	return append([]Backend(nil), r.backends...)
}

// Version returns the probed version of a backend.
func (r *Registry) Version(name string) string {
	return r.versions[name]
}

// Candidates returns the names of backends handling typ, in order.
func (r *Registry) Candidates(typ string) []string {
	var names []string
	for _, b := range r.backends {
		for _, t := range b.Types() {
			if t == typ {
				names = append(names, b.Name())
				break
			}
		}
	}
	return names
}

// Dispatch selects the backend for a target.
func (r *Registry) Dispatch(t *Target) (Backend, error) {
	names := r.Candidates(t.Type)
	switch {
	case len(names) == 0:
		return nil, &ToolchainError{Kind: ErrNoBackendForType, Target: t.Name, Type: t.Type}
	case len(names) > 1 && r.Strict:
		return nil, &ToolchainError{Kind: ErrAmbiguousBackend, Target: t.Name, Type: t.Type, Candidates: names}
	}
	for _, b := range r.backends {
		if b.Name() == names[0] {
			return b, nil
		}
	}
	return nil, &ToolchainError{Kind: ErrNoBackendForType, Target: t.Name, Type: t.Type}
}

// Types returns all type tags handled by some backend, sorted.
func (r *Registry) Types() []string {
	seen := make(map[string]struct{})
	var types []string
	for _, b := range r.backends {
		for _, t := range b.Types() {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				types = append(types, t)
			}
		}
	}
	sort.Strings(types)
	return types
}
