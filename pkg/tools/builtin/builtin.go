// Package builtin lists the backends shipped with cbuild.
package builtin

import (
	"fmt"

	"github.com/juliushaag/cbuild/pkg/build"
	"github.com/juliushaag/cbuild/pkg/tools/cc"
	"github.com/juliushaag/cbuild/pkg/tools/cmake"
	"github.com/juliushaag/cbuild/pkg/tools/files"
	"github.com/juliushaag/cbuild/pkg/tools/msvc"
)

// DefaultOrder is the registration order, which decides the backend
// when more than one handles a target type.
var DefaultOrder = []string{"msvc", "clang", "gcc", "cmake", "files"}

// Options configures the built-in backends.
type Options struct {
	Runner build.Runner
	GCC    cc.Config
	Clang  cc.Config
	MSVC   msvc.Config
	CMake  string
	// Order lists backend names, DefaultOrder if empty.
	Order []string
}

// DefaultOptions returns options with default programs.
func DefaultOptions(runner build.Runner) Options {
	return Options{
		Runner: runner,
		GCC:    cc.GCC(),
		Clang:  cc.Clang(),
		MSVC:   msvc.DefaultConfig(),
	}
}

// Backends creates the candidate backends in registration order.
func Backends(opts Options) ([]build.Backend, error) {
	order := opts.Order
	if len(order) == 0 {
		order = DefaultOrder
	}
	backends := make([]build.Backend, 0, len(order))
	for _, name := range order {
		switch name {
		case "gcc":
			backends = append(backends, cc.NewBackend(opts.GCC, opts.Runner))
		case "clang":
			backends = append(backends, cc.NewBackend(opts.Clang, opts.Runner))
		case "msvc":
			backends = append(backends, msvc.NewBackend(opts.MSVC, opts.Runner))
		case "cmake":
			backends = append(backends, cmake.NewBackend(opts.CMake, opts.Runner))
		case "files":
			backends = append(backends, files.NewBackend())
		default:
			return nil, fmt.Errorf("unknown backend %q", name)
		}
	}
	return backends, nil
}
