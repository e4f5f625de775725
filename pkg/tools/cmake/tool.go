// Package cmake builds targets through CMake projects.
package cmake

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"

	"github.com/juliushaag/cbuild/pkg/build"
)

// TypeCMake is the target type handled by the backend.
const TypeCMake = "cmake"

var versionRe = regexp.MustCompile(`cmake version (\d+\.\d+(?:\.\d+)?)`)

// Params are the config entries of a cmake target.
type Params struct {
	// Folder contains CMakeLists.txt, relative to the target root.
	Folder    string   `json:"folder"`
	Defines   []string `json:"defines"`
	BuildType string   `json:"build_type"`
	// Kind is "lib", "exe" or "header".
	Kind string `json:"kind"`
	// Artifact is the produced file relative to the build directory.
	Artifact string   `json:"artifact"`
	Includes []string `json:"includes"`
	// Clean rebuilds from scratch with --clean-first.
	Clean bool `json:"clean"`
}

// Backend configures and builds a CMake project.
type Backend struct {
	Program string
	Runner  build.Runner
}

// NewBackend creates a Backend running program, "cmake" if empty.
func NewBackend(program string, runner build.Runner) *Backend {
	if program == "" {
		program = "cmake"
	}
	return &Backend{Program: program, Runner: runner}
}

// Name implements build.Backend.
func (b *Backend) Name() string { return "cmake" }

// Types implements build.Backend.
func (b *Backend) Types() []string { return []string{TypeCMake} }

// Probe implements build.Backend.
func (b *Backend) Probe(ctx context.Context) (string, error) {
	return build.ProbeVersion(ctx, b.Runner, build.Command{Program: b.Program, Args: []string{"--version"}}, versionRe)
}

// BuildDir returns the CMake binary directory of a target.
func BuildDir(outDir, target string) string {
	return filepath.Join(outDir, target)
}

// Build implements build.Backend.
func (b *Backend) Build(ctx context.Context, bctx *build.BuildContext) (build.Result, error) {
	t := bctx.Target
	var params Params
	if err := t.ParamsAs(&params); err != nil {
		return build.Result{}, fmt.Errorf("target %q: decode params error: %w", t.Name, err)
	}
	if params.BuildType == "" {
		params.BuildType = "Release"
	}
	folder := t.Root
	if params.Folder != "" {
		folder = filepath.Join(t.Root, filepath.FromSlash(params.Folder))
	}
	binDir := BuildDir(bctx.OutDir, t.Name)
	logw := bctx.Log
	if logw == nil {
		logw = io.Discard
	}

	var args []string
	for _, def := range params.Defines {
		args = append(args, "-D"+def)
	}
	args = append(args, "-DCMAKE_BUILD_TYPE="+params.BuildType, "--fresh", "-B", binDir, "-S", folder)
	steps := []build.Command{
		{Program: b.Program, Args: args},
		{Program: b.Program, Args: b.buildArgs(binDir, &params)},
	}
	runner := bctx.RunnerOr(b.Runner)
	for _, step := range steps {
		fmt.Fprintf(logw, "$ %s\n", step)
		out, err := runner.Run(ctx, step)
		if err != nil {
			return build.Result{}, fmt.Errorf("target %q: %w", t.Name, err)
		}
		if text := out.Combined(); text != "" {
			fmt.Fprintln(logw, text)
		}
		if !out.Success() {
			return failure(t, out), nil
		}
	}

	includes := make([]string, 0, len(params.Includes))
	for _, inc := range params.Includes {
		includes = append(includes, filepath.Join(t.Root, filepath.FromSlash(inc)))
	}
	r := build.Result{Kind: build.KindHeaderOnly, Includes: includes}
	var artifact string
	if params.Artifact != "" {
		artifact = filepath.Join(binDir, filepath.FromSlash(params.Artifact))
	}
	switch params.Kind {
	case build.TargetKindLib:
		r.Kind = build.KindLibrary
		if artifact != "" {
			r.Archives = []string{artifact}
		}
	case build.TargetKindExe:
		r.Kind = build.KindExecutable
		r.Binary = artifact
	}
	return build.Combine(r, build.Result{Includes: bctx.Input.Includes, Archives: bctx.Input.Archives}), nil
}

func (b *Backend) buildArgs(binDir string, params *Params) []string {
	args := []string{"--build", binDir, "--config", params.BuildType}
	if params.Clean {
		args = append(args, "--clean-first")
	}
	return args
}

func failure(t *build.Target, out build.Output) build.Result {
	agg := build.NewAggregator()
	agg.RecordAll(build.ParseGNUDiagnostics(out.Combined()))
	agg.RecordAll(build.ParseMSVCDiagnostics(out.Combined()))
	if !agg.HasErrors() {
		agg.Record(t.File, build.Diagnostic{
			Severity: build.SeverityError,
			Code:     fmt.Sprintf("exit-%d", out.ExitCode),
			Message:  fmt.Sprintf("cmake failed for target %q", t.Name),
		})
	}
	return build.Failure(agg.Diagnostics())
}
