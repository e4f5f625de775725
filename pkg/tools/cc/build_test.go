package cc_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juliushaag/cbuild/pkg/build"
	"github.com/juliushaag/cbuild/pkg/tools/cc"
)

const fakeCompiler = `#!/bin/sh
echo "cc $*" >> "@LOG@"
if [ "$1" = "--version" ]; then
  echo "fake-gcc (GCC) 12.2.0"
  exit 0
fi
out=""
src=""
while [ $# -gt 0 ]; do
  case "$1" in
    -c) src="$2"; shift ;;
    -o) out="$2"; shift ;;
  esac
  shift
done
if [ -n "$src" ] && grep -q SYNTAX_ERROR "$src"; then
  line=$(grep -n SYNTAX_ERROR "$src" | head -n 1 | cut -d: -f1)
  echo "$src:$line:5: error: expected ';' before '}' token" >&2
  exit 1
fi
touch "$out"
`

const fakeArchiver = `#!/bin/sh
echo "ar $*" >> "@LOG@"
touch "$2"
`

const mathSource = `#include "mathlib.h"

int add(int a, int b) {
  return a + b;
}

int mul(int a, int b) {
  return a * b;
}

int broken(void) {
  return 0 SYNTAX_ERROR
}
`

// fakeToolchain writes shell scripts standing in for a compiler and an
// archiver which log every invocation.
type fakeToolchain struct {
	dir     string
	logFile string
	config  cc.Config
}

func newFakeToolchain(t *testing.T) *fakeToolchain {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake toolchain requires a POSIX shell")
	}
	dir := t.TempDir()
	ft := &fakeToolchain{dir: dir, logFile: filepath.Join(dir, "invocations.log")}
	write := func(name, script string) string {
		fn := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(fn, []byte(strings.ReplaceAll(script, "@LOG@", ft.logFile)), 0755))
		return fn
	}
	ft.config = cc.GCC()
	ft.config.CC = write("fake-cc", fakeCompiler)
	ft.config.CXX = ft.config.CC
	ft.config.AR = write("fake-ar", fakeArchiver)
	return ft
}

func (ft *fakeToolchain) invocations(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(ft.logFile)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func (ft *fakeToolchain) count(t *testing.T, substr string) int {
	n := 0
	for _, line := range ft.invocations(t) {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		fn := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(fn), 0755))
		require.NoError(t, os.WriteFile(fn, []byte(content), 0644))
	}
}

func mathProject(t *testing.T, mathSrc string) string {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"app/project.yaml": `
$StartProject: app
import: ../mathlib
(app):
  type: c
  kind: exe
  sources: [main.c]
  depends: mathlib
`,
		"app/main.c": "#include \"mathlib.h\"\nint main(void) { return add(1, 2); }\n",
		"mathlib/project.yaml": `
(mathlib):
  type: c
  kind: lib
  sources: ["src/*.c"]
  includes: [include]
`,
		"mathlib/include/mathlib.h": "int add(int a, int b);\n",
		"mathlib/src/math.c":        mathSrc,
	})
	return filepath.Join(root, "app")
}

type buildOutcome struct {
	project *build.Project
	graph   *build.TaskGraph
	result  build.Result
	err     error
}

func buildProject(t *testing.T, ft *fakeToolchain, dir string) buildOutcome {
	t.Helper()
	return buildProjectWith(t, ft.config, dir, nil)
}

// buildProjectWith builds dir with cfg. A non-nil runner is installed on
// the Builder while compiles keep running through the backend's runner.
func buildProjectWith(t *testing.T, cfg cc.Config, dir string, runner build.Runner) buildOutcome {
	t.Helper()
	ctx := context.Background()
	p, err := build.LoadProject(dir)
	if err != nil {
		return buildOutcome{err: err}
	}
	start, err := p.StartTarget()
	require.NoError(t, err)
	g, err := build.Plan(p, start)
	require.NoError(t, err)

	exec := &build.ExecRunner{}
	if runner == nil {
		runner = exec
	}
	registry := build.ProbeAll(ctx, zerolog.Nop(), cc.NewBackend(cfg, exec))
	require.Equal(t, "12.2.0", registry.Version("gcc"))
	b := &build.Builder{
		Registry:  registry,
		Runner:    runner,
		Scheduler: &build.Scheduler{Runner: exec, MaxJobs: 2},
		Caches:    build.NewCacheSet(zerolog.Nop()),
		Logger:    zerolog.Nop(),
	}
	result, err := b.Build(ctx, g)
	return buildOutcome{project: p, graph: g, result: result, err: err}
}

func TestBuildLibraryAndExecutable(t *testing.T) {
	ft := newFakeToolchain(t)
	dir := mathProject(t, strings.ReplaceAll(mathSource, " SYNTAX_ERROR", ";"))

	out := buildProject(t, ft, dir)
	require.NoError(t, out.err)
	require.Equal(t, build.KindExecutable, out.result.Kind)

	appTarget := out.project.Target("app")
	mathTarget := out.project.Target("mathlib")
	archive := filepath.Join(mathTarget.OutDir(), "libmathlib.a")
	assert.Equal(t, filepath.Join(appTarget.OutDir(), "app"), out.result.Binary)
	assert.FileExists(t, out.result.Binary)
	assert.FileExists(t, archive)
	assert.Equal(t, []string{archive}, out.graph.Tasks["mathlib"].Result.Archives)

	var order []string
	for _, line := range ft.invocations(t) {
		switch {
		case strings.Contains(line, "-c "+filepath.Join(mathTarget.Root, "src", "math.c")):
			order = append(order, "compile mathlib")
		case strings.HasPrefix(line, "ar rcs "+archive):
			order = append(order, "archive mathlib")
		case strings.Contains(line, "-c "+filepath.Join(appTarget.Root, "main.c")):
			order = append(order, "compile app")
		case strings.Contains(line, "-o "+out.result.Binary):
			order = append(order, "link app")
			assert.Contains(t, line, archive)
			assert.Contains(t, line, "-Wl,--start-group")
		}
	}
	assert.Equal(t, []string{"compile mathlib", "archive mathlib", "compile app", "link app"}, order)
}

func TestBuildHaltsOnSyntaxError(t *testing.T) {
	ft := newFakeToolchain(t)
	dir := mathProject(t, mathSource)

	out := buildProject(t, ft, dir)
	require.NoError(t, out.err)
	require.True(t, out.result.IsFailure())

	src := filepath.Join(out.project.Target("mathlib").Root, "src", "math.c")
	assert.Equal(t, map[string][]build.Diagnostic{
		src: {{Line: 12, Severity: build.SeverityError, Message: "expected ';' before '}' token"}},
	}, out.result.Diagnostics)
	assert.Zero(t, ft.count(t, "ar rcs"))
	assert.Zero(t, ft.count(t, "main.c"))
	assert.NotEqual(t, build.TaskCompleted, out.graph.Tasks["app"].State)

	logData, err := os.ReadFile(build.LogFile(out.project.Target("mathlib").OutDir(), "mathlib"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "error: expected ';'")
}

func TestRebuildHitsCache(t *testing.T) {
	ft := newFakeToolchain(t)
	dir := mathProject(t, strings.ReplaceAll(mathSource, " SYNTAX_ERROR", ";"))

	first := buildProject(t, ft, dir)
	require.NoError(t, first.err)
	mathCompile := "-c " + filepath.Join(first.project.Target("mathlib").Root, "src", "math.c")
	mathCompiles := ft.count(t, mathCompile)
	require.Equal(t, 1, mathCompiles)

	second := buildProject(t, ft, dir)
	require.NoError(t, second.err)
	assert.Equal(t, mathCompiles, ft.count(t, mathCompile))
	assert.Equal(t, 1, ft.count(t, "ar rcs"))
	assert.True(t, second.graph.Tasks["mathlib"].Cached)
	assert.Equal(t, first.result.Binary, second.result.Binary)
	assert.Equal(t, build.KindExecutable, second.result.Kind)

	t.Run("dependent source change", func(t *testing.T) {
		writeTree(t, dir, map[string]string{"main.c": "int main(void) { return 0; }\n"})
		third := buildProject(t, ft, dir)
		require.NoError(t, third.err)
		assert.True(t, third.graph.Tasks["mathlib"].Cached)
		assert.False(t, third.graph.Tasks["app"].Cached)
		assert.Equal(t, mathCompiles, ft.count(t, mathCompile))
		assert.Equal(t, 2, ft.count(t, "-c "+filepath.Join(dir, "main.c")))
	})

	t.Run("deleted artifact", func(t *testing.T) {
		require.NoError(t, os.Remove(first.result.Binary))
		fourth := buildProject(t, ft, dir)
		require.NoError(t, fourth.err)
		assert.False(t, fourth.graph.Tasks["app"].Cached)
		assert.FileExists(t, fourth.result.Binary)
	})
}

func TestUnknownDependencyFailsBeforeCompile(t *testing.T) {
	ft := newFakeToolchain(t)
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"project.yaml": "$StartProject: app\n(app):\n  type: c\n  sources: main.c\n  depends: nonexistent\n",
		"main.c":       "int main(void) { return 0; }\n",
	})

	out := buildProject(t, ft, dir)
	require.ErrorIs(t, out.err, build.ErrUnknownDependency)
	assert.Empty(t, ft.invocations(t))
}

// recordingRunner logs the commands passed to Run before running them.
type recordingRunner struct {
	build.Runner

	lock  sync.Mutex
	lines []string
}

func (r *recordingRunner) Run(ctx context.Context, cmd build.Command) (build.Output, error) {
	r.lock.Lock()
	r.lines = append(r.lines, cmd.String())
	r.lock.Unlock()
	return r.Runner.Run(ctx, cmd)
}

func TestBuilderRunnerRunsLinkSteps(t *testing.T) {
	ft := newFakeToolchain(t)
	dir := mathProject(t, strings.ReplaceAll(mathSource, " SYNTAX_ERROR", ";"))
	runner := &recordingRunner{Runner: &build.ExecRunner{}}

	out := buildProjectWith(t, ft.config, dir, runner)
	require.NoError(t, out.err)
	require.Equal(t, build.KindExecutable, out.result.Kind)

	archive := filepath.Join(out.project.Target("mathlib").OutDir(), "libmathlib.a")
	require.Len(t, runner.lines, 2)
	assert.True(t, strings.HasPrefix(runner.lines[0], ft.config.AR+" rcs "+archive), runner.lines[0])
	assert.Contains(t, runner.lines[1], "-o "+out.result.Binary)
	for _, line := range runner.lines {
		assert.NotContains(t, line, " -c ")
	}
}

const diamondLayout = `
$StartProject: app
(app):
  type: c
  kind: exe
  sources: [main.c]
  depends: [b, c]
(b):
  type: c
  kind: lib
  sources: [b.c]
  depends: d
(c):
  type: c
  kind: lib
  sources: [c.c]
  depends: d
(d):
  type: c
  kind: lib
  sources: [d.c]
`

func TestBuildDiamondLinkOrder(t *testing.T) {
	ft := newFakeToolchain(t)
	cfg := ft.config
	cfg.GroupArchives = false
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"project.yaml": diamondLayout,
		"main.c":       "int b(void); int c(void);\nint main(void) { return b() + c(); }\n",
		"b.c":          "int d(void);\nint b(void) { return d(); }\n",
		"c.c":          "int d(void);\nint c(void) { return d(); }\n",
		"d.c":          "int d(void) { return 1; }\n",
	})

	out := buildProjectWith(t, cfg, dir, nil)
	require.NoError(t, out.err)
	require.Equal(t, build.KindExecutable, out.result.Kind)

	lib := func(name string) string {
		return filepath.Join(out.project.Target(name).OutDir(), "lib"+name+".a")
	}
	assert.Equal(t, []string{lib("b"), lib("c"), lib("d")}, out.graph.Tasks["app"].Input().Archives)
	assert.Equal(t, 1, ft.count(t, "-c "+filepath.Join(dir, "d.c")))
	assert.Equal(t, 1, ft.count(t, "ar rcs "+lib("d")))

	var link string
	for _, line := range ft.invocations(t) {
		if strings.Contains(line, "-o "+out.result.Binary) {
			link = line
		}
	}
	require.NotEmpty(t, link)
	assert.NotContains(t, link, "--start-group")
	pb, pc, pd := strings.Index(link, lib("b")), strings.Index(link, lib("c")), strings.Index(link, lib("d"))
	require.True(t, pb >= 0 && pc >= 0 && pd >= 0, link)
	assert.True(t, pb < pc && pc < pd, "archives out of order: %s", link)
	assert.Equal(t, strings.LastIndex(link, lib("d")), pd, "archive linked twice: %s", link)
}

func TestNestedImportStaysCached(t *testing.T) {
	ft := newFakeToolchain(t)
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"project.yaml": `
$StartProject: app
import: vendor/core
(app):
  type: c
  kind: exe
  sources: [main.c]
  depends: core
`,
		"main.c": "int core(void);\nint main(void) { return core(); }\n",
		"vendor/core/project.yaml": `
(core):
  type: c
  kind: lib
  sources: ["src/**/*.c"]
  includes: [include]
`,
		"vendor/core/include/core.h": "int core(void);\n",
		"vendor/core/src/core.c":     "int core(void) { return 0; }\n",
		"vendor/core/src/io/file.c":  "int file(void) { return 0; }\n",
	})

	first := buildProject(t, ft, dir)
	require.NoError(t, first.err)
	core := first.project.Target("core")
	require.True(t, strings.HasPrefix(core.OutDir(), dir+string(filepath.Separator)))
	assert.Equal(t, 1, ft.count(t, "-c "+filepath.Join(core.Root, "src", "io", "file.c")))

	second := buildProject(t, ft, dir)
	require.NoError(t, second.err)
	assert.True(t, second.graph.Tasks["core"].Cached)
	assert.True(t, second.graph.Tasks["app"].Cached)
	assert.Equal(t, first.result.Binary, second.result.Binary)

	t.Run("child source change", func(t *testing.T) {
		writeTree(t, dir, map[string]string{"vendor/core/src/core.c": "int core(void) { return 1; }\n"})
		third := buildProject(t, ft, dir)
		require.NoError(t, third.err)
		assert.False(t, third.graph.Tasks["core"].Cached)
		assert.False(t, third.graph.Tasks["app"].Cached)
	})
}

func TestExcludeKeySkipsSources(t *testing.T) {
	ft := newFakeToolchain(t)
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"project.yaml": `
$StartProject: app
(app):
  type: c
  kind: exe
  sources: ["**/*.c"]
  exclude: ["test_*.c", "/scratch"]
`,
		"main.c":          "int util(void);\nint main(void) { return util(); }\n",
		"src/util.c":      "int util(void) { return 0; }\n",
		"src/test_util.c": "int broken(void) { return 0 SYNTAX_ERROR }\n",
		"scratch/notes.c": "SYNTAX_ERROR\n",
	})

	first := buildProject(t, ft, dir)
	require.NoError(t, first.err)
	require.Equal(t, build.KindExecutable, first.result.Kind)
	assert.Equal(t, 1, ft.count(t, "-c "+filepath.Join(dir, "main.c")))
	assert.Equal(t, 1, ft.count(t, "-c "+filepath.Join(dir, "src", "util.c")))
	assert.Zero(t, ft.count(t, "test_util.c"))
	assert.Zero(t, ft.count(t, "notes.c"))

	writeTree(t, dir, map[string]string{
		"src/test_util.c": "int broken(void) { return 1 SYNTAX_ERROR }\n",
		"scratch/notes.c": "still SYNTAX_ERROR\n",
	})
	second := buildProject(t, ft, dir)
	require.NoError(t, second.err)
	assert.True(t, second.graph.Tasks["app"].Cached)
}
