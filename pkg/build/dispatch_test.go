package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juliushaag/cbuild/pkg/build/meta"
)

const diamondProject = `
$StartProject: app
(app):
  type: c
  depends: [gui, net]
(gui):
  type: c
  depends: core
(net):
  type: c
  depends: core
(core):
  type: c
`

type eventLog struct {
	events []BuildEvent
}

func (l *eventLog) HandleEvent(ctx context.Context, event BuildEvent) {
	l.events = append(l.events, event)
}

func (l *eventLog) completed() map[string]bool {
	cached := make(map[string]bool)
	for _, ev := range l.events {
		if c, ok := ev.(*TargetCompleteEvent); ok {
			cached[c.Task.Name()] = c.Task.Cached
		}
	}
	return cached
}

func planTestBuild(t *testing.T, project string) (*Project, *TaskGraph) {
	t.Helper()
	p, err := loadTestProject(t, map[string]string{meta.ProjectFile: project, "main.c": "int main() {}"})
	require.NoError(t, err)
	start, err := p.StartTarget()
	require.NoError(t, err)
	g, err := Plan(p, start)
	require.NoError(t, err)
	return p, g
}

func newTestBuilder(backends ...Backend) (*Builder, *eventLog) {
	events := &eventLog{}
	return &Builder{
		Registry:     NewRegistry(backends...),
		Runner:       &fakeRunner{},
		Caches:       NewCacheSet(zerolog.Nop()),
		EventHandler: events,
		Logger:       zerolog.Nop(),
	}, events
}

func TestBuildDependenciesFirst(t *testing.T) {
	p, g := planTestBuild(t, diamondProject)
	backend := newFakeBackend("fake", "c")
	backend.results["core"] = Result{Kind: KindLibrary, Archives: []string{"/out/libcore.a"}}
	backend.results["gui"] = Result{Kind: KindLibrary, Archives: []string{"/out/libgui.a"}}
	backend.results["net"] = Result{Kind: KindLibrary, Includes: []string{"/net/include"}}
	backend.results["app"] = Result{Kind: KindExecutable, Binary: "/out/app"}
	b, events := newTestBuilder(backend)

	result, err := b.Build(context.Background(), g)
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"core", "gui", "net", "app"}, backend.Built()); diff != "" {
		t.Fatalf("build order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, KindExecutable, result.Kind)
	assert.Equal(t, "/out/app", result.Binary)

	appInput := backend.inputs["app"]
	assert.Equal(t, []string{"/out/libgui.a", "/out/libcore.a"}, appInput.Archives)
	assert.Equal(t, []string{"/net/include"}, appInput.Includes)
	assert.Equal(t, Empty(), backend.inputs["core"])

	require.IsType(t, &BuildStartEvent{}, events.events[0])
	end, ok := events.events[len(events.events)-1].(*BuildEndEvent)
	require.True(t, ok)
	assert.NoError(t, end.Err)
	assert.Len(t, events.completed(), 4)

	for _, name := range []string{"core", "app"} {
		assert.FileExists(t, LogFile(p.Target(name).OutDir(), name))
	}
}

func TestBuildHaltsAfterFailure(t *testing.T) {
	_, g := planTestBuild(t, diamondProject)
	backend := newFakeBackend("fake", "c")
	backend.results["gui"] = Failure(map[string][]Diagnostic{
		"gui.c": {{Line: 3, Severity: SeverityError, Message: "expected ';'"}},
	})
	b, events := newTestBuilder(backend)

	result, err := b.Build(context.Background(), g)
	require.NoError(t, err)
	require.True(t, result.IsFailure())
	assert.Equal(t, []Diagnostic{{Line: 3, Severity: SeverityError, Message: "expected ';'"}}, result.Diagnostics["gui.c"])
	assert.NotContains(t, backend.Built(), "app")
	assert.NotContains(t, backend.Built(), "net")

	end := events.events[len(events.events)-1].(*BuildEndEvent)
	assert.True(t, end.Result.IsFailure())
}

func TestBuildBackendError(t *testing.T) {
	_, g := planTestBuild(t, diamondProject)
	backend := newFakeBackend("fake", "c")
	backend.errs["core"] = errors.New("disk full")
	b, _ := newTestBuilder(backend)

	_, err := b.Build(context.Background(), g)
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, []string{"core"}, backend.Built())
}

func TestBuildToolchainErrorBeforeCompile(t *testing.T) {
	_, g := planTestBuild(t, diamondProject+"(extra):\n  type: fortran\n")
	backend := newFakeBackend("fake", "c")
	b, _ := newTestBuilder(backend)

	p := g.Project
	extra := p.Target("extra")
	require.NotNil(t, extra)
	g2, err := Plan(p, extra)
	require.NoError(t, err)
	_, err = b.Build(context.Background(), g2)
	assert.ErrorIs(t, err, ErrNoBackendForType)
	assert.Empty(t, backend.Built())
}

func TestBuildUsesCache(t *testing.T) {
	p, g := planTestBuild(t, diamondProject)
	backend := newFakeBackend("fake", "c")
	b, _ := newTestBuilder(backend)

	_, err := b.Build(context.Background(), g)
	require.NoError(t, err)
	require.Len(t, backend.Built(), 4)

	t.Run("unchanged", func(t *testing.T) {
		b, events := newTestBuilder(backend)
		backend.built = nil
		first, err := b.Build(context.Background(), g)
		require.NoError(t, err)
		assert.Empty(t, backend.Built())
		assert.Equal(t, map[string]bool{"core": true, "gui": true, "net": true, "app": true}, events.completed())
		assert.Equal(t, KindHeaderOnly, first.Kind)
	})

	t.Run("no cache", func(t *testing.T) {
		b, _ := newTestBuilder(backend)
		b.NoCache = true
		backend.built = nil
		_, err := b.Build(context.Background(), g)
		require.NoError(t, err)
		assert.Len(t, backend.Built(), 4)
	})

	t.Run("source change", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(p.Root, "main.c"), []byte("int main() { return 1; }"), 0644))
		b, _ := newTestBuilder(backend)
		backend.built = nil
		_, err := b.Build(context.Background(), g)
		require.NoError(t, err)
		assert.Len(t, backend.Built(), 4)
	})

	t.Run("bypass", func(t *testing.T) {
		backend.bypass = true
		defer func() { backend.bypass = false }()
		b, _ := newTestBuilder(backend)
		backend.built = nil
		_, err := b.Build(context.Background(), g)
		require.NoError(t, err)
		assert.Len(t, backend.Built(), 4)
	})
}

func TestBuildParallelWorkers(t *testing.T) {
	_, g := planTestBuild(t, diamondProject)
	backend := newFakeBackend("fake", "c")
	b, _ := newTestBuilder(backend)
	b.Workers = 4
	b.NoCache = true

	result, err := b.Build(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, KindHeaderOnly, result.Kind)
	built := backend.Built()
	require.Len(t, built, 4)
	assert.Equal(t, "core", built[0])
	assert.Equal(t, "app", built[3])
}

func TestBuildCanceled(t *testing.T) {
	_, g := planTestBuild(t, diamondProject)
	backend := newFakeBackend("fake", "c")
	b, _ := newTestBuilder(backend)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Build(ctx, g)
	assert.ErrorIs(t, err, context.Canceled)
}
