package build

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventHandler handles events from Builder.Build.
type EventHandler interface {
	HandleEvent(ctx context.Context, event BuildEvent)
}

// EventHandlerFunc is func form of EventHandler.
type EventHandlerFunc func(context.Context, BuildEvent)

// HandleEvent implements EventHandler.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event BuildEvent) {
	f(ctx, event)
}

// BuildEvent is the abstract of builder events.
type BuildEvent interface {
	Builder() *Builder
	Graph() *TaskGraph
}

// BuildStartEvent is the event when Builder.Build starts.
type BuildStartEvent struct {
	buildEventBase
	NumWorkers int
}

// BuildEndEvent is the event when Builder.Build ends.
type BuildEndEvent struct {
	buildEventBase
	Result Result
	Err    error
}

// TargetStartEvent is the event indicating a worker picked up a target.
type TargetStartEvent struct {
	buildEventBase
	Task   *Task
	Worker int
}

// TargetCompleteEvent is the event indicating a target is done,
// successfully, from cache or with a failure.
type TargetCompleteEvent struct {
	buildEventBase
	Task *Task
}

type buildEventBaseAccessor interface {
	eventBase() *buildEventBase
}

type buildEventBase struct {
	builder *Builder
	graph   *TaskGraph
}

func (e *buildEventBase) Builder() *Builder {
	return e.builder
}

func (e *buildEventBase) Graph() *TaskGraph {
	return e.graph
}

func (e *buildEventBase) eventBase() *buildEventBase {
	return e
}

// Builder builds a TaskGraph, dependencies first.
type Builder struct {
	Registry *Registry
	Runner   Runner
	// Scheduler is the template of per target schedulers.
	Scheduler *Scheduler
	Caches    *CacheSet
	// Workers is the number of targets built at the same time, 1 if 0.
	Workers int
	// NoCache skips cache lookups. Results are still stored.
	NoCache      bool
	EventHandler EventHandler
	Logger       zerolog.Logger
}

type execution struct {
	builder      *Builder
	graph        *TaskGraph
	backends     map[*Task]Backend
	runningCount int
	numWorkers   int
	failed       bool
	requestCh    chan *Task
	resultCh     chan *Task
	eventCh      chan BuildEvent
	logger       zerolog.Logger
}

// Build builds all tasks of the graph and returns the result of its
// start target. Compile and link errors produce a Failure result
// holding the diagnostics of every failed target; the error is
// reserved for toolchain, I/O and cancellation errors. After the first
// failure no new target starts, running ones finish.
func (b *Builder) Build(ctx context.Context, g *TaskGraph) (Result, error) {
	x := execution{
		builder:    b,
		graph:      g,
		backends:   make(map[*Task]Backend, len(g.Order)),
		numWorkers: b.Workers,
		logger:     b.Logger,
	}
	if x.numWorkers <= 0 {
		x.numWorkers = 1
	}
	for _, task := range g.Order {
		backend, err := b.Registry.Dispatch(task.Target)
		if err != nil {
			return Result{}, err
		}
		x.backends[task] = backend
	}
	if b.Caches == nil {
		b.Caches = NewCacheSet(b.Logger)
	}
	g.Prepare()
	x.requestCh = make(chan *Task, x.numWorkers)
	x.resultCh = make(chan *Task, x.numWorkers)
	x.eventCh = make(chan BuildEvent, x.numWorkers)
	return x.run(ctx)
}

func (x *execution) haveWorkToDo() bool {
	return x.graph.CompleteList.Len() < len(x.graph.Tasks)
}

func (x *execution) run(ctx context.Context) (Result, error) {
	workerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < x.numWorkers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			x.runWorker(workerCtx, index)
		}(i)
	}

	x.notifyEvent(ctx, &BuildStartEvent{NumWorkers: x.numWorkers})
	x.logger.Debug().Int("workers", x.numWorkers).Int("targets", len(x.graph.Order)).Msg("build started")

	var err error
	for x.haveWorkToDo() {
		if !x.failed {
			if err = x.enqueue(ctx); err != nil {
				break
			}
		}
		if x.runningCount == 0 {
			break
		}
		if err = x.waitResults(ctx); err != nil {
			break
		}
	}

	cancel()
	close(x.requestCh)
	wg.Wait()
	close(x.resultCh)
	close(x.eventCh)

	// Drain requestCh which contains tasks not yet picked up by worker.
	for task := range x.requestCh {
		task.State = TaskReady
		x.runningCount--
	}
	for event := range x.eventCh {
		x.notifyEvent(ctx, event)
	}
	for task := range x.resultCh {
		x.complete(ctx, task)
	}

	result, resErr := x.result()
	if err == nil {
		err = resErr
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	x.notifyEvent(ctx, &BuildEndEvent{Result: result, Err: err})
	x.logger.Debug().Err(err).Str("result", result.Kind.String()).Msg("build ended")
	return result, err
}

func (x *execution) result() (Result, error) {
	var failure *Result
	for elm := x.graph.CompleteList.Front(); elm != nil; elm = elm.Next() {
		task := elm.Value.(*Task)
		if task.Err != nil {
			return Result{}, task.Err
		}
		if task.Result.IsFailure() {
			if failure == nil {
				f := Failure(nil)
				failure = &f
			}
			mergeDiagnostics(failure.Diagnostics, task.Result.Diagnostics)
		}
	}
	if failure != nil {
		return *failure, nil
	}
	if start := x.graph.Start; start != nil && start.State == TaskCompleted {
		return start.Result, nil
	}
	return Result{}, ErrIncomplete
}

func (x *execution) enqueue(ctx context.Context) error {
	for x.runningCount < x.numWorkers {
		if x.graph.ReadyList.Len() == 0 {
			break
		}
		elm := x.graph.ReadyList.Front()
		task := elm.Value.(*Task)
		task.State = TaskQueued
		select {
		case <-ctx.Done():
			task.State = TaskReady
			return ctx.Err()
		case x.requestCh <- task:
			x.graph.ReadyList.Remove(elm)
			x.runningCount++
		}
	}
	return nil
}

func (x *execution) waitResults(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case event := <-x.eventCh:
		x.notifyEvent(ctx, event)
	case task := <-x.resultCh:
		x.complete(ctx, task)
	}
	return nil
}

func (x *execution) complete(ctx context.Context, task *Task) {
	x.graph.Complete(task)
	x.runningCount--
	if task.Failed() {
		x.failed = true
	}
	x.logger.Debug().
		Str("target", task.Name()).
		Bool("cached", task.Cached).
		Str("result", task.Result.Kind.String()).
		Dur("duration", task.Duration()).
		Err(task.Err).
		Msg("target completed")
	x.notifyEvent(ctx, &TargetCompleteEvent{Task: task})
}

func (x *execution) notifyEvent(ctx context.Context, event BuildEvent) {
	if handler := x.builder.EventHandler; handler != nil {
		base := event.(buildEventBaseAccessor).eventBase()
		base.builder, base.graph = x.builder, x.graph
		handler.HandleEvent(ctx, event)
	}
}

func (x *execution) runWorker(ctx context.Context, index int) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-x.requestCh:
			if !ok {
				return
			}
			t.StartTime, t.State = time.Now(), TaskRunning
			x.eventCh <- &TargetStartEvent{Task: t, Worker: index}
			t.Result, t.Cached, t.Err = x.executeTask(ctx, t)
			t.EndTime, t.State = time.Now(), TaskCompleted
			x.resultCh <- t
		}
	}
}

func (x *execution) executeTask(ctx context.Context, task *Task) (Result, bool, error) {
	t := task.Target
	backend := x.backends[task]
	logger := x.logger.With().Str("target", t.Name).Logger()
	outDir := t.OutDir()
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return Result{}, false, fmt.Errorf("create out dir %q error: %w", outDir, err)
	}
	input := task.Input()
	cache := x.builder.Caches.Open(outDir)

	bypass := false
	if bp, ok := backend.(CacheBypasser); ok {
		bypass = bp.BypassCache(t)
	}
	var digest string
	if !bypass {
		var err error
		if digest, err = x.inputDigest(t, backend, input, outDir); err != nil {
			logger.Debug().Err(err).Msg("input digest unavailable, cache disabled")
			digest = ""
		}
	}
	if digest != "" && !x.builder.NoCache {
		if r, ok := cache.Lookup(t.Name, digest); ok {
			logger.Debug().Str("digest", digest).Msg("cache hit")
			return r, true, nil
		}
	}

	logFn := LogFile(outDir, t.Name)
	logFile, err := os.Create(logFn)
	if err != nil {
		return Result{}, false, fmt.Errorf("create log file %q error: %w", logFn, err)
	}
	defer logFile.Close()

	sched := Scheduler{Runner: x.builder.Runner}
	if x.builder.Scheduler != nil {
		sched = *x.builder.Scheduler
	}
	if sched.Runner == nil {
		sched.Runner = x.builder.Runner
	}
	sched.Logger, sched.Log = logger, logFile
	runner := x.builder.Runner
	if runner == nil {
		runner = sched.Runner
	}
	bctx := &BuildContext{
		Target:    t,
		Input:     input,
		OutDir:    outDir,
		Scheduler: &sched,
		Runner:    runner,
		Logger:    logger,
		Log:       logFile,
	}
	r, err := backend.Build(ctx, bctx)
	if err != nil {
		return Result{}, false, err
	}
	if r.IsFailure() || digest == "" {
		return r, false, nil
	}
	if err := cache.Store(t.Name, digest, r); err != nil {
		logger.Warn().Err(err).Msg("cache store failed")
	} else if err := cache.Persist(); err != nil {
		logger.Warn().Err(err).Msg("cache persist failed")
	}
	return r, false, nil
}

// inputDigest covers everything a build result depends on: the target
// sources, its config, the backend and the artifacts of its dependencies.
func (x *execution) inputDigest(t *Target, backend Backend, input Result, outDir string) (string, error) {
	excl := Exclusions{
		Suffixes: DefaultExcludedSuffixes,
		Patterns: append([]string{CacheFileName}, t.Strings("exclude")...),
		Dirs:     []string{outDir},
	}
	tree, err := FingerprintTree(t.Root, excl)
	if err != nil {
		return "", err
	}
	config, err := json.Marshal(t.Config)
	if err != nil {
		return "", fmt.Errorf("encode config error: %w", err)
	}
	extras := []string{
		"backend:" + backend.Name() + "@" + x.builder.Registry.Version(backend.Name()),
		"config:" + string(config),
	}
	for _, inc := range input.Includes {
		entry := "include:" + filepath.ToSlash(inc)
		if !isWithin(t.Root, inc) {
			if fp, err := FingerprintTree(inc, Exclusions{Suffixes: DefaultExcludedSuffixes}); err == nil {
				entry += "=" + fp
			}
		}
		extras = append(extras, entry)
	}
	for _, ar := range input.Archives {
		h, err := HashFile(ar)
		if err != nil {
			return "", err
		}
		extras = append(extras, "archive:"+filepath.ToSlash(ar)+"="+h)
	}
	for _, pch := range input.PrecompiledHeaders {
		extras = append(extras, "pch:"+filepath.ToSlash(pch))
	}
	return InputDigest(tree, extras...), nil
}

// LogFile returns the path of the compile log of a target.
func LogFile(outDir, target string) string {
	return filepath.Join(outDir, target+".log")
}

func isWithin(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func mergeDiagnostics(dst, src map[string][]Diagnostic) {
	for file, diags := range src {
		dst[file] = append(dst[file], diags...)
	}
}
