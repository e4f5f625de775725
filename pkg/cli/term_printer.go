package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/juliushaag/cbuild/pkg/build"
)

// TermPrinter provides an output-only UserInterface for ANSI terminal.
type TermPrinter struct {
	Out io.Writer
}

// TaskEventHandler implements UserInterface.
func (p *TermPrinter) TaskEventHandler(options EventHandlingOptions) build.EventHandler {
	return newTasksPrinter(p.out(), options.LogReader)
}

// PrintTree prints the dependency tree of a target.
func (p *TermPrinter) PrintTree(target *build.Target) {
	for n, line := range treeLines(target) {
		color := "37"
		if n == 0 {
			color = "36;1"
		}
		fmt.Fprintf(p.out(), " \x1b[%sm%s\x1b[m\n", color, line)
	}
}

// PrintTargetList prints target list.
func (p *TermPrinter) PrintTargetList(targets []*build.Target) {
	for _, target := range targets {
		fmt.Fprintf(p.out(), "\x1b[36;1m%s\x1b[m \x1b[33m%s\x1b[m \x1b[37m[%s]\x1b[m\n", target.Name, target.Type, target.Root)
		if deps := target.DependencyNames(); len(deps) > 0 {
			fmt.Fprintf(p.out(), "  \x1b[37;0m%s\x1b[m\n", strings.Join(deps, " "))
		}
	}
}

// PrintToolchains prints the probed backends.
func (p *TermPrinter) PrintToolchains(infos []ToolchainInfo) {
	for _, info := range infos {
		state := fmt.Sprintf("\x1b[32;1m%s\x1b[m", info.Version)
		if !info.Available {
			state = "\x1b[31;1munavailable\x1b[m"
		}
		fmt.Fprintf(p.out(), "\x1b[36;1m%s\x1b[m %s \x1b[37m[%s]\x1b[m\n", info.Name, state, strings.Join(info.Types, ","))
	}
}

// PrintLog prints log from reader.
func (p *TermPrinter) PrintLog(reader io.Reader) {
	io.Copy(p.out(), reader)
}

// PrintCacheEntries prints the cache records of a target.
func (p *TermPrinter) PrintCacheEntries(target *build.Target, entries []build.CacheEntry) {
	if len(entries) == 0 {
		fmt.Fprintf(p.out(), "\x1b[36;1m%s\x1b[m \x1b[33;1m??\x1b[m\n", target.Name)
		return
	}
	fmt.Fprintf(p.out(), "\x1b[36;1m%s\x1b[m \x1b[32;1mCACHED\x1b[m\n", target.Name)
	for _, entry := range entries {
		fmt.Fprintf(p.out(), "  Digest: \x1b[35m%s\x1b[m\n", entry.Digest)
		fmt.Fprintf(p.out(), "  Result: \x1b[34m%s\x1b[m\n", entry.Result.Kind)
		if artifact := entry.Result.Artifact(); artifact != "" {
			fmt.Fprintf(p.out(), "  Artifact: \x1b[32;1m%s\x1b[m\n", artifact)
		}
	}
}

// PrintDiagnostics prints diagnostics grouped by file.
func (p *TermPrinter) PrintDiagnostics(diags map[string][]build.Diagnostic) {
	var buf bytes.Buffer
	build.RenderDiagnostics(&buf, diags)
	for _, line := range strings.SplitAfter(buf.String(), "\n") {
		switch {
		case line == "":
		case !strings.HasPrefix(line, " "):
			fmt.Fprintf(p.out(), "\x1b[37;1m%s\x1b[m", line)
		case strings.Contains(line, build.SeverityError):
			fmt.Fprintf(p.out(), "\x1b[31m%s\x1b[m", line)
		default:
			fmt.Fprintf(p.out(), "\x1b[33m%s\x1b[m", line)
		}
	}
}

// PrintArtifact prints the produced artifact.
func (p *TermPrinter) PrintArtifact(path string) {
	if path != "" {
		fmt.Fprintf(p.out(), "\x1b[32;1m%s\x1b[m\n", path)
	}
}

// PrintError implements UserInterface.
func (p *TermPrinter) PrintError(err error) {
	fmt.Fprintf(os.Stderr, "\x1b[31;1mError:\x1b[m \x1b[31m%v.\x1b[m\n", err)
}

func (p *TermPrinter) out() io.Writer {
	if p.Out == nil {
		return os.Stdout
	}
	return p.Out
}

type tasksPrinter struct {
	succeeded   int
	cached      int
	failed      int
	logReader   TaskLogReader
	writer      io.Writer
	tasks       map[*build.Task]int
	currentRows int
}

func newTasksPrinter(w io.Writer, logReader TaskLogReader) *tasksPrinter {
	p := &tasksPrinter{
		writer:    w,
		logReader: logReader,
		tasks:     make(map[*build.Task]int),
	}
	return p
}

func (p *tasksPrinter) HandleEvent(ctx context.Context, event build.BuildEvent) {
	total := len(event.Graph().Tasks)
	completed := event.Graph().CompleteList.Len()
	percentage := float32(completed) * 100 / float32(total)
	switch ev := event.(type) {
	case *build.BuildStartEvent:
		p.succeeded, p.cached, p.failed = 0, 0, 0
	case *build.BuildEndEvent:
		p.complete(p.succeeded, p.cached, p.failed, total-completed)
	case *build.TargetStartEvent:
		p.taskStart(ev.Task, ev.Worker, percentage)
	case *build.TargetCompleteEvent:
		switch {
		case ev.Task.Failed():
			p.failed++
		case ev.Task.Cached:
			p.cached++
		default:
			p.succeeded++
		}
		p.taskComplete(ev.Task, percentage)
	}
}

func (p *tasksPrinter) taskStart(task *build.Task, worker int, percentage float32) {
	p.tasks[task] = worker
	p.moveToStart()
	p.renderRows(percentageState(percentage))
}

func (p *tasksPrinter) taskComplete(task *build.Task, percentage float32) {
	delete(p.tasks, task)
	var linePrefix, dur string
	switch {
	case task.Failed():
		linePrefix = "\x1b[31;1m:("
	case task.Cached:
		linePrefix = "\x1b[36;1m:]"
	default:
		linePrefix = "\x1b[32;1m:)"
	}
	if !task.Cached {
		dur = fmt.Sprintf(" \x1b[35;1m%s\x1b[m", task.Duration().Truncate(time.Millisecond))
	}
	if kind := task.Result.Kind; !task.Failed() && kind != build.KindNone {
		dur += fmt.Sprintf(" \x1b[34m%s\x1b[m", kind)
	}
	p.moveToStart()
	p.printf("\x1b[2K\r%s\x1b[m \x1b[37m%s\x1b[m%s\n", linePrefix, task.Name(), dur)
	for i := 1; i < p.currentRows; i++ {
		p.printf("\x1b[2K\n")
	}
	if p.currentRows > 1 {
		p.printf("\x1b[%dA", p.currentRows-1)
	}
	p.currentRows = 0
	switch {
	case task.Err != nil:
		p.printf("    \x1b[31m%v\x1b[m\n", task.Err)
	case task.Failed():
		p.printf("    \x1b[31m%d file(s) with errors\x1b[m\n", len(task.Result.Diagnostics))
		p.printTaskLog(task)
	}
	p.renderRows(percentageState(percentage))
}

func (p *tasksPrinter) complete(succeeded, cached, failed, incomplete int) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\x1b[32mOK\x1b[m \x1b[32;1m%d\x1b[m", succeeded)
	if cached != 0 {
		fmt.Fprintf(&buf, " \x1b[36mCached\x1b[m \x1b[36;1m%d\x1b[m", cached)
	}
	if failed != 0 {
		fmt.Fprintf(&buf, " \x1b[31mFailed\x1b[m \x1b[31;1m%d\x1b[m", failed)
	}
	if incomplete != 0 {
		fmt.Fprintf(&buf, " \x1b[37;0mNotRun\x1b[m \x1b[37m%d\x1b[m", incomplete)
	}
	p.tasks = nil
	p.moveToStart()
	p.renderRows(buf.String())
	p.printf("\n")
}

func (p *tasksPrinter) moveToStart() {
	// The cursor sits on the row after the last worker row.
	p.printf("\x1b[2K\r")
	if p.currentRows > 0 {
		p.printf("\x1b[%dA", p.currentRows)
	}
}

func (p *tasksPrinter) renderRows(state string) {
	workers := make(map[int]*build.Task)
	for t, w := range p.tasks {
		workers[w] = t
	}
	slots := make([]int, 0, len(workers)+1)
	for n := range workers {
		slots = append(slots, n)
	}
	sort.Ints(slots)
	for _, w := range slots {
		p.printf("\x1b[2K\r\x1b[5m\x1b[32m>>\x1b[m \x1b[36m%2d\x1b[m \x1b[37m%s\x1b[m\n", w, workers[w].Name())
	}
	for i := len(slots); i < p.currentRows; i++ {
		p.printf("\x1b[2K\n")
	}
	if p.currentRows > len(slots) {
		p.printf("\x1b[%dA", p.currentRows-len(slots))
	}
	p.currentRows = len(slots)
	p.printf("\x1b[2K\r%s", state)
}

func (p *tasksPrinter) printf(format string, args ...interface{}) {
	fmt.Fprintf(p.writer, format, args...)
}

func (p *tasksPrinter) printTaskLog(task *build.Task) {
	if p.logReader == nil {
		return
	}
	reader, err := p.logReader(task)
	if err != nil {
		p.printf("    \x1b[31mFailed to open log: %v.\x1b[m\n", err)
		p.printf("    \x1b[31mPlease use \x1b[37mlog %s\x1b[31m command to inspect the output.\x1b[m\n", task.Name())
		return
	}
	defer reader.Close()
	io.Copy(p.writer, reader)
	p.printf("\n")
}

func percentageState(percentage float32) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%.1f%% [", percentage)
	blocks := int(percentage * 20 / 100)
	for i := 0; i < blocks; i++ {
		fmt.Fprintf(&buf, "=")
	}
	for i := blocks; i < 20; i++ {
		fmt.Fprintf(&buf, " ")
	}
	fmt.Fprintf(&buf, "]")
	return buf.String()
}
