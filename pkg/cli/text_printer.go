package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/juliushaag/cbuild/pkg/build"
)

// TextPrinter provides an output-only UserInterface in plain text.
type TextPrinter struct {
	Out io.Writer
}

// TaskEventHandler implements UserInterface.
func (p *TextPrinter) TaskEventHandler(options EventHandlingOptions) build.EventHandler {
	return &textEventPrinter{out: p.out(), logReader: options.LogReader}
}

// PrintTree prints the dependency tree of a target.
func (p *TextPrinter) PrintTree(target *build.Target) {
	for _, line := range treeLines(target) {
		fmt.Fprintf(p.out(), " %s\n", line)
	}
}

// PrintTargetList prints target list.
func (p *TextPrinter) PrintTargetList(targets []*build.Target) {
	for _, target := range targets {
		fmt.Fprintf(p.out(), "%s %s %s\n", target.Name, target.Type, target.Root)
	}
}

// PrintToolchains prints the probed backends.
func (p *TextPrinter) PrintToolchains(infos []ToolchainInfo) {
	for _, info := range infos {
		version := info.Version
		if !info.Available {
			version = "unavailable"
		}
		fmt.Fprintf(p.out(), "%s %s [%s]\n", info.Name, version, strings.Join(info.Types, ","))
	}
}

// PrintLog prints log from reader.
func (p *TextPrinter) PrintLog(reader io.Reader) {
	io.Copy(p.out(), reader)
}

// PrintCacheEntries prints the cache records of a target.
func (p *TextPrinter) PrintCacheEntries(target *build.Target, entries []build.CacheEntry) {
	fmt.Fprintf(p.out(), "Target: %s\n", target.Name)
	if len(entries) == 0 {
		fmt.Fprintf(p.out(), "  Cached: no\n")
		return
	}
	for _, entry := range entries {
		fmt.Fprintf(p.out(), "  Digest: %s\n", entry.Digest)
		fmt.Fprintf(p.out(), "  Result: %s\n", entry.Result.Kind)
		if artifact := entry.Result.Artifact(); artifact != "" {
			fmt.Fprintf(p.out(), "  Artifact: %s\n", artifact)
		}
	}
}

// PrintDiagnostics prints diagnostics grouped by file.
func (p *TextPrinter) PrintDiagnostics(diags map[string][]build.Diagnostic) {
	build.RenderDiagnostics(p.out(), diags)
}

// PrintArtifact prints the produced artifact.
func (p *TextPrinter) PrintArtifact(path string) {
	if path != "" {
		fmt.Fprintln(p.out(), path)
	}
}

// PrintError implements UserInterface.
func (p *TextPrinter) PrintError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v.\n", err)
}

func (p *TextPrinter) out() io.Writer {
	if p.Out == nil {
		return os.Stdout
	}
	return p.Out
}

type textEventPrinter struct {
	out       io.Writer
	succeeded int
	cached    int
	failed    int
	logReader TaskLogReader
}

func (p *textEventPrinter) HandleEvent(ctx context.Context, event build.BuildEvent) {
	total := len(event.Graph().Tasks)
	completed := event.Graph().CompleteList.Len()
	percentage := fmt.Sprintf("%.1f%%", float32(completed)*100/float32(total))
	switch ev := event.(type) {
	case *build.BuildStartEvent:
		p.succeeded, p.cached, p.failed = 0, 0, 0
		fmt.Fprintf(p.out, "BUILD START workers=%d targets=%d\n", ev.NumWorkers, total)
	case *build.BuildEndEvent:
		fmt.Fprintf(p.out, "BUILD END succeeded=%d cached=%d failed=%d\n", p.succeeded, p.cached, p.failed)
	case *build.TargetStartEvent:
		fmt.Fprintf(p.out, "%s START %s worker=%d\n", percentage, ev.Task.Name(), ev.Worker)
	case *build.TargetCompleteEvent:
		switch {
		case ev.Task.Err != nil:
			p.failed++
			fmt.Fprintf(p.out, "%s FAILED %s: %v\n", percentage, ev.Task.Name(), ev.Task.Err)
		case ev.Task.Failed():
			p.failed++
			fmt.Fprintf(p.out, "%s FAILED %s\n", percentage, ev.Task.Name())
			p.printTaskLog(ev.Task)
		case ev.Task.Cached:
			p.cached++
			fmt.Fprintf(p.out, "%s CACHED %s\n", percentage, ev.Task.Name())
		default:
			p.succeeded++
			fmt.Fprintf(p.out, "%s DONE %s %s\n", percentage, ev.Task.Name(), ev.Task.Result.Kind)
		}
	}
}

func (p *textEventPrinter) printTaskLog(task *build.Task) {
	if p.logReader == nil {
		return
	}
	reader, err := p.logReader(task)
	if err != nil {
		return
	}
	defer reader.Close()
	io.Copy(p.out, reader)
}

// treeLines renders the dependency tree of a target with box glyphs.
func treeLines(target *build.Target) []string {
	deps := target.Dependencies()
	if len(deps) == 0 {
		return []string{"━━ " + target.Name}
	}
	lines := []string{"━┳ " + target.Name}
	for n, dep := range deps {
		child := treeLines(dep)
		head, rest := " ┣", " ┃"
		if n == len(deps)-1 {
			head, rest = " ┗", "  "
		}
		lines = append(lines, head+child[0])
		for _, line := range child[1:] {
			lines = append(lines, rest+line)
		}
	}
	return lines
}
