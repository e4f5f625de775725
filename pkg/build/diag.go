package build

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// LinkDiagnosticsFile is the key under which link and archive failures are recorded.
const LinkDiagnosticsFile = "<link>"

// Severity values as reported by compilers.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityNote    = "note"
)

// Diagnostic is a single compiler message.
type Diagnostic struct {
	Line     int    `json:"line"`
	Severity string `json:"severity"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
}

// IsError indicates the diagnostic is an error, fatal or not.
func (d Diagnostic) IsError() bool {
	return strings.Contains(d.Severity, SeverityError)
}

// FileDiagnostic is a Diagnostic tagged with its source file.
type FileDiagnostic struct {
	File string
	Diagnostic
}

// DiagnosticParser extracts diagnostics from compiler output.
type DiagnosticParser func(output string) []FileDiagnostic

var (
	msvcDiagRe = regexp.MustCompile(`^\s*(.+?)\((\d+)(?:,\d+)?\)\s*:\s+(fatal error|error|warning|note)\s+(\w+)\s*:\s+(.+)$`)
	gnuDiagRe  = regexp.MustCompile(`^(.+?):(\d+):(?:\d+:)?\s+(fatal error|error|warning|note):\s+(.+)$`)
	gnuCodeRe  = regexp.MustCompile(`\s+\[(-W[^\]]+)\]$`)
)

// ParseMSVCDiagnostics parses lines of the form
// "path(line[,col]): severity code: message".
func ParseMSVCDiagnostics(output string) []FileDiagnostic {
	var diags []FileDiagnostic
	forEachLine(output, func(line string) {
		m := msvcDiagRe.FindStringSubmatch(line)
		if m == nil {
			return
		}
		lineNo, _ := strconv.Atoi(m[2])
		diags = append(diags, FileDiagnostic{
			File: m[1],
			Diagnostic: Diagnostic{
				Line:     lineNo,
				Severity: m[3],
				Code:     m[4],
				Message:  strings.TrimSpace(m[5]),
			},
		})
	})
	return diags
}

// ParseGNUDiagnostics parses lines of the form
// "path:line[:col]: severity: message [-Wcode]".
func ParseGNUDiagnostics(output string) []FileDiagnostic {
	var diags []FileDiagnostic
	forEachLine(output, func(line string) {
		m := gnuDiagRe.FindStringSubmatch(line)
		if m == nil {
			return
		}
		lineNo, _ := strconv.Atoi(m[2])
		d := FileDiagnostic{
			File: m[1],
			Diagnostic: Diagnostic{
				Line:     lineNo,
				Severity: m[3],
				Message:  strings.TrimSpace(m[4]),
			},
		}
		if cm := gnuCodeRe.FindStringSubmatchIndex(d.Message); cm != nil {
			d.Code = d.Message[cm[2]:cm[3]]
			d.Message = d.Message[:cm[0]]
		}
		diags = append(diags, d)
	})
	return diags
}

func forEachLine(output string, fn func(string)) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(strings.TrimRight(scanner.Text(), "\r"))
	}
}

// Aggregator collects diagnostics from concurrent compilation jobs.
type Aggregator struct {
	lock  sync.Mutex
	files map[string][]Diagnostic
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{files: make(map[string][]Diagnostic)}
}

// Record adds a diagnostic for file. Exact duplicates are dropped.
func (a *Aggregator) Record(file string, d Diagnostic) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, existing := range a.files[file] {
		if existing == d {
			return
		}
	}
	a.files[file] = append(a.files[file], d)
}

// RecordAll adds a batch of parsed diagnostics.
func (a *Aggregator) RecordAll(diags []FileDiagnostic) {
	for _, d := range diags {
		a.Record(d.File, d.Diagnostic)
	}
}

// Len returns the total number of recorded diagnostics.
func (a *Aggregator) Len() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	n := 0
	for _, diags := range a.files {
		n += len(diags)
	}
	return n
}

// HasErrors indicates at least one error-severity diagnostic was recorded.
func (a *Aggregator) HasErrors() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, diags := range a.files {
		for _, d := range diags {
			if d.IsError() {
				return true
			}
		}
	}
	return false
}

// Diagnostics returns a copy of the recorded diagnostics, each file's
// entries ordered by line descending.
func (a *Aggregator) Diagnostics() map[string][]Diagnostic {
	a.lock.Lock()
	defer a.lock.Unlock()
	out := make(map[string][]Diagnostic, len(a.files))
	for file, diags := range a.files {
		sorted := append([]Diagnostic(nil), diags...)
		sortDiagnostics(sorted)
		out[file] = sorted
	}
	return out
}

// Render formats the diagnostics as a report grouped by file.
func (a *Aggregator) Render() string {
	var sb strings.Builder
	RenderDiagnostics(&sb, a.Diagnostics())
	return sb.String()
}

// RenderDiagnostics writes diagnostics grouped by file, files in name
// order, entries by line descending.
func RenderDiagnostics(w io.Writer, files map[string][]Diagnostic) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		diags := append([]Diagnostic(nil), files[name]...)
		sortDiagnostics(diags)
		fmt.Fprintf(w, "%s:\n", name)
		for _, d := range diags {
			code := ""
			if d.Code != "" {
				code = " " + d.Code
			}
			fmt.Fprintf(w, "  %d: %s%s: %s\n", d.Line, d.Severity, code, d.Message)
		}
	}
}

func sortDiagnostics(diags []Diagnostic) {
	sort.SliceStable(diags, func(i, j int) bool {
		return diags[i].Line > diags[j].Line
	})
}
