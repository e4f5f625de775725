package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Values of the "kind" entry of native targets.
const (
	TargetKindHeader = "header"
	TargetKindLib    = "lib"
	TargetKindExe    = "exe"
)

// NativeParams are the config entries of a C/C++ target.
type NativeParams struct {
	Kind              string   `json:"kind"`
	Sources           []string `json:"sources"`
	Includes          []string `json:"includes"`
	Defines           []string `json:"defines"`
	Flags             []string `json:"flags"`
	LinkFlags         []string `json:"link_flags"`
	Libs              []string `json:"libs"`
	Exclude           []string `json:"exclude"`
	Std               string   `json:"std"`
	Debug             bool     `json:"debug"`
	PrecompiledHeader string   `json:"precompiled_header"`
	// Output is the artifact base name, the target name if empty.
	Output string `json:"output"`
}

// CompileUnit describes the compilation of one source file.
type CompileUnit struct {
	Source   string
	Object   string
	CXX      bool
	Includes []string
	Defines  []string
	Flags    []string
	Std      string
	Debug    bool
	// Extra arguments, e.g. to use a precompiled header.
	Extra []string
}

// PrecompiledHeader is how a toolchain precompiles a header.
type PrecompiledHeader struct {
	Command Command
	// Args are added to every compile job using the header.
	Args []string
	// Artifact is the precompiled header file.
	Artifact string
	// Object must be linked in when not empty.
	Object string
}

// NativeToolchain is the command line vocabulary of a C/C++ compiler suite.
type NativeToolchain interface {
	Name() string
	Types() []string
	ProbeCommand() Command
	VersionPattern() *regexp.Regexp
	ObjectSuffix() string
	ArchivePath(outDir, name string) string
	BinaryPath(outDir, name string) string
	CompileCommand(u *CompileUnit) Command
	// Precompile prepares the precompiled header hdr for units in outDir.
	Precompile(hdr, outDir string, u *CompileUnit) (*PrecompiledHeader, error)
	ArchiveCommand(archive string, objects, inherited []string) Command
	// AbsorbsArchives indicates ArchiveCommand merges inherited archives
	// into the produced one.
	AbsorbsArchives() bool
	LinkCommand(binary string, objects, archives []string, p *NativeParams, cxx bool) Command
	ParseDiagnostics(output string) []FileDiagnostic
}

// NativeBackend builds C/C++ targets with a NativeToolchain.
type NativeBackend struct {
	Toolchain NativeToolchain
	Runner    Runner
}

// NewNativeBackend creates a NativeBackend.
func NewNativeBackend(tc NativeToolchain, runner Runner) *NativeBackend {
	return &NativeBackend{Toolchain: tc, Runner: runner}
}

// Name implements Backend.
func (b *NativeBackend) Name() string {
	return b.Toolchain.Name()
}

// Types implements Backend.
func (b *NativeBackend) Types() []string {
	return b.Toolchain.Types()
}

// Probe implements Backend.
func (b *NativeBackend) Probe(ctx context.Context) (string, error) {
	return ProbeVersion(ctx, b.Runner, b.Toolchain.ProbeCommand(), b.Toolchain.VersionPattern())
}

var genericVersionRe = regexp.MustCompile(`\b(\d+(?:\.\d+)+)\b`)

// ProbeVersion runs cmd and extracts a version with pattern, whose
// first group is the version. Some compilers print their banner on
// stderr or exit non-zero when given no input, so both streams are
// searched regardless of the exit status.
func ProbeVersion(ctx context.Context, runner Runner, cmd Command, pattern *regexp.Regexp) (string, error) {
	out, err := runner.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	text := out.Stderr + "\n" + out.Stdout
	for _, re := range []*regexp.Regexp{pattern, genericVersionRe} {
		if re == nil {
			continue
		}
		if m := re.FindStringSubmatch(text); len(m) > 1 {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("%s: no version found in output (exit %d)", cmd.Program, out.ExitCode)
}

// BypassCache implements CacheBypasser: header-only targets run nothing.
func (b *NativeBackend) BypassCache(t *Target) bool {
	var params NativeParams
	if err := t.ParamsAs(&params); err != nil {
		return false
	}
	return resolveKind(&params) == TargetKindHeader
}

func resolveKind(p *NativeParams) string {
	if p.Kind != "" {
		return p.Kind
	}
	if len(p.Sources) == 0 {
		return TargetKindHeader
	}
	return TargetKindExe
}

// Build implements Backend.
func (b *NativeBackend) Build(ctx context.Context, bctx *BuildContext) (Result, error) {
	t := bctx.Target
	if bctx.Log == nil {
		bctx.Log = io.Discard
	}
	runner := bctx.RunnerOr(b.Runner)
	if bctx.Scheduler == nil {
		bctx.Scheduler = &Scheduler{Runner: runner, Logger: bctx.Logger, Log: bctx.Log}
	}
	var params NativeParams
	if err := t.ParamsAs(&params); err != nil {
		return Result{}, fmt.Errorf("target %q: decode params error: %w", t.Name, err)
	}
	kind := resolveKind(&params)
	includes := make([]string, 0, len(params.Includes))
	for _, inc := range params.Includes {
		includes = append(includes, absPath(t.Root, inc))
	}
	includes = mergeUnique(includes, bctx.Input.Includes)

	switch kind {
	case TargetKindHeader:
		return Result{Kind: KindHeaderOnly, Includes: includes, Archives: bctx.Input.Archives}, nil
	case TargetKindLib, TargetKindExe:
	default:
		return failOnFile(t.File, "kind", fmt.Sprintf("target %q: unknown kind %q", t.Name, params.Kind)), nil
	}

	sources, err := Glob(t.Root, params.Sources, Exclusions{Patterns: params.Exclude, Dirs: []string{bctx.OutDir}})
	if err != nil {
		return failOnFile(t.File, "sources", err.Error()), nil
	}
	if len(sources) == 0 {
		return failOnFile(t.File, "sources", fmt.Sprintf("target %q: no source files match %v", t.Name, params.Sources)), nil
	}

	objDir := filepath.Join(bctx.OutDir, "obj", t.Name)
	if err := os.MkdirAll(objDir, 0755); err != nil {
		return Result{}, fmt.Errorf("create object dir %q error: %w", objDir, err)
	}

	tc := b.Toolchain
	cxx := t.Type == "c++"
	for _, src := range sources {
		if isCXXSource(src) {
			cxx = true
		}
	}
	base := CompileUnit{
		CXX:      cxx,
		Includes: includes,
		Defines:  params.Defines,
		Flags:    params.Flags,
		Std:      params.Std,
		Debug:    params.Debug,
	}

	var pch *PrecompiledHeader
	var objects []string
	if params.PrecompiledHeader != "" {
		hdr := absPath(t.Root, params.PrecompiledHeader)
		if pch, err = tc.Precompile(hdr, objDir, &base); err != nil {
			return Result{}, fmt.Errorf("target %q: prepare precompiled header error: %w", t.Name, err)
		}
		fmt.Fprintf(bctx.Log, "$ %s\n", pch.Command)
		out, err := runner.Run(ctx, pch.Command)
		if err != nil {
			return Result{}, fmt.Errorf("target %q: precompile header error: %w", t.Name, err)
		}
		if !out.Success() {
			fmt.Fprintln(bctx.Log, out.Combined())
			agg := NewAggregator()
			agg.RecordAll(tc.ParseDiagnostics(out.Combined()))
			if !agg.HasErrors() {
				agg.Record(hdr, exitDiagnostic(out))
			}
			return Failure(agg.Diagnostics()), nil
		}
		if pch.Object != "" {
			objects = append(objects, pch.Object)
		}
	}

	jobs := make([]Job, 0, len(sources))
	for _, src := range sources {
		u := base
		u.Source = src
		u.CXX = t.Type == "c++" || isCXXSource(src)
		u.Object = filepath.Join(objDir, ObjectName(t.Root, src, tc.ObjectSuffix()))
		if pch != nil {
			u.Extra = pch.Args
		}
		jobs = append(jobs, Job{
			Source:  src,
			Command: tc.CompileCommand(&u),
			Result:  Result{Kind: KindObject, Object: u.Object},
			Parse:   tc.ParseDiagnostics,
		})
	}

	bctx.Logger.Debug().Str("target", t.Name).Int("sources", len(jobs)).Msg("compiling")
	results, agg := bctx.Scheduler.CompileMany(ctx, jobs)
	if agg.Len() > 0 {
		return Failure(agg.Diagnostics()), nil
	}
	for _, r := range results {
		objects = append(objects, r.Object)
	}

	name := params.Output
	if name == "" {
		name = t.Name
	}
	var result Result
	var step Command
	if kind == TargetKindLib {
		archive := tc.ArchivePath(bctx.OutDir, name)
		step = tc.ArchiveCommand(archive, objects, bctx.Input.Archives)
		result = Result{Kind: KindLibrary, Includes: includes, Archives: []string{archive}}
		if !tc.AbsorbsArchives() {
			result.Archives = mergeUniqueLast(result.Archives, bctx.Input.Archives)
		}
	} else {
		binary := tc.BinaryPath(bctx.OutDir, name)
		step = tc.LinkCommand(binary, objects, bctx.Input.Archives, &params, cxx)
		result = Result{Kind: KindExecutable, Binary: binary}
	}
	if pch != nil {
		result.PrecompiledHeaders = []string{pch.Artifact}
	}

	fmt.Fprintf(bctx.Log, "$ %s\n", step)
	out, err := runner.Run(ctx, step)
	if err != nil {
		return Result{}, fmt.Errorf("target %q: %s error: %w", t.Name, step.Program, err)
	}
	if text := out.Combined(); text != "" {
		fmt.Fprintln(bctx.Log, text)
	}
	if !out.Success() {
		return Failure(map[string][]Diagnostic{LinkDiagnosticsFile: {exitDiagnostic(out)}}), nil
	}
	return result, nil
}

// ObjectName flattens the path of src relative to root into a file name,
// e.g. "src/main.c" becomes "src.main.c.o". Sources outside root keep
// their base name prefixed with a short hash of their location, so
// "../a/util.c" and "../b/util.c" get distinct objects.
func ObjectName(root, src, suffix string) string {
	rel, err := filepath.Rel(root, src)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		sum := sha256.Sum256([]byte(filepath.ToSlash(filepath.Clean(src))))
		return hex.EncodeToString(sum[:4]) + "." + filepath.Base(src) + suffix
	}
	rel = strings.NewReplacer("/", ".", "\\", ".").Replace(filepath.ToSlash(rel))
	return rel + suffix
}

func isCXXSource(src string) bool {
	switch strings.ToLower(filepath.Ext(src)) {
	case ".cc", ".cpp", ".cxx", ".c++", ".cp":
		return true
	}
	return false
}

func absPath(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, filepath.FromSlash(p))
}

func exitDiagnostic(out Output) Diagnostic {
	return Diagnostic{
		Severity: SeverityError,
		Code:     fmt.Sprintf("exit-%d", out.ExitCode),
		Message:  summaryLine(out.Combined()),
	}
}

// summaryLine picks the line of tool output that names the failure.
// Linkers print the object being processed before the actual error.
func summaryLine(text string) string {
	for _, line := range splitLines(text) {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "undefined") {
			return strings.TrimSpace(line)
		}
	}
	return firstLine(text)
}

func failOnFile(file, code, msg string) Result {
	return Failure(map[string][]Diagnostic{
		file: {{Severity: SeverityError, Code: code, Message: msg}},
	})
}
