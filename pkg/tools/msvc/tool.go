// Package msvc provides the Microsoft Visual C++ toolchain.
package msvc

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/juliushaag/cbuild/pkg/build"
)

// SystemLibs are linked into every executable.
var SystemLibs = []string{
	"kernel32.lib", "User32.lib", "gdi32.lib", "winspool.lib", "shell32.lib",
	"ole32.lib", "oleaut32.lib", "uuid.lib", "comdlg32.lib", "advapi32.lib", "msvcrt.lib",
}

var versionRe = regexp.MustCompile(`Version (\d+\.\d+\.\d+)`)

// Config names the programs of the suite.
type Config struct {
	CL   string
	Lib  string
	Link string
}

// DefaultConfig returns the programs found on PATH of an activated
// developer environment.
func DefaultConfig() Config {
	return Config{CL: "cl.exe", Lib: "lib.exe", Link: "link.exe"}
}

// Toolchain implements build.NativeToolchain for cl.exe.
type Toolchain struct {
	Config
}

// New creates a Toolchain.
func New(cfg Config) *Toolchain {
	def := DefaultConfig()
	if cfg.CL == "" {
		cfg.CL = def.CL
	}
	if cfg.Lib == "" {
		cfg.Lib = def.Lib
	}
	if cfg.Link == "" {
		cfg.Link = def.Link
	}
	return &Toolchain{Config: cfg}
}

// NewBackend creates a backend building with cl.exe.
func NewBackend(cfg Config, runner build.Runner) *build.NativeBackend {
	return build.NewNativeBackend(New(cfg), runner)
}

// Name implements build.NativeToolchain.
func (t *Toolchain) Name() string { return "msvc" }

// Types implements build.NativeToolchain.
func (t *Toolchain) Types() []string { return []string{"c", "c++"} }

// ProbeCommand implements build.NativeToolchain. cl prints its banner
// on stderr and exits non-zero without input.
func (t *Toolchain) ProbeCommand() build.Command {
	return build.Command{Program: t.CL}
}

// VersionPattern implements build.NativeToolchain.
func (t *Toolchain) VersionPattern() *regexp.Regexp { return versionRe }

// ObjectSuffix implements build.NativeToolchain.
func (t *Toolchain) ObjectSuffix() string { return ".obj" }

// ArchivePath implements build.NativeToolchain.
func (t *Toolchain) ArchivePath(outDir, name string) string {
	return filepath.Join(outDir, name+".lib")
}

// BinaryPath implements build.NativeToolchain.
func (t *Toolchain) BinaryPath(outDir, name string) string {
	return filepath.Join(outDir, name+".exe")
}

func commonArgs(u *build.CompileUnit) []string {
	args := []string{"/nologo", "/Z7"}
	if u.Std != "" {
		args = append(args, "/std:"+u.Std)
	}
	if u.Debug {
		args = append(args, "/Od")
	}
	for _, inc := range u.Includes {
		args = append(args, "/I"+inc)
	}
	for _, def := range u.Defines {
		args = append(args, "/D"+def)
	}
	return append(args, u.Flags...)
}

func langFlag(cxx bool) string {
	if cxx {
		return "/Tp"
	}
	return "/Tc"
}

// CompileCommand implements build.NativeToolchain.
func (t *Toolchain) CompileCommand(u *build.CompileUnit) build.Command {
	args := commonArgs(u)
	args = append(args, u.Extra...)
	args = append(args, "/c", langFlag(u.CXX)+u.Source, "/Fo"+u.Object)
	return build.Command{Program: t.CL, Args: args}
}

// Precompile implements build.NativeToolchain. cl needs a source file
// including the header to create the .pch, so a stub is written to outDir.
func (t *Toolchain) Precompile(hdr, outDir string, u *build.CompileUnit) (*build.PrecompiledHeader, error) {
	base := filepath.Base(hdr)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	stub := filepath.Join(outDir, name+"_pch"+sourceExt(u.CXX))
	content := fmt.Sprintf("#include \"%s\"\n", base)
	if err := os.WriteFile(stub, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("write %q error: %w", stub, err)
	}
	pch := filepath.Join(outDir, name+".pch")
	obj := filepath.Join(outDir, name+"_pch.obj")
	args := commonArgs(u)
	args = append(args, "/I"+filepath.Dir(hdr), "/c", "/Yc"+base, "/Fp"+pch, langFlag(u.CXX)+stub, "/Fo"+obj)
	return &build.PrecompiledHeader{
		Command:  build.Command{Program: t.CL, Args: args},
		Args:     []string{"/I" + filepath.Dir(hdr), "/Yu" + base, "/Fp" + pch, "/FI" + base},
		Artifact: pch,
		Object:   obj,
	}, nil
}

func sourceExt(cxx bool) string {
	if cxx {
		return ".cpp"
	}
	return ".c"
}

// ArchiveCommand implements build.NativeToolchain. Inherited libraries
// are merged into the produced one.
func (t *Toolchain) ArchiveCommand(archive string, objects, inherited []string) build.Command {
	args := []string{"/nologo", "/OUT:" + archive}
	args = append(args, objects...)
	args = append(args, inherited...)
	return build.Command{Program: t.Lib, Args: args}
}

// AbsorbsArchives implements build.NativeToolchain.
func (t *Toolchain) AbsorbsArchives() bool { return true }

// LinkCommand implements build.NativeToolchain.
func (t *Toolchain) LinkCommand(binary string, objects, archives []string, p *build.NativeParams, cxx bool) build.Command {
	args := []string{"/nologo", "/DEBUG", "/OUT:" + binary}
	args = append(args, archives...)
	args = append(args, objects...)
	for _, lib := range p.Libs {
		if !strings.HasSuffix(strings.ToLower(lib), ".lib") {
			lib += ".lib"
		}
		args = append(args, lib)
	}
	args = append(args, SystemLibs...)
	args = append(args, p.LinkFlags...)
	return build.Command{Program: t.Link, Args: args}
}

// ParseDiagnostics implements build.NativeToolchain.
func (t *Toolchain) ParseDiagnostics(output string) []build.FileDiagnostic {
	return build.ParseMSVCDiagnostics(output)
}
