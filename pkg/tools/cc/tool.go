// Package cc provides GNU style C/C++ toolchains (gcc, clang).
package cc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/juliushaag/cbuild/pkg/build"
)

// Precompiled header flavors.
const (
	// PCHInclude compiles header.gch next to a copy of the header and
	// uses it through -include.
	PCHInclude = "include"
	// PCHClang compiles a .pch file used through -include-pch.
	PCHClang = "clang"
)

// Config describes a GNU style compiler suite.
type Config struct {
	Name  string
	CC    string
	CXX   string
	AR    string
	Types []string
	// Version extracts the version from "CC --version".
	Version *regexp.Regexp
	// GroupArchives wraps archives in --start-group/--end-group so their
	// order does not matter.
	GroupArchives bool
	PCH           string
}

// Toolchain implements build.NativeToolchain for gcc compatible drivers.
type Toolchain struct {
	Config
}

var (
	gccVersionRe   = regexp.MustCompile(`\)\s+(\d+\.\d+(?:\.\d+)*)`)
	clangVersionRe = regexp.MustCompile(`clang version (\d+\.\d+\.\d+)`)
)

// GCC returns the configuration of the GNU compiler collection.
func GCC() Config {
	return Config{
		Name:          "gcc",
		CC:            "gcc",
		CXX:           "g++",
		AR:            "ar",
		Types:         []string{"c", "c++"},
		Version:       gccVersionRe,
		GroupArchives: true,
		PCH:           PCHInclude,
	}
}

// Clang returns the configuration of clang.
func Clang() Config {
	return Config{
		Name:    "clang",
		CC:      "clang",
		CXX:     "clang++",
		AR:      "ar",
		Types:   []string{"c", "c++"},
		Version: clangVersionRe,
		PCH:     PCHClang,
	}
}

// New creates a Toolchain, filling unset programs from the defaults of cfg.Name.
func New(cfg Config) *Toolchain {
	if cfg.CXX == "" {
		cfg.CXX = cfg.CC
	}
	if cfg.AR == "" {
		cfg.AR = "ar"
	}
	if len(cfg.Types) == 0 {
		cfg.Types = []string{"c", "c++"}
	}
	if cfg.PCH == "" {
		cfg.PCH = PCHInclude
	}
	return &Toolchain{Config: cfg}
}

// NewBackend creates a backend building with cfg.
func NewBackend(cfg Config, runner build.Runner) *build.NativeBackend {
	return build.NewNativeBackend(New(cfg), runner)
}

// Name implements build.NativeToolchain.
func (t *Toolchain) Name() string { return t.Config.Name }

// Types implements build.NativeToolchain.
func (t *Toolchain) Types() []string { return t.Config.Types }

// ProbeCommand implements build.NativeToolchain.
func (t *Toolchain) ProbeCommand() build.Command {
	return build.Command{Program: t.CC, Args: []string{"--version"}}
}

// VersionPattern implements build.NativeToolchain.
func (t *Toolchain) VersionPattern() *regexp.Regexp { return t.Version }

// ObjectSuffix implements build.NativeToolchain.
func (t *Toolchain) ObjectSuffix() string { return ".o" }

// ArchivePath implements build.NativeToolchain.
func (t *Toolchain) ArchivePath(outDir, name string) string {
	return filepath.Join(outDir, "lib"+name+".a")
}

// BinaryPath implements build.NativeToolchain.
func (t *Toolchain) BinaryPath(outDir, name string) string {
	return filepath.Join(outDir, name)
}

func (t *Toolchain) driver(cxx bool) string {
	if cxx {
		return t.CXX
	}
	return t.CC
}

func (t *Toolchain) commonArgs(u *build.CompileUnit) []string {
	var args []string
	if u.Std != "" && stdApplies(u.Std, u.CXX) {
		args = append(args, "-std="+u.Std)
	}
	if u.Debug {
		args = append(args, "-g")
	}
	for _, inc := range u.Includes {
		args = append(args, "-I"+inc)
	}
	for _, def := range u.Defines {
		args = append(args, "-D"+def)
	}
	return append(args, u.Flags...)
}

// stdApplies tells whether a -std value fits the language of the unit.
func stdApplies(std string, cxx bool) bool {
	return strings.Contains(std, "++") == cxx
}

// CompileCommand implements build.NativeToolchain.
func (t *Toolchain) CompileCommand(u *build.CompileUnit) build.Command {
	args := t.commonArgs(u)
	args = append(args, u.Extra...)
	args = append(args, "-c", u.Source, "-o", u.Object)
	return build.Command{Program: t.driver(u.CXX), Args: args}
}

// Precompile implements build.NativeToolchain.
func (t *Toolchain) Precompile(hdr, outDir string, u *build.CompileUnit) (*build.PrecompiledHeader, error) {
	lang := "c-header"
	if u.CXX {
		lang = "c++-header"
	}
	base := filepath.Base(hdr)
	args := append(t.commonArgs(u), "-x", lang, hdr, "-o")
	if t.PCH == PCHClang {
		artifact := filepath.Join(outDir, base+".pch")
		return &build.PrecompiledHeader{
			Command:  build.Command{Program: t.driver(u.CXX), Args: append(args, artifact)},
			Args:     []string{"-include-pch", artifact},
			Artifact: artifact,
		}, nil
	}
	// The compiler picks up header.gch when including a header of the
	// same name from the same directory.
	copied := filepath.Join(outDir, base)
	if err := copyFile(hdr, copied); err != nil {
		return nil, err
	}
	artifact := copied + ".gch"
	return &build.PrecompiledHeader{
		Command:  build.Command{Program: t.driver(u.CXX), Args: append(args, artifact)},
		Args:     []string{"-include", copied},
		Artifact: artifact,
	}, nil
}

// ArchiveCommand implements build.NativeToolchain.
func (t *Toolchain) ArchiveCommand(archive string, objects, inherited []string) build.Command {
	return build.Command{Program: t.AR, Args: append([]string{"rcs", archive}, objects...)}
}

// AbsorbsArchives implements build.NativeToolchain.
func (t *Toolchain) AbsorbsArchives() bool { return false }

// LinkCommand implements build.NativeToolchain.
func (t *Toolchain) LinkCommand(binary string, objects, archives []string, p *build.NativeParams, cxx bool) build.Command {
	args := append([]string{}, objects...)
	if len(archives) > 0 {
		if t.GroupArchives {
			args = append(args, "-Wl,--start-group")
		}
		args = append(args, archives...)
		if t.GroupArchives {
			args = append(args, "-Wl,--end-group")
		}
	}
	for _, lib := range p.Libs {
		args = append(args, libArg(lib))
	}
	args = append(args, p.LinkFlags...)
	args = append(args, "-o", binary)
	return build.Command{Program: t.driver(cxx), Args: args}
}

// ParseDiagnostics implements build.NativeToolchain.
func (t *Toolchain) ParseDiagnostics(output string) []build.FileDiagnostic {
	return build.ParseGNUDiagnostics(output)
}

func libArg(lib string) string {
	if strings.HasPrefix(lib, "-") || strings.HasSuffix(lib, ".a") || strings.HasSuffix(lib, ".so") {
		return lib
	}
	return "-l" + lib
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q error: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %q error: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %q error: %w", src, err)
	}
	return out.Close()
}
