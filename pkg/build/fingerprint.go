package build

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/karrick/godirwalk"
	"github.com/zabawaba99/go-gitignore"
)

// DefaultExcludedSuffixes are build artifacts never included in a fingerprint.
var DefaultExcludedSuffixes = []string{
	".o", ".obj", ".a", ".lib", ".exe", ".pdb", ".ilk", ".pch", ".gch",
	".log", ".idb", ".exp",
}

// Exclusions selects files left out of a fingerprint.
type Exclusions struct {
	// Suffixes are file name suffixes, e.g. ".obj".
	Suffixes []string
	// Patterns are gitignore style patterns. A pattern without a slash
	// matches a file or dir name at any depth, one with a slash matches
	// the slash separated path relative to the root.
	Patterns []string
	// Dirs are absolute directories skipped entirely.
	Dirs []string
}

// fileMatcher is the compiled form of Exclusions.Patterns.
type fileMatcher struct {
	names    []glob.Glob
	deep     []glob.Glob
	anchored []string
}

func (e *Exclusions) compile() (*fileMatcher, error) {
	m := &fileMatcher{}
	for _, pattern := range e.Patterns {
		pattern = strings.TrimSpace(filepath.ToSlash(pattern))
		if pattern == "" || strings.HasPrefix(pattern, "#") {
			continue
		}
		rooted := strings.HasPrefix(pattern, "/")
		dirOnly := strings.HasSuffix(pattern, "/")
		pattern = strings.Trim(pattern, "/")
		switch {
		case strings.Contains(pattern, "**"):
			// A match on a directory also covers everything below it.
			for _, expr := range []string{pattern, pattern + "/**"} {
				compiled, err := compileGlob(expr)
				if err != nil {
					return nil, fmt.Errorf("exclude pattern %q: %w", pattern, err)
				}
				m.deep = append(m.deep, compiled...)
			}
		case rooted || strings.Contains(pattern, "/"):
			m.anchored = append(m.anchored, "/"+pattern)
		case dirOnly:
			compiled, err := compileGlob("**/" + pattern + "/**")
			if err != nil {
				return nil, fmt.Errorf("exclude pattern %q: %w", pattern, err)
			}
			m.deep = append(m.deep, compiled...)
		default:
			g, err := glob.Compile(pattern, '/')
			if err != nil {
				return nil, fmt.Errorf("exclude pattern %q: %w", pattern, err)
			}
			m.names = append(m.names, g)
		}
	}
	return m, nil
}

func (m *fileMatcher) match(relPath, name string) bool {
	for _, g := range m.names {
		if g.Match(name) {
			return true
		}
		for dir := path.Dir(relPath); dir != "."; dir = path.Dir(dir) {
			if g.Match(path.Base(dir)) {
				return true
			}
		}
	}
	for _, g := range m.deep {
		if g.Match(relPath) {
			return true
		}
	}
	for _, pattern := range m.anchored {
		for dir := "/" + relPath; dir != "/"; dir = path.Dir(dir) {
			if gitignore.Match(pattern, dir) {
				return true
			}
		}
	}
	return false
}

func (e *Exclusions) excludedSuffix(name string) bool {
	for _, suffix := range e.Suffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func (e *Exclusions) excludedDir(dir string) bool {
	for _, d := range e.Dirs {
		if filepath.Clean(d) == filepath.Clean(dir) {
			return true
		}
	}
	return false
}

// FingerprintTree computes a SHA-256 digest over the contents of all
// files under root, visited in lexical order of their relative paths.
// Only contents contribute: renaming a file keeps the digest.
func FingerprintTree(root string, excl Exclusions) (string, error) {
	files, err := collectFiles(root, &excl)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, rel := range files {
		if err := hashFileInto(h, filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile returns the hex SHA-256 of a single file.
func HashFile(fn string) (string, error) {
	h := sha256.New()
	if err := hashFileInto(h, fn); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// InputDigest combines a tree fingerprint with extra inputs such as
// build parameters or upstream artifacts into the digest used as cache key.
func InputDigest(tree string, extras ...string) string {
	h := sha256.New()
	io.WriteString(h, tree)
	for _, extra := range extras {
		// Length prefix keeps ("ab","c") apart from ("a","bc").
		fmt.Fprintf(h, "\x00%d:%s", len(extra), extra)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashFileInto(w io.Writer, fn string) error {
	f, err := os.Open(fn)
	if err != nil {
		return fmt.Errorf("open %q error: %w", fn, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("read %q error: %w", fn, err)
	}
	return nil
}

// collectFiles returns slash separated paths of regular files under root, sorted.
func collectFiles(root string, excl *Exclusions) ([]string, error) {
	root = filepath.Clean(root)
	matcher, err := excl.compile()
	if err != nil {
		return nil, err
	}
	var files []string
	err = godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(fn string, entry *godirwalk.Dirent) error {
			if fn == root {
				return nil
			}
			if entry.IsDir() {
				if excl.excludedDir(fn) {
					return filepath.SkipDir
				}
				return nil
			}
			if !entry.IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, fn)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if excl.excludedSuffix(entry.Name()) || matcher.match(rel, entry.Name()) {
				return nil
			}
			files = append(files, rel)
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return nil, fmt.Errorf("walk %q error: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// Glob expands patterns relative to root into sorted absolute paths.
// A "**" segment matches any number of directories, including none.
// Patterns without wildcards name a single file.
func Glob(root string, patterns []string, excl Exclusions) ([]string, error) {
	var literal []string
	var wild []glob.Glob
	for _, p := range patterns {
		p = path.Clean(filepath.ToSlash(p))
		if !strings.ContainsAny(p, "*?[{") {
			literal = append(literal, p)
			continue
		}
		compiled, err := compileGlob(p)
		if err != nil {
			return nil, fmt.Errorf("source pattern %q: %w", p, err)
		}
		wild = append(wild, compiled...)
	}
	matcher, err := excl.compile()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(rel string) {
		if _, ok := seen[rel]; ok {
			return
		}
		seen[rel] = struct{}{}
		out = append(out, filepath.Join(root, filepath.FromSlash(rel)))
	}
	for _, rel := range literal {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			return nil, fmt.Errorf("source %q: %w", rel, err)
		}
		if matcher.match(rel, path.Base(rel)) {
			continue
		}
		add(rel)
	}
	if len(wild) > 0 {
		files, err := collectFiles(root, &excl)
		if err != nil {
			return nil, err
		}
		for _, rel := range files {
			for _, g := range wild {
				if g.Match(rel) {
					add(rel)
					break
				}
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// compileGlob compiles a slash separated pattern. A compiled "**" needs
// the separators around it, so each "**/" segment is also tried as
// absent to let it match zero directories.
func compileGlob(pattern string) ([]glob.Glob, error) {
	variants := []string{pattern}
	seen := map[string]struct{}{pattern: {}}
	for i := 0; i < len(variants); i++ {
		v := variants[i]
		for idx := strings.Index(v, "**/"); idx >= 0; {
			if idx == 0 || v[idx-1] == '/' {
				shorter := v[:idx] + v[idx+3:]
				if _, ok := seen[shorter]; !ok {
					seen[shorter] = struct{}{}
					variants = append(variants, shorter)
				}
			}
			next := strings.Index(v[idx+3:], "**/")
			if next < 0 {
				break
			}
			idx += 3 + next
		}
	}
	out := make([]glob.Glob, 0, len(variants))
	for _, v := range variants {
		g, err := glob.Compile(v, '/')
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}
