package build

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/easeway/langx.go/mapper"

	"github.com/juliushaag/cbuild/pkg/build/meta"
)

const (
	// DefaultOutDirName is the output directory under a target root.
	DefaultOutDirName = "bin"

	keyType    = "type"
	keyDepends = "depends"
	keyOutDir  = "bin_dir"
	keyDefines = "defines"
)

// listKeys are config keys accepting either a single string or a list.
var listKeys = []string{
	keyDepends, "sources", "includes", "libs", "flags", "link_flags", "exclude",
}

// Project holds all targets loaded from a set of project documents.
type Project struct {
	// Root is the directory of the root project file.
	Root string
	// Files are the loaded project files in load order.
	Files []string
	// Settings merges the non-target entries of all documents.
	Settings map[string]interface{}
	// Variables merges the "$name" entries of all documents.
	Variables map[string]interface{}

	targets map[string]*Target
}

// Target is a named unit of the build.
type Target struct {
	Project *Project
	Name    string
	Type    string
	// Root is the directory of the project file defining the target.
	Root string
	// File is the project file defining the target.
	File string
	// Config holds the raw target entries with list keys normalized.
	Config map[string]interface{}

	depNames []string
	deps     []*Target
}

// LoadProject loads the project in dir with all its imports and resolves it.
func LoadProject(dir string) (*Project, error) {
	docs, err := meta.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return Resolve(docs)
}

// Resolve builds a Project from loaded documents. The first document is the root.
func Resolve(docs []*meta.Document) (*Project, error) {
	p := &Project{
		Settings:  make(map[string]interface{}),
		Variables: make(map[string]interface{}),
		targets:   make(map[string]*Target),
	}
	if len(docs) > 0 {
		p.Root = docs[0].Dir
	}
	for _, doc := range docs {
		p.Files = append(p.Files, doc.File)
		for key, val := range doc.Settings {
			if _, ok := p.Settings[key]; !ok {
				p.Settings[key] = val
			}
		}
		for key, val := range doc.Variables {
			if _, ok := p.Variables[key]; !ok {
				p.Variables[key] = val
			}
		}
		for _, decl := range doc.Targets {
			if existing, ok := p.targets[decl.Name]; ok {
				return nil, &ConfigError{
					Kind:   ErrDuplicateTarget,
					Target: decl.Name,
					Detail: fmt.Sprintf("defined in %s and %s", existing.File, doc.File),
				}
			}
			t, err := newTarget(p, doc, decl)
			if err != nil {
				return nil, err
			}
			p.targets[t.Name] = t
		}
	}
	for _, t := range p.Targets() {
		seen := make(map[string]struct{}, len(t.depNames))
		for _, name := range t.depNames {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			dep := p.targets[name]
			if dep == nil {
				return nil, &ConfigError{
					Kind:   ErrUnknownDependency,
					Target: t.Name,
					Detail: fmt.Sprintf("%q in %s", name, t.File),
				}
			}
			t.deps = append(t.deps, dep)
		}
	}
	if err := p.checkCycles(); err != nil {
		return nil, err
	}
	return p, nil
}

func newTarget(p *Project, doc *meta.Document, decl *meta.TargetDecl) (*Target, error) {
	t := &Target{
		Project: p,
		Name:    decl.Name,
		Root:    doc.Dir,
		File:    doc.File,
		Config:  make(map[string]interface{}, len(decl.Config)),
	}
	for key, val := range decl.Config {
		t.Config[key] = val
	}
	typ, _ := t.Config[keyType].(string)
	if strings.TrimSpace(typ) == "" {
		return nil, &ConfigError{
			Kind:   ErrMissingType,
			Target: decl.Name,
			Detail: fmt.Sprintf("%s line %d", doc.File, decl.Line),
		}
	}
	t.Type = typ
	for _, key := range listKeys {
		val, ok := t.Config[key]
		if !ok {
			continue
		}
		list, err := normalizeList(val)
		if err != nil {
			return nil, fmt.Errorf("target %q: %s: %w", decl.Name, key, err)
		}
		t.Config[key] = list
	}
	if val, ok := t.Config[keyDefines]; ok {
		defines, err := normalizeDefines(val)
		if err != nil {
			return nil, fmt.Errorf("target %q: %s: %w", decl.Name, keyDefines, err)
		}
		t.Config[keyDefines] = defines
	}
	t.depNames = t.Strings(keyDepends)
	return t, nil
}

func normalizeList(val interface{}) ([]interface{}, error) {
	switch v := val.(type) {
	case nil:
		return []interface{}{}, nil
	case string:
		return []interface{}{v}, nil
	case []interface{}:
		out := make([]interface{}, 0, len(v))
		for n, item := range v {
			switch s := item.(type) {
			case string:
				out = append(out, s)
			case int, int64, float64, bool:
				out = append(out, fmt.Sprint(s))
			default:
				return nil, fmt.Errorf("item %d is not a string", n)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("expect a string or a list of strings")
}

// normalizeDefines accepts a list, a single string or a mapping and
// returns sorted KEY or KEY=VALUE entries for mappings.
func normalizeDefines(val interface{}) ([]interface{}, error) {
	m, ok := val.(map[string]interface{})
	if !ok {
		return normalizeList(val)
	}
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]interface{}, 0, len(keys))
	for _, key := range keys {
		if m[key] == nil {
			out = append(out, key)
			continue
		}
		out = append(out, fmt.Sprintf("%s=%v", key, m[key]))
	}
	return out, nil
}

// Target finds a target by name.
func (p *Project) Target(name string) *Target {
	return p.targets[name]
}

// Targets returns all targets sorted by name.
func (p *Project) Targets() []*Target {
	targets := make([]*Target, 0, len(p.targets))
	for _, t := range p.targets {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
	return targets
}

// StartTarget returns the target named by the $StartProject variable.
func (p *Project) StartTarget() (*Target, error) {
	val, ok := p.Variables[meta.StartTargetVariable]
	if !ok || val == nil {
		return nil, &ConfigError{Kind: ErrNoStartTarget, Detail: "declare one with $" + meta.StartTargetVariable}
	}
	name := fmt.Sprint(val)
	t := p.targets[name]
	if t == nil {
		return nil, &ConfigError{Kind: ErrUnknownStartTarget, Target: name}
	}
	return t, nil
}

// SelectTarget returns the named target, or the start target if name is empty.
func (p *Project) SelectTarget(name string) (*Target, error) {
	if name == "" {
		return p.StartTarget()
	}
	t := p.targets[name]
	if t == nil {
		return nil, &ConfigError{Kind: ErrUnknownStartTarget, Target: name}
	}
	return t, nil
}

// TraversalOrder returns t and its transitive dependencies, dependencies
// first, each target exactly once.
func (p *Project) TraversalOrder(t *Target) ([]*Target, error) {
	var order []*Target
	done := make(map[*Target]struct{})
	visiting := make(map[*Target]struct{})
	var stack []string
	var visit func(*Target) error
	visit = func(t *Target) error {
		if _, ok := done[t]; ok {
			return nil
		}
		stack = append(stack, t.Name)
		if _, ok := visiting[t]; ok {
			return &ConfigError{Kind: ErrCircularDependency, Target: t.Name, Path: cyclePath(stack)}
		}
		visiting[t] = struct{}{}
		for _, dep := range t.deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(visiting, t)
		stack = stack[:len(stack)-1]
		done[t] = struct{}{}
		order = append(order, t)
		return nil
	}
	if err := visit(t); err != nil {
		return nil, err
	}
	return order, nil
}

// Validate checks the start target, if declared, can be traversed.
func (p *Project) Validate() error {
	if _, ok := p.Variables[meta.StartTargetVariable]; !ok {
		return nil
	}
	t, err := p.StartTarget()
	if err != nil {
		return err
	}
	_, err = p.TraversalOrder(t)
	return err
}

func (p *Project) checkCycles() error {
	for _, t := range p.Targets() {
		if _, err := p.TraversalOrder(t); err != nil {
			return err
		}
	}
	return nil
}

// cyclePath trims the stack to the part forming the cycle, which starts
// and ends with the last entry.
func cyclePath(stack []string) []string {
	last := stack[len(stack)-1]
	for n := 0; n < len(stack)-1; n++ {
		if stack[n] == last {
			return append([]string(nil), stack[n:]...)
		}
	}
	return append([]string(nil), stack...)
}

// Dependencies returns the direct dependencies in declared order.
func (t *Target) Dependencies() []*Target {
	return t.deps
}

// DependencyNames returns the declared dependency names.
func (t *Target) DependencyNames() []string {
	return t.depNames
}

// Get returns a config entry, or def if absent.
func (t *Target) Get(key string, def interface{}) interface{} {
	if val, ok := t.Config[key]; ok {
		return val
	}
	return def
}

// Strings returns a list config entry as strings.
func (t *Target) Strings(key string) []string {
	list, _ := t.Config[key].([]interface{})
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

// OutDir returns the absolute output directory of the target.
func (t *Target) OutDir() string {
	dir := DefaultOutDirName
	if val, ok := t.Config[keyOutDir].(string); ok && val != "" {
		dir = val
	} else if t.Project != nil {
		if val, ok := t.Project.Settings[keyOutDir].(string); ok && val != "" {
			dir = val
		}
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(t.Root, filepath.FromSlash(dir))
}

// ParamsAs decodes the target config into a typed params struct using
// "json" or "map" field tags.
func (t *Target) ParamsAs(out interface{}) error {
	m := mapper.Mapper{FieldTags: []string{"json", "map"}}
	return m.Map(out, t.Config)
}

func (t *Target) String() string {
	return fmt.Sprintf("%s (%s)", t.Name, t.Type)
}
