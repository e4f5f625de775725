package meta

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"gopkg.in/yaml.v3"
)

// LoadDir loads the project file in dir and, recursively, every project
// it imports. Each project file is loaded once; documents are returned in
// load order, the root first.
func LoadDir(dir string) ([]*Document, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("invalid project directory %q", dir)).
			WithCause(err)
	}
	ld := loader{loaded: make(map[string]struct{})}
	if err := ld.load(abs, ""); err != nil {
		return nil, err
	}
	return ld.docs, nil
}

type loader struct {
	loaded map[string]struct{}
	docs   []*Document
}

func (l *loader) load(dir, importedBy string) error {
	dir = filepath.Clean(dir)
	if _, ok := l.loaded[dir]; ok {
		return nil
	}
	l.loaded[dir] = struct{}{}
	doc, err := LoadFile(filepath.Join(dir, ProjectFile))
	if err != nil {
		if importedBy != "" {
			return fmt.Errorf("import from %q: %w", importedBy, err)
		}
		return err
	}
	l.docs = append(l.docs, doc)
	for _, imp := range doc.Imports {
		if err := l.load(imp, doc.File); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile parses a single project file without following imports.
func LoadFile(fn string) (*Document, error) {
	data, err := os.ReadFile(fn)
	if err != nil {
		code := errbuilder.CodeInternal
		if errors.Is(err, os.ErrNotExist) {
			code = errbuilder.CodeNotFound
		}
		return nil, errbuilder.New().
			WithCode(code).
			WithMsg(fmt.Sprintf("load %s error", fn)).
			WithCause(err)
	}
	doc, err := Parse(data, filepath.Dir(fn))
	if err != nil {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("parse %s error", fn)).
			WithCause(err)
	}
	doc.File = fn
	return doc, nil
}

// Parse decodes project file content. Relative imports are resolved against dir.
func Parse(data []byte, dir string) (*Document, error) {
	doc := &Document{
		Dir:       dir,
		Variables: make(map[string]interface{}),
		Settings:  make(map[string]interface{}),
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return doc, nil
	}
	top := root.Content[0]
	if top.Kind == yaml.ScalarNode && top.Tag == "!!null" {
		return doc, nil
	}
	if top.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: top level must be a mapping", top.Line)
	}
	for n := 0; n+1 < len(top.Content); n += 2 {
		keyNode, valNode := top.Content[n], top.Content[n+1]
		key := keyNode.Value
		switch {
		case key == ImportKey:
			imports, err := decodeStrings(valNode)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", keyNode.Line, ImportKey, err)
			}
			for _, imp := range imports {
				if !filepath.IsAbs(imp) {
					imp = filepath.Join(dir, filepath.FromSlash(imp))
				}
				doc.Imports = append(doc.Imports, filepath.Clean(imp))
			}
		case len(key) > 2 && strings.HasPrefix(key, "(") && strings.HasSuffix(key, ")"):
			if valNode.Kind != yaml.MappingNode {
				return nil, fmt.Errorf("line %d: target %s must be a mapping", keyNode.Line, key)
			}
			config := make(map[string]interface{})
			if err := valNode.Decode(&config); err != nil {
				return nil, fmt.Errorf("line %d: target %s: %w", keyNode.Line, key, err)
			}
			doc.Targets = append(doc.Targets, &TargetDecl{
				Name:   key[1 : len(key)-1],
				Line:   keyNode.Line,
				Config: config,
			})
		case len(key) > 1 && strings.HasPrefix(key, "$"):
			var val interface{}
			if err := valNode.Decode(&val); err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", keyNode.Line, key, err)
			}
			doc.Variables[key[1:]] = val
		default:
			var val interface{}
			if err := valNode.Decode(&val); err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", keyNode.Line, key, err)
			}
			doc.Settings[key] = val
		}
	}
	return doc, nil
}

func decodeStrings(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil, nil
		}
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		var out []string
		if err := node.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("expect a string or a list of strings")
}
