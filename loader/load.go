// Package loader turns a QType document path into a raw decoded YAML tree:
// it expands ${VAR}/${VAR:-default} environment references against the
// process environment, resolves !include/!include_raw directives relative
// to the including file with a cycle guard, and records a source map of
// (file, line, column) per node for downstream diagnostics.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bazaarvoice/qtype/core"
)

// RawTree is the root of a loaded, include-resolved, env-substituted YAML
// document. It is still untyped: the parser is the first layer that knows
// about QType's entity shapes.
type RawTree struct {
	Root *yaml.Node
	File string
}

// SourceMap maps a yaml.Node (by pointer identity) to the file/line/column
// it was parsed from. Nodes pulled in via !include carry the included
// file's own location, not the including document's.
type SourceMap map[*yaml.Node]core.SourceLocation

// Locate returns the recorded location for n, or the zero SourceLocation
// if n was not tracked (e.g. a node synthesized by a later layer).
func (m SourceMap) Locate(n *yaml.Node) core.SourceLocation {
	if n == nil {
		return core.SourceLocation{}
	}
	return m[n]
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// Load reads path, performs environment substitution on the raw text,
// decodes it as YAML, and resolves !include/!include_raw directives
// transitively. It returns the resolved tree and a source map covering
// every node reached from the root, across all included files.
func Load(path string) (*RawTree, SourceMap, error) {
	sm := make(SourceMap)
	root, err := loadFile(path, sm, map[string]bool{})
	if err != nil {
		return nil, nil, err
	}
	return &RawTree{Root: root, File: path}, sm, nil
}

func loadFile(path string, sm SourceMap, visiting map[string]bool) (*yaml.Node, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if visiting[abs] {
		return nil, &core.LoaderError{
			Code:    core.LoaderIncludeCycle,
			Message: fmt.Sprintf("include cycle detected at %s", path),
		}
	}
	visiting[abs] = true
	defer delete(visiting, abs)

	raw, err := os.ReadFile(path) // #nosec G304 -- path is supplied by the document author/CLI invocation
	if err != nil {
		return nil, &core.LoaderError{Code: core.LoaderIOFailed, Message: err.Error(), Cause: err}
	}

	substituted, err := substituteEnv(string(raw), path)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(substituted), &doc); err != nil {
		return nil, &core.LoaderError{Code: core.LoaderDecodeFailed, Message: err.Error(), Location: core.SourceLocation{File: path}, Cause: err}
	}
	if len(doc.Content) == 0 {
		return &yaml.Node{Kind: yaml.MappingNode}, nil
	}
	root := doc.Content[0]
	recordLocations(root, path, sm)

	if err := resolveIncludes(root, filepath.Dir(path), sm, visiting); err != nil {
		return nil, err
	}
	return root, nil
}

// substituteEnv expands ${VAR} and ${VAR:-default} against the process
// environment. A reference with no default that is unset in the
// environment fails with EnvVarUnresolved.
func substituteEnv(text, path string) (string, error) {
	var firstErr error
	result := envVarPattern.ReplaceAllStringFunc(text, func(match string) string {
		if firstErr != nil {
			return match
		}
		sub := envVarPattern.FindStringSubmatch(match)
		name, hasDefault, def := sub[1], sub[2] != "", sub[3]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if hasDefault {
			return def
		}
		firstErr = &core.LoaderError{
			Code:     core.LoaderEnvVarUnresolved,
			Message:  fmt.Sprintf("environment variable %q is not set and has no default", name),
			Location: core.SourceLocation{File: path},
		}
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// recordLocations walks n and its descendants, recording each node's
// source location. Scalar nodes tagged !include/!include_raw are recorded
// too, before resolveIncludes replaces them.
func recordLocations(n *yaml.Node, file string, sm SourceMap) {
	if n == nil {
		return
	}
	sm[n] = core.SourceLocation{File: file, Line: n.Line, Column: n.Column}
	for _, c := range n.Content {
		recordLocations(c, file, sm)
	}
}

const (
	tagInclude    = "!include"
	tagIncludeRaw = "!include_raw"
)

// resolveIncludes walks the tree looking for scalar nodes tagged
// !include/!include_raw and replaces them in place with the resolved
// subtree (or a raw string scalar), resolving nested paths relative to
// baseDir.
func resolveIncludes(n *yaml.Node, baseDir string, sm SourceMap, visiting map[string]bool) error {
	if n == nil {
		return nil
	}
	for i, c := range n.Content {
		if c.Kind == yaml.ScalarNode && (c.Tag == tagInclude || c.Tag == tagIncludeRaw) {
			resolved, err := resolveOneInclude(c, baseDir, sm, visiting)
			if err != nil {
				return err
			}
			n.Content[i] = resolved
			continue
		}
		if err := resolveIncludes(c, baseDir, sm, visiting); err != nil {
			return err
		}
	}
	return nil
}

func resolveOneInclude(n *yaml.Node, baseDir string, sm SourceMap, visiting map[string]bool) (*yaml.Node, error) {
	rel := strings.TrimSpace(n.Value)
	target := rel
	if !filepath.IsAbs(target) {
		target = filepath.Join(baseDir, rel)
	}

	if n.Tag == tagIncludeRaw {
		data, err := os.ReadFile(target) // #nosec G304 -- path resolved relative to a trusted document tree
		if err != nil {
			return nil, &core.LoaderError{Code: core.LoaderIOFailed, Message: err.Error(), Location: sm.Locate(n), Cause: err}
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(data), Line: n.Line, Column: n.Column}, nil
	}

	resolved, err := loadFile(target, sm, visiting)
	if err != nil {
		return nil, err
	}
	return resolved, nil
}
