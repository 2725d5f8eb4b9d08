package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// baseKey marks a mapping as inheriting from another YAML file. The
// referenced file is loaded (recursively) and the mapping's remaining keys
// deep-merge onto it.
const baseKey = "$base"

// ResolveFile loads the YAML document at path and expands every $base
// reference. Paths in $base values are resolved relative to the file that
// contains them; cycles are detected and reported with the include chain.
func ResolveFile(path string) (map[string]interface{}, error) {
	abs, doc, err := readYAML(path, "")
	if err != nil {
		return nil, err
	}
	resolved, err := resolveNode(doc, abs, []string{abs}, map[string]bool{abs: true})
	if err != nil {
		return nil, err
	}
	m, ok := resolved.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("config %s: top-level document must be a mapping", path)
	}
	return m, nil
}

func readYAML(path, relativeTo string) (string, interface{}, error) {
	resolved := path
	if relativeTo != "" && !filepath.IsAbs(path) {
		resolved = filepath.Join(filepath.Dir(relativeTo), path)
	}
	abs, err := filepath.Abs(filepath.Clean(resolved))
	if err != nil {
		return "", nil, err
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		return "", nil, fmt.Errorf("reading %s: %w", abs, err)
	}

	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", nil, fmt.Errorf("parsing %s: %w", abs, err)
	}
	return abs, doc, nil
}

func resolveNode(node interface{}, currentFile string, stack []string, seen map[string]bool) (interface{}, error) {
	switch n := node.(type) {
	case map[string]interface{}:
		if ref, ok := n[baseKey]; ok {
			return resolveBase(n, ref, currentFile, stack, seen)
		}
		out := make(map[string]interface{}, len(n))
		for k, v := range n {
			resolved, err := resolveNode(v, currentFile, stack, seen)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil

	case []interface{}:
		out := make([]interface{}, len(n))
		for i, item := range n {
			resolved, err := resolveNode(item, currentFile, stack, seen)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil

	default:
		return n, nil
	}
}

func resolveBase(node map[string]interface{}, ref interface{}, currentFile string, stack []string, seen map[string]bool) (interface{}, error) {
	refPath, ok := ref.(string)
	if !ok {
		return nil, fmt.Errorf("%s: %s value must be a string path, got %T", currentFile, baseKey, ref)
	}

	abs, baseDoc, err := readYAML(refPath, currentFile)
	if err != nil {
		return nil, fmt.Errorf("%s: resolving %s: %w", currentFile, baseKey, err)
	}
	if seen[abs] {
		return nil, fmt.Errorf("cycle detected in %s chain: %s -> %s", baseKey, joinChain(stack), abs)
	}

	childSeen := copySeen(seen)
	childSeen[abs] = true
	base, err := resolveNode(baseDoc, abs, append(stack, abs), childSeen)
	if err != nil {
		return nil, err
	}

	override := make(map[string]interface{}, len(node)-1)
	for k, v := range node {
		if k == baseKey {
			continue
		}
		resolved, err := resolveNode(v, currentFile, stack, seen)
		if err != nil {
			return nil, err
		}
		override[k] = resolved
	}

	baseMap, ok := base.(map[string]interface{})
	if !ok {
		// A non-mapping base can only be replaced wholesale.
		if len(override) > 0 {
			return nil, fmt.Errorf("%s: cannot merge mapping overrides onto non-mapping base (%T)", currentFile, base)
		}
		return base, nil
	}
	return deepMerge(baseMap, override), nil
}

// deepMerge merges override onto base: mappings merge recursively, anything
// else (including lists) is replaced by the override.
func deepMerge(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bv, ok := out[k]; ok {
			bm, bok := bv.(map[string]interface{})
			om, ook := v.(map[string]interface{})
			if bok && ook {
				out[k] = deepMerge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func copySeen(seen map[string]bool) map[string]bool {
	out := make(map[string]bool, len(seen)+1)
	for k, v := range seen {
		out[k] = v
	}
	return out
}

func joinChain(stack []string) string {
	chain := ""
	for i, s := range stack {
		if i > 0 {
			chain += " -> "
		}
		chain += s
	}
	return chain
}
