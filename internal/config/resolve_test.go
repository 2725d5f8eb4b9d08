package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeYAML(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveFileWithoutBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.yaml")
	writeYAML(t, path, "experiment_name: plain\neval_count: 2\n")

	doc, err := ResolveFile(path)
	if err != nil {
		t.Fatalf("ResolveFile: %v", err)
	}
	if doc["experiment_name"] != "plain" || doc["eval_count"] != 2 {
		t.Errorf("doc = %v", doc)
	}
}

func TestResolveFileMergesBaseChain(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, filepath.Join(dir, "root.yaml"), `
experiment_name: root
eval_count: 5
coord:
  image: coord:latest
  environment:
    A: "1"
    B: "1"
`)
	writeYAML(t, filepath.Join(dir, "mid.yaml"), `
$base: root.yaml
coord:
  environment:
    B: "2"
`)
	writeYAML(t, filepath.Join(dir, "leaf.yaml"), `
$base: mid.yaml
experiment_name: leaf
coord:
  environment:
    C: "3"
`)

	doc, err := ResolveFile(filepath.Join(dir, "leaf.yaml"))
	if err != nil {
		t.Fatalf("ResolveFile: %v", err)
	}

	if doc["experiment_name"] != "leaf" {
		t.Errorf("experiment_name = %v", doc["experiment_name"])
	}
	if doc["eval_count"] != 5 {
		t.Errorf("eval_count = %v, want inherited 5", doc["eval_count"])
	}

	env := doc["coord"].(map[string]interface{})["environment"].(map[string]interface{})
	if env["A"] != "1" || env["B"] != "2" || env["C"] != "3" {
		t.Errorf("environment = %v, want three-level merge", env)
	}
	if _, ok := doc["$base"]; ok {
		t.Error("$base key leaked into the resolved document")
	}
}

func TestResolveFileRelativeToIncludingFile(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, filepath.Join(dir, "shared", "base.yaml"), "eval_count: 9\n")
	writeYAML(t, filepath.Join(dir, "exp", "child.yaml"), "$base: ../shared/base.yaml\nexperiment_name: exp\n")

	doc, err := ResolveFile(filepath.Join(dir, "exp", "child.yaml"))
	if err != nil {
		t.Fatalf("ResolveFile: %v", err)
	}
	if doc["eval_count"] != 9 {
		t.Errorf("eval_count = %v, want 9 from sibling directory base", doc["eval_count"])
	}
}

func TestResolveFileListsReplaceNotMerge(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, filepath.Join(dir, "base.yaml"), `
tests:
  - name: db
    image: postgres:16
  - name: cache
    image: redis:7
`)
	writeYAML(t, filepath.Join(dir, "child.yaml"), `
$base: base.yaml
tests:
  - name: db
    image: postgres:17
`)

	doc, err := ResolveFile(filepath.Join(dir, "child.yaml"))
	if err != nil {
		t.Fatalf("ResolveFile: %v", err)
	}
	tests := doc["tests"].([]interface{})
	if len(tests) != 1 {
		t.Fatalf("tests = %v, want child list to replace the base list", tests)
	}
}

func TestResolveFileDetectsCycle(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, filepath.Join(dir, "a.yaml"), "$base: b.yaml\n")
	writeYAML(t, filepath.Join(dir, "b.yaml"), "$base: a.yaml\n")

	_, err := ResolveFile(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("err = %v, want cycle error", err)
	}
}

func TestResolveFileMissingBase(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, filepath.Join(dir, "a.yaml"), "$base: nope.yaml\n")

	if _, err := ResolveFile(filepath.Join(dir, "a.yaml")); err == nil {
		t.Fatal("missing base file must be an error")
	}
}

func TestResolveFileNestedBase(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, filepath.Join(dir, "eval.yaml"), "image: eval:latest\nhostname: eval\n")
	writeYAML(t, filepath.Join(dir, "exp.yaml"), `
experiment_name: exp
eval:
  $base: eval.yaml
  hostname: custom
`)

	doc, err := ResolveFile(filepath.Join(dir, "exp.yaml"))
	if err != nil {
		t.Fatalf("ResolveFile: %v", err)
	}
	eval := doc["eval"].(map[string]interface{})
	if eval["image"] != "eval:latest" || eval["hostname"] != "custom" {
		t.Errorf("nested $base merge = %v", eval)
	}
}
