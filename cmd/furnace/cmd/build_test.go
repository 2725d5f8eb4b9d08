package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestBuildCommand_ResolvesInheritance(t *testing.T) {
	resetViper()
	dir := t.TempDir()

	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte(`experiment_name: base
eval_count: 3
coord:
  image: coord:latest
  environment:
    SHARED: "1"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	child := filepath.Join(dir, "child.yaml")
	if err := os.WriteFile(child, []byte(`$base: base.yaml
experiment_name: child
coord:
  environment:
    EXTRA: "2"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	output, err := execute("build", child)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal([]byte(output), &doc); err != nil {
		t.Fatalf("output is not valid YAML: %v\n%s", err, output)
	}

	if doc["experiment_name"] != "child" {
		t.Errorf("experiment_name = %v, want override from child", doc["experiment_name"])
	}
	if doc["eval_count"] != 3 {
		t.Errorf("eval_count = %v, want 3 inherited from base", doc["eval_count"])
	}
	coord, _ := doc["coord"].(map[string]interface{})
	env, _ := coord["environment"].(map[string]interface{})
	if env["SHARED"] != "1" || env["EXTRA"] != "2" {
		t.Errorf("coord.environment = %v, want merged base and child keys", env)
	}
	if strings.Contains(output, "$base") {
		t.Error("resolved output still contains a $base reference")
	}
}

func TestBuildCommand_MissingFile(t *testing.T) {
	resetViper()
	if _, err := execute("build", filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
