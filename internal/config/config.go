// Package config loads and validates furnace orchestration configs.
//
// Configs are YAML documents with two preprocessing passes applied before
// decoding into typed structures: $base inheritance (see resolve.go) and
// $secret decryption (see the secrets package). Validation happens once at
// load time; the orchestrator never sees a malformed spec.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"furnace/internal/secrets"

	"gopkg.in/yaml.v3"
)

// Spec is the top-level orchestration spec parsed from a config file.
type Spec struct {
	// ExperimentName prefixes every network, container, and log file the
	// orchestrator creates.
	ExperimentName string `yaml:"experiment_name"`

	// EvalCount is the total number of eval instances to run.
	EvalCount int `yaml:"eval_count"`

	// ParallelEvals caps concurrently active instances. Defaults to EvalCount.
	ParallelEvals int `yaml:"parallel_evals"`

	// Coord is the shared coordination container, provisioned once per run.
	Coord ContainerSpec `yaml:"coord"`

	// Eval is the template for each instance's driver container.
	Eval ContainerSpec `yaml:"eval"`

	// Tests are auxiliary service containers attached to every instance.
	Tests []ServiceSpec `yaml:"tests"`

	// LogDir is where per-instance log files are written. Defaults to ".log".
	LogDir string `yaml:"log_dir"`

	// MetricsAddr, when set, serves Prometheus metrics during the run
	// (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr"`

	// OTELEndpoint, when set, exports traces over OTLP gRPC
	// (e.g. "localhost:4317").
	OTELEndpoint string `yaml:"otel_endpoint"`
}

// ContainerSpec describes how to launch one container.
type ContainerSpec struct {
	Image       string            `yaml:"image"`
	Hostname    string            `yaml:"hostname"`
	Environment map[string]string `yaml:"environment"`
	Volumes     []Mount           `yaml:"volumes"`
	Ports       []PortMapping     `yaml:"ports"`
	Command     []string          `yaml:"command"`
}

// EnvList returns the environment as sorted KEY=VALUE pairs so launch
// parameters are deterministic.
func (c ContainerSpec) EnvList() []string {
	if len(c.Environment) == 0 {
		return nil
	}
	env := make([]string, 0, len(c.Environment))
	for k, v := range c.Environment {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// ServiceSpec is a container template plus a replica count.
type ServiceSpec struct {
	ContainerSpec `yaml:",inline"`

	Name  string `yaml:"name"`
	Count int    `yaml:"count"`
}

// Mount is a bind mount parsed from "host:container[:mode]".
// Mode defaults to "rw".
type Mount struct {
	HostPath      string
	ContainerPath string
	Mode          string
}

// UnmarshalYAML decodes the compact volume string form.
func (m *Mount) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid volume %q: want host:container[:mode]", raw)
	}
	m.HostPath = parts[0]
	m.ContainerPath = parts[1]
	m.Mode = "rw"
	if len(parts) == 3 {
		if parts[2] != "rw" && parts[2] != "ro" {
			return fmt.Errorf("invalid volume mode %q in %q", parts[2], raw)
		}
		m.Mode = parts[2]
	}
	return nil
}

// MarshalYAML re-encodes the compact string form.
func (m Mount) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%s:%s:%s", m.HostPath, m.ContainerPath, m.Mode), nil
}

// PortMapping maps a container port to a host port, parsed from "host:container".
type PortMapping struct {
	HostPort      int
	ContainerPort int
}

// UnmarshalYAML decodes the compact "host:container" form.
func (p *PortMapping) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parts := strings.Split(raw, ":")
	if len(parts) != 2 {
		return fmt.Errorf("invalid port mapping %q: want host:container", raw)
	}
	host, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("invalid host port in %q: %w", raw, err)
	}
	cont, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("invalid container port in %q: %w", raw, err)
	}
	p.HostPort = host
	p.ContainerPort = cont
	return nil
}

// MarshalYAML re-encodes the compact string form.
func (p PortMapping) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%d:%d", p.HostPort, p.ContainerPort), nil
}

// Load reads the config at path, resolves $base inheritance, decrypts
// $secret values (prompting through password when needed), and validates
// the result.
func Load(path string, password secrets.PasswordFunc) (*Spec, error) {
	doc, err := ResolveFile(path)
	if err != nil {
		return nil, err
	}

	doc, err = secrets.Process(doc, password)
	if err != nil {
		return nil, fmt.Errorf("processing secrets in %s: %w", path, err)
	}

	// Round-trip through YAML to decode the generic tree into typed structs.
	buf, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("re-encoding resolved config: %w", err)
	}

	var spec Spec
	if err := yaml.Unmarshal(buf, &spec); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}

	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &spec, nil
}

// Validate checks required fields and applies defaults. It is called once
// by Load; no resource is ever created from an unvalidated spec.
func (s *Spec) Validate() error {
	if s.ExperimentName == "" {
		return fmt.Errorf("experiment_name is required")
	}
	if s.EvalCount <= 0 {
		return fmt.Errorf("eval_count must be a positive integer, got %d", s.EvalCount)
	}
	if s.ParallelEvals == 0 {
		s.ParallelEvals = s.EvalCount
	}
	if s.ParallelEvals < 0 {
		return fmt.Errorf("parallel_evals must be a positive integer, got %d", s.ParallelEvals)
	}
	if s.LogDir == "" {
		s.LogDir = ".log"
	}
	if s.Coord.Image == "" {
		return fmt.Errorf("coord.image is required")
	}
	if s.Eval.Image == "" {
		return fmt.Errorf("eval.image is required")
	}
	for i := range s.Tests {
		svc := &s.Tests[i]
		if svc.Name == "" {
			return fmt.Errorf("tests[%d].name is required", i)
		}
		if svc.Image == "" {
			return fmt.Errorf("tests[%d] (%s): image is required", i, svc.Name)
		}
		if svc.Count == 0 {
			svc.Count = 1
		}
		if svc.Count < 0 {
			return fmt.Errorf("tests[%d] (%s): count must be positive, got %d", i, svc.Name, svc.Count)
		}
	}
	return nil
}
