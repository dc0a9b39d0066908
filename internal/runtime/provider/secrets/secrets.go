// Package secrets resolves provider credentials given literally or as
// references to environment variables.
package secrets

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const envRefPrefix = "env://"

// Lookup finds a named secret. os.LookupEnv satisfies it.
type Lookup func(name string) (string, bool)

// Resolve resolves "env://NAME" or a bare "NAME" through lookup.
func Resolve(ref string, lookup Lookup) (string, error) {
	name, err := refName(ref)
	if err != nil {
		return "", err
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value, ok := lookup(name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("secret ref %q resolved empty value", name)
	}
	return value, nil
}

// FromEnv reads a value from literalVar, preferring the reference held in
// refVar when it resolves. Values are re-read on every call so rotated
// secrets take effect for new connections.
func FromEnv(literalVar, refVar, fallback string) string {
	literal := strings.TrimSpace(os.Getenv(literalVar))
	if literal == "" {
		literal = fallback
	}
	ref := strings.TrimSpace(os.Getenv(refVar))
	if ref == "" {
		return literal
	}
	value, err := Resolve(ref, os.LookupEnv)
	if err != nil {
		return literal
	}
	return value
}

// Credential is a secret configured either as a literal value or as a
// reference. In YAML a scalar starting with env:// is a reference.
type Credential struct {
	Value string `yaml:"value"`
	Ref   string `yaml:"ref"`
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (c *Credential) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var raw string
		if err := node.Decode(&raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if strings.HasPrefix(raw, envRefPrefix) {
			*c = Credential{Ref: raw}
		} else {
			*c = Credential{Value: raw}
		}
		return nil
	}
	type plain Credential
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = Credential(p)
	return nil
}

// Resolve returns the secret. A reference wins over the literal; an empty
// credential resolves to "".
func (c Credential) Resolve(lookup Lookup) (string, error) {
	if strings.TrimSpace(c.Ref) == "" {
		return strings.TrimSpace(c.Value), nil
	}
	return Resolve(c.Ref, lookup)
}

// IsSet reports whether anything was configured.
func (c Credential) IsSet() bool {
	return strings.TrimSpace(c.Value) != "" || strings.TrimSpace(c.Ref) != ""
}

// String never prints secret material.
func (c Credential) String() string {
	if c.Ref != "" {
		return c.Ref
	}
	return Redact(c.Value)
}

// Redact returns a fixed marker for non-empty secret material.
func Redact(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	return "***redacted***"
}

func refName(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return "", fmt.Errorf("secret ref is required")
	}
	if strings.HasPrefix(trimmed, envRefPrefix) {
		name := strings.TrimSpace(strings.TrimPrefix(trimmed, envRefPrefix))
		if name == "" {
			return "", fmt.Errorf("secret ref %q is missing env var name", ref)
		}
		if strings.Contains(name, "/") {
			return "", fmt.Errorf("secret ref %q contains unsupported path separator", ref)
		}
		return name, nil
	}
	if strings.Contains(trimmed, "://") {
		return "", fmt.Errorf("secret ref %q uses unsupported scheme", ref)
	}
	if strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("secret ref %q contains unsupported path separator", ref)
	}
	return trimmed, nil
}
