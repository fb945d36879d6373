package config

import (
	"fmt"
	"os"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// ConnectionFile is the YAML document declaring connections. Secrets appear
// in plaintext here and are sealed by the secrets store on load.
type ConnectionFile struct {
	Connections []ConnectionSpec `yaml:"connections"`
}

// ConnectionSpec declares one connection and its secret bundle.
type ConnectionSpec struct {
	Key     string            `yaml:"key" validate:"required"`
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type" validate:"required"`
	Secrets map[string]string `yaml:"secrets"`
}

// Config returns the connection configuration without secrets.
func (s ConnectionSpec) Config() domain.ConnectionConfig {
	name := s.Name
	if name == "" {
		name = s.Key
	}
	return domain.ConnectionConfig{Key: s.Key, Name: name, Type: s.Type}
}

// LoadConnections reads connection declarations.
func LoadConnections(path string) ([]ConnectionSpec, error) {
	//nolint:gosec // Connection file path is controlled by admin/operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connection file %s: %w", path, err)
	}
	specs, err := ParseConnections(data)
	if err != nil {
		return nil, fmt.Errorf("connection file %s: %w", path, err)
	}
	return specs, nil
}

// ParseConnections decodes and validates connection declarations.
func ParseConnections(data []byte) ([]ConnectionSpec, error) {
	var file ConnectionFile
	if err := decodeStrict(data, &file); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(file.Connections))
	for i, spec := range file.Connections {
		if err := validate.Struct(spec); err != nil {
			return nil, fmt.Errorf("connection %d: %w", i, validationError(err))
		}
		if _, dup := seen[spec.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate connection %q", domain.ErrConfigInvalid, spec.Key)
		}
		seen[spec.Key] = struct{}{}
	}
	return file.Connections, nil
}
