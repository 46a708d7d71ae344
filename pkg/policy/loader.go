package policy

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Parse reads a YAML or JSON policy document.
func Parse(data []byte) (*Policy, error) {
	var doc struct {
		ID        string             `json:"id"`
		Revision  int64              `json:"revision"`
		Resources map[string][]Grant `json:"resources"`
	}
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return New(doc.ID, doc.Revision, doc.Resources)
}

func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading policy '%s': %w", path, err)
	}
	return p, nil
}
