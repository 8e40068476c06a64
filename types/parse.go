package types

import (
	"fmt"

	"github.com/goccy/go-yaml"
)

// DefinitionDocument is the shape of a definition file exported by a process
// designer. YAML and JSON are both accepted; JSON is parsed as a YAML subset.
type DefinitionDocument struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Graph       Graph  `json:"graph" yaml:"graph"`
}

// ParseDefinitionDocument decodes a definition document from raw bytes.
func ParseDefinitionDocument(data []byte) (DefinitionDocument, error) {
	var doc DefinitionDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return DefinitionDocument{}, fmt.Errorf("failed to parse definition document: %w", err)
	}
	if doc.Name == "" {
		return DefinitionDocument{}, fmt.Errorf("definition document has no name")
	}
	return doc, nil
}
